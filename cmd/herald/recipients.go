package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mivanov/herald/internal/recipient"
)

var recipientsCmd = &cobra.Command{
	Use:   "recipients",
	Short: "Recipient list commands",
}

var recipientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipients",
	RunE:  runRecipientsList,
}

var recipientsImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Replace the recipient list from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipientsImport,
}

func init() {
	recipientsCmd.AddCommand(recipientsListCmd, recipientsImportCmd)
	rootCmd.AddCommand(recipientsCmd)
}

func openRecipientStorage() (*recipient.Storage, func(), error) {
	db, _, err := openStorage()
	if err != nil {
		return nil, nil, err
	}

	storage, err := recipient.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open recipient storage: %w", err)
	}

	return storage, func() { db.Close() }, nil
}

func runRecipientsList(cmd *cobra.Command, args []string) error {
	storage, closeDB, err := openRecipientStorage()
	if err != nil {
		return err
	}
	defer closeDB()

	recipients, err := storage.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list recipients: %w", err)
	}

	if len(recipients) == 0 {
		fmt.Println("No recipients")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tGROUP\tSELECTED")
	for _, r := range recipients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
			r.ID, r.Name, r.Address, r.ChannelGroup, r.Selected)
	}
	return w.Flush()
}

func runRecipientsImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var recipients []recipient.Recipient
	if err := json.Unmarshal(data, &recipients); err != nil {
		return fmt.Errorf("failed to parse file: %w", err)
	}
	for i, r := range recipients {
		if r.Address == "" {
			return fmt.Errorf("recipient %d has no address", i)
		}
	}

	storage, closeDB, err := openRecipientStorage()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := storage.Save(context.Background(), recipients); err != nil {
		return fmt.Errorf("failed to save recipients: %w", err)
	}

	fmt.Printf("Imported %d recipients\n", len(recipients))
	return nil
}
