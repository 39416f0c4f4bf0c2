package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mivanov/herald/internal/template"
)

var templateDescription string

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Message template commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show template content",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateSetCmd = &cobra.Command{
	Use:   "set <id> <content>",
	Short: "Create or replace a template",
	Args:  cobra.ExactArgs(2),
	RunE:  runTemplateSet,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

func init() {
	templateSetCmd.Flags().StringVar(&templateDescription, "description", "", "Template description")

	templateCmd.AddCommand(templateListCmd, templateShowCmd, templateSetCmd, templateDeleteCmd)
	rootCmd.AddCommand(templateCmd)
}

func openTemplateStorage() (*template.Storage, func(), error) {
	db, _, err := openStorage()
	if err != nil {
		return nil, nil, err
	}

	storage, err := template.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open template storage: %w", err)
	}

	return storage, func() { db.Close() }, nil
}

func templateIDArg(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("template id must be a positive integer, got %q", arg)
	}
	return id, nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	storage, closeDB, err := openTemplateStorage()
	if err != nil {
		return err
	}
	defer closeDB()

	templates, err := storage.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDESCRIPTION\tUPDATED\tCONTENT")
	for _, t := range templates {
		content := t.Content
		if len(content) > 60 {
			content = content[:57] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			t.ID, t.Description, t.UpdatedAt.Format("2006-01-02 15:04:05"), content)
	}
	return w.Flush()
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	id, err := templateIDArg(args[0])
	if err != nil {
		return err
	}

	storage, closeDB, err := openTemplateStorage()
	if err != nil {
		return err
	}
	defer closeDB()

	tmpl, err := storage.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}
	if tmpl == nil {
		return fmt.Errorf("template not found: %d", id)
	}

	fmt.Printf("ID:          %d\n", tmpl.ID)
	if tmpl.Description != "" {
		fmt.Printf("Description: %s\n", tmpl.Description)
	}
	fmt.Printf("Updated:     %s\n", tmpl.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Content:\n%s\n", tmpl.Content)

	return nil
}

func runTemplateSet(cmd *cobra.Command, args []string) error {
	id, err := templateIDArg(args[0])
	if err != nil {
		return err
	}

	storage, closeDB, err := openTemplateStorage()
	if err != nil {
		return err
	}
	defer closeDB()

	tmpl := &template.Template{
		ID:          id,
		Content:     args[1],
		Description: templateDescription,
	}
	if err := storage.Put(context.Background(), tmpl); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	fmt.Printf("Template %d saved\n", id)
	return nil
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	id, err := templateIDArg(args[0])
	if err != nil {
		return err
	}

	storage, closeDB, err := openTemplateStorage()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := storage.Delete(context.Background(), id); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template %d deleted\n", id)
	return nil
}
