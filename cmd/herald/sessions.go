package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mivanov/herald/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session history commands",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived dispatch sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session_id>",
	Short: "Delete a session from history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openSessionStore() (*session.Store, func(), error) {
	db, cfg, err := openStorage()
	if err != nil {
		return nil, nil, err
	}

	store, err := session.NewStore(db, cfg.Sessions.HistoryLimit)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}

	return store, func() { db.Close() }, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openSessionStore()
	if err != nil {
		return err
	}
	defer closeDB()

	sessions, err := store.History(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No archived sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSENT\tTOTAL\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Name, s.Status, s.SentCount, s.TotalRecipients,
			s.StartTime.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openSessionStore()
	if err != nil {
		return err
	}
	defer closeDB()

	s, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("session not found: %s", args[0])
	}

	fmt.Printf("ID:         %s\n", s.ID)
	fmt.Printf("Name:       %s\n", s.Name)
	fmt.Printf("Status:     %s\n", s.Status)
	fmt.Printf("Template:   %d\n", s.TemplateID)
	fmt.Printf("Progress:   %d/%d\n", s.SentCount, s.TotalRecipients)
	fmt.Printf("Started:    %s\n", s.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:    %s\n", s.LastUpdateTime.Format("2006-01-02 15:04:05"))
	if s.FailureReason != "" {
		fmt.Printf("Failure:    %s\n", s.FailureReason)
	}
	if s.FailedRecipientID != "" {
		fmt.Printf("Failed at:  %s\n", s.FailedRecipientID)
	}
	if len(s.Remaining) > 0 {
		fmt.Printf("Remaining:  %d recipients\n", len(s.Remaining))
	}

	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openSessionStore()
	if err != nil {
		return err
	}
	defer closeDB()

	deleted, err := store.DeleteFromHistory(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return fmt.Errorf("session not found: %s", args[0])
	}

	fmt.Printf("Session %s deleted\n", args[0])
	return nil
}
