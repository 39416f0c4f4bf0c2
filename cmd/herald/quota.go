package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mivanov/herald/internal/ratelimit"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Daily quota commands",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show today's quota usage",
	RunE:  runQuotaShow,
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset today's counter for the configured channel",
	RunE:  runQuotaReset,
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd, quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}

func runQuotaShow(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	limiter, err := ratelimit.NewLimiter(db, cfg.Quota.DailyLimit)
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}

	used, err := limiter.CountToday(context.Background(), cfg.Channel.ID)
	if err != nil {
		return fmt.Errorf("failed to read quota: %w", err)
	}

	fmt.Printf("Channel:   %s\n", cfg.Channel.ID)
	fmt.Printf("Used:      %d\n", used)
	fmt.Printf("Limit:     %d\n", limiter.DailyLimit())
	fmt.Printf("Remaining: %d\n", max(limiter.DailyLimit()-used, 0))

	return nil
}

func runQuotaReset(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	limiter, err := ratelimit.NewLimiter(db, cfg.Quota.DailyLimit)
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}

	if err := limiter.Reset(context.Background(), cfg.Channel.ID); err != nil {
		return fmt.Errorf("failed to reset quota: %w", err)
	}

	fmt.Printf("Quota reset for channel %s\n", cfg.Channel.ID)
	return nil
}
