package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark stale running jobs as abandoned",
	Long: `Mark jobs still recorded as running past the configured abandon
window as abandoned. The janitor does this on a schedule while the
service runs; sweep does one pass by hand, for example after a crash.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lg, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer lg.Close()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-cfg.Janitor.AbandonAfter)
	count, err := store.SweepAbandoned(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Printf("Swept %d abandoned job(s) (cutoff %s)\n", count, cutoff.Format(time.RFC3339))
	return nil
}
