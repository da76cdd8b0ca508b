package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a job",
	Long:  `Show the status, timing, and final response of a stored job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Logging.Console = false

	lg, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer lg.Close()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := store.GetJob(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("Agent: %s\n", job.AgentID)
	fmt.Printf("Session: %s\n", job.SessionKey)
	fmt.Printf("Status: %s\n", job.Status)
	if job.StartedAt != nil {
		fmt.Printf("Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}
	if job.ErrorText != "" {
		fmt.Printf("Error: %s\n", job.ErrorText)
	}
	if job.FinalResponse != "" {
		fmt.Printf("\n%s\n", job.FinalResponse)
	}
	return nil
}
