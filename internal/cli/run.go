package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/run"
	"github.com/droverhq/drover/pkg/transcript"
)

var (
	runSession string
	runAgent   string
	runResume  bool
)

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Run an agent job to completion",
	Long: `Run a single agent job in the foreground and print the final
response when it finishes. Ctrl-C requests a cooperative cancel; the
run stops at the next safe point.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "default", "session key (runs on the same key never overlap)")
	runCmd.Flags().StringVar(&runAgent, "agent", "default", "agent id the job is billed against")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "seed this run from the session's previous transcript")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(ctx)
	}()

	objective := strings.Join(args, " ")
	ctx := context.Background()

	job, err := a.service.Submit(ctx, runAgent, runSession, objective, run.SubmitOptions{
		Resume: runResume,
	})
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	fmt.Printf("Job: %s\n", job.ID)

	events, unsubscribe := a.bus.Subscribe(job.ID)
	defer unsubscribe()
	go func() {
		for ev := range events {
			switch ev.Type {
			case "turn.started":
				fmt.Printf("  turn %v\n", ev.Data["turn"])
			case "tool.executed":
				fmt.Printf("  tool %v (ok=%v)\n", ev.Data["tool"], ev.Data["success"])
			}
		}
	}()

	// Ctrl-C requests a cancel; a second Ctrl-C exits immediately.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		fmt.Println("cancelling (Ctrl-C again to force quit)...")
		a.service.Cancel(job.ID)
		<-sig
		os.Exit(1)
	}()

	final, err := waitForJob(ctx, a, job.ID)
	if err != nil {
		return err
	}

	switch final.Status {
	case transcript.JobCompleted:
		fmt.Println(final.FinalResponse)
		return nil
	case transcript.JobCancelled:
		fmt.Println("Job cancelled.")
		return nil
	default:
		return fmt.Errorf("job %s: %s", strings.ToLower(string(final.Status)), final.ErrorText)
	}
}

// waitForJob polls until the job reaches a terminal status.
func waitForJob(ctx context.Context, a *app, jobID string) (*transcript.Job, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := a.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to read job: %w", err)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
