package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [thread-id]",
	Short: "Show thread counts or one thread's state",
	Long: `Without arguments, show how many threads are in each status and list
those that still need attention. With a thread id, show the thread, its
checkpoints and any pending decision.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var threadsStatus string

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.ThreadStatus(threadsStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", threadsStatus)
		}
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		threads, err := a.threads.List(cmd.Context(), status)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(threads)
		}
		if len(threads) == 0 {
			fmt.Println("No threads.")
			return nil
		}
		printThreads(threads)
		return nil
	},
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <thread-id>",
	Short: "List a thread's checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		cps, err := a.checkpoints.List(cmd.Context(), args[0], checkpoint.Filter{SkipPayload: !jsonOutput})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cps)
		}
		if len(cps) == 0 {
			fmt.Println("No checkpoints.")
			return nil
		}
		printCheckpoints(cps)
		return nil
	},
}

func init() {
	threadsCmd.Flags().StringVar(&threadsStatus, "status", "", "Filter by status (active, awaiting_approval, completed, failed, rejected)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		counts, err := a.threads.CountByStatus(ctx)
		if err != nil {
			return err
		}
		interrupted, err := a.recovery.CheckForInterrupted(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"counts": counts, "open": interrupted})
		}
		printCounts(counts)
		if len(interrupted) > 0 {
			fmt.Println()
			fmt.Println("Open threads:")
			for _, it := range interrupted {
				phase := string(it.Phase)
				if phase == "" {
					phase = "no checkpoints"
				}
				fmt.Printf("  %s: %s at %s (%s)\n", it.ThreadID, colorStatus(it.Status), phase, formatAgo(it.LastActivity))
			}
		}
		return nil
	}

	t, err := a.threads.Get(ctx, args[0])
	if err != nil {
		return err
	}
	cps, err := a.checkpoints.List(ctx, t.ID, checkpoint.Filter{SkipPayload: true})
	if err != nil {
		return err
	}
	pending, err := a.gate().PendingRequest(ctx, t.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"thread": t, "checkpoints": cps, "pending": pending})
	}

	printThread(t)
	if len(cps) > 0 {
		fmt.Println()
		printCheckpoints(cps)
	}
	if pending != nil {
		fmt.Println()
		fmt.Printf("Awaiting approval since %s:\n", formatTime(pending.RequestedAt))
		printDecision(pending.Decision)
	}
	return nil
}
