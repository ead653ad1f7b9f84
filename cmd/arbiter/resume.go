package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbiter/internal/orchestrator"
)

var (
	resumeRoster      string
	resumeAll         bool
	resumeParallelism int
)

var resumeCmd = &cobra.Command{
	Use:   "resume [thread-id]",
	Short: "Resume an interrupted thread",
	Long: `Resume a thread from its last good checkpoint. Phases whose output is
already checkpointed are not run again, so workers are only consulted for
rounds that never finished.

With --all, every non-terminal thread is resumed concurrently.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeRoster, "roster", "", "Worker roster file (default: orchestration.roster_path)")
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "Resume every interrupted thread")
	resumeCmd.Flags().IntVar(&resumeParallelism, "parallel", 4, "Threads resumed at once with --all")
}

func runResume(cmd *cobra.Command, args []string) error {
	if resumeAll == (len(args) == 1) {
		return fmt.Errorf("give either a thread id or --all")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reg, _, err := a.registry(ctx, resumeRoster)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(reg)
	if err != nil {
		return err
	}

	if !resumeAll {
		out, err := orch.Resume(ctx, args[0])
		return report(out, err)
	}

	results, err := orch.RecoverAll(ctx, resumeParallelism)
	if jsonOutput {
		type row struct {
			ThreadID string                `json:"thread_id"`
			Outcome  *orchestrator.Outcome `json:"outcome,omitempty"`
			Error    string                `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(results))
		for _, r := range results {
			rw := row{ThreadID: r.ThreadID, Outcome: r.Outcome}
			if r.Err != nil {
				rw.Error = r.Err.Error()
			}
			rows = append(rows, rw)
		}
		if perr := printJSON(rows); perr != nil {
			return perr
		}
		return err
	}
	if len(results) == 0 {
		fmt.Println("No interrupted threads.")
	}
	for _, r := range results {
		switch {
		case r.Err != nil:
			printStatus("✗", fmt.Sprintf("%s: %v", r.ThreadID, r.Err), color.FgRed)
		case r.Outcome != nil:
			printStatus("✓", fmt.Sprintf("%s: %s", r.ThreadID, colorStatus(r.Outcome.Status)), statusColor(r.Outcome.Status))
		}
	}
	return err
}
