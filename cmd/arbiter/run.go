package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbiter/internal/orchestrator"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

var (
	runRoster  string
	runApprove bool
	runWait    bool
	runInline  string
)

var runCmd = &cobra.Command{
	Use:   "run [disruption.json | -]",
	Short: "Start a thread for a disruption",
	Long: `Start a new thread for a disruption and drive it through both worker
rounds and arbitration.

The disruption is a JSON document read from a file, from stdin ("-"), or
passed inline with --disruption. Interrupting the command (Ctrl-C) leaves
the thread active; continue it with 'arbiter resume <thread-id>'.

Examples:
  arbiter run disruption.json
  arbiter run --approve --wait disruption.json
  echo '{"flight":"AA100","issue":"crew timeout"}' | arbiter run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runRoster, "roster", "", "Worker roster file (default: orchestration.roster_path)")
	runCmd.Flags().BoolVar(&runApprove, "approve", false, "Require human approval before completing")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Block until the decision is approved or rejected")
	runCmd.Flags().StringVar(&runInline, "disruption", "", "Disruption JSON given inline")
}

func runRun(cmd *cobra.Command, args []string) error {
	disruption, err := readDisruption(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reg, _, err := a.registry(ctx, runRoster)
	if err != nil {
		return err
	}
	opts := []orchestrator.Option{}
	if runApprove {
		opts = append(opts, orchestrator.WithRequireApproval(true))
	}
	orch, err := a.orchestrator(reg, opts...)
	if err != nil {
		return err
	}

	out, err := orch.Run(ctx, disruption)
	if err == nil && runWait && out.Status == models.ThreadStatusAwaitingApproval {
		out, err = waitAndResume(ctx, orch, out)
	}
	return report(out, err)
}

// waitAndResume blocks for an approval record, then finishes the thread.
func waitAndResume(ctx context.Context, orch *orchestrator.Orchestrator, out *orchestrator.Outcome) (*orchestrator.Outcome, error) {
	if !jsonOutput {
		printOutcome(out)
		printStatus("…", "Waiting for approval", color.FgYellow)
	}
	if _, err := orch.Gate().Wait(ctx, out.ThreadID); err != nil {
		return out, err
	}
	return orch.Resume(ctx, out.ThreadID)
}

func report(out *orchestrator.Outcome, err error) error {
	if errors.Is(err, context.Canceled) && out != nil {
		printStatus("⏸", fmt.Sprintf("Interrupted. Resume with 'arbiter resume %s'", out.ThreadID), color.FgYellow)
		return nil
	}
	if jsonOutput && out != nil {
		if perr := printJSON(out); perr != nil {
			return perr
		}
		return err
	}
	printOutcome(out)
	return err
}

func readDisruption(args []string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case runInline != "":
		data = []byte(runInline)
	case len(args) == 1 && args[0] == "-":
		data, err = io.ReadAll(os.Stdin)
	case len(args) == 1:
		data, err = os.ReadFile(args[0])
	default:
		return nil, errors.New("a disruption file, '-' or --disruption is required")
	}
	if err != nil {
		return nil, fmt.Errorf("read disruption: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("disruption is not valid JSON")
	}
	return json.RawMessage(data), nil
}
