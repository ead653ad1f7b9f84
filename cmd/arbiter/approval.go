package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	approveSolution  string
	approveRationale string
	approver         string
	rejectReason     string
)

var pendingCmd = &cobra.Command{
	Use:   "pending <thread-id>",
	Short: "Show the decision awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.gate().PendingRequest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("thread %s has no decision awaiting approval", args[0])
		}
		if jsonOutput {
			return printJSON(p)
		}
		fmt.Printf("Thread %s awaiting approval since %s\n", p.ThreadID, formatTime(p.RequestedAt))
		fmt.Printf("Decision hash: %s\n", p.DecisionHash)
		printDecision(p.Decision)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <thread-id> [solution-id]",
	Short: "Approve the pending decision",
	Long: `Approve the pending decision for a thread. Without a solution id the
recommended candidate is approved; choosing another candidate records an
override. Approving a thread that already has a decision prints the
existing record.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		solution := approveSolution
		if len(args) == 2 {
			solution = args[1]
		}
		rec, err := a.gate().Approve(cmd.Context(), args[0], solution, approveRationale, approverName())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rec)
		}
		printRecord(rec)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <thread-id>",
	Short: "Reject the pending decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if rejectReason == "" {
			return fmt.Errorf("--reason is required")
		}
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.gate().Reject(cmd.Context(), args[0], rejectReason, approverName())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rec)
		}
		printRecord(rec)
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveSolution, "solution", "", "Candidate id to carry out; same as the second argument")
	approveCmd.Flags().StringVar(&approveRationale, "rationale", "", "Why this candidate was chosen")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the decision was rejected")
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&approver, "approver", "", "Who is deciding (default: $USER)")
	}
}

func approverName() string {
	if approver != "" {
		return approver
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
