package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ShayCichocki/arbiter/internal/orchestrator"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

// printStatus prints a status line with a colored symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s models.ThreadStatus) color.Attribute {
	switch s {
	case models.ThreadStatusCompleted:
		return color.FgGreen
	case models.ThreadStatusAwaitingApproval:
		return color.FgYellow
	case models.ThreadStatusFailed, models.ThreadStatusRejected:
		return color.FgRed
	default:
		return color.FgCyan
	}
}

func colorStatus(s models.ThreadStatus) string {
	return color.New(statusColor(s)).Sprint(string(s))
}

func printThreads(threads []models.Thread) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Created", "Updated", "Last Checkpoint"})
	for _, t := range threads {
		tw.AppendRow(table.Row{t.ID, colorStatus(t.Status), formatTime(t.CreatedAt), formatAgo(t.UpdatedAt), t.LastCheckpointID})
	}
	tw.Render()
}

func printCounts(counts map[models.ThreadStatus]int) {
	parts := make([]string, 0, len(models.AllThreadStatuses))
	for _, s := range models.AllThreadStatuses {
		parts = append(parts, fmt.Sprintf("%s=%d", colorStatus(s), counts[s]))
	}
	fmt.Println(strings.Join(parts, "  "))
}

func printThread(t *models.Thread) {
	fmt.Printf("Thread: %s\n", t.ID)
	fmt.Printf("  Status: %s\n", colorStatus(t.Status))
	fmt.Printf("  Created: %s\n", formatTime(t.CreatedAt))
	fmt.Printf("  Updated: %s (%s)\n", formatTime(t.UpdatedAt), formatAgo(t.UpdatedAt))
	if t.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", formatTime(*t.CompletedAt))
	}
	if t.LastCheckpointID != "" {
		fmt.Printf("  Last checkpoint: %s\n", t.LastCheckpointID)
	}
	if t.FailureReason != "" {
		fmt.Printf("  Reason: %s\n", t.FailureReason)
	}
	if len(t.Context) > 0 {
		fmt.Printf("  Context: %s\n", t.Context)
	}
}

func printCheckpoints(cps []models.Checkpoint) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "ID", "Phase", "Status", "Size", "Where", "Created", "Tags"})
	for _, cp := range cps {
		where := "inline"
		if cp.BlobRef != "" {
			where = "blob"
		}
		tw.AppendRow(table.Row{cp.Step, cp.CheckpointID, cp.Metadata.Phase, cp.Metadata.Status, cp.SizeBytes, where, formatTime(cp.CreatedAt), formatTags(cp.Metadata.Tags)})
	}
	tw.Render()
}

func printDecision(d *models.Decision) {
	if d == nil {
		return
	}
	if d.Outcome == models.OutcomeEscalated {
		printStatus("⚠", fmt.Sprintf("Escalated (confidence %.2f): %s", d.Confidence, d.Justification), color.FgYellow)
	} else {
		printStatus("✓", fmt.Sprintf("Decision: %s (confidence %.2f)", d.FinalDecision, d.Confidence), color.FgGreen)
	}

	if len(d.Candidates) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"", "ID", "Action", "Summary", "Composite", "Source", "Conditions"})
		for _, c := range d.Candidates {
			mark := ""
			if c.Recommended {
				mark = "★"
			}
			tw.AppendRow(table.Row{mark, c.ID, c.Action, c.Summary, fmt.Sprintf("%.3f", c.Composite), c.Source, strings.Join(c.Conditions, "; ")})
		}
		tw.Render()
	}

	for _, c := range d.Constraints {
		fmt.Printf("  constraint [%s] %s: %s\n", c.Worker, c.Kind, c.Raw)
	}
	for _, o := range d.Overrides {
		fmt.Printf("  override %s: %s -> %s (%s)\n", o.Worker, o.Proposed, o.Applied, o.Constraint)
	}
	if n := d.UnresolvedConflicts(); n > 0 {
		printStatus("✗", fmt.Sprintf("%d unresolved conflict(s)", n), color.FgRed)
	}
}

func printCollation(c *models.Collation) {
	if c == nil {
		return
	}
	names := make([]string, 0, len(c.Responses))
	for name := range c.Responses {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Round %s (%s)", c.Round, c.Duration.Round(time.Millisecond)))
	tw.AppendHeader(table.Row{"Worker", "Role", "Status", "Confidence", "Took", "Error"})
	for _, name := range names {
		r := c.Responses[name]
		tw.AppendRow(table.Row{r.Worker, r.Role, r.Status, fmt.Sprintf("%.2f", r.Confidence), r.Duration.Round(time.Millisecond), r.Error})
	}
	tw.Render()
}

func printOutcome(out *orchestrator.Outcome) {
	if out == nil {
		return
	}
	printCollation(out.Initial)
	printCollation(out.Revision)
	printDecision(out.Decision)
	if out.ResumedFrom != "" {
		fmt.Printf("Resumed from phase %s\n", out.ResumedFrom)
	}
	if out.DurabilityLost {
		printStatus("⚠", "Some checkpoints exist only in memory; durable storage was unavailable", color.FgYellow)
	}

	switch out.Status {
	case models.ThreadStatusAwaitingApproval:
		printStatus("⏸", fmt.Sprintf("Thread %s is awaiting approval. Run 'arbiter approve %s' or 'arbiter reject %s --reason ...'", out.ThreadID, out.ThreadID, out.ThreadID), color.FgYellow)
	case models.ThreadStatusCompleted:
		printStatus("✓", fmt.Sprintf("Thread %s completed", out.ThreadID), color.FgGreen)
	default:
		printStatus("•", fmt.Sprintf("Thread %s is %s", out.ThreadID, colorStatus(out.Status)), statusColor(out.Status))
	}
}

func printRecord(rec *models.ApprovalRecord) {
	if rec.Approved {
		msg := fmt.Sprintf("Approved %s by %s", rec.SelectedID, rec.Approver)
		if rec.Override {
			msg += fmt.Sprintf(" (override of %s)", rec.RecommendedID)
		}
		printStatus("✓", msg, color.FgGreen)
	} else {
		printStatus("✗", fmt.Sprintf("Rejected by %s: %s", rec.Approver, rec.Rationale), color.FgRed)
	}
	fmt.Printf("  Decided: %s\n", formatTime(rec.DecidedAt))
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatAgo formats the time elapsed since t.
func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t)) + " ago"
}

// formatDuration formats a duration as a short human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
