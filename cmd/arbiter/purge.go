package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired checkpoints",
	Long: `Delete checkpoints past their retention period (persistence.ttl_days)
together with any payloads stored in the blob store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.checkpoints.Purge(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]int{"purged": n})
		}
		printStatus("✓", fmt.Sprintf("Purged %d expired checkpoint(s)", n), color.FgGreen)
		return nil
	},
}
