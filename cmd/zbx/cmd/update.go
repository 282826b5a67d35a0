package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Clear the formula metadata HTTP cache so the next install refetches it",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
}

// runUpdate clears only the HTTP cache, not the blob cache or any
// installed formula — see DESIGN.md for why `update` is scoped this
// way.
func runUpdate(cmd *cobra.Command, args []string) (err error) {
	in, err := openInstaller()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	removed, err := in.ClearHTTPCache(context.Background())
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	fmt.Printf("Cleared %d cached formula entries.\n", removed)
	return nil
}
