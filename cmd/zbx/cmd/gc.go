package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove store entries no longer referenced by any installed formula",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	in, err := openInstaller()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	removed, err := in.GC(context.Background())
	if err != nil {
		return fmt.Errorf("gc failed: %w", err)
	}

	if len(removed) == 0 {
		fmt.Println("(nothing to reclaim)")
		return nil
	}
	for _, key := range removed {
		fmt.Println(key)
	}
	fmt.Printf("Reclaimed %d store entries.\n", len(removed))
	return nil
}
