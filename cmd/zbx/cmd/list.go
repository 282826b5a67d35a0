package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed formulas",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
	in, err := openInstaller()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	kegs, err := in.ListInstalledKegs(context.Background())
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	if len(kegs) == 0 {
		fmt.Println("(no formulas installed)")
		return nil
	}
	for _, k := range kegs {
		fmt.Printf("%s\t%s\n", k.Name, k.Version)
	}
	return nil
}
