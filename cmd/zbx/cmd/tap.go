package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var tapCmd = &cobra.Command{
	Use:   "tap",
	Short: "Manage configured taps",
}

var tapListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured taps",
	Args:  cobra.NoArgs,
	RunE:  runTapList,
}

var tapAddCmd = &cobra.Command{
	Use:   "add <owner/repo>",
	Short: "Add a tap",
	Args:  cobra.ExactArgs(1),
	RunE:  runTapAdd,
}

var tapRemoveCmd = &cobra.Command{
	Use:   "remove <owner/repo>",
	Short: "Remove a tap",
	Args:  cobra.ExactArgs(1),
	RunE:  runTapRemove,
}

func init() {
	rootCmd.AddCommand(tapCmd)
	tapCmd.AddCommand(tapListCmd, tapAddCmd, tapRemoveCmd)
}

func splitOwnerRepo(arg string) (owner, repo string, err error) {
	parts := strings.SplitN(arg, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected <owner>/<repo>, got %q", arg)
	}
	return parts[0], parts[1], nil
}

func runTapList(cmd *cobra.Command, args []string) (err error) {
	in, err := openInstaller()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	taps, err := in.ListTaps(context.Background())
	if err != nil {
		return err
	}
	if len(taps) == 0 {
		fmt.Println("(no taps configured)")
		return nil
	}
	for _, t := range taps {
		fmt.Printf("%s/%s\n", t.Owner, t.Repo)
	}
	return nil
}

func runTapAdd(cmd *cobra.Command, args []string) (err error) {
	owner, repo, err := splitOwnerRepo(args[0])
	if err != nil {
		return err
	}

	in, err := openInstaller()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return in.AddTap(context.Background(), owner, repo, 0)
}

func runTapRemove(cmd *cobra.Command, args []string) (err error) {
	owner, repo, err := splitOwnerRepo(args[0])
	if err != nil {
		return err
	}

	in, err := openInstaller()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return in.RemoveTap(context.Background(), owner, repo)
}
