package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evalgo/adsyncd/internal/snapshot"
)

func init() {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "inspect on-disk .cache snapshot files",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "dump a snapshot file's descriptor compatibility and entity count",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotInspect,
	}

	snapshotCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	result, err := snapshot.Inspect(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "path:             %s\n", result.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "descriptor match: %t\n", result.DescriptorMatch)
	fmt.Fprintf(cmd.OutOrStdout(), "array length:     %d\n", result.ArrayLength)
	fmt.Fprintf(cmd.OutOrStdout(), "entity count:     %d\n", result.EntityCount)

	if !result.DescriptorMatch {
		return fmt.Errorf("snapshot descriptor does not match this build's layout")
	}
	return nil
}
