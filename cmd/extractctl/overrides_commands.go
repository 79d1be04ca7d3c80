package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOverridesCommand(ctx *commandContext) *cobra.Command {
	overridesCmd := &cobra.Command{
		Use:   "overrides",
		Short: "Pin tenants to exact handler versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	overridesCmd.AddCommand(newOverridesSetCommand(ctx))
	overridesCmd.AddCommand(newOverridesRemoveCommand(ctx))
	return overridesCmd
}

func newOverridesSetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <handler-id> <tenant-id> <version>",
		Short: "Pin a tenant to a version, bypassing canary routing",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if err := cli.SetOverride(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pinned tenant %s to %s %s\n", args[1], args[0], args[2])
			return nil
		},
	}
}

func newOverridesRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <handler-id> <tenant-id>",
		Short: "Remove a tenant pin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if err := cli.RemoveOverride(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed pin for tenant %s on %s\n", args[1], args[0])
			return nil
		},
	}
}
