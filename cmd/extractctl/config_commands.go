package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"extractd/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage extractd configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigPathCommand(ctx))
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := path
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				target = defaultPath
			}
			written, err := config.WriteSample(target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", written)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Destination path (defaults to the standard location)")
	return cmd
}

func newConfigPathCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the resolved configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, resolved, exists, err := config.Load(*ctx.configFlag)
			if err != nil {
				return err
			}
			if exists {
				fmt.Fprintln(cmd.OutOrStdout(), resolved)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (not found, defaults in effect)\n", resolved)
			}
			return nil
		},
	}
}
