package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"extractd/internal/api"
)

func newVersionsCommand(ctx *commandContext) *cobra.Command {
	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Manage handler versions and rollout weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	versionsCmd.AddCommand(newVersionsListCommand(ctx))
	versionsCmd.AddCommand(newVersionsRegisterCommand(ctx))
	versionsCmd.AddCommand(newVersionsDeprecateCommand(ctx))
	versionsCmd.AddCommand(newVersionsWeightsCommand(ctx))
	versionsCmd.AddCommand(newVersionsRollbackCommand(ctx))
	return versionsCmd
}

func newVersionsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list [handler-id]",
		Short: "List handlers, or the versions of one handler",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				handlers, err := cli.ListHandlers(cmd.Context())
				if err != nil {
					return err
				}
				if len(handlers) == 0 {
					fmt.Fprintln(out, "No handlers registered.")
					return nil
				}
				for _, id := range handlers {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			versions, err := cli.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				fmt.Fprintln(out, "No versions registered.")
				return nil
			}

			rows := make([][]string, 0, len(versions))
			for _, v := range versions {
				rows = append(rows, []string{
					v.Version,
					v.Lifecycle,
					formatCount(v.RolloutWeight),
					v.SunsetAt,
					strings.Join(v.SchemaTags, ","),
				})
			}
			fmt.Fprintln(out, renderTable([]column{
				{header: "Version"},
				{header: "Lifecycle"},
				{header: "Weight", align: alignRight},
				{header: "Sunset"},
				{header: "Schema Tags"},
			}, rows))
			return nil
		},
	}
}

func newVersionsRegisterCommand(ctx *commandContext) *cobra.Command {
	var weight int
	var schemaTags []string

	cmd := &cobra.Command{
		Use:   "register <handler-id> <version>",
		Short: "Register a new handler version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			registered, err := cli.RegisterVersion(cmd.Context(), args[0], api.RegisterVersionRequest{
				Version:    args[1],
				Weight:     weight,
				SchemaTags: schemaTags,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s %s with weight %d\n",
				registered.HandlerID, registered.Version, registered.RolloutWeight)
			return nil
		},
	}
	cmd.Flags().IntVar(&weight, "weight", 0, "Initial rollout weight (0-100)")
	cmd.Flags().StringSliceVar(&schemaTags, "schema-tag", nil, "Output schema tag (repeatable)")
	return cmd
}

func newVersionsDeprecateCommand(ctx *commandContext) *cobra.Command {
	var sunsetAt string
	var guideURL string

	cmd := &cobra.Command{
		Use:   "deprecate <handler-id> <version>",
		Short: "Deprecate a zero-weight version with a sunset date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := time.Parse(time.RFC3339, sunsetAt); err != nil {
				return fmt.Errorf("--sunset must be RFC3339 (e.g. 2026-12-01T00:00:00Z)")
			}
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if err := cli.Deprecate(cmd.Context(), args[0], args[1], api.DeprecateRequest{
				SunsetAt: sunsetAt,
				GuideURL: guideURL,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deprecated %s %s, sunset %s\n", args[0], args[1], sunsetAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&sunsetAt, "sunset", "", "Sunset date, RFC3339, at least 30 days out")
	cmd.Flags().StringVar(&guideURL, "guide", "", "Migration guide URL")
	_ = cmd.MarkFlagRequired("sunset")
	return cmd
}

func newVersionsWeightsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "weights <handler-id> <version=weight>...",
		Short: "Apply a bulk rollout weight update (active weights must sum to 100)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			weights := make(map[string]int, len(args)-1)
			for _, pair := range args[1:] {
				version, value, found := strings.Cut(pair, "=")
				if !found {
					return fmt.Errorf("expected version=weight, got %q", pair)
				}
				weight, err := strconv.Atoi(value)
				if err != nil {
					return fmt.Errorf("weight for %s must be an integer: %w", version, err)
				}
				weights[version] = weight
			}

			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if err := cli.SetWeights(cmd.Context(), args[0], weights); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated weights for %s\n", args[0])
			return nil
		},
	}
}

func newVersionsRollbackCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <handler-id> <version>",
		Short: "Consolidate all traffic onto one version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if err := cli.Rollback(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled %s back to %s\n", args[0], args[1])
			return nil
		},
	}
}
