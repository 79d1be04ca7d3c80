package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"extractd/internal/api"
)

var stateTitle = cases.Title(language.English)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and submit jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsSubmitCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			list, err := cli.ListJobs(cmd.Context(), states)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}

			rows := make([][]string, 0, len(list))
			for _, job := range list {
				rows = append(rows, []string{
					job.ID,
					job.HandlerID,
					displayState(job.State),
					formatCount(job.Priority),
					fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
					truncate(job.LastError, 48),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]column{
				{header: "ID"},
				{header: "Handler"},
				{header: "State"},
				{header: "Priority", align: alignRight},
				{header: "Attempts", align: alignRight},
				{header: "Last Error"},
			}, rows))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by job state (repeatable)")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := cli.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func printJob(cmd *cobra.Command, job *api.JobView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s\n", job.ID)
	fmt.Fprintf(out, "  Handler:   %s\n", job.HandlerID)
	if job.TenantID != "" {
		fmt.Fprintf(out, "  Tenant:    %s\n", job.TenantID)
	}
	fmt.Fprintf(out, "  State:     %s\n", displayState(job.State))
	fmt.Fprintf(out, "  Priority:  %d\n", job.Priority)
	fmt.Fprintf(out, "  Attempts:  %d/%d\n", job.AttemptCount, job.MaxAttempts)
	fmt.Fprintf(out, "  Payload:   %s\n", job.PayloadRef)
	if job.WebhookURL != "" {
		fmt.Fprintf(out, "  Webhook:   %s\n", job.WebhookURL)
	}
	if len(job.ResolvedVersions) > 0 {
		fmt.Fprintf(out, "  Versions:  %s\n", strings.Join(job.ResolvedVersions, ", "))
	}
	if len(job.StageRefs) > 0 {
		stages := make([]string, 0, len(job.StageRefs))
		for stage := range job.StageRefs {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		for _, stage := range stages {
			fmt.Fprintf(out, "  Stage %-8s %s\n", stage+":", job.StageRefs[stage])
		}
	}
	if job.LastError != "" {
		fmt.Fprintf(out, "  Error:     %s\n", job.LastError)
	}
	if job.NotEligibleUntil != "" {
		fmt.Fprintf(out, "  Eligible:  %s\n", job.NotEligibleUntil)
	}
	fmt.Fprintf(out, "  Created:   %s\n", job.CreatedAt)
	fmt.Fprintf(out, "  Updated:   %s\n", job.UpdatedAt)
}

func newJobsSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		tenantID    string
		webhookURL  string
		priority    int
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "submit <handler-id> <payload-ref>",
		Short: "Submit a job for asynchronous processing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := cli.SubmitJob(cmd.Context(), api.SubmitJobRequest{
				HandlerID:   args[0],
				PayloadRef:  args[1],
				TenantID:    tenantID,
				WebhookURL:  webhookURL,
				Priority:    priority,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (priority %d)\n", job.ID, job.Priority)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant the job belongs to")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "Webhook URL notified on completion or failure")
	cmd.Flags().IntVar(&priority, "priority", 0, "Dispatch priority, 1 is highest (default from server)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (default from server)")
	return cmd
}

func displayState(state string) string {
	return stateTitle.String(strings.ReplaceAll(state, "_", " "))
}
