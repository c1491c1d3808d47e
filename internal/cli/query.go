package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"branchflow.dev/branchflow/internal/audit"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show the execution record and history of a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildEngine(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer deps.Close()

			record, err := deps.recorder.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workflow:     %s\n", record.ID)
			fmt.Fprintf(out, "task:         %s\n", record.TaskID)
			fmt.Fprintf(out, "project:      %s\n", record.ProjectPath)
			fmt.Fprintf(out, "branch:       %s (from %s, merges into %s)\n", record.BranchName, record.BaseBranch, record.MergeTarget)
			fmt.Fprintf(out, "status:       %s\n", record.Status)
			fmt.Fprintf(out, "attempts:     %d\n", record.Attempts)
			if record.Error != "" {
				fmt.Fprintf(out, "error:        %s\n", record.Error)
			}

			history, err := deps.recorder.GetHistory(cmd.Context(), record.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "history:")
			for _, t := range history {
				fmt.Fprintf(out, "  %s  %s", t.TransitionedAt.Format(time.RFC3339), t.Status)
				if t.Detail != "" {
					fmt.Fprintf(out, "  (%s)", t.Detail)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newLogsCmd(configPath *string) *cobra.Command {
	var since, until, operation string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildEngine(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer deps.Close()

			filter, err := buildFilter(since, until, operation)
			if err != nil {
				return err
			}

			entries, err := deps.recorder.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s %-8s %6dms  task=%s  %s\n",
					e.Timestamp.Format(time.RFC3339), e.OperationType, e.Outcome, e.DurationMS, e.TaskID, e.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "start of time range (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "end of time range (RFC3339)")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation type")
	return cmd
}

func newMetricsCmd(configPath *string) *cobra.Command {
	var since, until, operation string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregate metrics derived from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildEngine(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer deps.Close()

			filter, err := buildFilter(since, until, operation)
			if err != nil {
				return err
			}

			snapshot, err := deps.recorder.Metrics(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total executions:   %d\n", snapshot.TotalExecutions)
			fmt.Fprintf(out, "success rate:       %.1f%%\n", snapshot.SuccessRate*100)
			fmt.Fprintf(out, "average duration:   %.0fms\n", snapshot.AverageDurationMS)
			fmt.Fprintf(out, "branches created:   %d\n", snapshot.BranchCreationCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "start of time range (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "end of time range (RFC3339)")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation type")
	return cmd
}

func buildFilter(since, until, operation string) (audit.QueryFilter, error) {
	var filter audit.QueryFilter
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, fmt.Errorf("invalid --since: %w", err)
		}
		filter.StartDate = t
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, fmt.Errorf("invalid --until: %w", err)
		}
		filter.EndDate = t
	}
	filter.OperationType = operation
	return filter, nil
}
