package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"branchflow.dev/branchflow/internal/policy"
	"branchflow.dev/branchflow/internal/task"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		taskID      string
		title       string
		description string
		taskType    string
		projectPath string
		autoMerge   bool
		createPR    bool
		draft       bool
		strategy    string
		mergeTarget string
		reviewers   []string
		labels      []string
		confidence  float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a task through the branch/merge workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			deps, err := buildEngine(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer deps.Close()

			builder := task.NewOptionsBuilder().
				CreatePullRequest(createPR).
				Draft(draft).
				NotifyOnError(true)
			if cmd.Flags().Changed("auto-merge") {
				builder.AutoMerge(autoMerge)
			}
			if strategy != "" {
				builder.MergeStrategy(task.MergeStrategy(strategy))
			}
			if mergeTarget != "" {
				builder.MergeTarget(mergeTarget)
			}
			if len(reviewers) > 0 {
				builder.Reviewers(reviewers...)
			}
			if len(labels) > 0 {
				builder.Labels(labels...)
			}
			opts, err := builder.Build()
			if err != nil {
				return err
			}

			run, err := deps.manager.Submit(ctx, task.Task{
				ID:          taskID,
				Title:       title,
				Description: description,
				Type:        taskType,
				Metadata:    task.Metadata{ProjectPath: projectPath},
			}, opts)
			if err != nil {
				return err
			}

			// The code changes themselves are produced out of band; in
			// one-shot mode the branch is handed over immediately.
			signals := policy.Signals{}
			if cmd.Flags().Changed("confidence") {
				signals.ConfidenceScore = &confidence
			}
			run.CompleteExecution(signals)

			record, err := run.Wait(ctx)
			if record != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %s finished: %s (branch %s)\n", record.ID, record.Status, record.BranchName)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task identifier")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&taskType, "type", "", "task type (feature, bug, hotfix, ...)")
	cmd.Flags().StringVar(&projectPath, "project", "", "path to the target repository")
	cmd.Flags().BoolVar(&autoMerge, "auto-merge", false, "request auto-merge")
	cmd.Flags().BoolVar(&createPR, "create-pr", false, "create a pull request")
	cmd.Flags().BoolVar(&draft, "draft", false, "open the pull request as a draft")
	cmd.Flags().StringVar(&strategy, "merge-strategy", "", "merge strategy (squash, merge, rebase)")
	cmd.Flags().StringVar(&mergeTarget, "merge-target", "", "override the merge target branch")
	cmd.Flags().StringSliceVar(&reviewers, "reviewer", nil, "reviewer (repeatable)")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "label for the pull request (repeatable)")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence score reported for the change")

	_ = cmd.MarkFlagRequired("task-id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}
