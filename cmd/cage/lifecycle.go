package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cage-dev/cage/internal/core/project"
	"github.com/cage-dev/cage/internal/orchestrator"
)

// =============================================================================
// Lifecycle Verbs
// =============================================================================

func newBuildCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "build [IDENTIFIER...]",
		Short: "Build images for services that declare a build context",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycleWithContext(cmd, flags, args, func(ctx context.Context, a *app, sel []*project.Service) (*orchestrator.Result, error) {
				return a.orch.Build(ctx, sel)
			})
		},
	}
}

func newPullCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [IDENTIFIER...]",
		Short: "Pull images for services that reference one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycleWithContext(cmd, flags, args, func(ctx context.Context, a *app, sel []*project.Service) (*orchestrator.Result, error) {
				return a.orch.Pull(ctx, sel)
			})
		},
	}
}

func newUpCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up [IDENTIFIER...]",
		Short: "Start services and their dependencies in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycleWithContext(cmd, flags, args, func(ctx context.Context, a *app, sel []*project.Service) (*orchestrator.Result, error) {
				return a.orch.Up(ctx, sel)
			})
		},
	}
}

func newStopCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [IDENTIFIER...]",
		Short: "Stop services, dependents first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycleWithContext(cmd, flags, args, func(ctx context.Context, a *app, sel []*project.Service) (*orchestrator.Result, error) {
				return a.orch.Stop(ctx, sel)
			})
		},
	}
}

func newRemoveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm [IDENTIFIER...]",
		Aliases: []string{"remove"},
		Short:   "Remove service containers, dependents first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lifecycleWithContext(cmd, flags, args, func(ctx context.Context, a *app, sel []*project.Service) (*orchestrator.Result, error) {
				return a.orch.Remove(ctx, sel)
			})
		},
	}
}

// lifecycleWithContext runs one batch operation over the resolved selection
// and prints per-unit outcomes.
func lifecycleWithContext(cmd *cobra.Command, flags *globalFlags, args []string, op func(ctx context.Context, a *app, sel []*project.Service) (*orchestrator.Result, error)) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	selection, err := a.resolve(args)
	if err != nil {
		return err
	}

	res, err := op(ctx, a, selection)
	if res != nil {
		printOutcomes(res)
	}
	return err
}

// printOutcomes renders one line per unit in schedule order.
func printOutcomes(res *orchestrator.Result) {
	for _, outcome := range res.Outcomes() {
		var status string
		switch outcome.Status {
		case orchestrator.StatusSucceeded:
			status = color.GreenString("done")
		case orchestrator.StatusFailed:
			status = color.RedString("failed")
		case orchestrator.StatusSkipped:
			status = color.YellowString("skipped")
		default:
			status = string(outcome.Status)
		}
		fmt.Fprintf(os.Stdout, "%-40s %s\n", outcome.Ref, status)
		if outcome.Err != nil && outcome.Status == orchestrator.StatusFailed {
			fmt.Fprintf(os.Stdout, "  %v\n", outcome.Err)
		}
	}
}
