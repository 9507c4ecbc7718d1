package main

import (
	"github.com/spf13/cobra"

	"github.com/cage-dev/cage/internal/core/project"
)

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "cage",
		Short:         "Compose and run multi-pod Docker projects",
		Long: `cage layers pod definition files with target overlays into one effective
configuration, then drives the Docker daemon through it: building, starting,
and stopping services in dependency order, live-mounting source trees, and
exporting plain compose files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.target, "target", "t", project.DefaultTarget, "Target overlay to compose with")
	pf.StringVar(&flags.projectName, "project-name", "", "Project name (defaults to the root directory name)")
	pf.StringVar(&flags.defaultTags, "default-tags", "", "Path to a default-tags file")
	pf.IntVarP(&flags.jobs, "jobs", "j", 0, "Maximum concurrent container operations")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	flags.targetSet = func() bool { return cmd.PersistentFlags().Changed("target") }

	cmd.AddCommand(
		newBuildCommand(flags),
		newPullCommand(flags),
		newUpCommand(flags),
		newStopCommand(flags),
		newRemoveCommand(flags),
		newRunCommand(flags),
		newExecCommand(flags),
		newShellCommand(flags),
		newTestCommand(flags),
		newLogsCommand(flags),
		newStatusCommand(flags),
		newSourceCommand(flags),
		newExportCommand(flags),
	)
	return cmd
}
