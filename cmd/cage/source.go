package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cage-dev/cage/internal/podfile"
	"github.com/cage-dev/cage/internal/shell/source"
)

// =============================================================================
// Source Verbs
// =============================================================================

// loadSourceManager wires just enough of the app for source management: project
// root, settings, and the mount state store. No composition, no daemon.
func loadSourceManager(flags *globalFlags) (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := podfile.FindProjectRoot(cwd)
	if err != nil {
		return nil, err
	}
	settings, err := loadSettings(root)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		settings.LogLevel = flags.logLevel
	}

	a := &app{root: root, settings: settings, logger: newLogger(settings)}
	specs, err := podfile.LoadSources(root)
	if err != nil {
		return nil, err
	}
	if err := a.openSources(specs); err != nil {
		return nil, err
	}
	return a, nil
}

func newSourceCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage external source trees",
	}
	cmd.AddCommand(
		newSourceListCommand(flags),
		newSourceCloneCommand(flags),
		newSourceMountCommand(flags),
		newSourceUnmountCommand(flags),
	)
	return cmd
}

func newSourceListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List declared sources and their state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadSourceManager(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.sources.List(cmd.Context())
			if err != nil {
				return err
			}
			printSourceList(statuses)
			return nil
		},
	}
}

func newSourceCloneCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clone ALIAS...",
		Short: "Clone source repositories into the state directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachAlias(cmd.Context(), flags, args, func(ctx context.Context, a *app, alias string) error {
				return a.sources.Clone(ctx, alias)
			})
		},
	}
}

func newSourceMountCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mount ALIAS...",
		Short: "Mount source trees into consuming services",
		Long: `Marks sources as mounted, cloning them first when needed. Consuming
services pick the mount up the next time the project is composed; restart
them with up for it to take effect.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachAlias(cmd.Context(), flags, args, func(ctx context.Context, a *app, alias string) error {
				return a.sources.Mount(ctx, alias)
			})
		},
	}
}

func newSourceUnmountCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unmount ALIAS...",
		Short: "Unmount source trees",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachAlias(cmd.Context(), flags, args, func(ctx context.Context, a *app, alias string) error {
				return a.sources.Unmount(ctx, alias)
			})
		},
	}
}

func eachAlias(ctx context.Context, flags *globalFlags, aliases []string, fn func(context.Context, *app, string) error) error {
	a, err := loadSourceManager(flags)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, alias := range aliases {
		if err := fn(ctx, a, alias); err != nil {
			return err
		}
	}
	return nil
}

func printSourceList(statuses []source.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tREPO\tCLONED\tMOUNTED")
	for _, st := range statuses {
		cloned := "-"
		if st.Cloned {
			cloned = "yes"
		}
		mounted := "-"
		if st.Mounted {
			mounted = color.GreenString("yes")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Alias, st.Repo, cloned, mounted)
	}
	w.Flush()
}
