package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cage-dev/cage/internal/orchestrator"
)

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status [IDENTIFIER...]",
		Aliases: []string{"ps"},
		Short:   "Show container state for the selected services",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			statuses, err := a.orch.Status(ctx, selection)
			if err != nil {
				return err
			}
			printStatus(statuses, a.cfg.Target)
			return nil
		},
	}
}

func printStatus(statuses []orchestrator.UnitStatus, target string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	fmt.Printf("Target: %s\n\n", target)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tIMAGE\tSTATE")
	for _, st := range statuses {
		state := string(st.State)
		switch st.State {
		case orchestrator.StateRunning:
			state = color.GreenString(state)
		case orchestrator.StateStopped:
			state = color.YellowString(state)
		case orchestrator.StateAbsent:
			state = color.New(color.Faint).Sprint(state)
		}
		image := st.Service.Image
		if image == "" {
			image = "(build: " + st.Service.Build + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", st.Service.Ref(), image, state)
	}
	w.Flush()
}
