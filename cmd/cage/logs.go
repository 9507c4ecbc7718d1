package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cage-dev/cage/internal/orchestrator"
)

func newLogsCommand(flags *globalFlags) *cobra.Command {
	var (
		follow bool
		tail   string
	)
	cmd := &cobra.Command{
		Use:   "logs [IDENTIFIER...]",
		Short: "Stream container logs for the selected services",
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

			return a.orch.Logs(ctx, selection, orchestrator.LogOptions{
				Follow: follow,
				Tail:   tail,
			}, os.Stdout)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new log output")
	cmd.Flags().StringVar(&tail, "tail", "", "Number of trailing lines to show (default all)")
	return cmd
}
