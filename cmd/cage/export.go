package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cage-dev/cage/internal/export"
)

func newExportCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export DIR",
		Short: "Write the composed configuration as plain compose files",
		Long: `Composes the project for the active target and writes one compose file per
pod into DIR. Every image must carry an explicit tag, either in a pod file
or through --default-tags; the output runs without cage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadProject(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			exporter := export.New(a.logger)
			if err := exporter.Export(a.cfg, args[0]); err != nil {
				return err
			}
			fmt.Printf("Exported %d pod(s) to %s\n", len(a.cfg.Pods()), args[0])
			return nil
		},
	}
}
