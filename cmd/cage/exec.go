package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cage-dev/cage/internal/core/project"
	"github.com/cage-dev/cage/internal/orchestrator"
)

// =============================================================================
// Single-Service Verbs
// =============================================================================

// exitFor converts a container exit code into the command result.
func exitFor(code int) error {
	if code == 0 {
		return nil
	}
	return &exitError{code: code}
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// parseEnv turns KEY=VALUE pairs into a map, later pairs winning.
func parseEnv(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, _ := strings.Cut(pair, "=")
		env[k] = v
	}
	return env
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		entrypoint string
		envPairs   []string
		user       string
		detached   bool
	)
	cmd := &cobra.Command{
		Use:   "run IDENTIFIER [COMMAND...]",
		Short: "Run a one-off container from a service definition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.cfg.ResolveOne(args[0])
			if err != nil {
				return err
			}

			code, err := a.orch.Run(ctx, svc, args[1:], orchestrator.RunOptions{
				Entrypoint:  entrypoint,
				Environment: parseEnv(envPairs),
				User:        user,
				Detached:    detached,
				TTY:         stdinIsTerminal() && !detached,
			})
			if err != nil {
				return err
			}
			return exitFor(code)
		},
	}
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "Override the service entrypoint")
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Set an environment variable (KEY=VALUE)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Run as this user")
	cmd.Flags().BoolVarP(&detached, "detach", "d", false, "Run in the background")
	return cmd
}

func newExecCommand(flags *globalFlags) *cobra.Command {
	var (
		user       string
		privileged bool
		noTTY      bool
	)
	cmd := &cobra.Command{
		Use:   "exec IDENTIFIER COMMAND [ARG...]",
		Short: "Run a command in a service's running container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.cfg.ResolveOne(args[0])
			if err != nil {
				return err
			}

			code, err := a.orch.Exec(ctx, svc, args[1:], orchestrator.ExecOptions{
				User:       user,
				Privileged: privileged,
				TTY:        stdinIsTerminal() && !noTTY,
			})
			if err != nil {
				return err
			}
			return exitFor(code)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Run as this user")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Run with extended privileges")
	cmd.Flags().BoolVarP(&noTTY, "no-tty", "T", false, "Disable TTY allocation")
	return cmd
}

func newShellCommand(flags *globalFlags) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "shell IDENTIFIER",
		Short: "Open an interactive shell in a service's running container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.cfg.ResolveOne(args[0])
			if err != nil {
				return err
			}

			code, err := a.orch.Shell(ctx, svc, orchestrator.ExecOptions{User: user})
			if err != nil {
				return err
			}
			return exitFor(code)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Run as this user")
	return cmd
}

func newTestCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test IDENTIFIER [COMMAND...]",
		Short: "Run a service's test command in a one-off container",
		Long: `Runs the service's declared test command (the ` + project.LabelTestCommand + ` label)
in a fresh container. Extra arguments replace the declared command. Unless
--target is given, the ` + project.TestTarget + ` target is composed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.targetSet() {
				flags.target = project.TestTarget
			}

			ctx := cmd.Context()
			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.cfg.ResolveOne(args[0])
			if err != nil {
				return err
			}

			code, err := a.orch.Test(ctx, svc, args[1:])
			if err != nil {
				return err
			}
			return exitFor(code)
		},
	}
	return cmd
}
