package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run unit tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Test(); err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}

func IntegrationTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integration-test",
		Short: "Run integration tests against attached bench hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Integ(); err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
}

// SimulateCmd runs the built-in scenario as a smoke test of the whole
// firmware on the simulated board.
func SimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the simulated board scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := cmd.Flags().GetString("scenario")
			if err != nil {
				return fmt.Errorf("could not get scenario flag: %w", err)
			}
			pdbArgs := []string{"run", "./cmd/pdb", "simulate", "--dump"}
			if scenario != "" {
				pdbArgs = append(pdbArgs, "--scenario", scenario)
			}
			slog.Info("running simulation", "args", pdbArgs)
			run := exec.CommandContext(cmd.Context(), "go", pdbArgs...)
			run.Stdout = os.Stdout
			run.Stderr = os.Stderr
			// exit code 2 is a board halt, the expected end of the built-in scenario
			if err := run.Run(); err != nil {
				var exit *exec.ExitError
				if errors.As(err, &exit) && exit.ExitCode() == 2 {
					return nil
				}
				return fmt.Errorf("simulation failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("scenario", "", "scenario file (built-in when empty)")
	return cmd
}
