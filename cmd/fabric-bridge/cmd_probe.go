package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tapestryext/fabric-bridge/bridge"
)

// newProbeCmd creates the "fabric-bridge probe" subcommand: a human-facing
// version of the handshake, for checking an installation from a terminal.
func newProbeCmd(configPath, fabricPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Locate the fabric executable and verify it responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRuntime(*configPath, *fabricPath, *logLevel)
			if err != nil {
				return err
			}

			path, err := bridge.ResolvePath("", cfg.FabricPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved: %s\n", path)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ProbeTimeout())
			defer cancel()

			out, err := bridge.NewExecRunner(path).Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to run %s: %w", path, err)
			}
			if !out.OK {
				return fmt.Errorf("%s did not respond to a version probe: %s", path, out.Stderr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version:  %s\n", out.Stdout)
			return nil
		},
	}
}
