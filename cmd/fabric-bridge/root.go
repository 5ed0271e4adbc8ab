package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tapestryext/fabric-bridge/bridge"
)

var version = "0.3.0"

// newRootCmd creates the root command. Running it with no subcommand
// serves the native messaging protocol on stdin/stdout: that is how the
// browser launches the host, passing the extension origin as the only
// positional argument.
func newRootCmd() *cobra.Command {
	var (
		configPath string
		fabricPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "fabric-bridge [extension-origin]",
		Short:         "Native messaging host bridging a browser extension to the fabric CLI",
		Long:          "fabric-bridge speaks the browser native messaging protocol on\nstdin/stdout and relays requests to a local fabric installation.",
		Args:          cobra.MaximumNArgs(1),
		Version:       fmt.Sprintf("fabric-bridge %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(configPath, fabricPath, logLevel)
			if err != nil {
				return err
			}
			log.Info().Str("version", version).Msg("serving on stdin/stdout")
			return bridge.NewRouter(os.Stdin, os.Stdout, cfg, log).Run()
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&configPath, "config", defaultConfigPath(), "path to the TOML config file")
	flags.StringVar(&fabricPath, "fabric-path", "", "path to the fabric executable (overrides config)")
	flags.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	cmd.AddCommand(
		newProbeCmd(&configPath, &fabricPath, &logLevel),
	)

	return cmd
}

// loadRuntime builds the effective config and the stderr logger. stdout
// carries protocol frames, so logs must never touch it.
func loadRuntime(configPath, fabricPath, logLevel string) (bridge.Config, zerolog.Logger, error) {
	cfg, err := bridge.LoadConfig(configPath, false)
	if err != nil {
		return bridge.Config{}, zerolog.Nop(), err
	}
	if fabricPath != "" {
		cfg.FabricPath = fabricPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level := zerolog.WarnLevel
	if cfg.LogLevel != "" {
		level, err = zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return bridge.Config{}, zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
	}

	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return cfg, log, nil
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "fabric-bridge.toml"
	}
	return filepath.Join(dir, "fabric-bridge", "config.toml")
}
