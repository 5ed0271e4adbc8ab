package bridge

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config carries the host-side settings. Every field is optional; the zero
// value is fully usable (path resolution falls back to $PATH). Config is
// read-only after load; request-level overrides never mutate it.
type Config struct {
	FabricPath       string `toml:"fabric_path"`
	DefaultModel     string `toml:"default_model"`
	TermGraceSeconds int    `toml:"term_grace_seconds"`
	ProbeTimeoutSecs int    `toml:"probe_timeout_seconds"`
	LogLevel         string `toml:"log_level"`
}

const (
	defaultTermGrace    = 3 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

// TermGrace is the interval between the graceful termination signal and
// the forceful kill during cancellation.
func (c Config) TermGrace() time.Duration {
	if c.TermGraceSeconds > 0 {
		return time.Duration(c.TermGraceSeconds) * time.Second
	}
	return defaultTermGrace
}

// ProbeTimeout bounds the handshake version probe so a hung fabric binary
// cannot wedge the connection state machine.
func (c Config) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSecs > 0 {
		return time.Duration(c.ProbeTimeoutSecs) * time.Second
	}
	return defaultProbeTimeout
}

// LoadConfig reads a TOML config file. A missing file is not an error when
// required is false: the extension typically runs the host with no config
// at all and supplies the path over the wire.
func LoadConfig(path string, required bool) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
