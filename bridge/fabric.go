package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultExecutable is the binary searched on $PATH when no explicit path
// is configured or supplied by the caller.
const DefaultExecutable = "fabric-ai"

// FabricCommand accumulates fabric CLI arguments. Argument order follows
// the fabric CLI: flags first, a custom prompt (if any) as the trailing
// positional argument.
type FabricCommand struct {
	path string
	args []string
}

// NewFabricCommand creates a builder for the fabric binary at path.
func NewFabricCommand(path string) *FabricCommand {
	return &FabricCommand{path: path}
}

// Version adds --version.
func (c *FabricCommand) Version() *FabricCommand {
	c.args = append(c.args, "--version")
	return c
}

// ListPatterns adds --listpatterns.
func (c *FabricCommand) ListPatterns() *FabricCommand {
	c.args = append(c.args, "--listpatterns")
	return c
}

// ListContexts adds --listcontexts.
func (c *FabricCommand) ListContexts() *FabricCommand {
	c.args = append(c.args, "--listcontexts")
	return c
}

// Stream adds --stream, forcing line-oriented incremental output.
func (c *FabricCommand) Stream() *FabricCommand {
	c.args = append(c.args, "--stream")
	return c
}

// Model adds --model <name>.
func (c *FabricCommand) Model(model string) *FabricCommand {
	c.args = append(c.args, "--model", model)
	return c
}

// Pattern adds --pattern <name>.
func (c *FabricCommand) Pattern(pattern string) *FabricCommand {
	c.args = append(c.args, "--pattern", pattern)
	return c
}

// Context adds --context <name>.
func (c *FabricCommand) Context(context string) *FabricCommand {
	c.args = append(c.args, "--context", context)
	return c
}

// CustomPrompt adds a free-form prompt as a positional argument.
func (c *FabricCommand) CustomPrompt(prompt string) *FabricCommand {
	c.args = append(c.args, prompt)
	return c
}

// Path returns the executable path the command will run.
func (c *FabricCommand) Path() string { return c.path }

// Args returns the accumulated argument list.
func (c *FabricCommand) Args() []string { return c.args }

// Build constructs the exec.Cmd.
func (c *FabricCommand) Build() *exec.Cmd {
	return exec.Command(c.path, c.args...)
}

// BuildContext constructs an exec.Cmd bound to ctx; the process is killed
// when ctx expires.
func (c *FabricCommand) BuildContext(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, c.path, c.args...)
}

// ResolvePath resolves the fabric executable. An explicit override wins
// when it exists on disk; otherwise the configured path is tried the same
// way; otherwise $PATH is searched for the default binary name. Precedence
// matches what the extension relies on: per-request override, settings
// value, environment.
func ResolvePath(override, configured string) (string, error) {
	for _, candidate := range []string{override, configured} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Clean(candidate), nil
		}
	}

	path, err := exec.LookPath(DefaultExecutable)
	if err != nil {
		return "", fmt.Errorf("failed to find %s in PATH: %w", DefaultExecutable, err)
	}
	return path, nil
}
