package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Output is the collected result of a single-shot fabric invocation.
type Output struct {
	OK     bool
	Stdout string
	Stderr string
}

// Lines splits stdout into trimmed, non-empty lines, the shape the
// enumeration responses carry.
func (o Output) Lines() []string {
	var lines []string
	for _, line := range strings.Split(o.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Runner abstracts fabric invocations so the router and supervisor can be
// tested against fakes. One Runner is built per request from the freshly
// resolved executable path; it holds no mutable state.
type Runner interface {
	// Version runs `fabric --version`, bounded by ctx.
	Version(ctx context.Context) (Output, error)
	// ListPatterns runs `fabric --listpatterns`, bounded by ctx.
	ListPatterns(ctx context.Context) (Output, error)
	// ListContexts runs `fabric --listcontexts`, bounded by ctx.
	ListContexts(ctx context.Context) (Output, error)
	// Path returns the resolved executable path.
	Path() string
	// Spawn starts a streaming invocation with stdin and stdout piped.
	Spawn(cmd *FabricCommand) (Handle, error)
}

// Handle is one live fabric process owned by the supervisor.
type Handle interface {
	// WriteStdin writes content to the process's standard input.
	WriteStdin(data []byte) error
	// CloseStdin closes standard input, signalling end of content.
	CloseStdin() error
	// ReadLine returns the next stdout line (trailing newline preserved).
	// io.EOF when the stream is exhausted.
	ReadLine() (string, error)
	// Signal delivers a graceful termination signal.
	Signal(sig os.Signal) error
	// Kill terminates the process forcefully.
	Kill() error
	// Wait blocks until exit. The code is nil when the process was killed
	// by a signal and no exit code exists. Stderr output collected during
	// the run is returned for diagnostics.
	Wait() (code *int, stderr string, err error)
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct {
	path string
}

// NewExecRunner creates a Runner for the fabric binary at path.
func NewExecRunner(path string) *ExecRunner {
	return &ExecRunner{path: path}
}

// Path returns the resolved executable path.
func (r *ExecRunner) Path() string { return r.path }

// Version runs `fabric --version`.
func (r *ExecRunner) Version(ctx context.Context) (Output, error) {
	return runOnce(NewFabricCommand(r.path).Version().BuildContext(ctx))
}

// ListPatterns runs `fabric --listpatterns`.
func (r *ExecRunner) ListPatterns(ctx context.Context) (Output, error) {
	return runOnce(NewFabricCommand(r.path).ListPatterns().BuildContext(ctx))
}

// ListContexts runs `fabric --listcontexts`.
func (r *ExecRunner) ListContexts(ctx context.Context) (Output, error) {
	return runOnce(NewFabricCommand(r.path).ListContexts().BuildContext(ctx))
}

// runOnce runs a single-shot invocation to completion. A nonzero exit is a
// reported failure (OK false, stderr populated), not an error; errors are
// reserved for the process failing to run at all.
func runOnce(cmd *exec.Cmd) (Output, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{
		OK:     err == nil,
		Stdout: strings.TrimRight(stdout.String(), "\n"),
		Stderr: strings.TrimRight(stderr.String(), "\n"),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Output{}, err
		}
	}
	return out, nil
}

// Spawn starts a streaming fabric process with stdin/stdout piped and
// stderr captured for diagnostics.
func (r *ExecRunner) Spawn(fc *FabricCommand) (Handle, error) {
	cmd := fc.Build()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	handle := &execHandle{stdin: stdin, reader: bufio.NewReader(stdout)}
	cmd.Stderr = &handle.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", fc.Path(), err)
	}
	handle.cmd = cmd
	return handle, nil
}

// execHandle is the live-process implementation of Handle.
type execHandle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	reader    *bufio.Reader
	stderr    bytes.Buffer
	closeOnce sync.Once
}

func (h *execHandle) WriteStdin(data []byte) error {
	_, err := h.stdin.Write(data)
	return err
}

func (h *execHandle) CloseStdin() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.stdin.Close()
	})
	return err
}

func (h *execHandle) ReadLine() (string, error) {
	line, err := h.reader.ReadString('\n')
	if len(line) > 0 {
		// A final unterminated line is still content; EOF surfaces on the
		// next call.
		return line, nil
	}
	return "", err
}

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait() (*int, string, error) {
	err := h.cmd.Wait()
	stderr := strings.TrimRight(h.stderr.String(), "\n")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if code < 0 {
				// Killed by signal: no exit code exists.
				return nil, stderr, nil
			}
			return &code, stderr, nil
		}
		return nil, stderr, err
	}
	code := 0
	return &code, stderr, nil
}
