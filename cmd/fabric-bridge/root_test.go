package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFlag(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "fabric-bridge")
}

func TestProbeReportsResolvedBinary(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fabric-ai")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 1.4.0\n"), 0o755))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"probe", "--fabric-path", script, "--config", filepath.Join(dir, "absent.toml")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "resolved: "+script)
	assert.Contains(t, out.String(), "1.4.0")
}

func TestProbeFailsWhenUnresolvable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"probe", "--config", filepath.Join(t.TempDir(), "absent.toml")})

	require.Error(t, cmd.Execute())
}

func TestInvalidLogLevelRejected(t *testing.T) {
	_, _, err := loadRuntime(filepath.Join(t.TempDir(), "absent.toml"), "", "shouting")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
