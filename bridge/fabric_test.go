package bridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFabricCommandVersion(t *testing.T) {
	cmd := NewFabricCommand("/opt/fabric").Version()
	assert.Equal(t, []string{"--version"}, cmd.Args())
	assert.Equal(t, "/opt/fabric", cmd.Path())
}

func TestFabricCommandListFlags(t *testing.T) {
	assert.Equal(t, []string{"--listpatterns"}, NewFabricCommand("f").ListPatterns().Args())
	assert.Equal(t, []string{"--listcontexts"}, NewFabricCommand("f").ListContexts().Args())
}

func TestFabricCommandStreamingInvocation(t *testing.T) {
	cmd := NewFabricCommand("f").
		Stream().
		Model("gpt-4o").
		Context("work").
		Pattern("summarize")

	assert.Equal(t, []string{
		"--stream",
		"--model", "gpt-4o",
		"--context", "work",
		"--pattern", "summarize",
	}, cmd.Args())
}

func TestFabricCommandCustomPromptIsPositional(t *testing.T) {
	cmd := NewFabricCommand("f").Stream().CustomPrompt("explain this")
	assert.Equal(t, []string{"--stream", "explain this"}, cmd.Args())
}

func TestFabricCommandBuild(t *testing.T) {
	execCmd := NewFabricCommand("/opt/fabric").Stream().Model("m").Build()
	require.NotNil(t, execCmd)
	assert.Equal(t, []string{"/opt/fabric", "--stream", "--model", "m"}, execCmd.Args)
}

func TestResolvePathOverrideWins(t *testing.T) {
	dir := t.TempDir()
	override := writeFakeBinary(t, dir, "fabric-override")
	configured := writeFakeBinary(t, dir, "fabric-configured")

	path, err := ResolvePath(override, configured)
	require.NoError(t, err)
	assert.Equal(t, override, path)
}

func TestResolvePathFallsBackToConfigured(t *testing.T) {
	dir := t.TempDir()
	configured := writeFakeBinary(t, dir, "fabric-configured")

	path, err := ResolvePath(filepath.Join(dir, "does-not-exist"), configured)
	require.NoError(t, err)
	assert.Equal(t, configured, path)
}

func TestResolvePathSearchesPath(t *testing.T) {
	dir := t.TempDir()
	binary := writeFakeBinary(t, dir, DefaultExecutable)
	t.Setenv("PATH", dir)

	path, err := ResolvePath("", "")
	require.NoError(t, err)
	assert.Equal(t, binary, path)
}

func TestResolvePathNotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := ResolvePath("", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), DefaultExecutable)
}

func writeFakeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}
