package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.Sandbox.Image = "node:22-bookworm"
	cfg.Sandbox.Env = map[string]string{"NODE_ENV": "development"}
	cfg.Commands.Install = Command{Name: "pnpm", Args: []string{"install"}}
	cfg.Timeouts.Ready = 90 * time.Second

	require.NoError(t, Save(dir, cfg))
	assert.True(t, Exists(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "node:22-bookworm", loaded.Sandbox.Image)
	assert.Equal(t, "development", loaded.Sandbox.Env["NODE_ENV"])
	assert.Equal(t, Command{Name: "pnpm", Args: []string{"install"}}, loaded.Commands.Install)
	assert.Equal(t, 90*time.Second, loaded.Timeouts.Ready)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(dir))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, Dir), 0o755))
	partial := "sandbox:\n  image: node:18\ntimeouts:\n  boot: 30s\n"
	require.NoError(t, os.WriteFile(Path(dir), []byte(partial), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "node:18", cfg.Sandbox.Image)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Boot)
	assert.Equal(t, "/app", cfg.Sandbox.Workdir)
	assert.Equal(t, []string{"run", "dev"}, cfg.Commands.Dev.Args)
	assert.Equal(t, 64, cfg.Stream.Depth)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, Dir), 0o755))

	require.NoError(t, os.WriteFile(Path(dir), []byte("stream:\n  depth: 0\n"), 0o644))
	_, err := Load(dir)
	assert.ErrorContains(t, err, "stream.depth")

	require.NoError(t, os.WriteFile(Path(dir), []byte("sandbox: [not a map"), 0o644))
	_, err = Load(dir)
	assert.ErrorContains(t, err, "parsing config")
}
