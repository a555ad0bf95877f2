package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nstogner/devbox/pkg/filetree"
)

const (
	Dir        = ".devbox"
	ConfigFile = "config.yaml"
	DBFile     = "runs.db"
)

type Config struct {
	Sandbox  Sandbox  `yaml:"sandbox"`
	Commands Commands `yaml:"commands"`
	Stream   Stream   `yaml:"stream"`
	Timeouts Timeouts `yaml:"timeouts"`
	Server   Server   `yaml:"server"`
	Store    Store    `yaml:"store"`
}

type Sandbox struct {
	Image     string            `yaml:"image"`
	Workdir   string            `yaml:"workdir"`
	DevPort   int               `yaml:"dev_port"`
	Env       map[string]string `yaml:"env,omitempty"`
	Pull      bool              `yaml:"pull,omitempty"`
	KillGrace time.Duration     `yaml:"kill_grace"`
}

// Command is a program plus its arguments.
type Command struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args,omitempty"`
}

type Commands struct {
	Install Command `yaml:"install"`
	Dev     Command `yaml:"dev"`
}

type Stream struct {
	Depth int `yaml:"depth"`
}

type Timeouts struct {
	Boot  time.Duration `yaml:"boot"`
	Ready time.Duration `yaml:"ready"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Store struct {
	// Path of the SQLite run history. Empty keeps history in memory.
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Sandbox: Sandbox{
			Image:     "node:20-slim",
			Workdir:   "/app",
			DevPort:   filetree.DevPort,
			KillGrace: 5 * time.Second,
		},
		Commands: Commands{
			Install: Command{Name: "npm", Args: []string{"install"}},
			Dev:     Command{Name: "npm", Args: []string{"run", "dev"}},
		},
		Stream:   Stream{Depth: 64},
		Timeouts: Timeouts{Boot: 2 * time.Minute, Ready: 3 * time.Minute},
		Server:   Server{Addr: "127.0.0.1:8080"},
		Store:    Store{Path: filepath.Join(Dir, DBFile)},
	}
}

// Load reads config from .devbox/config.yaml relative to projectDir.
// Missing fields keep their defaults; a missing file yields Default().
func Load(projectDir string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(projectDir))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to .devbox/config.yaml relative to projectDir.
func Save(projectDir string, cfg *Config) error {
	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(Path(projectDir), data, 0o644)
}

// Path returns the config file location for projectDir.
func Path(projectDir string) string {
	return filepath.Join(projectDir, Dir, ConfigFile)
}

// Exists returns true if .devbox/config.yaml exists.
func Exists(projectDir string) bool {
	_, err := os.Stat(Path(projectDir))
	return err == nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.Sandbox.Image == "":
		return errors.New("config: sandbox.image is required")
	case c.Sandbox.DevPort <= 0 || c.Sandbox.DevPort > 65535:
		return fmt.Errorf("config: sandbox.dev_port %d out of range", c.Sandbox.DevPort)
	case c.Commands.Install.Name == "":
		return errors.New("config: commands.install.name is required")
	case c.Commands.Dev.Name == "":
		return errors.New("config: commands.dev.name is required")
	case c.Stream.Depth < 1:
		return fmt.Errorf("config: stream.depth must be at least 1, got %d", c.Stream.Depth)
	}
	return nil
}
