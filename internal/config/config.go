package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/timer"
)

const configFile = "config.yaml"

// ErrExists is returned by Init when config.yaml is already present.
var ErrExists = errors.New("config file already exists")

type Config struct {
	DataDir           string `yaml:"-"`
	DBPath            string `yaml:"-"`
	UserCircuitDir    string `yaml:"-"`
	ProjectCircuitDir string `yaml:"-"`

	// Server is the base URL of a remote backend. Empty means the local
	// SQLite database.
	Server string      `yaml:"server"`
	Alerts AlertConfig `yaml:"alerts"`
	Sync   SyncConfig  `yaml:"sync"`
	Serve  ServeConfig `yaml:"serve"`
}

type AlertConfig struct {
	FinishAction       string   `yaml:"finish_action"`
	CountdownSound     bool     `yaml:"countdown_sound"`
	CountdownVibration bool     `yaml:"countdown_vibration"`
	VibrateCommand     []string `yaml:"vibrate_command"` // e.g. [termux-vibrate, -d, "{ms}"]
}

type SyncConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type ServeConfig struct {
	Addr string `yaml:"addr"`
}

func New() (*Config, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, err
	}
	return Load(dir)
}

// DataDir is CIRCUITS_DATA_DIR, or ~/.circuits.
func DataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return getEnv("CIRCUITS_DATA_DIR", filepath.Join(homeDir, ".circuits")), nil
}

// Init writes the default settings to dataDir/config.yaml and returns the
// file's path. An existing file is kept unless force is set.
func Init(dataDir string, force bool) (string, error) {
	c := Default(dataDir)
	path := c.Path()
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("%s: %w", path, ErrExists)
		}
	}
	return path, c.Write()
}

// Load builds the config for dataDir: defaults, then dataDir/config.yaml if
// present, then CIRCUITS_SERVER.
func Load(dataDir string) (*Config, error) {
	c := Default(dataDir)

	data, err := os.ReadFile(filepath.Join(dataDir, configFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	c.Server = getEnv("CIRCUITS_SERVER", c.Server)

	if _, err := models.ParseFinishAction(c.Alerts.FinishAction); err != nil {
		return nil, fmt.Errorf("alerts.finish_action: %w", err)
	}
	if c.Sync.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("sync.timeout_seconds must be positive, got %d", c.Sync.TimeoutSeconds)
	}
	return c, nil
}

// Default returns the built-in settings rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:           dataDir,
		DBPath:            filepath.Join(dataDir, "circuits.db"),
		UserCircuitDir:    filepath.Join(dataDir, "circuits"),
		ProjectCircuitDir: ".circuits",
		Alerts: AlertConfig{
			FinishAction:   string(models.FinishSound),
			CountdownSound: true,
		},
		Sync:  SyncConfig{TimeoutSeconds: 5},
		Serve: ServeConfig{Addr: "127.0.0.1:8420"},
	}
}

// Path is the config file inside DataDir.
func (c *Config) Path() string {
	return filepath.Join(c.DataDir, configFile)
}

// Write saves the file-backed settings to DataDir/config.yaml.
func (c *Config) Write() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(c.Path(), data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserCircuitDir, 0755); err != nil {
		return err
	}
	return nil
}

// CircuitDirs lists the directories scanned for circuit definitions.
func (c *Config) CircuitDirs() []string {
	return []string{c.UserCircuitDir, c.ProjectCircuitDir}
}

func (c *Config) AlertSettings() timer.AlertSettings {
	action, err := models.ParseFinishAction(c.Alerts.FinishAction)
	if err != nil {
		action = models.FinishSound
	}
	return timer.AlertSettings{
		CountdownSound:     c.Alerts.CountdownSound,
		CountdownVibration: c.Alerts.CountdownVibration,
		FinishAction:       action,
	}
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Sync.TimeoutSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
