package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Load loads configuration with priority: defaults < file < flags.
// Partial files only override the keys they set.
func Load() (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Try to load from file (explicit path takes priority)
	configPath := ConfigPath()
	if configPath == "" {
		configPath = findConfigFile()
	}

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
		}
	}

	// Apply CLI flags (highest priority)
	applyFlags(cfg)

	return cfg, nil
}

// findConfigFile looks for config in standard locations.
func findConfigFile() string {
	candidates := []string{
		"./config.yaml",
		filepath.Join(ConfigDir(), "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ConfigDir returns the OS-appropriate config directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "l2dview")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "l2dview")
	default: // Linux and others
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "l2dview")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "l2dview")
	}
}

// loadFromFile loads config from a YAML file, merging with existing values.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return cfg.validate()
}

// validate rejects values the viewer cannot run with.
func (c *Config) validate() error {
	if c.Graphics.Width < 0 || c.Graphics.Height < 0 {
		return fmt.Errorf("graphics size must not be negative (%dx%d)", c.Graphics.Width, c.Graphics.Height)
	}
	if c.LipSync.MinPulse > c.LipSync.MaxPulse {
		return fmt.Errorf("lipsync min_pulse %v exceeds max_pulse %v", c.LipSync.MinPulse, c.LipSync.MaxPulse)
	}
	if c.LipSync.SmoothingWeight < 0 || c.LipSync.SmoothingWeight > 1 {
		return fmt.Errorf("lipsync smoothing_weight %v outside [0,1]", c.LipSync.SmoothingWeight)
	}
	if c.Model.ReadyPollBase <= 0 || c.Model.ReadyPollCap < c.Model.ReadyPollBase {
		return fmt.Errorf("model ready poll base %v / cap %v invalid", c.Model.ReadyPollBase, c.Model.ReadyPollCap)
	}
	if len(c.Assets.Models) == 0 {
		return fmt.Errorf("assets.models must list at least one model")
	}
	if c.Assets.Parallelism < 1 {
		return fmt.Errorf("assets parallelism %d must be at least 1", c.Assets.Parallelism)
	}
	for name, images := range c.Assets.TexturePacks {
		if len(images) == 0 {
			return fmt.Errorf("texture pack %q has no images", name)
		}
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio sample_rate %d must be positive", c.Audio.SampleRate)
	}
	return nil
}
