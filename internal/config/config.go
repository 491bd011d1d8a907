// Package config handles viewer configuration loading and management.
package config

import "time"

// Config holds all viewer settings.
type Config struct {
	Graphics   GraphicsConfig   `yaml:"graphics"`
	Assets     AssetsConfig     `yaml:"assets"`
	Model      ModelConfig      `yaml:"model"`
	Expression ExpressionConfig `yaml:"expression"`
	LipSync    LipSyncConfig    `yaml:"lipsync"`
	Audio      AudioConfig      `yaml:"audio"`
	Chat       ChatConfig       `yaml:"chat"`
	Control    ControlConfig    `yaml:"control"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GraphicsConfig holds display and rendering settings.
type GraphicsConfig struct {
	Width      int        `yaml:"width"`
	Height     int        `yaml:"height"`
	Fullscreen bool       `yaml:"fullscreen"`
	VSync      bool       `yaml:"vsync"`
	FPSLimit   int        `yaml:"fps_limit"`
	ClearColor [4]float32 `yaml:"clear_color"`

	// ScreenshotDir receives F12 and control API captures.
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// AssetsConfig describes the static asset host.
// Root is a local directory; BaseURL, when set, takes priority.
type AssetsConfig struct {
	Root         string              `yaml:"root"`
	BaseURL      string              `yaml:"base_url"`
	Models       []string            `yaml:"models"` // model3.json path per slot
	TexturePacks map[string][]string `yaml:"texture_packs"`
	FetchTimeout time.Duration       `yaml:"fetch_timeout"`
	Parallelism  int                 `yaml:"parallelism"`
}

// ModelConfig holds per-model startup tweaks and load polling.
type ModelConfig struct {
	HiddenParts       []int              `yaml:"hidden_parts"`
	ParameterOverride map[string]float32 `yaml:"parameter_override"`
	ReadyPollBase     time.Duration      `yaml:"ready_poll_base"`
	ReadyPollCap      time.Duration      `yaml:"ready_poll_cap"`
	Breath            bool               `yaml:"breath"`
	EyeBlink          bool               `yaml:"eye_blink"`
}

// ExpressionConfig holds expression blending and bindings.
type ExpressionConfig struct {
	FadeDuration time.Duration     `yaml:"fade_duration"`
	KeyBindings  map[string]string `yaml:"key_bindings"`
	Confused     string            `yaml:"confused"`
	Neutral      string            `yaml:"neutral"`
}

// LipSyncConfig holds live and scripted lip-sync tuning.
type LipSyncConfig struct {
	SmoothingWeight float32       `yaml:"smoothing_weight"`
	Exponent        float64       `yaml:"exponent"`
	WindowSize      int           `yaml:"window_size"`
	PerChar         time.Duration `yaml:"per_char"`
	MinPulse        time.Duration `yaml:"min_pulse"`
	MaxPulse        time.Duration `yaml:"max_pulse"`
	Gap             time.Duration `yaml:"gap"`
	ShortPause      time.Duration `yaml:"short_pause"`
	LongPause       time.Duration `yaml:"long_pause"`
	Jitter          float64       `yaml:"jitter"`
	Seed            int64         `yaml:"seed"`
}

// AudioConfig holds audio capture and playback settings.
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	VoiceVolume   float64 `yaml:"voice_volume"`
	CaptureDevice string  `yaml:"capture_device"`
}

// ChatConfig holds the remote inference endpoint.
type ChatConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ControlConfig holds the local HTTP control API settings.
type ControlConfig struct {
	Addr string `yaml:"addr"` // empty disables the API
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Graphics: GraphicsConfig{
			Width:         1280,
			Height:        720,
			Fullscreen:    false,
			VSync:         true,
			FPSLimit:      0,
			ClearColor:    [4]float32{0, 0, 0, 0},
			ScreenshotDir: "screenshots",
		},
		Assets: AssetsConfig{
			Root:         "./Resources",
			Models:       []string{"Haru/Haru.model3.json"},
			FetchTimeout: 30 * time.Second,
			Parallelism:  4,
		},
		Model: ModelConfig{
			ReadyPollBase: 100 * time.Millisecond,
			ReadyPollCap:  time.Second,
			Breath:        true,
			EyeBlink:      true,
		},
		Expression: ExpressionConfig{
			FadeDuration: 500 * time.Millisecond,
			Confused:     "Question",
			Neutral:      "",
		},
		LipSync: LipSyncConfig{
			SmoothingWeight: 0.8,
			Exponent:        0.75,
			WindowSize:      2048,
			PerChar:         70 * time.Millisecond,
			MinPulse:        90 * time.Millisecond,
			MaxPulse:        420 * time.Millisecond,
			Gap:             40 * time.Millisecond,
			ShortPause:      180 * time.Millisecond,
			LongPause:       400 * time.Millisecond,
			Jitter:          0.15,
			Seed:            0,
		},
		Audio: AudioConfig{
			SampleRate:  44100,
			Channels:    1,
			VoiceVolume: 1.0,
		},
		Chat: ChatConfig{
			Endpoint: "",
			Timeout:  20 * time.Second,
		},
		Control: ControlConfig{
			Addr: "",
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// ModelPath returns the configured model settings path for a slot.
func (c *Config) ModelPath(slot int) (string, bool) {
	if slot < 0 || slot >= len(c.Assets.Models) {
		return "", false
	}
	return c.Assets.Models[slot], true
}
