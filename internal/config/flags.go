package config

import "flag"

var (
	flagConfig     = flag.String("config", "", "Path to config file")
	flagDebug      = flag.Bool("debug", false, "Enable debug logging")
	flagModel      = flag.String("model", "", "Model settings path for slot 0 (model3.json)")
	flagAssets     = flag.String("assets", "", "Asset root directory or http(s) base URL")
	flagChat       = flag.String("chat", "", "Remote chat endpoint")
	flagControl    = flag.String("control", "", "Control API listen address")
	flagWindowed   = flag.Bool("windowed", false, "Run in windowed mode")
	flagFullscreen = flag.Bool("fullscreen", false, "Run in fullscreen mode")
	flagWidth      = flag.Int("width", 0, "Window width")
	flagHeight     = flag.Int("height", 0, "Window height")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagModel != "" {
		if len(cfg.Assets.Models) == 0 {
			cfg.Assets.Models = []string{*flagModel}
		} else {
			cfg.Assets.Models[0] = *flagModel
		}
	}
	if *flagAssets != "" {
		if isURL(*flagAssets) {
			cfg.Assets.BaseURL = *flagAssets
		} else {
			cfg.Assets.Root = *flagAssets
			cfg.Assets.BaseURL = ""
		}
	}
	if *flagChat != "" {
		cfg.Chat.Endpoint = *flagChat
	}
	if *flagControl != "" {
		cfg.Control.Addr = *flagControl
	}
	if *flagWindowed {
		cfg.Graphics.Fullscreen = false
	}
	if *flagFullscreen {
		cfg.Graphics.Fullscreen = true
	}
	if *flagWidth > 0 {
		cfg.Graphics.Width = *flagWidth
	}
	if *flagHeight > 0 {
		cfg.Graphics.Height = *flagHeight
	}
}

func isURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}
