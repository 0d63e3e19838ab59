package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18850,
			RateLimitRPM: 60,
		},
		Storage: StorageConfig{
			Root:       "~/.orka/projects",
			ExportsDir: "~/.orka/exports",
		},
		Ports: PortsConfig{
			Min: 7681,
			Max: 7781,
		},
		Mux: MuxConfig{
			Binary:        "tmux",
			SessionPrefix: "orka",
			TimeoutMs:     5000,
		},
		Viewer: ViewerConfig{
			Binary:        "ttyd",
			MaxRestarts:   5,
			StopTimeoutMs: 5000,
		},
		Assistant: AssistantConfig{
			Command:    "claude",
			ForkArg:    "--fork-session",
			ResumeFlag: "--resume",
		},
		Policy: PolicyConfig{
			Model:     "claude-sonnet-4-5-20250929",
			TimeoutMs: 60000,
		},
		Capture: CaptureConfig{
			Lines:       200,
			MarkerLines: 15,
			PromptPatterns: []string{
				`Do you want to .*\?`,
				`\(y/n\)`,
				`❯ 1\. Yes`,
				`Allow .* to .*\?`,
			},
			SpinnerMarkers: []string{
				`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`,
				`esc to interrupt`,
				`Working…`,
			},
			CaretMarkers: []string{
				`^\s*[>│❯]\s*$`,
				`^\s*[>│❯]\s`,
			},
			ErrorMarkers: []string{
				`Connection lost`,
				`process exited`,
				`command not found`,
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("ORKA_STORAGE_ROOT", &c.Storage.Root)
	envStr("ORKA_EXPORTS_DIR", &c.Storage.ExportsDir)
	envInt("ORKA_PORT_MIN", &c.Ports.Min)
	envInt("ORKA_PORT_MAX", &c.Ports.Max)

	envStr("ORKA_HOST", &c.Gateway.Host)
	envInt("ORKA_PORT", &c.Gateway.Port)
	envStr("ORKA_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("ORKA_MUX_BINARY", &c.Mux.Binary)
	envStr("ORKA_VIEWER_BINARY", &c.Viewer.Binary)
	envStr("ORKA_ASSISTANT_COMMAND", &c.Assistant.Command)

	// Policy backend (API key from env only, never persisted)
	envStr("ORKA_POLICY_ENDPOINT", &c.Policy.Endpoint)
	envStr("ORKA_POLICY_API_KEY", &c.Policy.APIKey)
	envStr("ORKA_POLICY_MODEL", &c.Policy.Model)

	// Notification sink credentials (env only)
	envStr("ORKA_TELEGRAM_TOKEN", &c.Notify.Telegram.Token)
	if v := os.Getenv("ORKA_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.Telegram.ChatID = id
		}
	}
	envStr("ORKA_DISCORD_TOKEN", &c.Notify.Discord.Token)
	envStr("ORKA_DISCORD_CHANNEL_ID", &c.Notify.Discord.ChannelID)

	// Auto-enable sinks when credentials are provided via env
	if c.Notify.Telegram.Token != "" && c.Notify.Telegram.ChatID != 0 {
		c.Notify.Telegram.Enabled = true
	}
	if c.Notify.Discord.Token != "" && c.Notify.Discord.ChannelID != "" {
		c.Notify.Discord.Enabled = true
	}

	envStr("ORKA_LOG_LEVEL", &c.LogLevel)

	// Telemetry
	envStr("ORKA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ORKA_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ORKA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ORKA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ORKA_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment overrides onto the config.
// Call after a hot reload to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secret fields are tagged `json:"-"`
// and never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// StorageRoot returns the expanded storage root path.
func (c *Config) StorageRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.Root)
}

// ExportsDir returns the expanded exports directory path.
func (c *Config) ExportsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.ExportsDir)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
