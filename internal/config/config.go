package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the Orka orchestrator.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Storage   StorageConfig   `json:"storage"`
	Ports     PortsConfig     `json:"ports"`
	Mux       MuxConfig       `json:"mux"`
	Viewer    ViewerConfig    `json:"viewer"`
	Assistant AssistantConfig `json:"assistant"`
	Policy    PolicyConfig    `json:"policy"`
	Capture   CaptureConfig   `json:"capture"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"` // "debug", "info" (default), "warn", "error"
	mu        sync.RWMutex
}

// GatewayConfig configures the HTTP/WebSocket API server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"`                         // from env ORKA_GATEWAY_TOKEN only; empty = no auth
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // empty = allow all (dev mode)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // webhook rate limit per agent, 0 = default
}

// StorageConfig configures on-disk persistence.
type StorageConfig struct {
	Root       string `json:"root"`        // per-project state + transcripts + agent catalog
	ExportsDir string `json:"exports_dir"` // fork transcript exports
}

// PortsConfig bounds the viewer port pool.
type PortsConfig struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// MuxConfig configures the terminal multiplexer backend.
type MuxConfig struct {
	Binary        string `json:"binary"`         // multiplexer CLI, default "tmux"
	SessionPrefix string `json:"session_prefix"` // prefix for mux session names, default "orka"
	TimeoutMs     int    `json:"timeout_ms"`     // per-invocation deadline, default 5000
}

// ViewerConfig configures the HTTP terminal viewer subprocess.
type ViewerConfig struct {
	Binary        string `json:"binary"`          // viewer executable, default "ttyd"
	MaxRestarts   int    `json:"max_restarts"`    // restart budget per session, default 5
	StopTimeoutMs int    `json:"stop_timeout_ms"` // grace period before SIGKILL, default 5000
}

// AssistantConfig configures the wrapped AI CLI.
type AssistantConfig struct {
	Command    string `json:"command"`               // fresh-start command, default "claude"
	ForkArg    string `json:"fork_arg,omitempty"`    // fork subcommand/flag, default "--fork-session"
	ResumeFlag string `json:"resume_flag,omitempty"` // resume flag, default "--resume"
}

// PolicyConfig configures the remote decision policy backend.
type PolicyConfig struct {
	Endpoint  string `json:"endpoint"`             // chat-completions URL
	APIKey    string `json:"-"`                    // from env ORKA_POLICY_API_KEY only
	Model     string `json:"model,omitempty"`      // model name sent to the backend
	TimeoutMs int    `json:"timeout_ms,omitempty"` // per-call deadline, default 60000
}

// CaptureConfig tunes terminal state classification.
// Pattern fields are regular expressions matched against captured lines.
type CaptureConfig struct {
	Lines          int      `json:"lines,omitempty"`           // pane lines to capture, default 200
	MarkerLines    int      `json:"marker_lines,omitempty"`    // trailing lines scanned for spinner/caret, default 15
	PromptPatterns []string `json:"prompt_patterns,omitempty"` // permission prompt detectors
	SpinnerMarkers []string `json:"spinner_markers,omitempty"` // busy/working detectors
	CaretMarkers   []string `json:"caret_markers,omitempty"`   // idle input caret detectors
	ErrorMarkers   []string `json:"error_markers,omitempty"`   // crash detectors
}

// NotifyConfig configures outbound human-alert sinks.
type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
	Discord  DiscordNotifyConfig  `json:"discord,omitempty"`
}

// TelegramNotifyConfig configures the Telegram notification sink.
// Token comes from env ORKA_TELEGRAM_TOKEN only.
type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// DiscordNotifyConfig configures the Discord notification sink.
// Token comes from env ORKA_DISCORD_TOKEN only.
type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Token     string `json:"-"`
	ChannelID string `json:"channel_id,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces.
// When enabled, agent cycles and session operations are exported as spans
// to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "orka"
	Headers     map[string]string `json:"headers,omitempty"`
}

// MuxTimeout returns the per-invocation mux deadline.
func (c *Config) MuxTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Mux.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Mux.TimeoutMs) * time.Millisecond
}

// PolicyTimeout returns the per-call policy backend deadline.
func (c *Config) PolicyTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Policy.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Policy.TimeoutMs) * time.Millisecond
}

// CaptureSnapshot returns a copy of the capture tuning under the read lock.
// Hot reload replaces these fields, so callers must not hold references.
func (c *Config) CaptureSnapshot() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := c.Capture
	cp.PromptPatterns = append([]string(nil), c.Capture.PromptPatterns...)
	cp.SpinnerMarkers = append([]string(nil), c.Capture.SpinnerMarkers...)
	cp.CaretMarkers = append([]string(nil), c.Capture.CaretMarkers...)
	cp.ErrorMarkers = append([]string(nil), c.Capture.ErrorMarkers...)
	return cp
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the fsnotify hot-reload path.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Storage = src.Storage
	c.Ports = src.Ports
	c.Mux = src.Mux
	c.Viewer = src.Viewer
	c.Assistant = src.Assistant
	c.Policy = src.Policy
	c.Capture = src.Capture
	c.Notify = src.Notify
	c.Telemetry = src.Telemetry
	c.LogLevel = src.LogLevel
}
