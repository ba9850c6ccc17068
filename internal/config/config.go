// Package config handles application configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/sevir/agentrelay/internal/logging"
)

// Config holds the application configuration.
type Config struct {
	Agent     AgentConfig     `json:"agent" yaml:"agent" toml:"agent"`
	Relay     RelayConfig     `json:"relay" yaml:"relay" toml:"relay"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store" toml:"store"`
	Log       logging.Config  `json:"log" yaml:"log" toml:"log"`
}

// AgentConfig describes the supervised agent process.
type AgentConfig struct {
	Executable  string   `json:"executable" yaml:"executable" toml:"executable"`
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Candidates  []string `json:"candidates,omitempty" yaml:"candidates,omitempty" toml:"candidates,omitempty"`
	WorkDir     string   `json:"workdir" yaml:"workdir" toml:"workdir"`
	Provider    string   `json:"provider,omitempty" yaml:"provider,omitempty" toml:"provider,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	ExtraArgs   []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty" toml:"extra_args,omitempty"`
	Env         []string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	MaxLineSize int      `json:"max_line_size" yaml:"max_line_size" toml:"max_line_size"`

	SettleDelay     Duration `json:"settle_delay" yaml:"settle_delay" toml:"settle_delay"`
	StopTimeout     Duration `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout"`
	ReadLoopTimeout Duration `json:"read_loop_timeout" yaml:"read_loop_timeout" toml:"read_loop_timeout"`
	RPCTimeout      Duration `json:"rpc_timeout" yaml:"rpc_timeout" toml:"rpc_timeout"`

	// ReloadEvent is the event type that makes the service restart the agent.
	ReloadEvent    string   `json:"reload_event" yaml:"reload_event" toml:"reload_event"`
	RestartOnCrash bool     `json:"restart_on_crash" yaml:"restart_on_crash" toml:"restart_on_crash"`
	RestartBackoff Duration `json:"restart_backoff" yaml:"restart_backoff" toml:"restart_backoff"`
}

// RelayConfig tunes streaming and delivery.
type RelayConfig struct {
	TextThreshold    int      `json:"text_threshold" yaml:"text_threshold" toml:"text_threshold"`
	ToolThreshold    int      `json:"tool_threshold" yaml:"tool_threshold" toml:"tool_threshold"`
	StreamToolOutput bool     `json:"stream_tool_output" yaml:"stream_tool_output" toml:"stream_tool_output"`
	MaxChunk         int      `json:"max_chunk" yaml:"max_chunk" toml:"max_chunk"`
	PromptTimeout    Duration `json:"prompt_timeout" yaml:"prompt_timeout" toml:"prompt_timeout"`
}

// HeartbeatConfig controls scheduled system turns.
type HeartbeatConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Schedule string   `json:"schedule" yaml:"schedule" toml:"schedule"`
	Prompt   string   `json:"prompt,omitempty" yaml:"prompt,omitempty" toml:"prompt,omitempty"`
	AckToken string   `json:"ack_token" yaml:"ack_token" toml:"ack_token"`
	File     string   `json:"file" yaml:"file" toml:"file"`
	Timeout  Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`
}

// StoreConfig holds turn history configuration.
type StoreConfig struct {
	Path     string `json:"path" yaml:"path" toml:"path"`
	MaxTurns int    `json:"max_turns" yaml:"max_turns" toml:"max_turns"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Dir returns the default configuration directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentrelay")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := Dir()

	return &Config{
		Agent: AgentConfig{
			Name:            "pi",
			WorkDir:         filepath.Join(dir, "workspace"),
			MaxLineSize:     16 * 1024 * 1024,
			SettleDelay:     Duration(500 * time.Millisecond),
			StopTimeout:     Duration(5 * time.Second),
			ReadLoopTimeout: Duration(5 * time.Second),
			RPCTimeout:      Duration(30 * time.Second),
			ReloadEvent:     "extensions_changed",
			RestartBackoff:  Duration(5 * time.Second),
		},
		Relay: RelayConfig{
			TextThreshold: 1500,
			ToolThreshold: 500,
			MaxChunk:      2000,
			PromptTimeout: Duration(5 * time.Minute),
		},
		Heartbeat: HeartbeatConfig{
			Schedule: "@every 30m",
			AckToken: "HEARTBEAT_OK",
			File:     "HEARTBEAT.md",
			Timeout:  Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8766,
		},
		Store: StoreConfig{
			Path:     filepath.Join(dir, "turns.json"),
			MaxTurns: 1000,
		},
		Log: logging.DefaultConfig(),
	}
}

// candidateFiles are tried in order when no path is given.
var candidateFiles = []string{"config.yaml", "config.yml", "config.toml", "config.json"}

// Load loads configuration from a file (supports YAML, TOML and JSON).
// An empty path searches the default directory; a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, name := range candidateFiles {
			p := filepath.Join(Dir(), name)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}
	baseDir := filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch format(path) {
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Paths are resolved against the config file's directory.
	cfg.Agent.Executable = resolvePath(cfg.Agent.Executable, baseDir)
	cfg.Agent.WorkDir = resolvePath(cfg.Agent.WorkDir, baseDir)
	cfg.Store.Path = resolvePath(cfg.Store.Path, baseDir)

	return cfg, nil
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// Save writes the configuration in the format implied by the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	switch format(path) {
	case "yaml":
		data, err = yaml.Marshal(c)
	case "toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate reports settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Agent.Executable == "" && c.Agent.Name == "" {
		errs = append(errs, errors.New("agent.executable or agent.name is required"))
	}
	if c.Relay.TextThreshold <= 0 {
		errs = append(errs, errors.New("relay.text_threshold must be positive"))
	}
	if c.Relay.ToolThreshold <= 0 {
		errs = append(errs, errors.New("relay.tool_threshold must be positive"))
	}
	if c.Relay.MaxChunk <= 0 {
		errs = append(errs, errors.New("relay.max_chunk must be positive"))
	}
	if c.Heartbeat.Enabled && strings.TrimSpace(c.Heartbeat.Schedule) == "" {
		errs = append(errs, errors.New("heartbeat.schedule is required when heartbeat is enabled"))
	}
	return errors.Join(errs...)
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
