// Package config loads the Atlas configuration: a single YAML file with
// environment-variable expansion, strict field checking, defaults, and
// optional hot reload.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Atlas server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Features      FeaturesConfig      `yaml:"features"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Agent         AgentConfig         `yaml:"agent"`
	Save          SaveConfig          `yaml:"save"`
	ContentPolicy ContentPolicyConfig `yaml:"content_policy"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Events        EventsConfig        `yaml:"events"`
	LLM           LLMConfig           `yaml:"llm"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	MCP           MCPConfig           `yaml:"mcp"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// FeaturesConfig holds the orchestrator feature flags. Unset flags
// default to enabled; the pointers distinguish "absent" from "false".
type FeaturesConfig struct {
	RetrievalEnabled             *bool `yaml:"retrieval_enabled"`
	ToolsEnabled                 *bool `yaml:"tools_enabled"`
	ChatHistoryEnabled           *bool `yaml:"chat_history_enabled"`
	FileContentExtractionEnabled *bool `yaml:"file_content_extraction_enabled"`
}

func flag(v *bool) bool { return v == nil || *v }

func (f FeaturesConfig) Retrieval() bool             { return flag(f.RetrievalEnabled) }
func (f FeaturesConfig) Tools() bool                 { return flag(f.ToolsEnabled) }
func (f FeaturesConfig) ChatHistory() bool           { return flag(f.ChatHistoryEnabled) }
func (f FeaturesConfig) FileContentExtraction() bool { return flag(f.FileContentExtractionEnabled) }

// Duration decodes either a Go duration string ("30s", "2m") or a bare
// number of seconds. yaml.v3 has no native handling for time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type TimeoutsConfig struct {
	MCPCall      Duration `yaml:"mcp_call"`
	MCPDiscovery Duration `yaml:"mcp_discovery"`
	Retrieval    Duration `yaml:"retrieval"`
}

type AgentConfig struct {
	// Strategy selects the multi-step driver; "agentic" is the only
	// recognised value.
	Strategy           string  `yaml:"strategy"`
	MaxSteps           int     `yaml:"max_steps"`
	ToolRounds         int     `yaml:"tool_rounds"`
	MaxConcurrentTools int     `yaml:"max_concurrent_tools"`
	Temperature        float32 `yaml:"temperature"`
}

type SaveConfig struct {
	// DefaultMode applies when a request does not carry a save mode:
	// none, local, or server.
	DefaultMode string `yaml:"default_mode"`
}

type ContentPolicyConfig struct {
	PreCheckEnabled  *bool               `yaml:"pre_check_enabled"`
	PostCheckEnabled *bool               `yaml:"post_check_enabled"`
	Rules            []ContentRuleConfig `yaml:"rules"`
}

// ContentRuleConfig is one static policy entry: content containing the
// keyword gets the severity ("warn" or "block").
type ContentRuleConfig struct {
	Keyword  string `yaml:"keyword"`
	Severity string `yaml:"severity"`
}

func (c ContentPolicyConfig) PreCheck() bool  { return flag(c.PreCheckEnabled) }
func (c ContentPolicyConfig) PostCheck() bool { return flag(c.PostCheckEnabled) }

type SessionsConfig struct {
	IdleTTL       Duration `yaml:"idle_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	MaxMessages   int      `yaml:"max_messages"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type ConversationsConfig struct {
	// Path is the SQLite database file for server-side saves.
	Path string `yaml:"path"`
}

type RetrievalConfig struct {
	Providers []RetrievalProviderConfig `yaml:"providers"`
}

type RetrievalProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type MCPConfig struct {
	// SystemServers are excluded from the fleet directory injected into
	// planner tools.
	SystemServers []string          `yaml:"system_servers"`
	Servers       []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one server in the fleet. Transport is
// "stdio" or "http"; the approval lists name tools on this server that
// must be confirmed by the user before they run.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   Duration          `yaml:"timeout"`

	ApprovalTools []string `yaml:"approval_tools"`
	AdminTools    []string `yaml:"admin_tools"`
	// EditAllowed lets the approver submit edited arguments instead of
	// a plain approve.
	EditAllowed bool `yaml:"edit_allowed"`
}

// Load reads, expands, and strictly decodes the configuration file,
// then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes with environment expansion and
// strict field checking.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// input, used by tests and the CLI when no config flag is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Timeouts.MCPCall == 0 {
		cfg.Timeouts.MCPCall = Duration(120 * time.Second)
	}
	if cfg.Timeouts.MCPDiscovery == 0 {
		cfg.Timeouts.MCPDiscovery = Duration(30 * time.Second)
	}
	if cfg.Timeouts.Retrieval == 0 {
		cfg.Timeouts.Retrieval = Duration(30 * time.Second)
	}
	if cfg.Agent.Strategy == "" {
		cfg.Agent.Strategy = "agentic"
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 10
	}
	if cfg.Agent.ToolRounds == 0 {
		cfg.Agent.ToolRounds = 8
	}
	if cfg.Agent.MaxConcurrentTools == 0 {
		cfg.Agent.MaxConcurrentTools = 8
	}
	if cfg.Save.DefaultMode == "" {
		cfg.Save.DefaultMode = "none"
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = Duration(time.Hour)
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = Duration(5 * time.Minute)
	}
	if cfg.Sessions.MaxMessages == 0 {
		cfg.Sessions.MaxMessages = 1000
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 256
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.Conversations.Path == "" {
		cfg.Conversations.Path = "atlas.db"
	}
}
