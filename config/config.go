package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/miniagent/agentloop"
	"github.com/martinemde/miniagent/unifiedllm"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AppName names the config file and the environment prefix.
const AppName = "miniagent"

// DefaultModelID is the model used when none is configured.
const DefaultModelID = "qwen2.5-coder:3b"

// providers lists the accepted model.provider values. Everything except
// ollama is served through gollm.
var providers = map[string]bool{
	"ollama": true, "openai": true, "anthropic": true, "groq": true,
	"mistral": true, "cohere": true, "deepseek": true, "google": true,
	"openrouter": true,
}

// Config stores all configuration of the application. Values come from
// defaults, then a YAML config file, then MINIAGENT_* environment
// variables, then command line flags.
type Config struct {
	Model ModelConfig `mapstructure:"model"`
	Agent AgentConfig `mapstructure:"agent"`
	Log   LogConfig   `mapstructure:"log"`
}

// ModelConfig selects the model backend.
type ModelConfig struct {
	Provider       string        `mapstructure:"provider"` // "ollama", "openai", "anthropic", "groq", ...
	ID             string        `mapstructure:"id"`
	Endpoint       string        `mapstructure:"endpoint"` // Ollama base URL
	APIKey         string        `mapstructure:"api_key"`
	Temperature    *float64      `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	MaxRetries     int           `mapstructure:"max_retries"`     // non-streaming calls only
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // wait for response headers
}

// AgentConfig controls the turn loop and the sandbox.
type AgentConfig struct {
	MaxTurns         int           `mapstructure:"max_turns"`
	MaxHistoryChars  int           `mapstructure:"max_history_chars"`
	MaxFeedbackChars int           `mapstructure:"max_feedback_chars"` // 0 disables
	ExecTimeout      time.Duration `mapstructure:"exec_timeout"`
	Confirm          bool          `mapstructure:"confirm"`
	Stream           bool          `mapstructure:"stream"`
	Language         string        `mapstructure:"language"` // "bash" or "starlark"
	Shell            string        `mapstructure:"shell"`
	LoopDetection    bool          `mapstructure:"loop_detection"`
	LoopWindow       int           `mapstructure:"loop_window"`
	ProjectDocs      bool          `mapstructure:"project_docs"`
}

// LogConfig controls diagnostics.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Language values accepted by agent.language.
const (
	LanguageBash     = "bash"
	LanguageStarlark = "starlark"
)

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"provider":  "model.provider",
	"model":     "model.id",
	"endpoint":  "model.endpoint",
	"max-turns": "agent.max_turns",
	"timeout":   "agent.exec_timeout",
	"confirm":   "agent.confirm",
	"log-level": "log.level",
	"log-file":  "log.file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.provider", "ollama")
	v.SetDefault("model.id", DefaultModelID)
	v.SetDefault("model.endpoint", unifiedllm.DefaultOllamaEndpoint)
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.max_tokens", 0)
	v.SetDefault("model.max_retries", 2)
	v.SetDefault("model.request_timeout", 120*time.Second)

	v.SetDefault("agent.max_turns", agentloop.DefaultMaxTurns)
	v.SetDefault("agent.max_history_chars", agentloop.DefaultMaxHistoryChars)
	v.SetDefault("agent.max_feedback_chars", agentloop.DefaultMaxFeedbackChars)
	v.SetDefault("agent.exec_timeout", agentloop.DefaultExecTimeout)
	v.SetDefault("agent.confirm", false)
	v.SetDefault("agent.stream", true)
	v.SetDefault("agent.language", LanguageBash)
	v.SetDefault("agent.shell", agentloop.DefaultShell)
	v.SetDefault("agent.loop_detection", true)
	v.SetDefault("agent.loop_window", agentloop.DefaultLoopWindow)
	v.SetDefault("agent.project_docs", true)

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.file", "")
}

// Load reads configuration. When configPath is empty, miniagent.yaml is
// looked up in the working directory and in $XDG_CONFIG_HOME/miniagent; a
// missing file is not an error. Flags that were set on the command line
// override every other source.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir := userConfigDir(); dir != "" {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	// Temperature stays unset unless some source provides it.
	if v.IsSet("model.temperature") {
		t := v.GetFloat64("model.temperature")
		cfg.Model.Temperature = &t
	}
	return &cfg, nil
}

func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return dir
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.ID == "" {
		errs = append(errs, errors.New("model.id must be set"))
	}
	if !providers[c.Model.Provider] {
		errs = append(errs, fmt.Errorf("model.provider %q is not supported", c.Model.Provider))
	}
	if c.Model.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("model.max_retries must not be negative, got %d", c.Model.MaxRetries))
	}
	if c.Model.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("model.request_timeout must not be negative, got %s", c.Model.RequestTimeout))
	}
	if c.Agent.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns))
	}
	if c.Agent.MaxHistoryChars <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_history_chars must be positive, got %d", c.Agent.MaxHistoryChars))
	}
	if c.Agent.MaxFeedbackChars < 0 {
		errs = append(errs, fmt.Errorf("agent.max_feedback_chars must not be negative, got %d", c.Agent.MaxFeedbackChars))
	}
	if c.Agent.ExecTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.exec_timeout must be positive, got %s", c.Agent.ExecTimeout))
	}
	if _, err := c.language(); err != nil {
		errs = append(errs, err)
	}
	if c.Agent.LoopDetection && c.Agent.LoopWindow < 2 {
		errs = append(errs, fmt.Errorf("agent.loop_window must be at least 2, got %d", c.Agent.LoopWindow))
	}
	return errors.Join(errs...)
}

func (c *Config) language() (agentloop.Language, error) {
	switch strings.ToLower(c.Agent.Language) {
	case LanguageBash, "sh", "shell":
		return agentloop.LanguageShell, nil
	case LanguageStarlark, "python", "py":
		return agentloop.LanguageInterpreted, nil
	}
	return "", fmt.Errorf("agent.language must be %q or %q, got %q", LanguageBash, LanguageStarlark, c.Agent.Language)
}

// SessionConfig maps the agent settings onto a session configuration.
func (c *Config) SessionConfig(workingDir string) agentloop.SessionConfig {
	cfg := agentloop.DefaultSessionConfig()
	cfg.Model = c.Model.ID
	cfg.WorkingDir = workingDir
	if lang, err := c.language(); err == nil {
		cfg.Language = lang
	}
	cfg.MaxTurns = c.Agent.MaxTurns
	cfg.MaxHistoryChars = c.Agent.MaxHistoryChars
	cfg.MaxFeedbackChars = c.Agent.MaxFeedbackChars
	cfg.ExecTimeout = c.Agent.ExecTimeout
	cfg.Shell = c.Agent.Shell
	cfg.ConfirmExecution = c.Agent.Confirm
	cfg.EnableLoopDetection = c.Agent.LoopDetection
	cfg.LoopDetectionWindow = c.Agent.LoopWindow
	cfg.ProjectDocs = c.Agent.ProjectDocs
	return cfg
}

// ClientConfig maps the model settings onto a client configuration.
func (c *Config) ClientConfig() unifiedllm.ClientConfig {
	return unifiedllm.ClientConfig{
		Provider:       c.Model.Provider,
		Model:          c.Model.ID,
		Endpoint:       c.Model.Endpoint,
		APIKey:         c.Model.APIKey,
		Temperature:    c.Model.Temperature,
		MaxTokens:      c.Model.MaxTokens,
		MaxRetries:     c.Model.MaxRetries,
		RequestTimeout: c.Model.RequestTimeout,
	}
}
