// Package config loads the agent configuration from YAML with ${VAR}
// environment expansion, applies defaults, and validates the result.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veritas-agent/veritas/pkg/interrupt"
)

// Config is the root configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Model      ModelConfig      `yaml:"model"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Tools      ToolsConfig      `yaml:"tools"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AgentConfig describes the served agent and its advertised skills.
type AgentConfig struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Version     string        `yaml:"version"`
	Instruction string        `yaml:"instruction"`
	Skills      []SkillConfig `yaml:"skills"`
}

// SkillConfig is one advertised capability.
type SkillConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
	Examples    []string `yaml:"examples"`
}

// ModelConfig configures the LLM provider.
type ModelConfig struct {
	Provider string `yaml:"provider"`

	// APIKey supports ${VAR} expansion.
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     Duration `yaml:"timeout"`
}

// EvaluatorConfig configures the helpfulness judge.
type EvaluatorConfig struct {
	// Model overrides the main model for evaluation calls. Empty means
	// reuse the main model.
	Model   string        `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// ToolsConfig configures the tool layer.
type ToolsConfig struct {
	MaxParallel int           `yaml:"max_parallel"`
	CallTimeout Duration `yaml:"call_timeout"`
	Search      SearchConfig  `yaml:"search"`
}

// SearchConfig configures the built-in search tool.
type SearchConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// RuntimeConfig bounds task execution.
type RuntimeConfig struct {
	// LoopBound caps helpfulness retries per task.
	LoopBound int `yaml:"loop_bound"`

	// TaskTimeout is the overall per-task deadline. Zero disables it.
	TaskTimeout Duration `yaml:"task_timeout"`

	// Retention prunes terminal tasks older than this window. Zero
	// keeps them for the process lifetime.
	Retention Duration `yaml:"retention"`

	// Interrupts are global pause points in "phase:node" notation,
	// e.g. "before:helpfulness".
	Interrupts []string `yaml:"interrupts"`

	// ResumeTimeout bounds how long a paused task waits for input.
	ResumeTimeout Duration `yaml:"resume_timeout"`
}

// CheckpointConfig selects the snapshot store.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite file path
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	BaseURL           string `yaml:"base_url"`
	ExtendedCardToken string `yaml:"extended_card_token"`
	Metrics           bool   `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse processes raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvString(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a runnable config with everything defaulted.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "veritas"
	}
	if c.Agent.Description == "" {
		c.Agent.Description = "An assistant that verifies its own answers before returning them."
	}
	if c.Agent.Version == "" {
		c.Agent.Version = "0.1.0"
	}
	// The published agent card must advertise at least one skill.
	if len(c.Agent.Skills) == 0 {
		c.Agent.Skills = []SkillConfig{{
			ID:          "research",
			Name:        "Research",
			Description: "Answers questions, consulting tools when the answer needs them.",
			Tags:        []string{"research", "qa"},
		}}
	}

	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}
	if c.Model.Model == "" {
		c.Model.Model = "gpt-4o"
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = Duration(2 * time.Minute)
	}

	if c.Evaluator.Timeout == 0 {
		c.Evaluator.Timeout = Duration(30 * time.Second)
	}

	if c.Tools.MaxParallel == 0 {
		c.Tools.MaxParallel = 4
	}
	if c.Tools.CallTimeout == 0 {
		c.Tools.CallTimeout = Duration(30 * time.Second)
	}

	if c.Runtime.LoopBound == 0 {
		c.Runtime.LoopBound = 10
	}
	if c.Runtime.ResumeTimeout == 0 {
		c.Runtime.ResumeTimeout = Duration(10 * time.Minute)
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "memory"
	}
	if c.Checkpoint.Backend == "sqlite" && c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "veritas.db"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects configs that cannot run.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai":
	default:
		return fmt.Errorf("unsupported model provider: %q", c.Model.Provider)
	}

	switch c.Checkpoint.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unsupported checkpoint backend: %q", c.Checkpoint.Backend)
	}

	if c.Runtime.LoopBound < 1 {
		return fmt.Errorf("runtime.loop_bound must be at least 1")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	seen := make(map[string]struct{}, len(c.Agent.Skills))
	for _, skill := range c.Agent.Skills {
		if skill.ID == "" {
			return fmt.Errorf("agent skill requires an id")
		}
		if _, dup := seen[skill.ID]; dup {
			return fmt.Errorf("duplicate agent skill id: %q", skill.ID)
		}
		seen[skill.ID] = struct{}{}
	}

	for _, p := range c.Runtime.Interrupts {
		if _, err := interrupt.ParsePoint(p); err != nil {
			return fmt.Errorf("runtime.interrupts: %w", err)
		}
	}
	return nil
}

// InterruptPoints parses the configured global interrupt points.
func (c *Config) InterruptPoints() (*interrupt.Set, error) {
	if len(c.Runtime.Interrupts) == 0 {
		return nil, nil
	}
	points := make([]interrupt.Point, 0, len(c.Runtime.Interrupts))
	for _, raw := range c.Runtime.Interrupts {
		p, err := interrupt.ParsePoint(raw)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return interrupt.NewSet(points...)
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]

			// ${VAR:-default}
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}
