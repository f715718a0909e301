// Command veritas serves a self-verifying agent over the HTTP+JSON
// transport.
//
// Usage:
//
//	veritas serve --config config.yaml
//	veritas card --config config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/veritas-agent/veritas/pkg/a2a"
	"github.com/veritas-agent/veritas/pkg/a2a/server"
	"github.com/veritas-agent/veritas/pkg/checkpoint"
	"github.com/veritas-agent/veritas/pkg/config"
	"github.com/veritas-agent/veritas/pkg/interrupt"
	"github.com/veritas-agent/veritas/pkg/judge"
	"github.com/veritas-agent/veritas/pkg/logger"
	"github.com/veritas-agent/veritas/pkg/model"
	"github.com/veritas-agent/veritas/pkg/observability"
	"github.com/veritas-agent/veritas/pkg/task"
	"github.com/veritas-agent/veritas/pkg/tool"
	"github.com/veritas-agent/veritas/pkg/tool/functiontool"
	"github.com/veritas-agent/veritas/pkg/tool/searchtool"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the agent server."`
	Card    CardCmd    `cmd:"" help:"Print the agent card as JSON."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text, json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("veritas version %s\n", version)
	return nil
}

// CardCmd prints the public agent card.
type CardCmd struct{}

func (c *CardCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	card := buildCard(cfg)
	out, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ServeCmd starts the agent server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if err := applyLogConfig(cli, cfg); err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	service, metrics, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer service.Close()

	srv, err := buildServer(cfg, service, metrics)
	if err != nil {
		return err
	}

	// Shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// WIRING
// ============================================================================

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyLogConfig(cli *CLI, cfg *config.Config) error {
	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	_, err := logger.Setup(logger.Options{
		Level:  level,
		Format: logger.Format(format),
	})
	return err
}

func buildService(cfg *config.Config) (*task.Service, *observability.Metrics, error) {
	provider, err := model.NewOpenAIProvider(model.OpenAIConfig{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Model,
		Instruction: cfg.Agent.Instruction,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout.Duration(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build model provider: %w", err)
	}

	evalProvider := model.Provider(provider)
	if cfg.Evaluator.Model != "" && cfg.Evaluator.Model != cfg.Model.Model {
		evalProvider, err = model.NewOpenAIProvider(model.OpenAIConfig{
			APIKey:  cfg.Model.APIKey,
			BaseURL: cfg.Model.BaseURL,
			Model:   cfg.Evaluator.Model,
			Timeout: cfg.Evaluator.Timeout.Duration(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build evaluator provider: %w", err)
		}
	}
	evaluator := judge.NewFallback(
		judge.NewModelEvaluator(evalProvider, cfg.Evaluator.Timeout.Duration()),
		judge.VerdictNotHelpful,
		slog.Default(),
	)

	registry := tool.NewRegistry()
	if cfg.Tools.Search.Enabled {
		search, err := searchtool.New(searchtool.Config{
			Backend: &searchtool.DuckDuckGo{BaseURL: cfg.Tools.Search.BaseURL},
		})
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(search); err != nil {
			return nil, nil, err
		}
	}
	clock, err := functiontool.New(functiontool.Config{
		Name:        "current_time",
		Description: "Returns the current time in UTC.",
	}, func(ctx context.Context, args struct{}) (string, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})
	if err != nil {
		return nil, nil, err
	}
	if err := registry.Register(clock); err != nil {
		return nil, nil, err
	}

	metrics := observability.NewMetrics()
	executor := tool.NewExecutor(registry,
		tool.WithMaxParallel(cfg.Tools.MaxParallel),
		tool.WithCallTimeout(cfg.Tools.CallTimeout.Duration()),
		tool.WithObserver(metrics.ObserveTool),
	)

	var store checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case "sqlite":
		store, err = checkpoint.NewSQLStore(cfg.Checkpoint.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
	default:
		store = checkpoint.NewMemoryStore()
	}

	points, err := cfg.InterruptPoints()
	if err != nil {
		return nil, nil, err
	}

	skillIDs := make([]string, 0, len(cfg.Agent.Skills))
	for _, s := range cfg.Agent.Skills {
		skillIDs = append(skillIDs, s.ID)
	}

	service, err := task.NewService(task.Config{
		Provider:         provider,
		Evaluator:        evaluator,
		Executor:         executor,
		Tools:            registry,
		Checkpoints:      store,
		Controller:       interrupt.NewController(cfg.Runtime.ResumeTimeout.Duration()),
		GlobalInterrupts: points,
		SkillIDs:         skillIDs,
		LoopBound:        cfg.Runtime.LoopBound,
		TaskTimeout:      cfg.Runtime.TaskTimeout.Duration(),
		Retention:        cfg.Runtime.Retention.Duration(),
		Metrics:          metrics,
		Logger:           slog.Default(),
	})
	if err != nil {
		return nil, nil, err
	}
	return service, metrics, nil
}

func buildServer(cfg *config.Config, service *task.Service, metrics *observability.Metrics) (*server.Server, error) {
	opts := []server.Option{
		server.WithLogger(slog.Default()),
	}
	if cfg.Server.Metrics {
		opts = append(opts, server.WithMetricsHandler(metrics.Handler()))
	}
	if cfg.Server.ExtendedCardToken != "" {
		opts = append(opts, server.WithExtendedCard(buildExtendedCard(cfg)))
	}

	return server.New(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		BaseURL:           cfg.Server.BaseURL,
		ExtendedCardToken: cfg.Server.ExtendedCardToken,
	}, buildCard(cfg), service, opts...)
}

func buildCard(cfg *config.Config) *a2a.AgentCard {
	card := &a2a.AgentCard{
		Name:              cfg.Agent.Name,
		Description:       cfg.Agent.Description,
		URL:               cfg.Server.BaseURL,
		Version:           cfg.Agent.Version,
		DefaultInputModes: []string{"text"},
		DefaultOutputModes: []string{
			"text",
		},
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
	}
	for _, s := range cfg.Agent.Skills {
		card.Skills = append(card.Skills, a2a.AgentSkill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
			Examples:    s.Examples,
		})
	}
	return card
}

// buildExtendedCard adds detail the public card omits.
func buildExtendedCard(cfg *config.Config) *a2a.AgentCard {
	card := buildCard(cfg)
	card.Description = fmt.Sprintf("%s Served by model %s with a helpfulness loop bound of %d.",
		card.Description, cfg.Model.Model, cfg.Runtime.LoopBound)
	return card
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("veritas"),
		kong.Description("veritas - a self-verifying agent server"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
