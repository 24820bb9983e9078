// Package app assembles the pipeline from configuration. Every front-end
// (web, bot, MCP server, CLI) starts here.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"codeassist/internal/agent"
	"codeassist/internal/analytics"
	"codeassist/internal/assistant"
	"codeassist/internal/config"
	"codeassist/internal/dataset"
	"codeassist/internal/llm"
	"codeassist/internal/logging"
	"codeassist/internal/memory"
	"codeassist/internal/sandbox"
	"codeassist/internal/storage"
)

// LoadConfig reads .env when present and parses the environment.
func LoadConfig() (*config.Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return config.New()
}

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	LLM       llm.Client
	Executor  sandbox.Executor
	Memory    *memory.Manager
	Recorder  storage.Recorder
	Assistant *assistant.Service

	closers []func() error
}

type Options struct {
	// LogOutput overrides the terminal log destination.
	LogOutput io.Writer
	// LLM replaces the configured provider, for tests.
	LLM llm.Client
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Terminal: opts.LogOutput})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, closers: []func() error{closeLog}}

	client := opts.LLM
	if client == nil {
		client, err = llm.NewFactory(cfg).CreateClient(string(cfg.LLMProvider), "")
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("create llm client: %w", err)
		}
	}
	a.LLM = client

	engine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Executor = sandbox.NewQueue(engine, cfg.SandboxWorkers, cfg.SandboxQueue, logger)

	a.Recorder, err = storage.Open(cfg.InteractionLogFormat, cfg.InteractionLogPath)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open interaction log: %w", err)
	}

	fallback := llm.DefaultSystemPrompt
	if cfg.SandboxEngine == config.EngineDocker {
		fallback = llm.PythonSystemPrompt
	}
	system, err := llm.LoadSystemPrompt(cfg.SystemPromptPath, fallback)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("system prompt file not found, using built-in prompt", "path", cfg.SystemPromptPath)
		system, err = fallback, nil
	}
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Memory = memory.NewManager(cfg.MemoryCapacity, cfg.MemoryMaxSessions)
	a.Assistant = assistant.New(assistant.Options{
		LLM:          a.LLM,
		Executor:     a.Executor,
		Memory:       a.Memory,
		Recorder:     a.Recorder,
		Logger:       logger,
		SystemPrompt: system,
		ContextTurns: cfg.MemoryContextTurns,
		ContextChars: cfg.MemoryContextChars,
		PreviewRows:  cfg.PreviewRows,
	})

	logger.Info("assistant ready",
		"provider", cfg.LLMProvider,
		"engine", cfg.SandboxEngine,
		"workers", cfg.SandboxWorkers,
		"queue", cfg.SandboxQueue,
		"interaction_log", cfg.InteractionLogPath)
	return a, nil
}

func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sandbox.Executor, error) {
	switch cfg.SandboxEngine {
	case config.EngineDocker:
		d, err := sandbox.NewDocker(ctx, sandbox.DockerOptions{
			Image:     cfg.DockerImage,
			Memory:    cfg.DockerMemory,
			CPUs:      cfg.DockerCPUs,
			PidsLimit: cfg.DockerPidsLimit,
			Timeout:   cfg.SandboxTimeout,
			MaxOutput: cfg.SandboxMaxOutput,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("docker sandbox: %w", err)
		}
		return d, nil
	default:
		return sandbox.NewStarlark(sandbox.StarlarkOptions{
			Timeout:   cfg.SandboxTimeout,
			MaxSteps:  cfg.SandboxMaxSteps,
			MaxOutput: cfg.SandboxMaxOutput,
			Logger:    logger,
		}), nil
	}
}

// Report summarises the interaction log for the given day.
func (a *App) Report(_ context.Context, day time.Time) (string, error) {
	events, err := a.Recorder.LoadInteractions()
	if err != nil {
		return "", fmt.Errorf("load interactions: %w", err)
	}
	return analytics.AnalyzeDailyLogs(events, day).GenerateReportSummary(), nil
}

// Agent builds a tool-using agent; ds, when set, is bound as df for the
// sandbox tool.
func (a *App) Agent(ds *dataset.Frame) (*agent.Agent, error) {
	toolset, err := agent.DefaultTools(a.Assistant.Run, a.Assistant.Languages(), ds, a.Config.SearchMaxResults)
	if err != nil {
		return nil, err
	}
	return agent.New(llm.AsModel(a.LLM), toolset, agent.Options{
		MaxIterations: a.Config.AgentMaxIterations,
		Dataset:       ds,
		PreviewRows:   a.Config.PreviewRows,
		Logger:        a.Logger,
	}), nil
}

// Close releases files in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
