// Package main is the entry point for the agentrelay service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/sevir/agentrelay/internal/agent"
	"github.com/sevir/agentrelay/internal/config"
	"github.com/sevir/agentrelay/internal/heartbeat"
	"github.com/sevir/agentrelay/internal/logging"
	"github.com/sevir/agentrelay/internal/orchestrator"
	"github.com/sevir/agentrelay/internal/relay"
	"github.com/sevir/agentrelay/internal/server"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		host        string
		port        int
		executable  string
		workDir     string
		provider    string
		model       string
		storePath   string
		logLevel    string
		showVersion bool
		initConfig  bool
	)

	flagSet := pflag.NewFlagSet("agentrelay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.agentrelay/config.yaml)")
	flagSet.StringVar(&host, "host", "", "server host (default: 127.0.0.1)")
	flagSet.IntVarP(&port, "port", "p", 0, "server port (default: 8766)")
	flagSet.StringVar(&executable, "agent", "", "path to the agent executable")
	flagSet.StringVar(&workDir, "workdir", "", "agent working directory")
	flagSet.StringVar(&provider, "provider", "", "model provider passed to the agent")
	flagSet.StringVar(&model, "model", "", "model passed to the agent")
	flagSet.StringVar(&storePath, "store", "", "path to the turn history file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "show version and exit")
	flagSet.BoolVar(&initConfig, "init", false, "write the default config and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("agentrelay %s (%s)\n", version, commit)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if executable != "" {
		cfg.Agent.Executable = absPath(executable)
	}
	if workDir != "" {
		cfg.Agent.WorkDir = absPath(workDir)
	}
	if provider != "" {
		cfg.Agent.Provider = provider
	}
	if model != "" {
		cfg.Agent.Model = model
	}
	if storePath != "" {
		cfg.Store.Path = absPath(storePath)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if initConfig {
		if err := cfg.Save(configPath); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Configuration initialized")
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Log)
	return serve(cfg, logger)
}

func serve(cfg *config.Config, logger *log.Logger) error {
	orch, err := orchestrator.New(orchestrator.Config{
		Agent: agent.Config{
			Executable:      cfg.Agent.Executable,
			Name:            cfg.Agent.Name,
			Candidates:      cfg.Agent.Candidates,
			WorkDir:         cfg.Agent.WorkDir,
			Provider:        cfg.Agent.Provider,
			Model:           cfg.Agent.Model,
			ExtraArgs:       cfg.Agent.ExtraArgs,
			Env:             cfg.Agent.Env,
			SettleDelay:     cfg.Agent.SettleDelay.Std(),
			StopTimeout:     cfg.Agent.StopTimeout.Std(),
			ReadLoopTimeout: cfg.Agent.ReadLoopTimeout.Std(),
			RPCTimeout:      cfg.Agent.RPCTimeout.Std(),
			MaxLineSize:     cfg.Agent.MaxLineSize,
		},
		StorePath: cfg.Store.Path,
		MaxTurns:  cfg.Store.MaxTurns,
		Relay: relay.AggregatorOptions{
			TextThreshold:    cfg.Relay.TextThreshold,
			ToolThreshold:    cfg.Relay.ToolThreshold,
			StreamToolOutput: cfg.Relay.StreamToolOutput,
		},
		ReloadEvent:    cfg.Agent.ReloadEvent,
		RestartOnCrash: cfg.Agent.RestartOnCrash,
		RestartBackoff: cfg.Agent.RestartBackoff.Std(),
		PromptTimeout:  cfg.Relay.PromptTimeout.Std(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	hub := server.NewHub(cfg.Relay.MaxChunk, logger)
	orch.SetDeliverer(hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		if errors.Is(err, agent.ErrUnavailable) {
			orch.Shutdown(context.Background())
			return err
		}
		// The agent can be restarted through the API.
		logger.Error("agent failed to start", "error", err)
	}

	var hb *heartbeat.Service
	if cfg.Heartbeat.Enabled {
		hb, err = heartbeat.New(heartbeat.Config{
			Schedule: cfg.Heartbeat.Schedule,
			Prompt:   cfg.Heartbeat.Prompt,
			AckToken: cfg.Heartbeat.AckToken,
			File:     cfg.Heartbeat.File,
			WorkDir:  agent.ResolveWorkDir(cfg.Agent.WorkDir, ""),
			Timeout:  cfg.Heartbeat.Timeout.Std(),
		}, orch, logger)
		if err != nil {
			orch.Shutdown(context.Background())
			return err
		}
		hb.Start()
	}

	srvCfg := server.Config{
		Addr:    cfg.Address(),
		Service: orch,
		Hub:     hub,
		Version: version,
		Commit:  commit,
		Logger:  logger,
	}
	if hb != nil {
		srvCfg.Heartbeat = hb
	}
	srv := server.New(srvCfg)

	logger.Info("agentrelay starting", "version", version, "addr", cfg.Address())
	logger.Info("endpoints",
		"api", fmt.Sprintf("http://%s/api", cfg.Address()),
		"ws", fmt.Sprintf("ws://%s/ws", cfg.Address()),
		"mcp", fmt.Sprintf("http://%s/mcp", cfg.Address()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if hb != nil {
		hb.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("orchestrator shutdown: %w", err)
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
