package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/martinemde/boomerang/agentloop"
	"github.com/martinemde/boomerang/config"
	"github.com/martinemde/boomerang/store"
	"github.com/martinemde/boomerang/unifiedllm"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	yes        bool
	mode       string
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	flags  globalFlags
	cfg    *config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "boomerang",
		Short: "An autonomous coding agent that delegates work to subtasks",
		Long: `boomerang drives an LLM through a tool-using loop inside your workspace.
A task may hand work to a subtask in another mode; the subtask's result
returns to its parent when it completes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "config file (default: search boomerang.yaml, ~/.config/boomerang/config.yaml)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "log format: text or json")
	pf.BoolVarP(&a.flags.yes, "yes", "y", false, "approve every tool use without asking")
	pf.StringVar(&a.flags.mode, "mode", "", "mode to start in")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newHistoryCmd(a),
		newTreeCmd(a),
		newDeleteCmd(a),
		newModesCmd(a),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup() error {
	path, err := config.FindConfig(a.flags.configPath)
	switch {
	case err == nil:
		a.cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	case errors.Is(err, config.ErrNoConfig):
		a.cfg = config.Default()
	default:
		return err
	}

	if a.flags.logLevel != "" {
		a.cfg.LogLevel = a.flags.logLevel
	}
	if a.flags.logFormat != "" {
		a.cfg.LogFormat = a.flags.logFormat
	}
	if a.flags.mode != "" {
		a.cfg.Mode = a.flags.mode
	}
	if a.flags.yes {
		a.cfg.AutoApprove = config.AutoApproveConfig{Read: true, Edit: true, Command: true, Modes: true, Subtasks: true}
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	a.logger, err = config.NewLogger(a.stderr, a.cfg.LogLevel, a.cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) openStore() (*store.SQLiteStore, error) {
	path, err := a.cfg.DatabasePath(store.DefaultPath)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("opening task store", "path", path)
	return store.Open(path)
}

// newBackend builds the unified client with a gollm adapter for the
// configured provider.
func (a *app) newBackend() (*unifiedllm.Client, error) {
	adapter, err := unifiedllm.NewGollmAdapter(a.cfg.Provider, unifiedllm.GollmConfig{
		APIKey:    a.cfg.APIKey,
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", a.cfg.Provider, err)
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(a.cfg.Provider, adapter),
		unifiedllm.WithDefaultProvider(a.cfg.Provider),
		unifiedllm.WithStreamMiddleware(unifiedllm.LoggingMiddleware(a.logger)),
	), nil
}

// session is a running controller with its store, backend and terminal.
type session struct {
	ctrl    *agentloop.Controller
	store   *store.SQLiteStore
	backend *unifiedllm.Client
	term    *terminal
}

func (a *app) newSession() (*session, error) {
	ctrlCfg, err := a.cfg.ControllerConfig()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	backend, err := a.newBackend()
	if err != nil {
		st.Close()
		return nil, err
	}
	ui := agentloop.NewEventUI(512)
	ctrl := agentloop.NewController(ctrlCfg, agentloop.ControllerDeps{
		Store:   st,
		Backend: backend,
		UI:      ui,
		Env:     agentloop.NewLocalExecutionEnvironment(ctrlCfg.Workspace),
		Tools:   agentloop.DefaultToolRegistry(int(ctrlCfg.CommandTimeout.Milliseconds())),
		Modes:   a.cfg.Modes(),
		Logger:  a.logger,
	})
	a.logger.Info("session ready",
		"provider", ctrlCfg.Provider,
		"model", ctrlCfg.Model,
		"workspace", ctrlCfg.Workspace,
		"mode", ctrlCfg.DefaultMode,
	)
	return &session{
		ctrl:    ctrl,
		store:   st,
		backend: backend,
		term:    newTerminal(ui, a.stdin, a.stdout, a.flags.yes),
	}, nil
}

func (s *session) close() {
	s.term.ui.Close()
	if err := s.backend.Close(); err != nil {
		slog.Warn("close backend", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}
