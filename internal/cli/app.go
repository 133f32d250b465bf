// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/okemovail/polaris/internal/config"
	"github.com/okemovail/polaris/internal/controller"
	"github.com/okemovail/polaris/internal/history"
	"github.com/okemovail/polaris/internal/logging"
	"github.com/okemovail/polaris/internal/markers"
	"github.com/okemovail/polaris/internal/remote"
	"github.com/okemovail/polaris/internal/storage"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	target     string
	logLevel   string
}

// =============================================================================
// APP
// =============================================================================

// App holds the long-lived dependencies a command needs.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zap.Logger
	Store      *storage.Store
	Client     remote.Client

	// targetFlag is the --target value; it wins over reloaded config.
	targetFlag string
}

// loadConfig loads configuration honouring --config and applies the
// --target and --log-level flags on top.
func loadConfig(flags *globalFlags) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if flags.configPath != "" {
		path = flags.configPath
		cfg, err = config.LoadFromPath(path)
	} else {
		if path, err = config.FindConfigFile(); err != nil {
			return nil, "", err
		}
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, "", err
	}

	if flags.target != "" {
		cfg.Backend.Target = flags.target
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(flags.logLevel)
		if err := cfg.Validate(); err != nil {
			return nil, "", fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, path, nil
}

// newApp loads configuration, builds the logger, opens the store and
// constructs the remote client.
func newApp(flags *globalFlags) (*App, error) {
	cfg, path, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	store.MaxSessions = cfg.Storage.MaxSessions

	return &App{
		Config:     cfg,
		ConfigPath: path,
		Logger:     logger,
		Store:      store,
		Client:     newRemoteClient(cfg, logger),
		targetFlag: flags.target,
	}, nil
}

// newRemoteClient builds the Gradio client from backend settings.
func newRemoteClient(cfg *config.Config, logger *zap.Logger) *remote.GradioClient {
	return remote.NewGradioClient(
		remote.WithToken(cfg.Backend.Token),
		remote.WithRateLimit(cfg.Backend.RequestsPerMinute),
		remote.WithRetry(cfg.Backend.ConnectAttempts, cfg.RetryBackoff()),
		remote.WithLogger(logger.Named("remote")),
	)
}

// Close releases the store and flushes the logger.
func (a *App) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("failed to close store", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

// NewController creates a controller wired to the app's client, logger,
// archive and saved settings.
func (a *App) NewController(ctx context.Context, opts ...controller.Option) (*controller.Controller, error) {
	ccfg, err := ControllerConfig(a.Config)
	if err != nil {
		return nil, err
	}

	settings, err := a.Store.LoadSettings(ctx)
	if err != nil {
		a.Logger.Warn("failed to load settings", zap.Error(err))
	}

	base := []controller.Option{
		controller.WithLogger(a.Logger.Named("controller")),
		controller.WithArchiver(a.Store),
		controller.WithSettings(settings),
	}
	return controller.New(a.Client, ccfg, append(base, opts...)...), nil
}

// ControllerConfig converts file configuration into controller settings.
func ControllerConfig(cfg *config.Config) (controller.Config, error) {
	format, err := history.ParseFormat(cfg.Backend.HistoryFormat)
	if err != nil {
		return controller.Config{}, err
	}
	failure, err := controller.ParseFailurePolicy(cfg.Chat.FailurePolicy)
	if err != nil {
		return controller.Config{}, err
	}
	regenerate, err := controller.ParseRegeneratePolicy(cfg.Chat.RegeneratePolicy)
	if err != nil {
		return controller.Config{}, err
	}

	ccfg := controller.DefaultConfig()
	ccfg.Target = cfg.Backend.Target
	ccfg.ChatEndpoint = cfg.Backend.ChatEndpoint
	ccfg.FeedbackEndpoint = cfg.Backend.FeedbackEndpoint
	ccfg.HistoryFormat = format
	ccfg.MaxChars = cfg.Chat.MaxChars
	ccfg.UseThought = cfg.UseThought()
	ccfg.SendSampling = cfg.Backend.SendSampling
	ccfg.Markers = markers.Set{WebSearchToken: cfg.Chat.WebSearchToken}
	ccfg.ErrorPlaceholder = cfg.Chat.ErrorPlaceholder
	ccfg.FailurePolicy = failure
	ccfg.RegeneratePolicy = regenerate
	ccfg.ConnectTimeout = cfg.ConnectTimeout()
	ccfg.StreamTimeout = cfg.StreamTimeout()
	ccfg.FeedbackTimeout = cfg.FeedbackTimeout()
	return ccfg, nil
}
