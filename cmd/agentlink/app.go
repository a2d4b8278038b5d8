package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/archive"
	"github.com/ashureev/agentlink/internal/auth"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/ashureev/agentlink/internal/chat"
	"github.com/ashureev/agentlink/internal/config"
	"github.com/ashureev/agentlink/internal/directory"
	"github.com/ashureev/agentlink/internal/pipeline"
	"github.com/ashureev/agentlink/internal/realtime"
	"github.com/ashureev/agentlink/internal/room"
	"github.com/ashureev/agentlink/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// app holds the services shared by commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	repo     *store.SQLiteStore
	api      *backend.Client
	chatAPI  *backend.Client
	auth     *auth.Service
	dir      *directory.Service
	registry *chat.Registry
	channel  *realtime.Channel
	archive  *archive.Archive
}

// loadConfig reads .env, the environment and the optional --config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openApp wires the client services and restores any stored session.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.Retry.StoreMaxRetries, cfg.Retry.StoreRetryBaseDelay))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	api, err := backend.New(cfg.APIBaseURL, cfg.RequestTimeout, backend.WithLogger(logger))
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	chatAPI, err := backend.New(cfg.ChatAPIURL, cfg.RequestTimeout, backend.WithLogger(logger))
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	session := auth.New(api, repo, logger)
	api.SetTokenSource(session)
	chatAPI.SetTokenSource(session)

	arch, err := archive.New(archive.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("open conversation archive: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		api:      api,
		chatAPI:  chatAPI,
		auth:     session,
		dir:      directory.New(api, session, cfg.Cache.DirectoryTTL, logger),
		registry: chat.New(chatAPI, api, cfg.Cache.SessionTTL, logger),
		channel: realtime.New(realtime.Options{
			URL:               cfg.WebSocketURL,
			DialTimeout:       cfg.Realtime.DialTimeout,
			InactivityTimeout: cfg.Realtime.InactivityTimeout,
			Tokens:            session,
			Logger:            logger,
		}),
		archive: arch,
	}
	restored := session.Check(cmd.Context())
	logger.Debug("Client configured", "api", api.BaseURL(), "chat", chatAPI.BaseURL(), "session_restored", restored)
	return a, nil
}

func (a *app) Close() {
	a.channel.ForceDisconnect()
	if err := a.archive.Close(); err != nil {
		a.logger.Error("Failed to close conversation archive", "error", err)
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Error("Failed to close local store", "error", err)
	}
}

// requireSession fails unless a session was restored or established.
func (a *app) requireSession(op string) error {
	if !a.auth.Authenticated() {
		return apierr.New(apierr.KindAuth, op, "not signed in; run 'agentlink login'")
	}
	return nil
}

func (a *app) pipeline(observer pipeline.Observer) *pipeline.Pipeline {
	retries := a.cfg.Pipeline.CredentialRetries
	if retries == 0 {
		retries = -1
	}
	return pipeline.New(a.api, a.dir, pipeline.Options{
		CredentialRetries:    retries,
		CredentialRetryDelay: a.cfg.Pipeline.CredentialRetryDelay,
		Observer:             observer,
		Logger:               a.logger,
	})
}

func (a *app) room(sessionID string, onChange func(room.Snapshot)) *room.Room {
	opts := room.Options{
		LoadThrottle:        a.cfg.Room.LoadThrottle,
		TranscriptPollDelay: a.cfg.Room.TranscriptPollDelay,
		EventBuffer:         a.cfg.Realtime.StreamBuffer,
		Profiles:            a.dir,
		OnChange:            onChange,
		Logger:              a.logger,
	}
	if a.archive != nil {
		opts.Archive = a.archive
	}
	return room.New(sessionID, a.registry, a.channel, opts)
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
