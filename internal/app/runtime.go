package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"devcommandhub/api/internal/backup"
	"devcommandhub/api/internal/chatbot"
	"devcommandhub/api/internal/config"
	"devcommandhub/api/internal/email"
	"devcommandhub/api/internal/search"
	"devcommandhub/api/internal/session"
	"devcommandhub/api/internal/store"
)

// Runtime owns the process-wide resources behind a Service.
type Runtime struct {
	Service *Service
	Store   *store.SQLStore
	DB      *sql.DB

	closers []func()
}

// Start opens the database, applies migrations and wires every optional
// backend that cfg enables. Optional backends that fail to start are logged
// and skipped; the database and a custom rules file are required.
func Start(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Runtime, error) {
	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt := &Runtime{DB: db}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	if err := store.ApplyMigrations(ctx, db, cfg.Database.Driver); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	rt.Store = store.NewSQLStore(db, cfg.Database.Driver)

	var opts []Option

	if strings.TrimSpace(cfg.Redis.URL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, refresh sessions stay in the database")
		} else {
			logger.Info().Msg("using redis for refresh sessions")
			rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
			opts = append(opts, WithSessionStore(redisStore))
		}
	}

	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meili := search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliKey, logger)
		rt.closers = append(rt.closers, meili.Close)
		opts = append(opts, WithSearchIndex(meili))
	}

	if cfg.Backup.Enabled() {
		snapshots, err := backup.New(ctx, backup.Config{
			Endpoint:  cfg.Backup.Endpoint,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Bucket:    cfg.Backup.Bucket,
			UseSSL:    cfg.Backup.UseSSL,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("snapshot storage unavailable, wipes will run without a backup")
		} else {
			opts = append(opts, WithSnapshotter(snapshots))
		}
	}

	mailer := email.NewService(email.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		FromName:   cfg.SMTP.FromName,
		FeedbackTo: cfg.SMTP.FeedbackTo,
	})
	if !mailer.CanSendFeedback() {
		logger.Info().Msg("smtp not configured, feedback form disabled")
	}
	opts = append(opts, WithMailer(mailer))

	if path := strings.TrimSpace(cfg.Chatbot.RulesFile); path != "" {
		rules, err := chatbot.LoadRules(path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("load chatbot rules: %w", err)
		}
		opts = append(opts, WithResponder(chatbot.NewResponder(rules)))
	}

	rt.Service = New(cfg, rt.Store, logger, opts...)
	rt.closers = append(rt.closers, rt.Service.search.Wait)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
