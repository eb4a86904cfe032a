// Package persistence opens the configured session store.
package persistence

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/sqlite"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// Writer stores raw inputs. Both drivers implement it.
type Writer interface {
	SaveSessions(ctx context.Context, sessions []practice.Session) error
	SaveItems(ctx context.Context, studentID string, items []backpack.Item) error
	SaveAdjustment(ctx context.Context, studentID string, a xp.Adjustment) error
}

// Stores bundles the repositories of one backend.
type Stores struct {
	Driver      string
	Sessions    practice.Repository
	Backpack    backpack.Repository
	Adjustments xp.AdjustmentRepository
	Writer      Writer

	// IsTransient classifies driver errors worth retrying.
	IsTransient func(error) bool

	// Listen forwards change notifications until ctx is done. Nil when the
	// backend has no notification channel or listening is disabled.
	Listen func(ctx context.Context, handle func(ctx context.Context, studentID string)) error

	ping  func(ctx context.Context) error
	close func()
}

// Ping checks the backend connection.
func (s *Stores) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close releases the backend.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects to the backend selected by cfg.Driver. Ratings outside the
// scale in force are rejected when sessions are read.
func Open(ctx context.Context, cfg config.DatabaseConfig, scale practice.ScaleSource, log *logger.Logger) (*Stores, error) {
	if log == nil {
		log = logger.Nop()
	}

	switch cfg.Driver {
	case "sqlite":
		return openSQLite(cfg, scale, log)
	case "postgres", "":
		return openPostgres(ctx, cfg, scale, log)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig, scale practice.ScaleSource, log *logger.Logger) (*Stores, error) {
	pc := postgres.DefaultConfig()
	pc.URL = cfg.URL
	pc.Host = cfg.Host
	pc.Port = cfg.Port
	pc.Database = cfg.Name
	pc.User = cfg.User
	pc.Password = cfg.Password
	pc.SSLMode = cfg.SSLMode
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.ConnMaxLifetime
	pc.MaxConnIdleTime = cfg.ConnMaxIdleTime
	pc.ConnectTimeout = cfg.ConnectTimeout
	conn, err := postgres.Connect(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	log.Info("postgres connection established")

	if cfg.RunMigrations {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("migrations applied")
	}

	backpacks := postgres.NewBackpackRepository(conn)
	sessions := postgres.NewSessionRepository(conn, scale)
	adjustments := postgres.NewAdjustmentRepository(conn)

	s := &Stores{
		Driver:      "postgres",
		Sessions:    sessions,
		Backpack:    backpacks,
		Adjustments: adjustments,
		Writer:      pgWriter{sessions, backpacks, adjustments},
		IsTransient: postgres.IsTransient,
		ping:        conn.Ping,
		close:       conn.Close,
	}
	if cfg.Listen {
		s.Listen = postgres.NewListener(conn, log).Run
	}
	return s, nil
}

func openSQLite(cfg config.DatabaseConfig, scale practice.ScaleSource, log *logger.Logger) (*Stores, error) {
	store, err := sqlite.Open(cfg.SQLitePath, scale)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	log.Info("sqlite store opened", logger.String("path", cfg.SQLitePath))

	return &Stores{
		Driver:      "sqlite",
		Sessions:    store,
		Backpack:    store,
		Adjustments: store,
		Writer:      store,
		IsTransient: sqlite.IsBusy,
		ping:        store.Ping,
		close: func() {
			if err := store.Close(); err != nil {
				log.Warn("sqlite close failed", logger.Err(err))
			}
		},
	}, nil
}

type pgWriter struct {
	*postgres.SessionRepository
	*postgres.BackpackRepository
	*postgres.AdjustmentRepository
}
