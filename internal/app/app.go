// Package app wires configuration, storage and the engine for the CLI and server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/directory"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/store/pgstore"
	"stagegate/internal/telemetry"
)

// EventLog is the read side of the append-only event table.
type EventLog interface {
	LatestEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error)
	EventsAfter(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type Options struct {
	Workspace   string
	ConfigPath  string
	PostgresDSN string
	// ActorID is recorded on templates seeded from config.
	ActorID   string
	LogOutput io.Writer
}

// Runtime holds everything a command needs. Close releases the store.
type Runtime struct {
	Config  *config.Config
	Engine  engine.Engine
	Events  EventLog
	Log     zerolog.Logger
	Metrics *telemetry.Metrics

	// SQL is set for the SQLite backend only.
	SQL     *sql.DB
	closers []func()
}

// LoadConfig reads an explicit config path, falls back to the workspace
// stagegate.yml and finally to the built-in defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open loads config, opens and migrates the store, and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	rt := &Runtime{
		Config:  cfg,
		Log:     telemetry.NewLogger(cfg.Logging, out),
		Metrics: telemetry.NewMetrics(cfg.Metrics),
	}

	var (
		store engine.Store
		dir   engine.Directory
	)
	if dsn := strings.TrimSpace(opts.PostgresDSN); dsn != "" {
		pg, err := pgstore.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pg.Close)
		store, rt.Events = pg, pg
		dir = directory.NewStatic(cfg.Directory.Employees, cfg.Directory.Departments)
	} else {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { conn.Close() })
		if err := migrate.Migrate(conn); err != nil {
			rt.Close()
			return nil, err
		}
		r := repo.New(conn, nil)
		svc := directory.Service{DB: conn}
		if len(cfg.Directory.Employees) > 0 || len(cfg.Directory.Departments) > 0 {
			if err := svc.Import(ctx, cfg.Directory.Employees, cfg.Directory.Departments); err != nil {
				rt.Close()
				return nil, fmt.Errorf("import directory: %w", err)
			}
		}
		rt.SQL = conn
		store, rt.Events, dir = r, r, svc
	}

	eng, err := engine.New(store, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	eng.Directory = dir
	eng.Log = telemetry.Component(rt.Log, "engine")
	eng.Metrics = rt.Metrics
	rt.Engine = eng

	if err := rt.SeedTemplates(ctx, opts.ActorID); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// SeedTemplates creates config templates whose id is not stored yet. Stored
// templates are left alone so edits made through the API survive restarts.
func (rt *Runtime) SeedTemplates(ctx context.Context, actorID string) error {
	if actorID == "" {
		actorID = "config"
	}
	for i, spec := range rt.Config.Templates {
		if spec.ID != "" {
			_, err := rt.Engine.GetTemplate(ctx, spec.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		} else if rt.hasTemplateNamed(ctx, spec) {
			continue
		}
		if _, err := rt.Engine.CreateTemplate(ctx, spec, actorID); err != nil {
			return fmt.Errorf("seed template %d (%s): %w", i, spec.Name, err)
		}
	}
	return nil
}

func (rt *Runtime) hasTemplateNamed(ctx context.Context, spec domain.TemplateSpec) bool {
	existing, err := rt.Engine.ListTemplates(ctx, spec.CompanyID, true)
	if err != nil {
		return false
	}
	for _, t := range existing {
		if t.Name == spec.Name {
			return true
		}
	}
	return false
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
