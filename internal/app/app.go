package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"casedesk/internal/config"
	"casedesk/internal/db"
	"casedesk/internal/engine"
	"casedesk/internal/events"
	"casedesk/internal/migrate"
	"casedesk/internal/scheduler"
)

// App is an opened workspace: migrated database, loaded config and engine.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger zerolog.Logger

	closers []func() error
}

// Open opens the workspace database, applies migrations and loads
// casedesk.yml, falling back to defaults when it does not exist.
func Open(ctx context.Context, workspace string, logger zerolog.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger.With().Str("component", "engine").Logger()
	return &App{DB: conn, Config: cfg, Engine: eng, Logger: logger}, nil
}

// Loops builds the periodic jobs enabled in config.
func (a *App) Loops() ([]*scheduler.Loop, error) {
	var loops []*scheduler.Loop
	if a.Config.Balancer.Enabled {
		eng := a.Engine
		loops = append(loops, scheduler.NewLoop("balancer", a.Config.Balancer.BalanceInterval(), func(ctx context.Context) error {
			_, err := eng.BalanceWorkload(ctx)
			return err
		}, a.Logger))
	}
	if a.Config.Relay.Enabled {
		relay, err := a.Relay()
		if err != nil {
			return nil, err
		}
		l := scheduler.NewLoop("relay", a.Config.Relay.PollInterval(), func(ctx context.Context) error {
			_, err := relay.RunOnce(ctx)
			return err
		}, a.Logger)
		l.RunAtStart = true
		loops = append(loops, l)
	}
	return loops, nil
}

// Relay builds the Kafka event relay from config. The writer is closed with the App.
func (a *App) Relay() (events.Relay, error) {
	w, err := events.NewKafkaWriter(events.KafkaConfig{Brokers: a.Config.Relay.Brokers, Topic: a.Config.Relay.Topic})
	if err != nil {
		return events.Relay{}, err
	}
	a.closers = append(a.closers, w.Close)
	return a.relayWith(w), nil
}

func (a *App) relayWith(p events.Publisher) events.Relay {
	return events.Relay{
		Repo:      a.Engine.Repo,
		Publisher: p,
		Batch:     a.Config.Relay.Batch,
		Logger:    a.Logger.With().Str("component", "relay").Logger(),
		Now:       a.Engine.Now,
	}
}

func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	if err := a.DB.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

var _ events.Publisher = (*kafka.Writer)(nil)
