// Package scheduler runs periodic jobs until their context is cancelled.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Loop runs Job every Interval. A failing tick is logged and the loop keeps going.
type Loop struct {
	Name     string
	Interval time.Duration
	Job      Job
	// RunAtStart runs the job once before waiting for the first tick.
	RunAtStart bool
	Logger     zerolog.Logger
}

func NewLoop(name string, interval time.Duration, job Job, logger zerolog.Logger) *Loop {
	return &Loop{
		Name:     name,
		Interval: interval,
		Job:      job,
		Logger:   logger.With().Str("loop", name).Logger(),
	}
}

// Start blocks until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.Logger.Info().Dur("interval", interval).Msg("loop started")
	if l.RunAtStart {
		l.tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			l.Logger.Info().Msg("loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	if err := l.Job(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Logger.Error().Err(err).Msg("loop tick failed")
		return
	}
	l.Logger.Debug().Dur("took", time.Since(start)).Msg("loop tick")
}

// Group starts every loop in its own goroutine and returns a function that
// waits for all of them to exit.
func Group(ctx context.Context, loops ...*Loop) (wait func()) {
	done := make(chan struct{}, len(loops))
	for _, l := range loops {
		go func(l *Loop) {
			defer func() { done <- struct{}{} }()
			l.Start(ctx)
		}(l)
	}
	return func() {
		for range loops {
			<-done
		}
	}
}
