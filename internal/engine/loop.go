package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// CursorStore persists the tick state between ticks. Save must replace the
// stored state atomically.
type CursorStore interface {
	// Load reads the last committed tick state, or nil if none exists.
	Load(ctx context.Context) (*evaluation.TickState, error)
	// Save replaces the stored tick state wholesale.
	Save(ctx context.Context, state *evaluation.TickState) error
}

// RequestSink receives the partitions a tick decided to materialize. Run
// launching itself lives outside this core.
type RequestSink interface {
	SubmitRequests(ctx context.Context, tickID string, requested map[model.EntityKey]subset.Subset) error
}

// Config holds loop configuration.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second}
}

// Loop runs the evaluator on a polling interval, persisting the cursor after
// every successful tick. A failed tick commits nothing; the next tick retries
// from the last good state.
type Loop struct {
	evaluator *Evaluator
	policies  Policies
	cursor    CursorStore
	sink      RequestSink
	config    Config
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewLoop creates a scheduling loop. sink may be nil when decisions are only
// persisted.
func NewLoop(ev *Evaluator, policies Policies, cursor CursorStore, sink RequestSink, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		evaluator: ev,
		policies:  policies,
		cursor:    cursor,
		sink:      sink,
		config:    cfg,
		logger:    logger.With("component", "loop"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduling loop started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("loop stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("loop stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Stop shuts the loop down and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single evaluation pass: load the previous state, evaluate,
// commit the new state, then hand the requested partitions to the sink.
func (l *Loop) Tick(ctx context.Context) error {
	previous, err := l.cursor.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	result, err := l.evaluator.EvaluateTick(ctx, l.policies, previous, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("evaluate tick: %w", err)
	}

	if err := l.cursor.Save(ctx, result.State); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	total := 0
	for _, d := range result.Decisions {
		total += d.Requested.Size()
	}
	l.logger.Info("tick committed", "tick_id", result.TickID, "entities", len(result.Decisions), "requested_partitions", total)

	if l.sink != nil && total > 0 {
		if err := l.sink.SubmitRequests(ctx, result.TickID, result.State.Requested); err != nil {
			return fmt.Errorf("submit requests: %w", err)
		}
	}
	return nil
}
