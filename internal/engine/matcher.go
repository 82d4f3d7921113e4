package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// MatchOpenOrders runs AttemptFill on every OPEN order, oldest first, and
// returns how many filled. Failures on one order are logged and do not
// stop the pass.
func (e *Engine) MatchOpenOrders(ctx context.Context) (int, error) {
	open, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	metrics.MatchPasses.Inc()
	metrics.OpenOrders.Set(float64(len(open)))

	filled := 0
	for _, o := range open {
		if err := ctx.Err(); err != nil {
			return filled, err
		}
		if err := e.AttemptFill(ctx, o.ID); err != nil {
			slog.Error("matching pass: attempt fill failed", "order_id", o.ID, "error", err)
			continue
		}
		after, err := e.store.GetOrder(ctx, o.ID)
		if err == nil && after.Status == model.StatusFilled {
			filled++
		}
	}
	return filled, nil
}

// Matcher drives MatchOpenOrders on a cron schedule so resting LIMIT and
// STOP orders fill once the market reaches them.
type Matcher struct {
	engine  *Engine
	cron    *cron.Cron
	timeout time.Duration
}

// NewMatcher schedules the matching pass. schedule uses cron syntax,
// including descriptors such as "@every 2s".
func NewMatcher(e *Engine, schedule string, timeout time.Duration) (*Matcher, error) {
	if schedule == "" {
		return nil, errors.New("engine: empty matcher schedule")
	}
	m := &Matcher{
		engine:  e,
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
	}
	if _, err := m.cron.AddFunc(schedule, m.run); err != nil {
		return nil, fmt.Errorf("engine: matcher schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start runs the schedule in its own goroutine.
func (m *Matcher) Start() {
	m.cron.Start()
	slog.Info("matcher started", "entries", len(m.cron.Entries()))
}

// Stop halts the schedule and waits for a running pass, or ctx.
func (m *Matcher) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (m *Matcher) run() {
	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	filled, err := m.engine.MatchOpenOrders(ctx)
	if err != nil {
		slog.Error("matching pass failed", "error", err)
		return
	}
	if filled > 0 {
		slog.Info("matching pass", "filled", filled)
	}
}
