// Package notify publishes account P&L after fills. Delivery is
// asynchronous and best effort: a slow or failing sink never blocks or
// fails a fill.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// ErrQueueFull is returned when a sink cannot accept more messages.
var ErrQueueFull = errors.New("notify: queue full")

// PnLSource computes an account's P&L.
type PnLSource interface {
	GetAccountPnL(ctx context.Context, accountID string) (*model.AccountPnL, error)
}

// Publisher delivers a P&L snapshot to one sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, pnl *model.AccountPnL) error
}

// Broadcaster queues account ids from the engine and, on a worker
// goroutine, computes their P&L and hands it to every publisher.
type Broadcaster struct {
	pnl        PnLSource
	publishers []Publisher
	queue      chan string
	timeout    time.Duration
}

// NewBroadcaster creates a broadcaster with a queue of size buffer.
func NewBroadcaster(src PnLSource, buffer int, timeout time.Duration, publishers ...Publisher) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		pnl:        src,
		publishers: publishers,
		queue:      make(chan string, buffer),
		timeout:    timeout,
	}
}

// Notify enqueues accountID without blocking. When the queue is full the
// update is dropped and counted.
func (b *Broadcaster) Notify(accountID string) {
	select {
	case b.queue <- accountID:
	default:
		metrics.BroadcastsDropped.Inc()
		slog.Warn("pnl broadcast dropped", "account", accountID)
	}
}

// Run drains the queue until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case accountID := <-b.queue:
			b.deliver(ctx, accountID)
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, accountID string) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	snapshot, err := b.pnl.GetAccountPnL(ctx, accountID)
	if err != nil {
		metrics.BroadcastErrors.WithLabelValues("pnl").Inc()
		slog.Error("pnl broadcast: compute failed", "account", accountID, "error", err)
		return
	}

	for _, p := range b.publishers {
		if err := p.Publish(ctx, snapshot); err != nil {
			metrics.BroadcastErrors.WithLabelValues(p.Name()).Inc()
			slog.Warn("pnl broadcast: publish failed", "account", accountID, "sink", p.Name(), "error", err)
		}
	}
}
