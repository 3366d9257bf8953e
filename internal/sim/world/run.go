package world

import (
	"context"
	"fmt"
	"time"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/syncer"
)

// Source is the store as seen by the running loop.
type Source interface {
	Loader
	Listen(ctx context.Context) error
	Notifications(ctx context.Context, wait time.Duration) ([]store.Notification, error)
}

// Sink receives flushed batches; *syncer.Writer is the production sink.
type Sink interface {
	Send(b syncer.WriteBatch) error
	Done() <-chan struct{}
	Err() error
}

// Run ticks the world until ctx ends or a store or writer failure occurs.
// Between ticks it drains pending notifications; every FlushInterval it
// hands a batch to sink.
func (w *World) Run(ctx context.Context, src Source, sink Sink) error {
	if err := src.Listen(ctx); err != nil {
		return fmt.Errorf("listen %s: %w", store.Channel, err)
	}

	flush := time.NewTicker(w.cfg.FlushInterval)
	defer flush.Stop()

	var rebuild <-chan time.Time
	if d := w.cfg.NeighborRebuildInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		rebuild = t.C
	}
	var pace <-chan time.Time
	if d := w.cfg.TickInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		pace = t.C
	}

	window := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sink.Done():
			if err := sink.Err(); err != nil {
				return fmt.Errorf("writer: %w", err)
			}
			return syncer.ErrStopped
		case now := <-flush.C:
			b, _ := w.Flush(now, now.Sub(window))
			window = now
			if err := sink.Send(b); err != nil {
				return fmt.Errorf("flush tick %d: %w", b.Tick, err)
			}
			continue
		case <-rebuild:
			start := time.Now()
			w.RebuildNeighbors()
			w.logf("neighbour index rebuilt entries=%d in %s", w.index.Len(), time.Since(start).Truncate(time.Millisecond))
			continue
		default:
		}

		if err := w.drain(ctx, src); err != nil {
			return err
		}
		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pace:
			}
		}
		w.Step()
	}
}

// drain applies every pending notification. Undecodable payloads are
// logged and skipped.
func (w *World) drain(ctx context.Context, src Source) error {
	raw, err := src.Notifications(ctx, w.cfg.NotifyWait)
	if err != nil {
		return fmt.Errorf("notifications: %w", err)
	}
	for _, r := range raw {
		n, err := syncer.Decode(r.Channel, r.Payload)
		if err != nil {
			w.logf("WARN: notification %q on %q: %v", r.Payload, r.Channel, err)
			continue
		}
		if err := w.ApplyNotification(ctx, src, n); err != nil {
			return err
		}
	}
	return nil
}
