package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/mathx"
)

// Store is the part of the durable store the writer needs.
type Store interface {
	UpdateEntities(ctx context.Context, es []ecology.Entity) error
	UpdateSeeds(ctx context.Context, ss []ecology.Seed) error
	DeleteEntities(ctx context.Context, ids []int64) error
	DeleteSeeds(ctx context.Context, ids []int64, keepDNA bool) error
	CellIDsAt(ctx context.Context, pts []orb.Point) ([]int64, error)
	InsertEntities(ctx context.Context, es []ecology.Entity) ([]int64, error)
	InsertSeeds(ctx context.Context, ss []ecology.Seed) ([]int64, error)
}

var ErrStopped = errors.New("syncer: writer stopped")

type msg struct {
	batch WriteBatch
	quit  bool
}

// Writer applies batches in arrival order on its own goroutine. The first
// store error stops it; Done is closed and Err reports the cause.
type Writer struct {
	st     Store
	logger *log.Logger
	rng    mathx.Rand
	now    func() time.Time

	ch   chan msg
	done chan struct{}
	err  error
	once sync.Once
}

type WriterOption func(*Writer)

// WithRand fixes the source used for nicknames.
func WithRand(r mathx.Rand) WriterOption { return func(w *Writer) { w.rng = r } }

func WithClock(now func() time.Time) WriterOption { return func(w *Writer) { w.now = now } }

func Start(ctx context.Context, st Store, logger *log.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		st:     st,
		logger: logger,
		rng:    mathx.NewRand(0),
		now:    time.Now,
		ch:     make(chan msg, 4),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.loop(ctx)
	return w
}

// Send queues b. It blocks while the writer is busy with earlier batches.
func (w *Writer) Send(b WriteBatch) error {
	select {
	case w.ch <- msg{batch: b}:
		return nil
	case <-w.done:
		if err := w.err; err != nil {
			return err
		}
		return ErrStopped
	}
}

// Quit stops the writer after the batches already queued and waits for it.
func (w *Writer) Quit() {
	w.once.Do(func() {
		select {
		case w.ch <- msg{quit: true}:
		case <-w.done:
		}
	})
	<-w.done
}

func (w *Writer) Done() <-chan struct{} { return w.done }

// Err is valid once Done is closed; nil after a clean Quit.
func (w *Writer) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *Writer) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.err = ctx.Err()
			return
		case m := <-w.ch:
			if m.quit {
				return
			}
			if err := w.Apply(ctx, m.batch); err != nil {
				w.err = err
				return
			}
		}
	}
}

func (w *Writer) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// Apply writes one batch synchronously: updates, then deletes, then inserts.
func (w *Writer) Apply(ctx context.Context, b WriteBatch) error {
	start := time.Now()

	if err := parallel(
		func() error { return w.st.UpdateEntities(ctx, b.Entities) },
		func() error { return w.st.UpdateSeeds(ctx, b.Seeds) },
	); err != nil {
		return err
	}
	updated := time.Since(start)

	if err := parallel(
		func() error { return w.st.DeleteEntities(ctx, b.DeadEntities) },
		func() error { return w.st.DeleteSeeds(ctx, b.BloomedSeeds, true) },
		func() error { return w.st.DeleteSeeds(ctx, b.DeadSeeds, false) },
	); err != nil {
		return err
	}
	deleted := time.Since(start)

	// w.rng must not reach the insert goroutines.
	nicknames := make([]string, len(b.EntityDrafts))
	for i := range nicknames {
		nicknames[i] = ecology.Nickname(w.rng)
	}
	now := w.now()
	var seedsIn, entsIn int
	if err := parallel(
		func() (err error) {
			seedsIn, err = w.insertSeeds(ctx, b.SeedDrafts, now)
			return err
		},
		func() (err error) {
			entsIn, err = w.insertEntities(ctx, b.EntityDrafts, nicknames)
			return err
		},
	); err != nil {
		return err
	}

	w.logf("batch tick=%d: updated %d entities %d seeds (%s), deleted %d/%d/%d (%s), inserted %d/%d seeds %d/%d entities (%s)",
		b.Tick, len(b.Entities), len(b.Seeds), updated.Round(time.Millisecond),
		len(b.DeadEntities), len(b.BloomedSeeds), len(b.DeadSeeds), deleted.Round(time.Millisecond),
		seedsIn, len(b.SeedDrafts), entsIn, len(b.EntityDrafts), time.Since(start).Round(time.Millisecond))
	return nil
}

func (w *Writer) insertSeeds(ctx context.Context, drafts []ecology.SeedDraft, now time.Time) (int, error) {
	if len(drafts) == 0 {
		return 0, nil
	}
	pts := make([]orb.Point, len(drafts))
	for i, d := range drafts {
		pts[i] = d.Point
	}
	cells, err := w.st.CellIDsAt(ctx, pts)
	if err != nil {
		return 0, err
	}
	rows := make([]ecology.Seed, 0, len(drafts))
	for i, d := range drafts {
		if cells[i] == 0 {
			w.logf("seed draft at %v is outside the grid; dropped", d.Point)
			continue
		}
		rows = append(rows, ecology.SeedFromDraft(d, cells[i], now))
	}
	if _, err := w.st.InsertSeeds(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (w *Writer) insertEntities(ctx context.Context, drafts []ecology.EntityDraft, nicknames []string) (int, error) {
	if len(drafts) == 0 {
		return 0, nil
	}
	pts := make([]orb.Point, len(drafts))
	for i, d := range drafts {
		pts[i] = d.Point
	}
	cells, err := w.st.CellIDsAt(ctx, pts)
	if err != nil {
		return 0, err
	}
	rows := make([]ecology.Entity, 0, len(drafts))
	for i, d := range drafts {
		if cells[i] == 0 {
			w.logf("entity draft at %v is outside the grid; dropped", d.Point)
			continue
		}
		rows = append(rows, ecology.EntityFromDraft(d, cells[i], nicknames[i]))
	}
	if _, err := w.st.InsertEntities(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// parallel runs fns concurrently and returns the first error.
func parallel(fns ...func() error) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, fn := range fns {
		wg.Add(1)
		go func(fn func() error) {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(fn)
	}
	wg.Wait()
	return firstErr
}
