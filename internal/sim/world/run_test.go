package world

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/syncer"
)

type fakeSource struct {
	*fakeLoader

	mu       sync.Mutex
	listened bool
	queue    []store.Notification
}

func (s *fakeSource) Listen(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listened = true
	return nil
}

func (s *fakeSource) Notifications(ctx context.Context, wait time.Duration) ([]store.Notification, error) {
	s.mu.Lock()
	out := s.queue
	s.queue = nil
	s.mu.Unlock()
	if len(out) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return out, nil
}

type fakeSink struct {
	mu      sync.Mutex
	batches []syncer.WriteBatch
	done    chan struct{}
	err     error
}

func newFakeSink() *fakeSink { return &fakeSink{done: make(chan struct{})} }

func (s *fakeSink) Send(b syncer.WriteBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}
func (s *fakeSink) Done() <-chan struct{} { return s.done }
func (s *fakeSink) Err() error            { return s.err }

func (s *fakeSink) sent() []syncer.WriteBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syncer.WriteBatch(nil), s.batches...)
}

func TestRun_FlushesAndAppliesNotifications(t *testing.T) {
	l := newFakeLoader()
	l.species[1] = testSpecies()
	l.cells[1] = testCell(1)
	l.entities[1] = testEntity(1, origin)
	src := &fakeSource{fakeLoader: l}

	w := New(WorldConfig{FlushInterval: 20 * time.Millisecond, NotifyWait: time.Millisecond}, nil, WithRand(fixedRand{}, fixedRand{}))
	if err := w.Load(context.Background(), l); err != nil {
		t.Fatalf("Load: %v", err)
	}
	l.entities[2] = testEntity(2, origin)
	src.queue = []store.Notification{
		{Channel: store.Channel, Payload: `{"table":"entities","operation":"insert","id":2}`},
		{Channel: store.Channel, Payload: `not json`},
		{Channel: "other", Payload: `{"table":"entities","operation":"delete","id":1}`},
	}

	var frames []Frame
	w.OnFlush(func(f Frame) { frames = append(frames, f) })

	sink := newFakeSink()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := w.Run(ctx, src, sink)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: got=%v want=%v", err, context.DeadlineExceeded)
	}
	if !src.listened {
		t.Fatalf("Run did not subscribe")
	}

	batches := sink.sent()
	if len(batches) == 0 {
		t.Fatalf("no batch flushed")
	}
	if len(frames) != len(batches) {
		t.Fatalf("frames: got=%d want=%d", len(frames), len(batches))
	}
	last := batches[len(batches)-1]
	if len(last.Entities) != 2 {
		t.Fatalf("entities in last batch: got=%d want=2", len(last.Entities))
	}
	if last.Tick == 0 || frames[0].Stats.Ticks == 0 {
		t.Fatalf("no ticks ran: tick=%d stats=%+v", last.Tick, frames[0].Stats)
	}
}

func TestRun_StopsWhenWriterDies(t *testing.T) {
	l := newFakeLoader()
	src := &fakeSource{fakeLoader: l}
	sink := newFakeSink()
	sink.err = errors.New("disk full")
	close(sink.done)

	w := New(WorldConfig{}, nil)
	err := w.Run(context.Background(), src, sink)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Run: got=%v want writer error", err)
	}
}

type failingSource struct{ *fakeSource }

func (failingSource) Notifications(context.Context, time.Duration) ([]store.Notification, error) {
	return nil, errors.New("connection reset")
}

func TestRun_StoreFailureIsFatal(t *testing.T) {
	src := failingSource{&fakeSource{fakeLoader: newFakeLoader()}}
	w := New(WorldConfig{}, nil)
	err := w.Run(context.Background(), src, newFakeSink())
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Run: got=%v want store error", err)
	}
}
