package objstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type Stats struct {
	Queued   uint64
	Dropped  uint64
	Uploaded uint64
	Failed   uint64
	Bytes    uint64
}

// Mirror uploads files from a local directory tree on background workers.
// Keys are the path relative to the directory, under an optional prefix.
type Mirror struct {
	up     Uploader
	dir    string
	prefix string
	logger *log.Logger

	attempts int
	backoff  func(attempt int) time.Duration

	jobs chan string
	wg   sync.WaitGroup

	queued   atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	bytes    atomic.Uint64
}

type MirrorOption func(*Mirror)

// WithRetry sets the attempts per file and the pause before retry n.
func WithRetry(attempts int, backoff func(attempt int) time.Duration) MirrorOption {
	return func(m *Mirror) {
		m.attempts = attempts
		m.backoff = backoff
	}
}

func NewMirror(up Uploader, dir, prefix string, workers, queue int, logger *log.Logger, opts ...MirrorOption) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 64
	}
	m := &Mirror{
		up:       up,
		dir:      dir,
		prefix:   strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:   logger,
		attempts: 4,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * 200 * time.Millisecond
		},
		jobs: make(chan string, queue),
	}
	for _, o := range opts {
		o(m)
	}
	if m.attempts <= 0 {
		m.attempts = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath without blocking; a full queue drops it.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	select {
	case m.jobs <- localPath:
		m.queued.Add(1)
	default:
		n := m.dropped.Add(1)
		m.printf("mirror: queue full, dropped %s (dropped=%d)", localPath, n)
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Queued:   m.queued.Load(),
		Dropped:  m.dropped.Load(),
		Uploaded: m.uploaded.Load(),
		Failed:   m.failed.Load(),
		Bytes:    m.bytes.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, size, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.printf("mirror: skip %s: %v", localPath, err)
		return
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lastErr = m.up.PutFile(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			break
		}
		if attempt < m.attempts {
			time.Sleep(m.backoff(attempt))
		}
	}
	if lastErr != nil {
		m.failed.Add(1)
		m.printf("mirror: upload %s failed after %d attempts: %v", key, m.attempts, lastErr)
		return
	}
	m.uploaded.Add(1)
	m.bytes.Add(uint64(size))
	m.printf("mirror: uploaded %s (%s) in %s", key, humanize.Bytes(uint64(size)), time.Since(start).Truncate(time.Millisecond))
}

func (m *Mirror) objectKey(localPath string) (string, int64, error) {
	st, err := os.Stat(localPath)
	if err != nil {
		return "", 0, err
	}
	base, err := filepath.Abs(m.dir)
	if err != nil {
		return "", 0, err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", 0, err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", 0, err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", 0, fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.prefix != "" {
		rel = path.Join(m.prefix, rel)
	}
	return rel, st.Size(), nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
