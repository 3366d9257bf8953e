package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/dustin/go-humanize"

	"soundlines.art/internal/persistence/archive"
	"soundlines.art/internal/persistence/objstore"
	"soundlines.art/internal/persistence/snapshot"
	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/tuning"
)

func main() {
	var (
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for defaults)")
		dsn        = flag.String("dsn", "", "store DSN override (or set DATABASE_URL)")
		dir        = flag.String("dir", "", "snapshot directory override")
		once       = flag.Bool("once", false, "take one snapshot and exit")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[snapshot] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = tuning.Defaults()
	}
	tune.ApplyEnv()
	if v := strings.TrimSpace(*dsn); v != "" {
		tune.Store.DSN = v
	}
	if v := strings.TrimSpace(*dir); v != "" {
		tune.Snapshot.Dir = v
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	loc, err := tune.Snapshot.Location()
	if err != nil {
		logger.Fatalf("snapshot timezone: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := store.Open(ctx, tune.Store.Backend, tune.Store.DSN)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	mirror, err := buildMirror(tune.Mirror, tune.Snapshot.Dir, logger)
	if err != nil {
		logger.Fatalf("mirror: %v", err)
	}
	defer mirror.Close()

	job := func(ctx context.Context, at time.Time) error {
		start := time.Now()
		doc, err := snapshot.Build(ctx, st, at)
		if err != nil {
			return fmt.Errorf("build snapshot: %w", err)
		}
		path := filepath.Join(tune.Snapshot.Dir, snapshot.FileName(at.In(loc), tune.Snapshot.Compress))
		if err := snapshot.Write(path, doc); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		size := int64(0)
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
		logger.Printf("wrote %s entities=%d seeds=%d cells=%d users=%d size=%s in %s",
			filepath.Base(path), len(doc.Entities), len(doc.Seeds), len(doc.Cells), len(doc.Users),
			humanize.Bytes(uint64(size)), time.Since(start).Truncate(time.Millisecond))
		mirror.Enqueue(path)

		if _, err := archive.Rotate(tune.Snapshot.Dir, tune.Snapshot.KeepPlain, loc, logger); err != nil {
			logger.Printf("archive rotate: %v", err)
		}
		return nil
	}

	if *once {
		if err := job(ctx, time.Now().In(loc)); err != nil {
			logger.Fatalf("%v", err)
		}
		return
	}

	sched, err := snapshot.NewScheduler(tune.Snapshot.IntervalMinutes, loc, logger)
	if err != nil {
		logger.Fatalf("scheduler: %v", err)
	}
	logger.Printf("snapshots every %d min (cron %q) into %s", tune.Snapshot.IntervalMinutes, sched.Spec(), tune.Snapshot.Dir)
	if err := sched.Run(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("snapshotter stopped: %v", err)
	}
}

// buildMirror returns nil when mirroring is disabled; a nil *Mirror is a no-op.
func buildMirror(cfg tuning.Mirror, dir string, logger *log.Logger) (*objstore.Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := objstore.NewClient(objstore.Config{
		Endpoint:  cfg.Endpoint,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKeyID,
		SecretKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	return objstore.NewMirror(client, dir, cfg.Prefix, cfg.Workers, 64, logger), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
