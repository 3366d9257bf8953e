package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"soundlines.art/internal/persistence/journal"
	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/syncer"
	"soundlines.art/internal/sim/tuning"
	"soundlines.art/internal/sim/world"
	"soundlines.art/internal/transport/observer"
)

func main() {
	var (
		tuningPath   = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for defaults)")
		backend      = flag.String("db", "", "store backend override: sqlite|postgres")
		dsn          = flag.String("dsn", "", "store DSN override (or set DATABASE_URL)")
		observerAddr = flag.String("observer", "", "observer http listen address override (empty keeps tuning)")
		allowRemote  = flag.Bool("observer_allow_remote", false, "accept observer clients from non-loopback addresses")
		noJournal    = flag.Bool("no_journal", false, "do not write the flush journal")
		randSeed     = flag.Uint64("seed", 0, "random seed override (0 keeps tuning)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[simulation] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	tune.ApplyEnv()
	if v := strings.TrimSpace(*backend); v != "" {
		tune.Store.Backend = v
	}
	if v := strings.TrimSpace(*dsn); v != "" {
		tune.Store.DSN = v
	}
	if v := strings.TrimSpace(*observerAddr); v != "" {
		tune.Observer.Addr = v
	}
	if *randSeed != 0 {
		tune.Sim.RandSeed = *randSeed
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := store.Open(ctx, tune.Store.Backend, tune.Store.DSN)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatalf("schema: %v", err)
	}

	w := world.New(world.WorldConfig{
		SeedMaxAge:              tune.Sim.SeedMaxAge,
		WindSpeed:               tune.Sim.WindSpeed,
		FlushInterval:           tune.Sim.FlushInterval,
		NotifyWait:              tune.Sim.NotifyWait,
		TickInterval:            tune.Sim.TickInterval,
		NeighborRebuildInterval: tune.Sim.NeighborRebuildInterval,
		RandSeed:                tune.Sim.RandSeed,
	}, logger)
	if err := w.Load(ctx, st); err != nil {
		logger.Fatalf("load world: %v", err)
	}

	if !*noJournal && tune.Journal.Dir != "" {
		j := journal.NewFlushJournal(tune.Journal.Dir)
		defer j.Close()
		w.OnFlush(func(f world.Frame) {
			if err := j.Record(f); err != nil {
				logger.Printf("journal: %v", err)
			}
		})
	}

	if tune.Observer.Addr != "" {
		var opts []observer.Option
		if *allowRemote {
			opts = append(opts, observer.AllowRemote())
		}
		obs := observer.NewServer(st, logger, opts...)
		w.OnFlush(obs.Publish)
		srv := observerHTTP(tune.Observer.Addr, obs)
		go func() {
			logger.Printf("observer listening on %s", tune.Observer.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("observer: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
	}

	// The writer outlives ctx so the final batch still lands.
	writer := syncer.Start(context.Background(), st, logger)

	start := time.Now()
	runErr := w.Run(ctx, st, writer)
	if errors.Is(runErr, context.Canceled) {
		b, _ := w.Flush(time.Now(), time.Since(start))
		if err := writer.Send(b); err != nil {
			logger.Printf("final flush: %v", err)
		}
		writer.Quit()
		logger.Printf("stopped at tick=%d", w.Tick())
		return
	}
	writer.Quit()
	logger.Fatalf("simulation stopped: %v", runErr)
}

func observerHTTP(addr string, obs *observer.Server) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/observer/ws", obs.WSHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
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
