package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/tuning"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "deploy":
		deployCmd(args)
	case "randomize":
		randomizeCmd(args)
	case "species":
		speciesCmd(args)
	case "rebuild-neighbors":
		rebuildNeighborsCmd(args)
	case "gencells":
		genCellsCmd(args)
	case "info":
		infoCmd(args)
	case "state":
		stateCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

commands:
  deploy             scatter fresh seeds over the grid
  randomize          reassign every entity a random species
  species            insert the species listed in a YAML file
  rebuild-neighbors  recompute the neighbour table from the stored entities
  gencells           generate the cell grid and insert it into an empty store
  info               summarise a snapshot or flush journal file
  state              print what a running simulation's observer endpoint serves`)
}

// storeFlags registers the flags every store-backed command shares.
type storeFlags struct {
	tuning  *string
	backend *string
	dsn     *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		tuning:  fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for defaults)"),
		backend: fs.String("db", "", "store backend override: sqlite|postgres"),
		dsn:     fs.String("dsn", "", "store DSN override (or set DATABASE_URL)"),
	}
}

func (f storeFlags) load() tuning.Tuning {
	tune, err := tuning.Load(*f.tuning)
	if err != nil {
		if !os.IsNotExist(err) {
			fatal("load tuning:", err)
		}
		tune = tuning.Defaults()
	}
	tune.ApplyEnv()
	if v := strings.TrimSpace(*f.backend); v != "" {
		tune.Store.Backend = v
	}
	if v := strings.TrimSpace(*f.dsn); v != "" {
		tune.Store.DSN = v
	}
	return tune
}

func (f storeFlags) open(ctx context.Context) (store.Store, tuning.Tuning) {
	tune := f.load()
	st, err := store.Open(ctx, tune.Store.Backend, tune.Store.DSN)
	if err != nil {
		fatal("open store:", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		fatal("schema:", err)
	}
	return st, tune
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "[admin] ", log.LstdFlags|log.Lmicroseconds)
}

func fatal(args ...any) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(1)
}
