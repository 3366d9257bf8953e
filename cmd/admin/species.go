package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"soundlines.art/internal/sim/ecology"
)

// speciesFile is the document speciesCmd reads:
//
//	species:
//	  - prefab: fern
//	    mating_freq: 10
//	    ...
type speciesFile struct {
	Species []ecology.Species `yaml:"species"`
}

func readSpecies(r io.Reader) ([]ecology.Species, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f speciesFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("species file is empty")
		}
		return nil, err
	}
	if len(f.Species) == 0 {
		return nil, fmt.Errorf("species file lists no species")
	}
	for i, sp := range f.Species {
		if err := checkSpecies(sp); err != nil {
			return nil, fmt.Errorf("species[%d] (%s): %w", i, sp.Prefab, err)
		}
	}
	return f.Species, nil
}

// checkSpecies rejects bundles the step would misbehave on.
func checkSpecies(sp ecology.Species) error {
	switch {
	case sp.Prefab == "":
		return fmt.Errorf("prefab is required")
	case sp.MatingFreq <= 0:
		return fmt.Errorf("mating_freq must be > 0")
	case sp.LifeExpectancy <= 0:
		return fmt.Errorf("life_expectancy must be > 0")
	case sp.MatingDistance < 0 || sp.CrowdDistance < 0:
		return fmt.Errorf("distances must not be negative")
	case sp.BirthProba < 0 || sp.BloomProba < 0:
		return fmt.Errorf("probabilities must not be negative")
	}
	return nil
}

// speciesCmd inserts new species. A running simulation picks each one up from
// its insert notification.
func speciesCmd(args []string) {
	fs := flag.NewFlagSet("species", flag.ExitOnError)
	sf := addStoreFlags(fs)
	file := fs.String("file", "", "YAML file with a top-level species list (required)")
	dryRun := fs.Bool("dry-run", false, "validate the file without writing")
	_ = fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "species: -file is required")
		os.Exit(2)
	}
	fh, err := os.Open(*file)
	if err != nil {
		fatal("open species file:", err)
	}
	list, err := readSpecies(fh)
	_ = fh.Close()
	if err != nil {
		fatal("read species file:", err)
	}
	if *dryRun {
		fmt.Printf("%s: %d species ok\n", *file, len(list))
		return
	}

	ctx := context.Background()
	st, _ := sf.open(ctx)
	defer st.Close()

	for _, sp := range list {
		id, err := st.InsertSpecies(ctx, sp)
		if err != nil {
			fatal("insert species:", err)
		}
		fmt.Printf("inserted species %d (%s)\n", id, sp.Prefab)
	}
}
