package snapshot

import (
	"context"
	"errors"
	"time"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/ecology"
)

// Source is what Build reads from the store.
type Source interface {
	Species(ctx context.Context) ([]ecology.Species, error)
	Cells(ctx context.Context) ([]ecology.Cell, error)
	Entities(ctx context.Context) ([]ecology.Entity, error)
	Seeds(ctx context.Context) ([]ecology.Seed, error)
	LastGPSByUser(ctx context.Context) ([]store.UserLocation, error)
	Weather(ctx context.Context) (*store.Weather, error)
}

func Build(ctx context.Context, src Source, now time.Time) (Document, error) {
	doc := Document{TakenAt: now}
	var err error
	if doc.Entities, err = src.Entities(ctx); err != nil {
		return doc, err
	}
	if doc.Seeds, err = src.Seeds(ctx); err != nil {
		return doc, err
	}
	if doc.Cells, err = src.Cells(ctx); err != nil {
		return doc, err
	}
	if doc.Users, err = src.LastGPSByUser(ctx); err != nil {
		return doc, err
	}
	// A world that never saw a weather report snapshots as null weather.
	if doc.Weather, err = src.Weather(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return doc, err
	}
	if doc.Settings, err = src.Species(ctx); err != nil {
		return doc, err
	}
	return doc, nil
}
