package world

import (
	"context"
	"errors"
	"fmt"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/syncer"
)

// ApplyNotification patches the caches for one change event. Applying the
// same event twice leaves the same state as applying it once. Only store
// failures are returned.
func (w *World) ApplyNotification(ctx context.Context, l Loader, n syncer.Notification) error {
	var err error
	switch n.Table {
	case syncer.TableEntities:
		err = w.applyEntity(ctx, l, n)
	case syncer.TableSeeds:
		err = w.applySeed(ctx, l, n)
	case syncer.TableCells:
		err = w.applyCell(ctx, l, n)
	case syncer.TableNeighbors:
		err = w.applyNeighbors(ctx, l, n)
	case syncer.TableSpecies:
		err = w.applySpecies(ctx, l, n)
	default:
		w.logf("WARN: notification for unknown table: %s", n)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", n, err)
	}
	return nil
}

func (w *World) applyEntity(ctx context.Context, l Loader, n syncer.Notification) error {
	if n.Operation == syncer.OpDelete {
		w.removeEntity(n.ID)
		return nil
	}
	e, err := l.Entity(ctx, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		w.removeEntity(n.ID)
		return nil
	}
	if err != nil {
		return err
	}
	w.putEntity(e)
	return nil
}

func (w *World) applySeed(ctx context.Context, l Loader, n syncer.Notification) error {
	if n.Operation == syncer.OpDelete {
		delete(w.seeds, n.ID)
		return nil
	}
	s, err := l.Seed(ctx, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		delete(w.seeds, n.ID)
		return nil
	}
	if err != nil {
		return err
	}
	w.putSeed(s)
	return nil
}

func (w *World) applyCell(ctx context.Context, l Loader, n syncer.Notification) error {
	if n.Operation == syncer.OpDelete {
		delete(w.cells, n.ID)
		return nil
	}
	c, err := l.Cell(ctx, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		delete(w.cells, n.ID)
		return nil
	}
	if err != nil {
		return err
	}
	w.cells[c.ID] = c
	delete(w.warnedCells, c.ID)
	return nil
}

func (w *World) applyNeighbors(ctx context.Context, l Loader, n syncer.Notification) error {
	if n.Operation == syncer.OpDelete {
		w.index.Delete(n.ID)
		return nil
	}
	entry, err := l.NeighborEntry(ctx, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		w.index.Delete(n.ID)
		return nil
	}
	if err != nil {
		return err
	}
	w.index.Set(n.ID, entry)
	return nil
}

// applySpecies reloads the species and everything that belongs to it, then
// rebuilds the index since the distances may have changed.
func (w *World) applySpecies(ctx context.Context, l Loader, n syncer.Notification) error {
	if n.Operation == syncer.OpDelete {
		delete(w.species, n.ID)
		return nil
	}
	sp, err := l.SpeciesByID(ctx, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		delete(w.species, n.ID)
		return nil
	}
	if err != nil {
		return err
	}
	entities, err := l.EntitiesBySpecies(ctx, n.ID)
	if err != nil {
		return err
	}
	seeds, err := l.SeedsBySpecies(ctx, n.ID)
	if err != nil {
		return err
	}

	w.species[sp.ID] = sp
	delete(w.warnedSpecies, sp.ID)
	for i := range entities {
		e := entities[i]
		w.entities[e.ID] = &e
	}
	for _, s := range seeds {
		w.putSeed(s)
	}
	w.RebuildNeighbors()
	return nil
}
