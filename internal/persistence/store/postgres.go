package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"soundlines.art/internal/sim/ecology"
)

// Postgres is the PostGIS backend. Notifications arrive over LISTEN on a
// connection held out of the pool for the lifetime of the store.
type Postgres struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	listener *pgxpool.Conn

	once sync.Once
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	var stmts []string
	stmts = append(stmts, pgTables...)
	stmts = append(stmts, pgReadingTables()...)
	stmts = append(stmts, pgNotifyFunction)
	stmts = append(stmts, pgTriggers()...)
	for _, q := range stmts {
		if _, err := p.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		if p.listener != nil {
			p.listener.Release()
			p.listener = nil
		}
		p.mu.Unlock()
		p.pool.Close()
	})
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgSelect[T any](ctx context.Context, q pgQuerier, query string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

func pgGet[T any](ctx context.Context, q pgQuerier, query string, args ...any) (T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[T])
	if errors.Is(err, pgx.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func pgIDs(ctx context.Context, q pgQuerier, query string, args ...any) ([]int64, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

const pgPoint = `ST_SetSRID(ST_MakePoint(%s, %s), 4326)`

func pgPointAt(lon, lat string) string { return fmt.Sprintf(pgPoint, lon, lat) }

// --- species ---

func (p *Postgres) Species(ctx context.Context) ([]ecology.Species, error) {
	rows, err := pgSelect[speciesRow](ctx, p.pool, `SELECT `+speciesColumns+` FROM settings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("species: %w", err)
	}
	out := make([]ecology.Species, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.species())
	}
	return out, nil
}

func (p *Postgres) SpeciesByID(ctx context.Context, id int64) (ecology.Species, error) {
	r, err := pgGet[speciesRow](ctx, p.pool, `SELECT `+speciesColumns+` FROM settings WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ecology.Species{}, err
		}
		return ecology.Species{}, fmt.Errorf("species %d: %w", id, err)
	}
	return r.species(), nil
}

func (p *Postgres) InsertSpecies(ctx context.Context, sp ecology.Species) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `INSERT INTO settings(prefab, growth_limit, life_expectancy,
		wifi_sensitivity, light_sensitivity, sound_sensitivity, neighbor_tolerance, birth_proba,
		bloom_proba, mating_freq, mating_duration, fruit_duration, mating_distance, crowd_distance)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`, speciesArgs(sp)...).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert species: %w", err)
	}
	return id, nil
}

// --- cells ---

var pgCellSelect = `SELECT ` + fmt.Sprintf(cellColumns, "ST_AsBinary(geom)") + ` FROM cells `

func (p *Postgres) Cells(ctx context.Context) ([]ecology.Cell, error) {
	rows, err := pgSelect[cellRow](ctx, p.pool, pgCellSelect+`ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("cells: %w", err)
	}
	return cellsFromRows(rows)
}

func (p *Postgres) Cell(ctx context.Context, id int64) (ecology.Cell, error) {
	r, err := pgGet[cellRow](ctx, p.pool, pgCellSelect+`WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ecology.Cell{}, err
		}
		return ecology.Cell{}, fmt.Errorf("cell %d: %w", id, err)
	}
	return r.cell()
}

func (p *Postgres) InsertCells(ctx context.Context, cells []ecology.Cell) ([]int64, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	b := &pgx.Batch{}
	for _, c := range cells {
		g, err := wkb.Marshal(c.Geom)
		if err != nil {
			return nil, fmt.Errorf("cell geometry: %w", err)
		}
		b.Queue(`INSERT INTO cells(geom, wifi, wifi_total, wifi_count, light, light_total, light_count,
			sound, sound_total, sound_count, sns, visit)
			VALUES(ST_GeomFromWKB($1, 4326),$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
			g, c.Wifi, c.WifiTotal, c.WifiCount, c.Light, c.LightTotal, c.LightCount,
			c.Sound, c.SoundTotal, c.SoundCount, c.SNS, c.Visit)
	}
	return p.insertBatch(ctx, b, "insert cells")
}

// insertBatch runs b in one transaction; every queued statement returns an id.
func (p *Postgres) insertBatch(ctx context.Context, b *pgx.Batch, what string) ([]int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, b)
	ids := make([]int64, 0, b.Len())
	for i := 0; i < b.Len(); i++ {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		ids = append(ids, id)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return ids, tx.Commit(ctx)
}

func (p *Postgres) CellAt(ctx context.Context, pt orb.Point) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `SELECT id FROM cells WHERE ST_Covers(geom, `+pgPointAt("$1", "$2")+`)
		ORDER BY id LIMIT 1`, pt.Lon(), pt.Lat()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cell at: %w", err)
	}
	return id, nil
}

func (p *Postgres) CellIDsAt(ctx context.Context, pts []orb.Point) ([]int64, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	lons := make([]float64, len(pts))
	lats := make([]float64, len(pts))
	for i, pt := range pts {
		lons[i], lats[i] = pt.Lon(), pt.Lat()
	}
	rows, err := p.pool.Query(ctx, `SELECT COALESCE((SELECT c.id FROM cells c
			WHERE ST_Covers(c.geom, `+pgPointAt("u.lon", "u.lat")+`) ORDER BY c.id LIMIT 1), 0)
		FROM unnest($1::float8[], $2::float8[]) WITH ORDINALITY AS u(lon, lat, ord)
		ORDER BY u.ord`, lons, lats)
	if err != nil {
		return nil, fmt.Errorf("cells at: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("cells at: %w", err)
	}
	return ids, nil
}

func (p *Postgres) CellsWithin(ctx context.Context, pt orb.Point, radius float64) ([]ecology.Cell, error) {
	rows, err := pgSelect[cellRow](ctx, p.pool, pgCellSelect+
		`WHERE ST_DWithin(geom::geography, `+pgPointAt("$1", "$2")+`::geography, $3) ORDER BY id`,
		pt.Lon(), pt.Lat(), radius)
	if err != nil {
		return nil, fmt.Errorf("cells within: %w", err)
	}
	return cellsFromRows(rows)
}

func (p *Postgres) AddCellReading(ctx context.Context, cellID int64, kind ecology.ReadingKind, level float64) error {
	if _, err := readingTable(kind); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE cells SET %[1]s_total = %[1]s_total + $1, %[1]s_count = %[1]s_count + 1,
		%[1]s = (%[1]s_total + $1) / (%[1]s_count + 1) WHERE id = $2`, kind)
	tag, err := p.pool.Exec(ctx, q, level, cellID)
	if err != nil {
		return fmt.Errorf("cell %d reading: %w", cellID, err)
	}
	return expectTag(tag)
}

func (p *Postgres) IncrementCellVisit(ctx context.Context, cellID int64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE cells SET visit = visit + 1 WHERE id = $1`, cellID)
	if err != nil {
		return fmt.Errorf("cell %d visit: %w", cellID, err)
	}
	return expectTag(tag)
}

func expectTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- entities ---

var pgEntitySelect = fmt.Sprintf(entitySelect, "ST_X(e.point)", "ST_Y(e.point)")

func (p *Postgres) Entities(ctx context.Context) ([]ecology.Entity, error) {
	rows, err := pgSelect[entityRow](ctx, p.pool, pgEntitySelect+` ORDER BY e.id`)
	if err != nil {
		return nil, fmt.Errorf("entities: %w", err)
	}
	return entitiesFromRows(rows), nil
}

func (p *Postgres) Entity(ctx context.Context, id int64) (ecology.Entity, error) {
	r, err := pgGet[entityRow](ctx, p.pool, pgEntitySelect+` WHERE e.id = $1`, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ecology.Entity{}, err
		}
		return ecology.Entity{}, fmt.Errorf("entity %d: %w", id, err)
	}
	return r.entity(), nil
}

func (p *Postgres) EntitiesBySpecies(ctx context.Context, speciesID int64) ([]ecology.Entity, error) {
	rows, err := pgSelect[entityRow](ctx, p.pool, pgEntitySelect+` WHERE e.setting_id = $1 ORDER BY e.id`, speciesID)
	if err != nil {
		return nil, fmt.Errorf("entities of species %d: %w", speciesID, err)
	}
	return entitiesFromRows(rows), nil
}

func (p *Postgres) EntitiesWithin(ctx context.Context, pt orb.Point, radius float64) ([]ecology.Entity, error) {
	rows, err := pgSelect[entityRow](ctx, p.pool, pgEntitySelect+
		` WHERE ST_DWithin(e.point::geography, `+pgPointAt("$1", "$2")+`::geography, $3) ORDER BY e.id`,
		pt.Lon(), pt.Lat(), radius)
	if err != nil {
		return nil, fmt.Errorf("entities within: %w", err)
	}
	return entitiesFromRows(rows), nil
}

const (
	pgInsertDNA = `INSERT INTO dnas(setting_id, size, fitness, life_expectancy, growth_rate,
		aging_rate, mutation_rate, stress_rate, healthy_rate) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`

	pgEntityColumns = `point, prefab, cell_id, setting_id, dna_id, fitness, age, size,
		life_expectancy, nickname, start_mating_at, last_seed_at`

	pgSeedColumns = `cell_id, dna_id, setting_id, point, created_at, age, prefab`
)

var (
	pgInsertEntity = `INSERT INTO entities(` + pgEntityColumns + `)
		VALUES(` + pgPointAt("$1", "$2") + `,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`
	pgInsertEntityWithDNA = `WITH d AS (` + pgInsertDNA + `)
		INSERT INTO entities(` + pgEntityColumns + `)
		SELECT ` + pgPointAt("$10", "$11") + `,$12,$13,$14,d.id,$15,$16,$17,$18,$19,$20,$21 FROM d RETURNING id`

	pgInsertSeed = `INSERT INTO seeds(` + pgSeedColumns + `)
		VALUES($1,$2,$3,` + pgPointAt("$4", "$5") + `,$6,$7,$8) RETURNING id`
	pgInsertSeedWithDNA = `WITH d AS (` + pgInsertDNA + `)
		INSERT INTO seeds(` + pgSeedColumns + `)
		SELECT $10, d.id, $11, ` + pgPointAt("$12", "$13") + `,$14,$15,$16 FROM d RETURNING id`
)

func (p *Postgres) InsertEntities(ctx context.Context, es []ecology.Entity) ([]int64, error) {
	if len(es) == 0 {
		return nil, nil
	}
	b := &pgx.Batch{}
	for _, e := range es {
		rest := []any{e.Fitness, e.Age, e.Size, e.LifeExpectancy, e.Nickname, e.StartMatingAt, e.LastSeedAt}
		if e.DNA.ID == 0 {
			args := append(dnaArgs(e.DNA, e.SpeciesID), e.Point.Lon(), e.Point.Lat(), e.Prefab, e.CellID, e.SpeciesID)
			b.Queue(pgInsertEntityWithDNA, append(args, rest...)...)
			continue
		}
		args := []any{e.Point.Lon(), e.Point.Lat(), e.Prefab, e.CellID, e.SpeciesID, e.DNA.ID}
		b.Queue(pgInsertEntity, append(args, rest...)...)
	}
	return p.insertBatch(ctx, b, "insert entities")
}

func (p *Postgres) UpdateEntities(ctx context.Context, es []ecology.Entity) error {
	if len(es) == 0 {
		return nil
	}
	ids := make([]int64, len(es))
	fitness := make([]float64, len(es))
	age := make([]float64, len(es))
	size := make([]float64, len(es))
	mating := make([]float64, len(es))
	seeded := make([]float64, len(es))
	for i, e := range es {
		ids[i], fitness[i], age[i], size[i] = e.ID, e.Fitness, e.Age, e.Size
		mating[i], seeded[i] = e.StartMatingAt, e.LastSeedAt
	}
	_, err := p.pool.Exec(ctx, `UPDATE entities e SET fitness = u.fitness, age = u.age, size = u.size,
		start_mating_at = u.start_mating_at, last_seed_at = u.last_seed_at
		FROM unnest($1::int8[], $2::float8[], $3::float8[], $4::float8[], $5::float8[], $6::float8[])
			AS u(id, fitness, age, size, start_mating_at, last_seed_at)
		WHERE e.id = u.id`, ids, fitness, age, size, mating, seeded)
	if err != nil {
		return fmt.Errorf("update entities: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteEntities(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	dnaIDs, err := pgIDs(ctx, tx, `DELETE FROM entities WHERE id = ANY($1) RETURNING dna_id`, ids)
	if err != nil {
		return fmt.Errorf("delete entities: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM entity_neighbors WHERE entity_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete neighbours: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dnas WHERE id = ANY($1)`, dnaIDs); err != nil {
		return fmt.Errorf("delete dnas: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) AssignSpecies(ctx context.Context, entityID, speciesID int64, prefab string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	var dnaID int64
	err = tx.QueryRow(ctx, `UPDATE entities SET setting_id = $1, prefab = $2 WHERE id = $3 RETURNING dna_id`,
		speciesID, prefab, entityID).Scan(&dnaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("assign species: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE dnas SET setting_id = $1 WHERE id = $2`, speciesID, dnaID); err != nil {
		return fmt.Errorf("assign species dna: %w", err)
	}
	return tx.Commit(ctx)
}

// --- seeds ---

var pgSeedSelect = fmt.Sprintf(seedSelect, "ST_X(s.point)", "ST_Y(s.point)")

func (p *Postgres) Seeds(ctx context.Context) ([]ecology.Seed, error) {
	rows, err := pgSelect[seedRow](ctx, p.pool, pgSeedSelect+` ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("seeds: %w", err)
	}
	return seedsFromRows(rows), nil
}

func (p *Postgres) Seed(ctx context.Context, id int64) (ecology.Seed, error) {
	r, err := pgGet[seedRow](ctx, p.pool, pgSeedSelect+` WHERE s.id = $1`, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ecology.Seed{}, err
		}
		return ecology.Seed{}, fmt.Errorf("seed %d: %w", id, err)
	}
	return r.seed(), nil
}

func (p *Postgres) SeedsBySpecies(ctx context.Context, speciesID int64) ([]ecology.Seed, error) {
	rows, err := pgSelect[seedRow](ctx, p.pool, pgSeedSelect+` WHERE s.setting_id = $1 ORDER BY s.id`, speciesID)
	if err != nil {
		return nil, fmt.Errorf("seeds of species %d: %w", speciesID, err)
	}
	return seedsFromRows(rows), nil
}

func (p *Postgres) SeedsWithin(ctx context.Context, pt orb.Point, radius float64) ([]ecology.Seed, error) {
	rows, err := pgSelect[seedRow](ctx, p.pool, pgSeedSelect+
		` WHERE ST_DWithin(s.point::geography, `+pgPointAt("$1", "$2")+`::geography, $3) ORDER BY s.id`,
		pt.Lon(), pt.Lat(), radius)
	if err != nil {
		return nil, fmt.Errorf("seeds within: %w", err)
	}
	return seedsFromRows(rows), nil
}

func (p *Postgres) InsertSeeds(ctx context.Context, ss []ecology.Seed) ([]int64, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	now := time.Now()
	b := &pgx.Batch{}
	for _, sd := range ss {
		created := sd.CreatedAt
		if created.IsZero() {
			created = now
		}
		if sd.DNA.ID == 0 {
			args := append(dnaArgs(sd.DNA, sd.SpeciesID),
				sd.CellID, sd.SpeciesID, sd.Point.Lon(), sd.Point.Lat(), created, sd.Age, sd.Prefab)
			b.Queue(pgInsertSeedWithDNA, args...)
			continue
		}
		b.Queue(pgInsertSeed, sd.CellID, sd.DNA.ID, sd.SpeciesID, sd.Point.Lon(), sd.Point.Lat(), created, sd.Age, sd.Prefab)
	}
	return p.insertBatch(ctx, b, "insert seeds")
}

func (p *Postgres) UpdateSeeds(ctx context.Context, ss []ecology.Seed) error {
	if len(ss) == 0 {
		return nil
	}
	ids := make([]int64, len(ss))
	ages := make([]float64, len(ss))
	for i, sd := range ss {
		ids[i], ages[i] = sd.ID, sd.Age
	}
	_, err := p.pool.Exec(ctx, `UPDATE seeds s SET age = u.age
		FROM unnest($1::int8[], $2::float8[]) AS u(id, age) WHERE s.id = u.id`, ids, ages)
	if err != nil {
		return fmt.Errorf("update seeds: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteSeeds(ctx context.Context, ids []int64, keepDNA bool) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	dnaIDs, err := pgIDs(ctx, tx, `DELETE FROM seeds WHERE id = ANY($1) RETURNING dna_id`, ids)
	if err != nil {
		return fmt.Errorf("delete seeds: %w", err)
	}
	if !keepDNA {
		if _, err := tx.Exec(ctx, `DELETE FROM dnas WHERE id = ANY($1)`, dnaIDs); err != nil {
			return fmt.Errorf("delete dnas: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- neighbours ---

type pgNeighborRow struct {
	EntityID int64   `db:"entity_id"`
	Mating   []int64 `db:"mating_neighbors"`
	Crowd    []int64 `db:"crowd_neighbors"`
}

func (p *Postgres) NeighborEntries(ctx context.Context) (map[int64]ecology.NeighborEntry, error) {
	rows, err := pgSelect[pgNeighborRow](ctx, p.pool, `SELECT entity_id, mating_neighbors, crowd_neighbors FROM entity_neighbors`)
	if err != nil {
		return nil, fmt.Errorf("neighbours: %w", err)
	}
	out := make(map[int64]ecology.NeighborEntry, len(rows))
	for _, r := range rows {
		out[r.EntityID] = ecology.NeighborEntry{Mating: r.Mating, Crowd: r.Crowd}
	}
	return out, nil
}

func (p *Postgres) NeighborEntry(ctx context.Context, entityID int64) (ecology.NeighborEntry, error) {
	r, err := pgGet[pgNeighborRow](ctx, p.pool, `SELECT entity_id, mating_neighbors, crowd_neighbors
		FROM entity_neighbors WHERE entity_id = $1`, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ecology.NeighborEntry{}, err
		}
		return ecology.NeighborEntry{}, fmt.Errorf("neighbours of %d: %w", entityID, err)
	}
	return ecology.NeighborEntry{Mating: r.Mating, Crowd: r.Crowd}, nil
}

func (p *Postgres) ReplaceNeighborEntries(ctx context.Context, entries map[int64]ecology.NeighborEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM entity_neighbors`); err != nil {
		return fmt.Errorf("clear neighbours: %w", err)
	}
	b := &pgx.Batch{}
	for id, e := range entries {
		b.Queue(`INSERT INTO entity_neighbors(entity_id, mating_neighbors, crowd_neighbors) VALUES($1,$2,$3)`,
			id, nonNil(e.Mating), nonNil(e.Crowd))
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert neighbours: %w", err)
	}
	return tx.Commit(ctx)
}

// --- readings and users ---

func (p *Postgres) InsertReading(ctx context.Context, r Reading) error {
	table, err := readingTable(r.Kind)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO `+table+`(user_id, point, level, created_at)
		VALUES($1, `+pgPointAt("$2", "$3")+`, $4, $5)`,
		r.UserID, r.Point.Lon(), r.Point.Lat(), r.Level, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (p *Postgres) InsertGPS(ctx context.Context, g GPSReading) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO gps_readings(user_id, point, created_at)
		VALUES($1, `+pgPointAt("$2", "$3")+`, $4)`, g.UserID, g.Point.Lon(), g.Point.Lat(), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert gps: %w", err)
	}
	return nil
}

func (p *Postgres) LastGPS(ctx context.Context, userID int64) (GPSReading, error) {
	r, err := pgGet[gpsRow](ctx, p.pool, `SELECT id, user_id, ST_X(point) AS lon, ST_Y(point) AS lat, created_at
		FROM gps_readings WHERE user_id = $1 ORDER BY id DESC LIMIT 1`, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return GPSReading{}, err
		}
		return GPSReading{}, fmt.Errorf("last gps of %d: %w", userID, err)
	}
	return GPSReading{ID: r.ID, UserID: r.UserID, Point: orb.Point{r.Lon, r.Lat}, CreatedAt: r.CreatedAt.Time}, nil
}

type pgLocationRow struct {
	UserID int64     `db:"user_id"`
	Lon    float64   `db:"lon"`
	Lat    float64   `db:"lat"`
	At     timeValue `db:"created_at"`
	CellID int64     `db:"cell_id"`
}

// pgLatestGPS selects the newest reading per user matching %s.
const pgLatestGPS = `SELECT * FROM (
	SELECT DISTINCT ON (g.user_id) g.user_id, ST_X(g.point) AS lon, ST_Y(g.point) AS lat, g.created_at,
		COALESCE((SELECT c.id FROM cells c WHERE ST_Covers(c.geom, g.point) ORDER BY c.id LIMIT 1), 0) AS cell_id
	FROM gps_readings g %s
	ORDER BY g.user_id, g.id DESC
) latest `

func (p *Postgres) LastGPSByUser(ctx context.Context) ([]UserLocation, error) {
	rows, err := pgSelect[pgLocationRow](ctx, p.pool, fmt.Sprintf(pgLatestGPS, "")+`ORDER BY created_at DESC, user_id`)
	if err != nil {
		return nil, fmt.Errorf("last gps by user: %w", err)
	}
	return pgLocations(rows), nil
}

func (p *Postgres) UserLocations(ctx context.Context, since time.Time, except int64) ([]UserLocation, error) {
	rows, err := pgSelect[pgLocationRow](ctx, p.pool,
		fmt.Sprintf(pgLatestGPS, "WHERE g.created_at >= $1 AND g.user_id <> $2")+`ORDER BY user_id`, since, except)
	if err != nil {
		return nil, fmt.Errorf("user locations: %w", err)
	}
	return pgLocations(rows), nil
}

func pgLocations(rows []pgLocationRow) []UserLocation {
	out := make([]UserLocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, UserLocation{UserID: r.UserID, Latitude: r.Lat, Longitude: r.Lon, CellID: r.CellID, At: r.At.Time})
	}
	return out
}

func (p *Postgres) Weather(ctx context.Context) (*Weather, error) {
	r, err := pgGet[weatherRow](ctx, p.pool, `SELECT id, temperature, precip FROM weather ORDER BY id LIMIT 1`)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("weather: %w", err)
	}
	return r.weather(), nil
}

func (p *Postgres) SetWeather(ctx context.Context, w Weather) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM weather`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO weather(temperature, precip) VALUES($1, $2)`, w.Temperature, w.Precip); err != nil {
		return fmt.Errorf("set weather: %w", err)
	}
	return tx.Commit(ctx)
}

// --- notifications ---

func (p *Postgres) Listen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return nil
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+Channel); err != nil {
		conn.Release()
		return fmt.Errorf("listen: %w", err)
	}
	p.listener = conn
	return nil
}

const pgNotifyBatch = 1000

// pgNotifyDrain bounds each follow-up wait once the first event is in.
const pgNotifyDrain = time.Millisecond

func (p *Postgres) Notifications(ctx context.Context, wait time.Duration) ([]Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil, errors.New("store: Notifications before Listen")
	}
	conn := p.listener.Conn()

	var out []Notification
	for len(out) < pgNotifyBatch {
		d := wait
		if len(out) > 0 {
			d = pgNotifyDrain
		}
		wctx, cancel := context.WithTimeout(ctx, d)
		n, err := conn.WaitForNotification(wctx)
		timedOut := wctx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if timedOut || pgconn.Timeout(err) {
				break
			}
			return out, fmt.Errorf("wait for notification: %w", err)
		}
		out = append(out, Notification{Channel: n.Channel, Payload: n.Payload})
	}
	return out, nil
}

var _ Store = (*Postgres)(nil)
