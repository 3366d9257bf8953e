package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"

	"soundlines.art/internal/geo"
	"soundlines.art/internal/sim/ecology"
)

// sqliteMaxIDs bounds IN lists.
const sqliteMaxIDs = 500

// SQLite is the embedded backend. Spatial predicates run in Go over a
// bounding-box prefilter; notifications are an outbox table filled by
// triggers and drained by the single simulation consumer.
type SQLite struct {
	db   *sqlx.DB
	once sync.Once
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLite{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	var stmts []string
	stmts = append(stmts, sqliteTables...)
	stmts = append(stmts, sqliteReadingTables()...)
	stmts = append(stmts, sqliteTriggers()...)
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

// --- species ---

func (s *SQLite) Species(ctx context.Context) ([]ecology.Species, error) {
	var rows []speciesRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+speciesColumns+` FROM settings ORDER BY id`); err != nil {
		return nil, fmt.Errorf("species: %w", err)
	}
	out := make([]ecology.Species, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.species())
	}
	return out, nil
}

func (s *SQLite) SpeciesByID(ctx context.Context, id int64) (ecology.Species, error) {
	var r speciesRow
	err := s.db.GetContext(ctx, &r, `SELECT `+speciesColumns+` FROM settings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ecology.Species{}, ErrNotFound
	}
	if err != nil {
		return ecology.Species{}, fmt.Errorf("species %d: %w", id, err)
	}
	return r.species(), nil
}

func (s *SQLite) InsertSpecies(ctx context.Context, sp ecology.Species) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO settings(prefab, growth_limit, life_expectancy,
		wifi_sensitivity, light_sensitivity, sound_sensitivity, neighbor_tolerance, birth_proba,
		bloom_proba, mating_freq, mating_duration, fruit_duration, mating_distance, crowd_distance)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, speciesArgs(sp)...)
	if err != nil {
		return 0, fmt.Errorf("insert species: %w", err)
	}
	return res.LastInsertId()
}

// --- cells ---

var sqliteCellSelect = `SELECT ` + fmt.Sprintf(cellColumns, "geom") + ` FROM cells `

func (s *SQLite) Cells(ctx context.Context) ([]ecology.Cell, error) {
	var rows []cellRow
	if err := s.db.SelectContext(ctx, &rows, sqliteCellSelect+`ORDER BY id`); err != nil {
		return nil, fmt.Errorf("cells: %w", err)
	}
	return cellsFromRows(rows)
}

func (s *SQLite) Cell(ctx context.Context, id int64) (ecology.Cell, error) {
	var r cellRow
	err := s.db.GetContext(ctx, &r, sqliteCellSelect+`WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ecology.Cell{}, ErrNotFound
	}
	if err != nil {
		return ecology.Cell{}, fmt.Errorf("cell %d: %w", id, err)
	}
	return r.cell()
}

func (s *SQLite) InsertCells(ctx context.Context, cells []ecology.Cell) ([]int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO cells(geom, min_lon, min_lat, max_lon, max_lat,
		wifi, wifi_total, wifi_count, light, light_total, light_count, sound, sound_total, sound_count, sns, visit)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(cells))
	for _, c := range cells {
		g, err := wkb.Marshal(c.Geom)
		if err != nil {
			return nil, fmt.Errorf("cell geometry: %w", err)
		}
		b := c.Geom.Bound()
		res, err := stmt.ExecContext(ctx, g, b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat(),
			c.Wifi, c.WifiTotal, c.WifiCount, c.Light, c.LightTotal, c.LightCount,
			c.Sound, c.SoundTotal, c.SoundCount, c.SNS, c.Visit)
		if err != nil {
			return nil, fmt.Errorf("insert cell: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, tx.Commit()
}

func (s *SQLite) cellsInBound(ctx context.Context, b orb.Bound) ([]ecology.Cell, error) {
	var rows []cellRow
	err := s.db.SelectContext(ctx, &rows, sqliteCellSelect+
		`WHERE max_lon >= ? AND min_lon <= ? AND max_lat >= ? AND min_lat <= ? ORDER BY id`,
		b.Min.Lon(), b.Max.Lon(), b.Min.Lat(), b.Max.Lat())
	if err != nil {
		return nil, fmt.Errorf("cells in bound: %w", err)
	}
	return cellsFromRows(rows)
}

func (s *SQLite) CellAt(ctx context.Context, p orb.Point) (int64, error) {
	cands, err := s.cellsInBound(ctx, orb.Bound{Min: p, Max: p})
	if err != nil {
		return 0, err
	}
	for _, c := range cands {
		if c.Contains(p) {
			return c.ID, nil
		}
	}
	return 0, nil
}

func (s *SQLite) CellIDsAt(ctx context.Context, pts []orb.Point) ([]int64, error) {
	out := make([]int64, len(pts))
	for i, p := range pts {
		id, err := s.CellAt(ctx, p)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func (s *SQLite) CellsWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Cell, error) {
	cands, err := s.cellsInBound(ctx, geo.BoundAround(p, radius))
	if err != nil {
		return nil, err
	}
	out := cands[:0]
	for _, c := range cands {
		if geo.DistanceToPolygon(c.Geom, p) <= radius {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQLite) AddCellReading(ctx context.Context, cellID int64, kind ecology.ReadingKind, level float64) error {
	if _, err := readingTable(kind); err != nil {
		return err
	}
	// SET expressions see the row as it was before the update.
	q := fmt.Sprintf(`UPDATE cells SET %[1]s_total = %[1]s_total + ?, %[1]s_count = %[1]s_count + 1,
		%[1]s = (%[1]s_total + ?) / (%[1]s_count + 1) WHERE id = ?`, kind)
	res, err := s.db.ExecContext(ctx, q, level, level, cellID)
	if err != nil {
		return fmt.Errorf("cell %d reading: %w", cellID, err)
	}
	return expectRow(res)
}

func (s *SQLite) IncrementCellVisit(ctx context.Context, cellID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cells SET visit = visit + 1 WHERE id = ?`, cellID)
	if err != nil {
		return fmt.Errorf("cell %d visit: %w", cellID, err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- entities ---

var sqliteEntitySelect = fmt.Sprintf(entitySelect, "e.lon", "e.lat")

func (s *SQLite) Entities(ctx context.Context) ([]ecology.Entity, error) {
	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, sqliteEntitySelect+` ORDER BY e.id`); err != nil {
		return nil, fmt.Errorf("entities: %w", err)
	}
	return entitiesFromRows(rows), nil
}

func (s *SQLite) Entity(ctx context.Context, id int64) (ecology.Entity, error) {
	var r entityRow
	err := s.db.GetContext(ctx, &r, sqliteEntitySelect+` WHERE e.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ecology.Entity{}, ErrNotFound
	}
	if err != nil {
		return ecology.Entity{}, fmt.Errorf("entity %d: %w", id, err)
	}
	return r.entity(), nil
}

func (s *SQLite) EntitiesBySpecies(ctx context.Context, speciesID int64) ([]ecology.Entity, error) {
	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, sqliteEntitySelect+` WHERE e.setting_id = ? ORDER BY e.id`, speciesID); err != nil {
		return nil, fmt.Errorf("entities of species %d: %w", speciesID, err)
	}
	return entitiesFromRows(rows), nil
}

func (s *SQLite) EntitiesWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Entity, error) {
	b := geo.BoundAround(p, radius)
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows, sqliteEntitySelect+
		` WHERE e.lon BETWEEN ? AND ? AND e.lat BETWEEN ? AND ? ORDER BY e.id`,
		b.Min.Lon(), b.Max.Lon(), b.Min.Lat(), b.Max.Lat())
	if err != nil {
		return nil, fmt.Errorf("entities within: %w", err)
	}
	var out []ecology.Entity
	for _, r := range rows {
		e := r.entity()
		if geo.Within(p, e.Point, radius) {
			out = append(out, e)
		}
	}
	return out, nil
}

const (
	insertDNASQL = `INSERT INTO dnas(setting_id, size, fitness, life_expectancy, growth_rate,
		aging_rate, mutation_rate, stress_rate, healthy_rate) VALUES(?,?,?,?,?,?,?,?,?)`
	insertEntitySQL = `INSERT INTO entities(lon, lat, prefab, cell_id, setting_id, dna_id, fitness, age,
		size, life_expectancy, nickname, start_mating_at, last_seed_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`
	insertSeedSQL = `INSERT INTO seeds(cell_id, dna_id, setting_id, lon, lat, created_at, age, prefab)
		VALUES(?,?,?,?,?,?,?,?)`
)

func (s *SQLite) InsertEntities(ctx context.Context, es []ecology.Entity) ([]int64, error) {
	if len(es) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	insDNA, err := tx.PreparexContext(ctx, insertDNASQL)
	if err != nil {
		return nil, err
	}
	defer insDNA.Close()
	insEnt, err := tx.PreparexContext(ctx, insertEntitySQL)
	if err != nil {
		return nil, err
	}
	defer insEnt.Close()

	ids := make([]int64, 0, len(es))
	for _, e := range es {
		dnaID := e.DNA.ID
		if dnaID == 0 {
			res, err := insDNA.ExecContext(ctx, dnaArgs(e.DNA, e.SpeciesID)...)
			if err != nil {
				return nil, fmt.Errorf("insert dna: %w", err)
			}
			if dnaID, err = res.LastInsertId(); err != nil {
				return nil, err
			}
		}
		res, err := insEnt.ExecContext(ctx, e.Point.Lon(), e.Point.Lat(), e.Prefab, e.CellID, e.SpeciesID, dnaID,
			e.Fitness, e.Age, e.Size, e.LifeExpectancy, e.Nickname, e.StartMatingAt, e.LastSeedAt)
		if err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, tx.Commit()
}

func (s *SQLite) UpdateEntities(ctx context.Context, es []ecology.Entity) error {
	if len(es) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PreparexContext(ctx, `UPDATE entities SET fitness = ?, age = ?, size = ?,
		start_mating_at = ?, last_seed_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range es {
		if _, err := stmt.ExecContext(ctx, e.Fitness, e.Age, e.Size, e.StartMatingAt, e.LastSeedAt, e.ID); err != nil {
			return fmt.Errorf("update entity %d: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) DeleteEntities(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, part := range chunk(ids, sqliteMaxIDs) {
		var dnaIDs []int64
		if err := selectIn(ctx, tx, &dnaIDs, `SELECT dna_id FROM entities WHERE id IN (?)`, part); err != nil {
			return fmt.Errorf("entity dnas: %w", err)
		}
		if err := execIn(ctx, tx, `DELETE FROM entities WHERE id IN (?)`, part); err != nil {
			return fmt.Errorf("delete entities: %w", err)
		}
		if err := execIn(ctx, tx, `DELETE FROM entity_neighbors WHERE entity_id IN (?)`, part); err != nil {
			return fmt.Errorf("delete neighbours: %w", err)
		}
		if len(dnaIDs) > 0 {
			if err := execIn(ctx, tx, `DELETE FROM dnas WHERE id IN (?)`, dnaIDs); err != nil {
				return fmt.Errorf("delete dnas: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLite) AssignSpecies(ctx context.Context, entityID, speciesID int64, prefab string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE entities SET setting_id = ?, prefab = ? WHERE id = ?`, speciesID, prefab, entityID)
	if err != nil {
		return fmt.Errorf("assign species: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE dnas SET setting_id = ? WHERE id = (SELECT dna_id FROM entities WHERE id = ?)`, speciesID, entityID); err != nil {
		return fmt.Errorf("assign species dna: %w", err)
	}
	return tx.Commit()
}

func selectIn(ctx context.Context, tx *sqlx.Tx, dest any, q string, ids []int64) error {
	query, args, err := sqlx.In(q, ids)
	if err != nil {
		return err
	}
	return tx.SelectContext(ctx, dest, tx.Rebind(query), args...)
}

func execIn(ctx context.Context, tx *sqlx.Tx, q string, ids []int64) error {
	query, args, err := sqlx.In(q, ids)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

// --- seeds ---

var sqliteSeedSelect = fmt.Sprintf(seedSelect, "s.lon", "s.lat")

func (s *SQLite) Seeds(ctx context.Context) ([]ecology.Seed, error) {
	var rows []seedRow
	if err := s.db.SelectContext(ctx, &rows, sqliteSeedSelect+` ORDER BY s.id`); err != nil {
		return nil, fmt.Errorf("seeds: %w", err)
	}
	return seedsFromRows(rows), nil
}

func (s *SQLite) Seed(ctx context.Context, id int64) (ecology.Seed, error) {
	var r seedRow
	err := s.db.GetContext(ctx, &r, sqliteSeedSelect+` WHERE s.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ecology.Seed{}, ErrNotFound
	}
	if err != nil {
		return ecology.Seed{}, fmt.Errorf("seed %d: %w", id, err)
	}
	return r.seed(), nil
}

func (s *SQLite) SeedsBySpecies(ctx context.Context, speciesID int64) ([]ecology.Seed, error) {
	var rows []seedRow
	if err := s.db.SelectContext(ctx, &rows, sqliteSeedSelect+` WHERE s.setting_id = ? ORDER BY s.id`, speciesID); err != nil {
		return nil, fmt.Errorf("seeds of species %d: %w", speciesID, err)
	}
	return seedsFromRows(rows), nil
}

func (s *SQLite) SeedsWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Seed, error) {
	b := geo.BoundAround(p, radius)
	var rows []seedRow
	err := s.db.SelectContext(ctx, &rows, sqliteSeedSelect+
		` WHERE s.lon BETWEEN ? AND ? AND s.lat BETWEEN ? AND ? ORDER BY s.id`,
		b.Min.Lon(), b.Max.Lon(), b.Min.Lat(), b.Max.Lat())
	if err != nil {
		return nil, fmt.Errorf("seeds within: %w", err)
	}
	var out []ecology.Seed
	for _, r := range rows {
		sd := r.seed()
		if geo.Within(p, sd.Point, radius) {
			out = append(out, sd)
		}
	}
	return out, nil
}

func (s *SQLite) InsertSeeds(ctx context.Context, ss []ecology.Seed) ([]int64, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	insDNA, err := tx.PreparexContext(ctx, insertDNASQL)
	if err != nil {
		return nil, err
	}
	defer insDNA.Close()
	insSeed, err := tx.PreparexContext(ctx, insertSeedSQL)
	if err != nil {
		return nil, err
	}
	defer insSeed.Close()

	now := time.Now()
	ids := make([]int64, 0, len(ss))
	for _, sd := range ss {
		dnaID := sd.DNA.ID
		if dnaID == 0 {
			res, err := insDNA.ExecContext(ctx, dnaArgs(sd.DNA, sd.SpeciesID)...)
			if err != nil {
				return nil, fmt.Errorf("insert dna: %w", err)
			}
			if dnaID, err = res.LastInsertId(); err != nil {
				return nil, err
			}
		}
		created := sd.CreatedAt
		if created.IsZero() {
			created = now
		}
		res, err := insSeed.ExecContext(ctx, sd.CellID, dnaID, sd.SpeciesID, sd.Point.Lon(), sd.Point.Lat(),
			formatTime(created), sd.Age, sd.Prefab)
		if err != nil {
			return nil, fmt.Errorf("insert seed: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, tx.Commit()
}

func (s *SQLite) UpdateSeeds(ctx context.Context, ss []ecology.Seed) error {
	if len(ss) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PreparexContext(ctx, `UPDATE seeds SET age = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sd := range ss {
		if _, err := stmt.ExecContext(ctx, sd.Age, sd.ID); err != nil {
			return fmt.Errorf("update seed %d: %w", sd.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) DeleteSeeds(ctx context.Context, ids []int64, keepDNA bool) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, part := range chunk(ids, sqliteMaxIDs) {
		var dnaIDs []int64
		if !keepDNA {
			if err := selectIn(ctx, tx, &dnaIDs, `SELECT dna_id FROM seeds WHERE id IN (?)`, part); err != nil {
				return fmt.Errorf("seed dnas: %w", err)
			}
		}
		if err := execIn(ctx, tx, `DELETE FROM seeds WHERE id IN (?)`, part); err != nil {
			return fmt.Errorf("delete seeds: %w", err)
		}
		if len(dnaIDs) > 0 {
			if err := execIn(ctx, tx, `DELETE FROM dnas WHERE id IN (?)`, dnaIDs); err != nil {
				return fmt.Errorf("delete dnas: %w", err)
			}
		}
	}
	return tx.Commit()
}

// --- neighbours ---

type sqliteNeighborRow struct {
	EntityID int64  `db:"entity_id"`
	Mating   string `db:"mating_neighbors"`
	Crowd    string `db:"crowd_neighbors"`
}

func (r sqliteNeighborRow) entry() (ecology.NeighborEntry, error) {
	var e ecology.NeighborEntry
	if err := json.Unmarshal([]byte(r.Mating), &e.Mating); err != nil {
		return e, fmt.Errorf("entity %d mating neighbours: %w", r.EntityID, err)
	}
	if err := json.Unmarshal([]byte(r.Crowd), &e.Crowd); err != nil {
		return e, fmt.Errorf("entity %d crowd neighbours: %w", r.EntityID, err)
	}
	return e, nil
}

func (s *SQLite) NeighborEntries(ctx context.Context) (map[int64]ecology.NeighborEntry, error) {
	var rows []sqliteNeighborRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT entity_id, mating_neighbors, crowd_neighbors FROM entity_neighbors`); err != nil {
		return nil, fmt.Errorf("neighbours: %w", err)
	}
	out := make(map[int64]ecology.NeighborEntry, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out[r.EntityID] = e
	}
	return out, nil
}

func (s *SQLite) NeighborEntry(ctx context.Context, entityID int64) (ecology.NeighborEntry, error) {
	var r sqliteNeighborRow
	err := s.db.GetContext(ctx, &r, `SELECT entity_id, mating_neighbors, crowd_neighbors FROM entity_neighbors WHERE entity_id = ?`, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return ecology.NeighborEntry{}, ErrNotFound
	}
	if err != nil {
		return ecology.NeighborEntry{}, fmt.Errorf("neighbours of %d: %w", entityID, err)
	}
	return r.entry()
}

func (s *SQLite) ReplaceNeighborEntries(ctx context.Context, entries map[int64]ecology.NeighborEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_neighbors`); err != nil {
		return fmt.Errorf("clear neighbours: %w", err)
	}
	stmt, err := tx.PreparexContext(ctx, `INSERT INTO entity_neighbors(entity_id, mating_neighbors, crowd_neighbors) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, e := range entries {
		m, _ := json.Marshal(nonNil(e.Mating))
		c, _ := json.Marshal(nonNil(e.Crowd))
		if _, err := stmt.ExecContext(ctx, id, string(m), string(c)); err != nil {
			return fmt.Errorf("insert neighbours of %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// --- readings and users ---

func (s *SQLite) InsertReading(ctx context.Context, r Reading) error {
	table, err := readingTable(r.Kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+table+`(user_id, lon, lat, level, created_at) VALUES(?,?,?,?,?)`,
		r.UserID, r.Point.Lon(), r.Point.Lat(), r.Level, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (s *SQLite) InsertGPS(ctx context.Context, g GPSReading) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO gps_readings(user_id, lon, lat, created_at) VALUES(?,?,?,?)`,
		g.UserID, g.Point.Lon(), g.Point.Lat(), formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert gps: %w", err)
	}
	return nil
}

type gpsRow struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	Lon       float64   `db:"lon"`
	Lat       float64   `db:"lat"`
	CreatedAt timeValue `db:"created_at"`
}

func (s *SQLite) LastGPS(ctx context.Context, userID int64) (GPSReading, error) {
	var r gpsRow
	err := s.db.GetContext(ctx, &r, `SELECT id, user_id, lon, lat, created_at FROM gps_readings
		WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return GPSReading{}, ErrNotFound
	}
	if err != nil {
		return GPSReading{}, fmt.Errorf("last gps of %d: %w", userID, err)
	}
	return GPSReading{ID: r.ID, UserID: r.UserID, Point: orb.Point{r.Lon, r.Lat}, CreatedAt: r.CreatedAt.Time}, nil
}

func (s *SQLite) LastGPSByUser(ctx context.Context) ([]UserLocation, error) {
	var rows []locationRow
	err := s.db.SelectContext(ctx, &rows, `SELECT user_id, lon, lat, created_at FROM gps_readings
		WHERE id IN (SELECT MAX(id) FROM gps_readings GROUP BY user_id) ORDER BY created_at DESC, user_id`)
	if err != nil {
		return nil, fmt.Errorf("last gps by user: %w", err)
	}
	return s.locations(ctx, rows)
}

func (s *SQLite) UserLocations(ctx context.Context, since time.Time, except int64) ([]UserLocation, error) {
	var rows []locationRow
	err := s.db.SelectContext(ctx, &rows, `SELECT user_id, lon, lat, created_at FROM gps_readings
		WHERE id IN (SELECT MAX(id) FROM gps_readings WHERE created_at >= ? AND user_id != ? GROUP BY user_id)
		ORDER BY user_id`, formatTime(since), except)
	if err != nil {
		return nil, fmt.Errorf("user locations: %w", err)
	}
	return s.locations(ctx, rows)
}

func (s *SQLite) locations(ctx context.Context, rows []locationRow) ([]UserLocation, error) {
	out := make([]UserLocation, 0, len(rows))
	for _, r := range rows {
		p := orb.Point{r.Lon, r.Lat}
		cellID, err := s.CellAt(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, UserLocation{UserID: r.UserID, Latitude: r.Lat, Longitude: r.Lon, CellID: cellID, At: r.At.Time})
	}
	return out, nil
}

type weatherRow struct {
	ID          int64          `db:"id"`
	Temperature float64        `db:"temperature"`
	Precip      sql.NullString `db:"precip"`
}

func (r weatherRow) weather() *Weather {
	w := &Weather{ID: r.ID, Temperature: r.Temperature}
	if r.Precip.Valid {
		p := r.Precip.String
		w.Precip = &p
	}
	return w
}

func (s *SQLite) Weather(ctx context.Context) (*Weather, error) {
	var r weatherRow
	err := s.db.GetContext(ctx, &r, `SELECT id, temperature, precip FROM weather ORDER BY id LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("weather: %w", err)
	}
	return r.weather(), nil
}

func (s *SQLite) SetWeather(ctx context.Context, w Weather) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM weather`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO weather(temperature, precip) VALUES(?,?)`, w.Temperature, w.Precip); err != nil {
		return fmt.Errorf("set weather: %w", err)
	}
	return tx.Commit()
}

// --- notifications ---

// Listen is a no-op: the outbox is always on.
func (s *SQLite) Listen(ctx context.Context) error { return nil }

const sqliteNotifyBatch = 1000

func (s *SQLite) Notifications(ctx context.Context, wait time.Duration) ([]Notification, error) {
	deadline := time.Now().Add(wait)
	for {
		out, err := s.drainNotifications(ctx)
		if err != nil || len(out) > 0 {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(remaining, 5*time.Millisecond))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

type notificationRow struct {
	Seq     int64  `db:"seq"`
	Channel string `db:"channel"`
	Payload string `db:"payload"`
}

func (s *SQLite) drainNotifications(ctx context.Context) ([]Notification, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	var rows []notificationRow
	if err := tx.SelectContext(ctx, &rows, `SELECT seq, channel, payload FROM notifications ORDER BY seq LIMIT ?`, sqliteNotifyBatch); err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE seq <= ?`, rows[len(rows)-1].Seq); err != nil {
		return nil, fmt.Errorf("ack notifications: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := make([]Notification, len(rows))
	for i, r := range rows {
		out[i] = Notification{Channel: r.Channel, Payload: r.Payload}
	}
	return out, nil
}

var _ Store = (*SQLite)(nil)
