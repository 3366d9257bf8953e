package store

import (
	"fmt"
	"slices"
	"strings"
)

var pgTables = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis;`,
	`CREATE TABLE IF NOT EXISTS settings (
		id BIGSERIAL PRIMARY KEY,
		prefab TEXT NOT NULL,
		growth_limit DOUBLE PRECISION NOT NULL,
		life_expectancy DOUBLE PRECISION NOT NULL,
		wifi_sensitivity DOUBLE PRECISION NOT NULL,
		light_sensitivity DOUBLE PRECISION NOT NULL,
		sound_sensitivity DOUBLE PRECISION NOT NULL,
		neighbor_tolerance DOUBLE PRECISION NOT NULL,
		birth_proba DOUBLE PRECISION NOT NULL,
		bloom_proba DOUBLE PRECISION NOT NULL,
		mating_freq DOUBLE PRECISION NOT NULL,
		mating_duration DOUBLE PRECISION NOT NULL,
		fruit_duration DOUBLE PRECISION NOT NULL,
		mating_distance DOUBLE PRECISION NOT NULL,
		crowd_distance DOUBLE PRECISION NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cells (
		id BIGSERIAL PRIMARY KEY,
		geom geometry(Polygon, 4326) NOT NULL,
		wifi DOUBLE PRECISION NOT NULL DEFAULT 0,
		wifi_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		wifi_count DOUBLE PRECISION NOT NULL DEFAULT 0,
		light DOUBLE PRECISION NOT NULL DEFAULT 0,
		light_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		light_count DOUBLE PRECISION NOT NULL DEFAULT 0,
		sound DOUBLE PRECISION NOT NULL DEFAULT 0,
		sound_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		sound_count DOUBLE PRECISION NOT NULL DEFAULT 0,
		sns BIGINT NOT NULL DEFAULT 0,
		visit BIGINT NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cells_geom ON cells USING GIST (geom);`,
	`CREATE TABLE IF NOT EXISTS dnas (
		id BIGSERIAL PRIMARY KEY,
		setting_id BIGINT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		fitness DOUBLE PRECISION NOT NULL,
		life_expectancy DOUBLE PRECISION NOT NULL,
		growth_rate DOUBLE PRECISION NOT NULL,
		aging_rate DOUBLE PRECISION NOT NULL,
		mutation_rate DOUBLE PRECISION NOT NULL,
		stress_rate DOUBLE PRECISION NOT NULL,
		healthy_rate DOUBLE PRECISION NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS entities (
		id BIGSERIAL PRIMARY KEY,
		point geometry(Point, 4326) NOT NULL,
		prefab TEXT NOT NULL,
		cell_id BIGINT NOT NULL DEFAULT 0,
		setting_id BIGINT NOT NULL,
		dna_id BIGINT NOT NULL,
		fitness DOUBLE PRECISION NOT NULL,
		age DOUBLE PRECISION NOT NULL DEFAULT 0,
		size DOUBLE PRECISION NOT NULL,
		life_expectancy DOUBLE PRECISION NOT NULL,
		nickname TEXT NOT NULL DEFAULT '',
		start_mating_at DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_seed_at DOUBLE PRECISION NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_entities_point ON entities USING GIST (point);`,
	`CREATE INDEX IF NOT EXISTS idx_entities_setting ON entities(setting_id);`,
	`CREATE TABLE IF NOT EXISTS seeds (
		id BIGSERIAL PRIMARY KEY,
		cell_id BIGINT NOT NULL DEFAULT 0,
		dna_id BIGINT NOT NULL,
		setting_id BIGINT NOT NULL,
		point geometry(Point, 4326) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		age DOUBLE PRECISION NOT NULL DEFAULT 0,
		prefab TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_seeds_point ON seeds USING GIST (point);`,
	`CREATE INDEX IF NOT EXISTS idx_seeds_setting ON seeds(setting_id);`,
	`CREATE TABLE IF NOT EXISTS entity_neighbors (
		entity_id BIGINT PRIMARY KEY,
		mating_neighbors BIGINT[] NOT NULL DEFAULT '{}',
		crowd_neighbors BIGINT[] NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS gps_readings (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		point geometry(Point, 4326) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_gps_user ON gps_readings(user_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_gps_created ON gps_readings(created_at);`,
	`CREATE TABLE IF NOT EXISTS weather (
		id BIGSERIAL PRIMARY KEY,
		temperature DOUBLE PRECISION NOT NULL,
		precip TEXT
	);`,
}

func pgReadingTables() []string {
	var out []string
	for _, t := range []string{"wifi_readings", "sound_readings", "light_readings"} {
		out = append(out, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			point geometry(Point, 4326) NOT NULL,
			level DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, t))
	}
	return out
}

// notify_simulation reads the id column named by its first argument.
const pgNotifyFunction = `CREATE OR REPLACE FUNCTION notify_simulation() RETURNS trigger AS $$
DECLARE
	rec record;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	PERFORM pg_notify('` + Channel + `', json_build_object(
		'table', TG_TABLE_NAME,
		'operation', lower(TG_OP),
		'id', (to_jsonb(rec) ->> TG_ARGV[0])::bigint
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;`

// pgColumns maps the lon/lat pair onto the point column.
func pgColumns(cols []string) []string {
	var out []string
	for _, c := range cols {
		if c == "lon" || c == "lat" {
			c = "point"
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func pgTriggers() []string {
	var out []string
	create := func(table, op, event, when, idCol string) {
		name := table + "_notify_" + op
		out = append(out,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s;`, name, table),
			fmt.Sprintf(`CREATE TRIGGER %s %s ON %s FOR EACH ROW %s EXECUTE FUNCTION notify_simulation('%s');`,
				name, event, table, when, idCol))
	}
	for _, n := range notifyTables {
		if n.insert {
			create(n.table, "insert", "AFTER INSERT", "", n.idCol)
		}
		if n.delete {
			create(n.table, "delete", "AFTER DELETE", "", n.idCol)
		}
		switch {
		case n.updateCols == nil:
			create(n.table, "update", "AFTER UPDATE", "", n.idCol)
		case len(n.updateCols) > 0:
			cols := pgColumns(n.updateCols)
			var changed []string
			for _, c := range cols {
				changed = append(changed, fmt.Sprintf("OLD.%[1]s IS DISTINCT FROM NEW.%[1]s", c))
			}
			create(n.table, "update", "AFTER UPDATE OF "+strings.Join(cols, ", "),
				"WHEN ("+strings.Join(changed, " OR ")+")", n.idCol)
		}
	}
	return out
}
