package store

import (
	"fmt"
	"strings"
)

var sqliteTables = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prefab TEXT NOT NULL,
		growth_limit REAL NOT NULL,
		life_expectancy REAL NOT NULL,
		wifi_sensitivity REAL NOT NULL,
		light_sensitivity REAL NOT NULL,
		sound_sensitivity REAL NOT NULL,
		neighbor_tolerance REAL NOT NULL,
		birth_proba REAL NOT NULL,
		bloom_proba REAL NOT NULL,
		mating_freq REAL NOT NULL,
		mating_duration REAL NOT NULL,
		fruit_duration REAL NOT NULL,
		mating_distance REAL NOT NULL,
		crowd_distance REAL NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cells (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		geom BLOB NOT NULL,
		min_lon REAL NOT NULL,
		min_lat REAL NOT NULL,
		max_lon REAL NOT NULL,
		max_lat REAL NOT NULL,
		wifi REAL NOT NULL DEFAULT 0,
		wifi_total REAL NOT NULL DEFAULT 0,
		wifi_count REAL NOT NULL DEFAULT 0,
		light REAL NOT NULL DEFAULT 0,
		light_total REAL NOT NULL DEFAULT 0,
		light_count REAL NOT NULL DEFAULT 0,
		sound REAL NOT NULL DEFAULT 0,
		sound_total REAL NOT NULL DEFAULT 0,
		sound_count REAL NOT NULL DEFAULT 0,
		sns INTEGER NOT NULL DEFAULT 0,
		visit INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cells_bbox ON cells(min_lon, max_lon, min_lat, max_lat);`,
	`CREATE TABLE IF NOT EXISTS dnas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		setting_id INTEGER NOT NULL,
		size REAL NOT NULL,
		fitness REAL NOT NULL,
		life_expectancy REAL NOT NULL,
		growth_rate REAL NOT NULL,
		aging_rate REAL NOT NULL,
		mutation_rate REAL NOT NULL,
		stress_rate REAL NOT NULL,
		healthy_rate REAL NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lon REAL NOT NULL,
		lat REAL NOT NULL,
		prefab TEXT NOT NULL,
		cell_id INTEGER NOT NULL DEFAULT 0,
		setting_id INTEGER NOT NULL,
		dna_id INTEGER NOT NULL,
		fitness REAL NOT NULL,
		age REAL NOT NULL DEFAULT 0,
		size REAL NOT NULL,
		life_expectancy REAL NOT NULL,
		nickname TEXT NOT NULL DEFAULT '',
		start_mating_at REAL NOT NULL DEFAULT 0,
		last_seed_at REAL NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_entities_pos ON entities(lat, lon);`,
	`CREATE INDEX IF NOT EXISTS idx_entities_setting ON entities(setting_id);`,
	`CREATE TABLE IF NOT EXISTS seeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cell_id INTEGER NOT NULL DEFAULT 0,
		dna_id INTEGER NOT NULL,
		setting_id INTEGER NOT NULL,
		lon REAL NOT NULL,
		lat REAL NOT NULL,
		created_at TEXT NOT NULL,
		age REAL NOT NULL DEFAULT 0,
		prefab TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_seeds_pos ON seeds(lat, lon);`,
	`CREATE INDEX IF NOT EXISTS idx_seeds_setting ON seeds(setting_id);`,
	`CREATE TABLE IF NOT EXISTS entity_neighbors (
		entity_id INTEGER PRIMARY KEY,
		mating_neighbors TEXT NOT NULL DEFAULT '[]',
		crowd_neighbors TEXT NOT NULL DEFAULT '[]'
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS gps_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		lon REAL NOT NULL,
		lat REAL NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_gps_user ON gps_readings(user_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_gps_created ON gps_readings(created_at);`,
	`CREATE TABLE IF NOT EXISTS weather (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		temperature REAL NOT NULL,
		precip TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS notifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		payload TEXT NOT NULL
	);`,
}

func sqliteReadingTables() []string {
	var out []string
	for _, t := range []string{"wifi_readings", "sound_readings", "light_readings"} {
		out = append(out, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			lon REAL NOT NULL,
			lat REAL NOT NULL,
			level REAL NOT NULL,
			created_at TEXT NOT NULL
		);`, t))
	}
	return out
}

// notifyTable describes which changes on a table reach the simulation.
// A nil updateCols fires on any update; an empty one never does.
type notifyTable struct {
	table      string
	idCol      string
	insert     bool
	delete     bool
	updateCols []string
}

// Entities and seeds only notify on columns the simulation does not own, so
// the batch writer's own updates are not echoed back.
var notifyTables = []notifyTable{
	{table: "entities", idCol: "id", insert: true, delete: true, updateCols: []string{"lon", "lat", "prefab", "setting_id", "nickname", "cell_id"}},
	{table: "seeds", idCol: "id", insert: true, delete: true, updateCols: []string{"lon", "lat", "prefab", "setting_id", "cell_id"}},
	{table: "cells", idCol: "id", insert: true, delete: true},
	{table: "entity_neighbors", idCol: "entity_id", insert: true, delete: true},
	{table: "settings", idCol: "id", insert: true},
}

func sqliteTriggers() []string {
	var out []string
	emit := func(table, op, event, ref, idCol string) {
		out = append(out, fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_notify_%[2]s %[3]s ON %[1]s BEGIN
			INSERT INTO notifications(channel, payload)
			VALUES('%[6]s', json_object('table', '%[1]s', 'operation', '%[2]s', 'id', %[4]s.%[5]s));
		END;`, table, op, event, ref, idCol, Channel))
	}
	for _, n := range notifyTables {
		if n.insert {
			emit(n.table, "insert", "AFTER INSERT", "NEW", n.idCol)
		}
		if n.delete {
			emit(n.table, "delete", "AFTER DELETE", "OLD", n.idCol)
		}
		switch {
		case n.updateCols == nil:
			emit(n.table, "update", "AFTER UPDATE", "NEW", n.idCol)
		case len(n.updateCols) > 0:
			var changed []string
			for _, c := range n.updateCols {
				changed = append(changed, fmt.Sprintf("OLD.%[1]s IS NOT NEW.%[1]s", c))
			}
			event := fmt.Sprintf("AFTER UPDATE OF %s ON %s WHEN %s", strings.Join(n.updateCols, ", "), n.table, strings.Join(changed, " OR "))
			out = append(out, fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_notify_update %[2]s BEGIN
				INSERT INTO notifications(channel, payload)
				VALUES('%[4]s', json_object('table', '%[1]s', 'operation', 'update', 'id', NEW.%[3]s));
			END;`, n.table, event, n.idCol, Channel))
		}
	}
	return out
}
