package sqldb

import "fmt"

// Drivers understood by this backend. Both speak database/sql; the dialect
// pins the few statements whose syntax differs.
const (
	// DriverSQLite is the embedded sqlite3 driver
	DriverSQLite = "sqlite3"
	// DriverMySQL is the client-server mysql driver
	DriverMySQL = "mysql"
)

type dialect struct {
	name          string
	schema        []string
	pragmas       []string
	insertIgnore  string // object insert, duplicate id is a no-op
	upsertCursor  string
	refForUpdate  string // row lock on mysql; sqlite serializes writers
	singleWriter  bool   // cap the pool at one writer connection
}

func dialectFor(driver string) (*dialect, error) {
	switch driver {
	case DriverSQLite:
		return &dialect{
			name: driver,
			schema: []string{
				`CREATE TABLE IF NOT EXISTS objects (
					id BLOB PRIMARY KEY,
					kind INTEGER NOT NULL,
					data BLOB NOT NULL,
					size INTEGER NOT NULL,
					created_at INTEGER NOT NULL,
					algorithm TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS refs (
					name TEXT PRIMARY KEY,
					target BLOB NOT NULL,
					version TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS log (
					seq INTEGER PRIMARY KEY,
					entry BLOB NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS cursor (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					pos INTEGER NOT NULL
				)`,
			},
			pragmas: []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA foreign_keys = ON",
			},
			insertIgnore: `INSERT OR IGNORE INTO objects (id, kind, data, size, created_at, algorithm) VALUES (?, ?, ?, ?, ?, ?)`,
			upsertCursor: `INSERT INTO cursor (id, pos) VALUES (1, ?) ON CONFLICT (id) DO UPDATE SET pos = excluded.pos`,
			refForUpdate: `SELECT target, version FROM refs WHERE name = ?`,
			singleWriter: true,
		}, nil
	case DriverMySQL:
		return &dialect{
			name: driver,
			schema: []string{
				`CREATE TABLE IF NOT EXISTS objects (
					id VARBINARY(32) PRIMARY KEY,
					kind INTEGER NOT NULL,
					data LONGBLOB NOT NULL,
					size BIGINT NOT NULL,
					created_at BIGINT NOT NULL,
					algorithm VARCHAR(32) NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS refs (
					name VARCHAR(512) PRIMARY KEY,
					target VARBINARY(32) NOT NULL,
					version VARCHAR(40) NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS log (
					seq BIGINT PRIMARY KEY,
					entry LONGBLOB NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS cursor (
					id INTEGER PRIMARY KEY,
					pos BIGINT NOT NULL
				)`,
			},
			insertIgnore: `INSERT IGNORE INTO objects (id, kind, data, size, created_at, algorithm) VALUES (?, ?, ?, ?, ?, ?)`,
			upsertCursor: `INSERT INTO cursor (id, pos) VALUES (1, ?) ON DUPLICATE KEY UPDATE pos = VALUES(pos)`,
			refForUpdate: `SELECT target, version FROM refs WHERE name = ? FOR UPDATE`,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
}
