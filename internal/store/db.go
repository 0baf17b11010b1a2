// Package store holds the two persistence surfaces the rig depends on: an
// append-only CSV results spreadsheet (Records) and a SQLite mirror (DB)
// for calibration, broker lease state, and run history.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/wire"
)

// DB wraps the SQLite connection backing calibration, lease, and run-history
// state.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the database at path in WAL mode with a 5s busy
// timeout, matching the bus-contention profile of a single-writer local
// daemon.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calibration_entries (
		probe_id TEXT PRIMARY KEY,
		low_ph REAL NOT NULL,
		low_ph_mv REAL NOT NULL,
		high_ph REAL NOT NULL,
		high_ph_mv REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS calibration_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		probe_id TEXT NOT NULL,
		low_ph REAL NOT NULL,
		low_ph_mv REAL NOT NULL,
		high_ph REAL NOT NULL,
		high_ph_mv REAL NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leased_pumps (
		pump_id INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		leased_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS leased_probes (
		probe_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		leased_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol_path TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		outcome TEXT
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// UpsertCalibration mirrors one probe's calibration entry into SQLite. The
// YAML file remains the source of truth; this mirror exists so the entry
// survives process restart and is queryable without re-parsing YAML.
// Alongside the single mutable "current" row, it appends an immutable row
// to calibration_history so recalibrating a probe never loses the buffer
// readings a prior calibration was taken from. Atomic replacement governs
// only the current pointer; history is additive.
func (db *DB) UpsertCalibration(probeID string, e calibration.Entry) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(`
		INSERT INTO calibration_entries (probe_id, low_ph, low_ph_mv, high_ph, high_ph_mv, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(probe_id) DO UPDATE SET
			low_ph = excluded.low_ph,
			low_ph_mv = excluded.low_ph_mv,
			high_ph = excluded.high_ph,
			high_ph_mv = excluded.high_ph_mv,
			updated_at = excluded.updated_at
	`, probeID, e.LowPH, e.LowPHmV, e.HighPH, e.HighPHmV, now)
	if err != nil {
		return fmt.Errorf("store: upsert calibration entry: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO calibration_history (probe_id, low_ph, low_ph_mv, high_ph, high_ph_mv, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, probeID, e.LowPH, e.LowPHmV, e.HighPH, e.HighPHmV, now)
	if err != nil {
		return fmt.Errorf("store: append calibration history: %w", err)
	}

	return tx.Commit()
}

// CalibrationHistory returns every calibration ever recorded for probeID,
// oldest first.
func (db *DB) CalibrationHistory(probeID string) ([]calibration.Entry, error) {
	rows, err := db.conn.Query(`
		SELECT low_ph, low_ph_mv, high_ph, high_ph_mv FROM calibration_history
		WHERE probe_id = ? ORDER BY id ASC
	`, probeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calibration.Entry
	for rows.Next() {
		var e calibration.Entry
		if err := rows.Scan(&e.LowPH, &e.LowPHmV, &e.HighPH, &e.HighPHmV); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadCalibrationSnapshot reads the full calibration mirror back into a
// Snapshot.
func (db *DB) LoadCalibrationSnapshot() (calibration.Snapshot, error) {
	rows, err := db.conn.Query(`SELECT probe_id, low_ph, low_ph_mv, high_ph, high_ph_mv FROM calibration_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := make(calibration.Snapshot)
	for rows.Next() {
		var probeID string
		var e calibration.Entry
		if err := rows.Scan(&probeID, &e.LowPH, &e.LowPHmV, &e.HighPH, &e.HighPHmV); err != nil {
			return nil, err
		}
		snap[probeID] = e
	}
	return snap, rows.Err()
}

// LeaseSession persists a session's claim on a set of pumps and probes.
// Conflict detection against existing leases is the broker's
// responsibility; this call assumes the caller already verified no
// overlap.
func (db *DB) LeaseSession(sessionID string, pumps []wire.PumpID, probes []wire.ProbeID) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range pumps {
		if _, err := tx.Exec(`INSERT INTO leased_pumps (pump_id, session_id) VALUES (?, ?)`, int(p), sessionID); err != nil {
			return fmt.Errorf("store: lease pump %d: %w", p, err)
		}
	}
	for _, p := range probes {
		if _, err := tx.Exec(`INSERT INTO leased_probes (probe_id, session_id) VALUES (?, ?)`, string(p), sessionID); err != nil {
			return fmt.Errorf("store: lease probe %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// ReleaseSession drops every lease held by sessionID.
func (db *DB) ReleaseSession(sessionID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM leased_pumps WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM leased_probes WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// LeasedPumps returns every currently leased pump address.
func (db *DB) LeasedPumps() ([]wire.PumpID, error) {
	rows, err := db.conn.Query(`SELECT pump_id FROM leased_pumps`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.PumpID
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, wire.PumpID(id))
	}
	return out, rows.Err()
}

// LeasedProbes returns every currently leased probe id.
func (db *DB) LeasedProbes() ([]wire.ProbeID, error) {
	rows, err := db.conn.Query(`SELECT probe_id FROM leased_probes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.ProbeID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, wire.ProbeID(id))
	}
	return out, rows.Err()
}

// RecordRunStart inserts a new run-history row and returns its id.
func (db *DB) RecordRunStart(protocolPath string, startedAt time.Time) (int64, error) {
	res, err := db.conn.Exec(`INSERT INTO run_history (protocol_path, started_at) VALUES (?, ?)`,
		protocolPath, startedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordRunFinish marks a run-history row complete.
func (db *DB) RecordRunFinish(id int64, finishedAt time.Time, outcome string) error {
	_, err := db.conn.Exec(`UPDATE run_history SET finished_at = ?, outcome = ? WHERE id = ?`,
		finishedAt, outcome, id)
	return err
}
