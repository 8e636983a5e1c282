package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"yolocam/internal/pipeline"
)

// Config keys
const (
	KeyWorkerConfig = "worker_config"
	KeyOrientation  = "display_orientation"
	KeyScript       = "script"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// ReloadEventRecord is one worker configuration attempt
type ReloadEventRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Task      int       `json:"task"`
	Model     int       `json:"model"`
	Backend   int       `json:"backend"`
	Rebuilt   bool      `json:"rebuilt"`
	Error     string    `json:"error,omitempty"`
}

// workerSelectors is the persisted form of a worker configuration
type workerSelectors struct {
	Task    int `json:"task"`
	Model   int `json:"model"`
	Backend int `json:"backend"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection would get its own empty in-memory database
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS reload_events (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			task INTEGER NOT NULL,
			model INTEGER NOT NULL,
			backend INTEGER NOT NULL,
			rebuilt INTEGER DEFAULT 0,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reload_events_time ON reload_events(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	_, err := d.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig retrieves a configuration value. A missing key returns "".
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// DeleteConfig deletes a configuration value
func (d *Database) DeleteConfig(key string) error {
	_, err := d.db.Exec("DELETE FROM app_config WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	return nil
}

// SaveWorkerConfig stores the last applied worker configuration
func (d *Database) SaveWorkerConfig(cfg pipeline.WorkerConfiguration) error {
	data, err := json.Marshal(workerSelectors{
		Task:    int(cfg.Task),
		Model:   cfg.Model.ID(),
		Backend: int(cfg.Backend),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal worker config: %w", err)
	}
	return d.SaveConfig(KeyWorkerConfig, string(data))
}

// LoadWorkerConfig returns the stored worker configuration, if any
func (d *Database) LoadWorkerConfig() (pipeline.WorkerConfiguration, bool, error) {
	value, err := d.GetConfig(KeyWorkerConfig)
	if err != nil || value == "" {
		return pipeline.WorkerConfiguration{}, false, err
	}

	var sel workerSelectors
	if err := json.Unmarshal([]byte(value), &sel); err != nil {
		return pipeline.WorkerConfiguration{}, false, fmt.Errorf("failed to unmarshal worker config: %w", err)
	}
	cfg, err := pipeline.NewWorkerConfiguration(sel.Task, sel.Model, sel.Backend)
	if err != nil {
		return pipeline.WorkerConfiguration{}, false, fmt.Errorf("stored worker config: %w", err)
	}
	return cfg, true, nil
}

// SaveOrientation stores the display orientation in degrees
func (d *Database) SaveOrientation(degrees int) error {
	return d.SaveConfig(KeyOrientation, strconv.Itoa(degrees))
}

// LoadOrientation returns the stored display orientation, if any
func (d *Database) LoadOrientation() (int, bool, error) {
	value, err := d.GetConfig(KeyOrientation)
	if err != nil || value == "" {
		return 0, false, err
	}
	degrees, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("stored orientation %q: %w", value, err)
	}
	return degrees, true, nil
}

// SaveScript stores the user script. An empty script removes it.
func (d *Database) SaveScript(src string) error {
	if src == "" {
		return d.DeleteConfig(KeyScript)
	}
	return d.SaveConfig(KeyScript, src)
}

// LoadScript returns the stored user script, or "" when none is saved
func (d *Database) LoadScript() (string, error) {
	return d.GetConfig(KeyScript)
}

// SaveReloadEvent records a configuration attempt
func (d *Database) SaveReloadEvent(event *ReloadEventRecord) error {
	rebuilt := 0
	if event.Rebuilt {
		rebuilt = 1
	}

	query := `INSERT INTO reload_events (id, timestamp, task, model, backend, rebuilt, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, event.ID, event.Timestamp.UTC(), event.Task, event.Model,
		event.Backend, rebuilt, event.Error)
	if err != nil {
		return fmt.Errorf("failed to save reload event: %w", err)
	}
	return nil
}

// ListReloadEvents returns the most recent reload events first
func (d *Database) ListReloadEvents(limit int) ([]*ReloadEventRecord, error) {
	query := `SELECT id, timestamp, task, model, backend, rebuilt, error
		FROM reload_events ORDER BY timestamp DESC`
	args := []interface{}{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reload events: %w", err)
	}
	defer rows.Close()

	var events []*ReloadEventRecord
	for rows.Next() {
		var event ReloadEventRecord
		var rebuilt int
		var errText sql.NullString

		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Task, &event.Model,
			&event.Backend, &rebuilt, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan reload event: %w", err)
		}
		event.Rebuilt = rebuilt == 1
		event.Error = errText.String
		events = append(events, &event)
	}
	return events, rows.Err()
}

// DeleteOldReloadEvents deletes events older than before
func (d *Database) DeleteOldReloadEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM reload_events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old reload events: %w", err)
	}
	return result.RowsAffected()
}
