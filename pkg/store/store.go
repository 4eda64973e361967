// Package store persists scan history in SQLite. Reports are kept as
// compressed JSON blobs alongside the queryable verdict columns.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/extrisk/pkg/compress"
	"github.com/exploopio/extrisk/pkg/errors"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// Config configures the scan history store.
type Config struct {
	DatabasePath string

	// Compression for report blobs
	Algorithm compress.Algorithm
	Level     compress.Level

	// MaxAge bounds Prune; zero disables age-based pruning
	MaxAge time.Duration
}

// DefaultConfig returns the store defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "extrisk.db",
		Algorithm:    compress.AlgorithmZSTD,
		Level:        compress.LevelDefault,
		MaxAge:       30 * 24 * time.Hour,
	}
}

// ScanRecord is one persisted scan summary, without the report blob.
type ScanRecord struct {
	ID             string             `json:"id"`
	ExtensionID    string             `json:"extension_id"`
	Name           string             `json:"name,omitempty"`
	Version        string             `json:"version,omitempty"`
	Mode           xrs.AnalysisMode   `json:"mode"`
	RiskScore      float64            `json:"risk_score"`
	RiskLevel      xrs.RiskLevel      `json:"risk_level"`
	Classification xrs.Classification `json:"classification"`
	AutoReject     bool               `json:"auto_reject"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Store is the SQLite-backed scan history. Safe for concurrent use.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	cfg        *Config
	compressor *compress.Compressor
}

// Open opens (or creates) the scan history database.
func Open(cfg *Config) (*Store, error) {
	const op = "store.Open"
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.E(errors.KindStorage, op, "create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "open database", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-16000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.E(errors.KindStorage, op, fmt.Sprintf("set pragma %q", pragma), err)
		}
	}

	s := &Store{
		db:         db,
		cfg:        cfg,
		compressor: compress.New(cfg.Algorithm, cfg.Level),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.E(errors.KindStorage, op, "init schema", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		extension_id TEXT NOT NULL,
		name TEXT,
		version TEXT,
		mode TEXT NOT NULL,
		risk_score REAL NOT NULL,
		risk_level TEXT NOT NULL,
		classification TEXT NOT NULL,
		auto_reject INTEGER NOT NULL DEFAULT 0,
		compression TEXT NOT NULL DEFAULT 'zstd',
		report BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_scans_extension_id ON scans(extension_id);
	CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans(created_at);
	CREATE INDEX IF NOT EXISTS idx_scans_risk_level ON scans(risk_level);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists a finished report and returns the scan id.
func (s *Store) Save(ctx context.Context, report *xrs.RiskReport) (string, error) {
	const op = "store.Save"
	if report == nil || report.ExtensionID == "" {
		return "", errors.E(errors.KindInvalidInput, op, "report with extension id is required")
	}

	blob, err := s.compressor.EncodeReport(report)
	if err != nil {
		return "", errors.E(errors.KindStorage, op, "encode report", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	createdAt := time.Now().UTC()
	if report.GeneratedAt != nil {
		createdAt = report.GeneratedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scans (
			id, extension_id, name, version, mode, risk_score, risk_level,
			classification, auto_reject, compression, report, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, report.ExtensionID, report.Name, report.Version, string(report.Mode),
		report.RiskScore, string(report.RiskLevel),
		string(report.Verdict.Classification), report.Verdict.AutoReject,
		string(s.compressor.Algorithm()), blob, createdAt,
	)
	if err != nil {
		return "", errors.E(errors.KindStorage, op, "insert scan", err)
	}
	return id, nil
}

// Load returns the full report for a scan id.
func (s *Store) Load(ctx context.Context, id string) (*xrs.RiskReport, error) {
	const op = "store.Load"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT report FROM scans WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.KindNotFound, op, fmt.Sprintf("scan %s not found", id))
	}
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "query scan", err)
	}

	report, err := s.compressor.DecodeReport(blob)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "decode report", err)
	}
	return report, nil
}

// List returns scan summaries for one extension, newest first.
func (s *Store) List(ctx context.Context, extensionID string, limit int) ([]ScanRecord, error) {
	const op = "store.List"
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, extension_id, name, version, mode, risk_score, risk_level,
			classification, auto_reject, created_at
		FROM scans
		WHERE extension_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, extensionID, limit)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "query scans", err)
	}
	defer rows.Close()

	var records []ScanRecord
	for rows.Next() {
		var r ScanRecord
		var mode, level, class string
		if err := rows.Scan(
			&r.ID, &r.ExtensionID, &r.Name, &r.Version, &mode,
			&r.RiskScore, &level, &class, &r.AutoReject, &r.CreatedAt,
		); err != nil {
			return nil, errors.E(errors.KindStorage, op, "scan row", err)
		}
		r.Mode = xrs.AnalysisMode(mode)
		r.RiskLevel = xrs.RiskLevel(level)
		r.Classification = xrs.Classification(class)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Latest returns the newest scan summary for an extension.
func (s *Store) Latest(ctx context.Context, extensionID string) (*ScanRecord, error) {
	const op = "store.Latest"

	records, err := s.List(ctx, extensionID, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.E(errors.KindNotFound, op, fmt.Sprintf("no scans for extension %s", extensionID))
	}
	return &records[0], nil
}

// Prune removes scans older than the configured MaxAge. Returns the
// number of scans deleted.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	const op = "store.Prune"
	if s.cfg.MaxAge <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge)
	result, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.E(errors.KindStorage, op, "delete old scans", err)
	}
	return result.RowsAffected()
}

// Stats summarizes stored scans by risk level.
type Stats struct {
	TotalScans int            `json:"total_scans"`
	ByLevel    map[string]int `json:"by_level"`
	BlobBytes  int64          `json:"blob_bytes"`
}

// GetStats returns storage statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	const op = "store.GetStats"

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByLevel: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT risk_level, COUNT(*) FROM scans GROUP BY risk_level`)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "count scans", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			continue
		}
		stats.ByLevel[level] = count
		stats.TotalScans += count
	}

	var blobBytes sql.NullInt64
	_ = s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(report)) FROM scans`).Scan(&blobBytes)
	if blobBytes.Valid {
		stats.BlobBytes = blobBytes.Int64
	}
	return stats, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.PingContext(ctx); err != nil {
		return errors.E(errors.KindStorage, "store.Ping", "database unreachable", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
