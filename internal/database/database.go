package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"livecam/internal/detection"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Database handles SQLite database operations
type Database struct {
	db          *sql.DB
	capturesDir string
	logger      *zap.Logger
}

// CaptureRecord is a persisted snapshot of the live stream.
type CaptureRecord struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	CameraIndex int             `json:"camera_index"`
	Model       string          `json:"model"`
	Confidence  float64         `json:"confidence"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Detections  detection.Batch `json:"detections"`
	Path        string          `json:"path"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New opens the database at dbPath and stores capture images under
// capturesDir.
func New(dbPath, capturesDir string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(capturesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create captures dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, capturesDir: capturesDir, logger: logger}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			camera_index INTEGER NOT NULL,
			model TEXT NOT NULL,
			confidence REAL,
			width INTEGER,
			height INTEGER,
			detections TEXT,
			object_count INTEGER DEFAULT 0,
			path TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_time ON captures(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session_id)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Info("database migrations completed")
	return nil
}

// SaveCapture writes image to the captures directory and records it. The
// record's Path is set to the written file. On failure nothing is left
// behind.
func (d *Database) SaveCapture(ctx context.Context, rec *CaptureRecord, image []byte) error {
	if rec.ID == "" {
		return errors.New("capture id is required")
	}
	if rec.Detections == nil {
		rec.Detections = detection.Batch{}
	}
	detJSON, err := json.Marshal(rec.Detections)
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}

	path := filepath.Join(d.capturesDir, rec.ID+".jpg")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return fmt.Errorf("failed to write capture image: %w", err)
	}

	query := `INSERT INTO captures (id, session_id, camera_index, model, confidence, width, height,
			detections, object_count, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			detections = excluded.detections,
			object_count = excluded.object_count,
			path = excluded.path`

	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.SessionID, rec.CameraIndex, rec.Model, rec.Confidence,
		rec.Width, rec.Height, string(detJSON), len(rec.Detections), path, rec.CreatedAt.UTC())
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to save capture: %w", err)
	}
	rec.Path = path
	return nil
}

const captureColumns = `id, session_id, camera_index, model, confidence, width, height, detections, path, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCapture(row scanner) (*CaptureRecord, error) {
	var rec CaptureRecord
	var detJSON sql.NullString
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.CameraIndex, &rec.Model, &rec.Confidence,
		&rec.Width, &rec.Height, &detJSON, &rec.Path, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Detections = detection.Batch{}
	if detJSON.Valid && detJSON.String != "" {
		if err := json.Unmarshal([]byte(detJSON.String), &rec.Detections); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detections: %w", err)
		}
	}
	return &rec, nil
}

// GetCapture retrieves a capture by ID
func (d *Database) GetCapture(ctx context.Context, id string) (*CaptureRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = ?`, id)
	rec, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("capture %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return rec, nil
}

// ListCaptures returns captures newest first. A limit of zero or less
// returns every capture.
func (d *Database) ListCaptures(ctx context.Context, limit int) ([]*CaptureRecord, error) {
	query := `SELECT ` + captureColumns + ` FROM captures ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	captures := []*CaptureRecord{}
	for rows.Next() {
		rec, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		captures = append(captures, rec)
	}
	return captures, rows.Err()
}

// ReadCaptureImage returns the stored JPEG for a capture.
func (d *Database) ReadCaptureImage(ctx context.Context, id string) ([]byte, error) {
	rec, err := d.GetCapture(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture image: %w", err)
	}
	return data, nil
}

// DeleteCapture removes a capture row and its image file.
func (d *Database) DeleteCapture(ctx context.Context, id string) error {
	rec, err := d.GetCapture(ctx, id)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM captures WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete capture: %w", err)
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove capture image", zap.String("path", rec.Path), zap.Error(err))
	}
	return nil
}
