package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps detection history in a local SQLite database
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := ensureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detection_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image_name TEXT NOT NULL,
		datetime_input DATETIME NOT NULL,
		shape TEXT NOT NULL,
		classes_from_img TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		input_path TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		detailed_results TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_history_datetime ON detection_history(datetime_input);
	CREATE INDEX IF NOT EXISTS idx_history_source ON detection_history(source_type, datetime_input);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateDetection inserts rec
func (s *SQLiteStore) CreateDetection(ctx context.Context, rec *DetectionHistory) error {
	prepareRecord(rec)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO detection_history
			(image_name, datetime_input, shape, classes_from_img, path, input_path, source_type, detailed_results)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ImageName, rec.DatetimeInput, rec.Shape, rec.ClassesFromImg,
		rec.Path, rec.InputPath, rec.SourceType, string(rec.DetailedResults),
	)
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read detection id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetDetection loads one record
func (s *SQLiteStore) GetDetection(ctx context.Context, id int64) (*DetectionHistory, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+historyColumns+" FROM detection_history WHERE id = ?", id)

	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return rec, nil
}

// ListDetections runs a filtered, sorted, paginated query
func (s *SQLiteStore) ListDetections(ctx context.Context, opts ListOptions) ([]*DetectionHistory, int, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, 0, err
	}

	countQuery, pageQuery, args := sqliteDialect.listQueries(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count detections: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, pageQuery, append(args, opts.PageSize, opts.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	records, err := collectRows(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list detections: %w", err)
	}
	return records, total, nil
}

// DeleteDetectionsBefore removes records whose datetime_input is before the cutoff
func (s *SQLiteStore) DeleteDetectionsBefore(ctx context.Context, before time.Time) ([]*DetectionHistory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC()
	rows, err := tx.QueryContext(ctx,
		"SELECT "+historyColumns+" FROM detection_history WHERE datetime_input < ? ORDER BY id", cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired detections: %w", err)
	}
	records, err := collectRows(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to select expired detections: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM detection_history WHERE datetime_input < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("failed to delete detections: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func collectRows(rows *sql.Rows) ([]*DetectionHistory, error) {
	records := make([]*DetectionHistory, 0)
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
