package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps detection history in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema if needed
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS detection_history (
			id BIGSERIAL PRIMARY KEY,
			image_name TEXT NOT NULL,
			datetime_input TIMESTAMPTZ NOT NULL,
			shape TEXT NOT NULL,
			classes_from_img TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			input_path TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT '',
			detailed_results TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_datetime ON detection_history(datetime_input)`,
		`CREATE INDEX IF NOT EXISTS idx_history_source ON detection_history(source_type, datetime_input)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// CreateDetection inserts rec
func (s *PostgresStore) CreateDetection(ctx context.Context, rec *DetectionHistory) error {
	prepareRecord(rec)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO detection_history
			(image_name, datetime_input, shape, classes_from_img, path, input_path, source_type, detailed_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rec.ImageName, rec.DatetimeInput, rec.Shape, rec.ClassesFromImg,
		rec.Path, rec.InputPath, rec.SourceType, string(rec.DetailedResults),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

// GetDetection loads one record
func (s *PostgresStore) GetDetection(ctx context.Context, id int64) (*DetectionHistory, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+historyColumns+" FROM detection_history WHERE id = $1", id)

	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return rec, nil
}

// ListDetections runs a filtered, sorted, paginated query
func (s *PostgresStore) ListDetections(ctx context.Context, opts ListOptions) ([]*DetectionHistory, int, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, 0, err
	}

	countQuery, pageQuery, args := postgresDialect.listQueries(opts)

	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count detections: %w", err)
	}

	rows, err := s.pool.Query(ctx, pageQuery, append(args, opts.PageSize, opts.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list detections: %w", err)
	}

	records, err := collectPgxRows(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list detections: %w", err)
	}
	return records, total, nil
}

// DeleteDetectionsBefore removes records whose datetime_input is before the cutoff
func (s *PostgresStore) DeleteDetectionsBefore(ctx context.Context, before time.Time) ([]*DetectionHistory, error) {
	rows, err := s.pool.Query(ctx,
		"DELETE FROM detection_history WHERE datetime_input < $1 RETURNING "+historyColumns,
		before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to delete detections: %w", err)
	}

	records, err := collectPgxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to delete detections: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func collectPgxRows(rows pgx.Rows) ([]*DetectionHistory, error) {
	defer rows.Close()

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
