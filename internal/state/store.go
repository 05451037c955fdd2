package state

import (
	"context"
	"fmt"
	"time"

	"github.com/vzahanych/view-guard-meta/detection/internal/config"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

// Store persists detection history
type Store interface {
	// CreateDetection inserts rec and sets its ID and DatetimeInput
	CreateDetection(ctx context.Context, rec *DetectionHistory) error
	// GetDetection returns nil, nil when no record has the id
	GetDetection(ctx context.Context, id int64) (*DetectionHistory, error)
	// ListDetections returns one page of matches and the total match count
	ListDetections(ctx context.Context, opts ListOptions) ([]*DetectionHistory, int, error)
	// DeleteDetectionsBefore removes and returns records older than before
	DeleteDetectionsBefore(ctx context.Context, before time.Time) ([]*DetectionHistory, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open opens the history store selected by cfg.Driver
func Open(ctx context.Context, cfg config.HistoryConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		store, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("History store opened", "driver", "sqlite", "path", cfg.SQLitePath)
		return store, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("History store opened", "driver", "postgres")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported history driver: %s", cfg.Driver)
	}
}
