package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func newTestRecord(name, source, classes string, at time.Time) *DetectionHistory {
	return &DetectionHistory{
		ImageName:       name,
		DatetimeInput:   at,
		Shape:           "640x480",
		ClassesFromImg:  classes,
		Path:            filepath.ToSlash(filepath.Join("output_img", name)),
		InputPath:       filepath.ToSlash(filepath.Join("input_img", name)),
		SourceType:      source,
		DetailedResults: json.RawMessage(`[{"class":"person","confidence":0.9,"bbox":[1,2,3,4]}]`),
	}
}

// seedRecords inserts records and returns them in insertion order
func seedRecords(t *testing.T, store Store, recs ...*DetectionHistory) []*DetectionHistory {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, store.CreateDetection(context.Background(), rec))
	}
	return recs
}
