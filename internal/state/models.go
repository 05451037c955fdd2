package state

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Source types recorded with each run
const (
	SourceURL   = "url"
	SourceFile  = "file"
	SourceVideo = "video"
)

// ShapeVideo is the shape recorded for video runs
const ShapeVideo = "video"

// DetectionHistory is one persisted detection run
type DetectionHistory struct {
	ID              int64           `json:"id"`
	ImageName       string          `json:"image_name"`
	DatetimeInput   time.Time       `json:"datetime_input"`
	Shape           string          `json:"shape"`
	ClassesFromImg  string          `json:"classes_from_img"`
	Path            string          `json:"path"`       // annotated output, relative to the media root
	InputPath       string          `json:"input_path"` // original input, relative to the media root
	SourceType      string          `json:"source_type"`
	DetailedResults json.RawMessage `json:"detailed_results"`
}

// JoinClasses renders a class set the way it is stored in classes_from_img
func JoinClasses(classes []string) string {
	if len(classes) == 0 {
		return ""
	}
	sorted := append([]string(nil), classes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}

// SplitClasses is the inverse of JoinClasses
func SplitClasses(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ", ")
}
