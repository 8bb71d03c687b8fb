package stores

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// timeFormat is how timestamps are stored. It sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// PlanEntry is one package of a recorded plan.
type PlanEntry struct {
	BuildID    string `json:"build_id"`
	Position   int    `json:"position"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
	Digest     string `json:"digest"`
	Size       int64  `json:"size"`
	Requested  bool   `json:"requested"`
}

// CacheEntry is an artifact the content-addressed cache holds.
type CacheEntry struct {
	Digest    string    `json:"digest"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Size      int64     `json:"size"`
	Path      string    `json:"path"`
	FirstSeen time.Time `json:"first_seen"`
	LastUsed  time.Time `json:"last_used"`

	// Hits counts the builds that found the artifact already cached.
	Hits int `json:"hits"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
