// Package window maps timestamps onto fixed-duration time buckets. A window is
// the synthetic scenario boundary for continuous multi-agent activity: all
// trajectories whose start time falls in the same bucket are peers.
package window

import (
	"fmt"
	"time"
)

// DefaultSize is the bucket width used when no size is configured.
const DefaultSize = time.Hour

// idLayout renders a window id like "2026-08-30T14:00".
const idLayout = "2006-01-02T15:04"

// Resolve truncates ts to the window containing it and returns the window id.
// The mapping is deterministic, total, and monotonic: for t1 < t2, the id of
// t1 never sorts after the id of t2. Sizes that do not divide evenly into a
// day still bucket consistently because truncation is against the Unix epoch.
func Resolve(ts time.Time, size time.Duration) string {
	if size <= 0 {
		size = DefaultSize
	}
	return ts.UTC().Truncate(size).Format(idLayout)
}

// Start parses a window id back to its UTC start time.
func Start(id string) (time.Time, error) {
	t, err := time.Parse(idLayout, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse window id %q: %w", id, err)
	}
	return t.UTC(), nil
}

// Enumerate returns the ordered window ids covering [start, end). The result
// is finite and depends only on the arguments, so an interrupted caller can
// restart from any id in the sequence.
func Enumerate(start, end time.Time, size time.Duration) []string {
	if size <= 0 {
		size = DefaultSize
	}
	var ids []string
	for t := start.UTC().Truncate(size); t.Before(end); t = t.Add(size) {
		ids = append(ids, t.Format(idLayout))
	}
	return ids
}
