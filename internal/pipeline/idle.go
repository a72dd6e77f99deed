package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/specialistvlad/dirflow/internal/runner"
)

// idleTracker decides when a pipeline has seen no activity for window. Any
// runner with pending or running files, any runner activity and any change
// in the root input directory count as activity.
type idleTracker struct {
	window      time.Duration
	last        time.Time
	fingerprint string
}

func newIdleTracker(window time.Duration, now time.Time) *idleTracker {
	return &idleTracker{window: window, last: now}
}

// observe records one poll and reports whether the window has elapsed. A
// zero window never elapses.
func (t *idleTracker) observe(now time.Time, statuses []runner.Status, fingerprint string) bool {
	if fingerprint != t.fingerprint {
		t.fingerprint = fingerprint
		t.last = now
	}
	for _, s := range statuses {
		if !s.Idle() {
			t.last = now
		} else if s.LastActivity.After(t.last) {
			t.last = s.LastActivity
		}
	}
	return t.window > 0 && now.Sub(t.last) >= t.window
}

// inputFingerprint summarises a directory's entries so that arrivals,
// removals and rewrites show up as a change.
func inputFingerprint(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var newest time.Time
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return fmt.Sprintf("%d/%d", len(entries), newest.UnixNano())
}
