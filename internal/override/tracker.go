// Package override tracks when clinic staff last wrote to a correspondent.
// While that write is recent, automated replies to the correspondent are
// withheld.
package override

import (
	"sync"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// DefaultWindow is how long a human message suppresses automated replies.
const DefaultWindow = 10 * time.Minute

// Record is the override state of one correspondent.
type Record struct {
	Correspondent      chat.Correspondent `json:"correspondent"`
	LastHumanMessageAt time.Time          `json:"last_human_message_at"`
}

// Tracker holds one Record per correspondent. Records only move forward in
// time; staleness is computed on read.
type Tracker struct {
	window time.Duration

	mu      sync.RWMutex
	records map[chat.Correspondent]time.Time
}

// New creates a tracker with the given suppression window.
func New(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, records: make(map[chat.Correspondent]time.Time)}
}

// Window returns the suppression window.
func (t *Tracker) Window() time.Duration { return t.window }

// RecordHumanMessage refreshes the record for c. A timestamp earlier than the
// stored one is rejected with an InvariantError and the record is unchanged.
func (t *Tracker) RecordHumanMessage(c chat.Correspondent, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.records[c]; ok && at.Before(prev) {
		return &chat.InvariantError{
			Kind:          "override_regression",
			Correspondent: c,
			Detail:        "human message at " + at.Format(time.RFC3339) + " is older than recorded " + prev.Format(time.RFC3339),
		}
	}
	t.records[c] = at
	return nil
}

// IsSuppressed reports whether now falls inside c's suppression window.
func (t *Tracker) IsSuppressed(c chat.Correspondent, now time.Time) bool {
	t.mu.RLock()
	at, ok := t.records[c]
	t.mu.RUnlock()
	return ok && now.Sub(at) < t.window
}

// Get returns the record for c, if any.
func (t *Tracker) Get(c chat.Correspondent) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.records[c]
	if !ok {
		return Record{}, false
	}
	return Record{Correspondent: c, LastHumanMessageAt: at}, true
}

// Active returns the records still inside their window at now.
func (t *Tracker) Active(now time.Time) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for c, at := range t.records {
		if now.Sub(at) < t.window {
			out = append(out, Record{Correspondent: c, LastHumanMessageAt: at})
		}
	}
	return out
}

// Sweep deletes records whose window has passed and returns how many went.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for c, at := range t.records {
		if now.Sub(at) >= t.window {
			delete(t.records, c)
			n++
		}
	}
	return n
}
