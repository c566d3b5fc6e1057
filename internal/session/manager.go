// Package session owns the per-correspondent conversation record. Callers
// only ever receive copies; every mutation goes through the Manager and is
// written through to the store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/store"
)

// Persister is the slice of the store the manager writes through to.
type Persister interface {
	SaveSession(ctx context.Context, s *chat.Session) error
	LoadSession(ctx context.Context, c chat.Correspondent) (*chat.Session, error)
}

// Manager keeps live sessions in memory, loading them lazily from the store.
// Each correspondent has its own lock, held across the store write so that
// writes for one correspondent land in order.
type Manager struct {
	persist      Persister
	historyLimit int
	idleTimeout  time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[chat.Correspondent]*entry
}

type entry struct {
	mu       sync.Mutex
	loaded   bool
	evicted  bool
	session  *chat.Session
	closedAt time.Time
}

func New(p Persister, historyLimit int, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		persist:      p,
		historyLimit: historyLimit,
		idleTimeout:  idleTimeout,
		logger:       logger,
		entries:      make(map[chat.Correspondent]*entry),
	}
}

// with runs fn under c's lock with the session loaded. fn reports whether it
// changed the session; changed sessions are persisted before the lock drops.
func (m *Manager) with(ctx context.Context, c chat.Correspondent, fn func(e *entry) bool) {
	for {
		m.mu.Lock()
		e, ok := m.entries[c]
		if !ok {
			e = &entry{}
			m.entries[c] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		if !e.loaded {
			m.load(ctx, c, e)
		}
		if fn(e) && e.session != nil {
			m.save(ctx, e.session)
		}
		e.mu.Unlock()
		return
	}
}

func (m *Manager) load(ctx context.Context, c chat.Correspondent, e *entry) {
	s, err := m.persist.LoadSession(ctx, c)
	switch {
	case err == nil:
		if e.session == nil {
			e.session = s
		}
		e.loaded = true
	case errors.Is(err, store.ErrNotFound):
		e.loaded = true
	default:
		// Leave unloaded so the next access retries; work from memory meanwhile.
		m.logger.Warn("failed to load session", "correspondent", c, "error", err)
	}
}

func (m *Manager) save(ctx context.Context, s *chat.Session) {
	if err := m.persist.SaveSession(ctx, s); err != nil {
		m.logger.Error("failed to persist session", "correspondent", s.Correspondent, "error", err)
	}
}

// live reports whether s is active and has not idled out at now.
func (m *Manager) live(s *chat.Session, now time.Time) bool {
	return s != nil && s.Active && now.Sub(s.LastActivityAt) < m.idleTimeout
}

// Get returns a copy of c's session as seen at now, or nil if c has never
// written. A session idle past the timeout is reported inactive.
func (m *Manager) Get(ctx context.Context, c chat.Correspondent, now time.Time) *chat.Session {
	var out *chat.Session
	m.with(ctx, c, func(e *entry) bool {
		out = e.session.Clone()
		if out != nil && !m.live(e.session, now) {
			out.Active = false
			out.ActivePipeline = ""
		}
		return false
	})
	return out
}

// Begin makes sure c has a live session at "at", starting a fresh one when
// there is none or the previous one closed or idled out. It reports whether a
// new session was started.
func (m *Manager) Begin(ctx context.Context, c chat.Correspondent, at time.Time) bool {
	var started bool
	m.with(ctx, c, func(e *entry) bool {
		if m.live(e.session, at) {
			return false
		}
		e.session = &chat.Session{
			Correspondent:  c,
			Active:         true,
			StartedAt:      at,
			LastActivityAt: at,
		}
		started = true
		return true
	})
	if started {
		m.logger.Info("session started", "correspondent", c)
	}
	return started
}

// Append adds turns to c's history, trims it to the history limit and
// refreshes the last-activity time. It starts a session if needed.
func (m *Manager) Append(ctx context.Context, c chat.Correspondent, at time.Time, turns ...chat.HistoryEntry) {
	m.Begin(ctx, c, at)
	m.with(ctx, c, func(e *entry) bool {
		if e.session == nil {
			return false
		}
		e.session.History = append(e.session.History, turns...)
		if over := len(e.session.History) - m.historyLimit; m.historyLimit > 0 && over > 0 {
			e.session.History = append([]chat.HistoryEntry(nil), e.session.History[over:]...)
		}
		if at.After(e.session.LastActivityAt) {
			e.session.LastActivityAt = at
		}
		return true
	})
}

// SetActivePipeline associates a pipeline with c's live session. An empty
// destination clears it.
func (m *Manager) SetActivePipeline(ctx context.Context, c chat.Correspondent, d chat.Destination) {
	m.with(ctx, c, func(e *entry) bool {
		if e.session == nil || !e.session.Active || e.session.ActivePipeline == d {
			return false
		}
		e.session.ActivePipeline = d
		return true
	})
}

// Close ends c's session. It reports false when there was no active session.
func (m *Manager) Close(ctx context.Context, c chat.Correspondent, at time.Time) bool {
	var closed bool
	m.with(ctx, c, func(e *entry) bool {
		if e.session == nil || !e.session.Active {
			return false
		}
		e.session.Active = false
		e.session.ActivePipeline = ""
		e.session.ClosedAt = at
		e.closedAt = at
		closed = true
		return true
	})
	if closed {
		m.logger.Info("session closed", "correspondent", c)
	}
	return closed
}

// ClosedSince reports whether c's session was explicitly closed at or after t,
// even if a new session has started since.
func (m *Manager) ClosedSince(c chat.Correspondent, t time.Time) bool {
	m.mu.Lock()
	e, ok := m.entries[c]
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closedAt.IsZero() && !e.closedAt.Before(t)
}

// Expire marks sessions idle past the timeout inactive, persists them and
// drops them from memory. It returns how many were dropped.
func (m *Manager) Expire(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	candidates := make(map[chat.Correspondent]*entry, len(m.entries))
	for c, e := range m.entries {
		candidates[c] = e
	}
	m.mu.Unlock()

	n := 0
	for c, e := range candidates {
		e.mu.Lock()
		s := e.session
		if s != nil && now.Sub(s.LastActivityAt) < m.idleTimeout {
			e.mu.Unlock()
			continue
		}
		if s != nil && s.Active {
			s.Active = false
			s.ActivePipeline = ""
			m.save(ctx, s)
		}
		e.evicted = true
		e.mu.Unlock()

		m.mu.Lock()
		if m.entries[c] == e {
			delete(m.entries, c)
		}
		m.mu.Unlock()
		n++
	}
	if n > 0 {
		m.logger.Info("idle sessions expired", "count", n)
	}
	return n
}

// Len returns the number of sessions held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ActiveCount returns the number of in-memory sessions live at now.
func (m *Manager) ActiveCount(now time.Time) int {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if m.live(e.session, now) {
			n++
		}
		e.mu.Unlock()
	}
	return n
}
