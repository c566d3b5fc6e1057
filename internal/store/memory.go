package store

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// Memory is a process-local Store used when no database is configured and in
// tests.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[chat.Correspondent]*chat.Session
	decisions   []chat.RoutingDecision
	escalations []chat.EscalationRecord
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[chat.Correspondent]*chat.Session)}
}

func (m *Memory) SaveSession(_ context.Context, s *chat.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Correspondent] = s.Clone()
	return nil
}

func (m *Memory) LoadSession(_ context.Context, c chat.Correspondent) (*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[c]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) RecordDecision(_ context.Context, d chat.RoutingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.MatchedPatterns = append([]string(nil), d.MatchedPatterns...)
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *Memory) RecordEscalation(_ context.Context, e chat.EscalationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, e)
	return nil
}

// ListDecisions returns the newest decisions for c first. An empty c lists
// every correspondent.
func (m *Memory) ListDecisions(_ context.Context, c chat.Correspondent, limit int) ([]chat.RoutingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []chat.RoutingDecision
	for i := len(m.decisions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if c == "" || m.decisions[i].Correspondent == c {
			out = append(out, m.decisions[i])
		}
	}
	return out, nil
}

// ListEscalations returns the newest escalations for c first. An empty c
// lists every correspondent.
func (m *Memory) ListEscalations(_ context.Context, c chat.Correspondent, limit int) ([]chat.EscalationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []chat.EscalationRecord
	for i := len(m.escalations) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if c == "" || m.escalations[i].Correspondent == c {
			out = append(out, m.escalations[i])
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
