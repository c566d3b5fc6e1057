package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func user(content string, at time.Time) chat.HistoryEntry {
	return chat.HistoryEntry{Role: chat.RoleUser, Content: content, Timestamp: at}
}

func TestBeginAndAppend(t *testing.T) {
	mem := store.NewMemory()
	m := New(mem, 50, 30*time.Minute, discardLogger())
	ctx := context.Background()

	if m.Get(ctx, "5511", t0) != nil {
		t.Fatal("expected no session before first message")
	}
	if !m.Begin(ctx, "5511", t0) {
		t.Fatal("expected a new session")
	}
	if m.Begin(ctx, "5511", t0.Add(time.Minute)) {
		t.Error("live session restarted")
	}

	m.Append(ctx, "5511", t0.Add(2*time.Minute), user("oi", t0), chat.HistoryEntry{Role: chat.RoleAssistant, Content: "Olá!"})

	s := m.Get(ctx, "5511", t0.Add(3*time.Minute))
	if s == nil || !s.Active {
		t.Fatalf("expected active session, got %+v", s)
	}
	if len(s.History) != 2 {
		t.Errorf("expected 2 turns, got %d", len(s.History))
	}
	if !s.LastActivityAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("last activity not refreshed: %v", s.LastActivityAt)
	}

	persisted, err := mem.LoadSession(ctx, "5511")
	if err != nil {
		t.Fatalf("session not written through: %v", err)
	}
	if len(persisted.History) != 2 {
		t.Errorf("persisted history has %d turns", len(persisted.History))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := New(store.NewMemory(), 50, time.Hour, discardLogger())
	ctx := context.Background()
	m.Append(ctx, "5511", t0, user("oi", t0))

	s := m.Get(ctx, "5511", t0)
	s.History[0].Content = "changed"
	s.Active = false

	again := m.Get(ctx, "5511", t0)
	if again.History[0].Content != "oi" || !again.Active {
		t.Error("caller mutation leaked into the manager")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	m := New(store.NewMemory(), 3, time.Hour, discardLogger())
	ctx := context.Background()
	for i, c := range []string{"a", "b", "c", "d", "e"} {
		m.Append(ctx, "5511", t0.Add(time.Duration(i)*time.Second), user(c, t0))
	}

	s := m.Get(ctx, "5511", t0.Add(time.Minute))
	if len(s.History) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(s.History))
	}
	if s.History[0].Content != "c" || s.History[2].Content != "e" {
		t.Errorf("expected oldest turns trimmed, got %+v", s.History)
	}
}

func TestIdleSessionReadsInactive(t *testing.T) {
	m := New(store.NewMemory(), 50, 30*time.Minute, discardLogger())
	ctx := context.Background()
	m.Begin(ctx, "5511", t0)
	m.SetActivePipeline(ctx, "5511", chat.DestinationMedical)

	if s := m.Get(ctx, "5511", t0.Add(29*time.Minute)); !s.Active || s.ActivePipeline != chat.DestinationMedical {
		t.Errorf("expected live session with pipeline, got %+v", s)
	}
	if s := m.Get(ctx, "5511", t0.Add(30*time.Minute)); s.Active || s.ActivePipeline != "" {
		t.Errorf("expected idle session to read inactive, got %+v", s)
	}
	if !m.Begin(ctx, "5511", t0.Add(31*time.Minute)) {
		t.Error("expected a fresh session after idle timeout")
	}
}

func TestClose(t *testing.T) {
	m := New(store.NewMemory(), 50, time.Hour, discardLogger())
	ctx := context.Background()

	if m.Close(ctx, "5511", t0) {
		t.Error("closed a session that never existed")
	}

	runStart := t0.Add(time.Minute)
	m.Begin(ctx, "5511", t0)
	if m.ClosedSince("5511", runStart) {
		t.Error("open session reported closed")
	}
	if !m.Close(ctx, "5511", t0.Add(2*time.Minute)) {
		t.Fatal("expected close to succeed")
	}
	if !m.ClosedSince("5511", runStart) {
		t.Error("close during run not reported")
	}
	if m.ClosedSince("5511", t0.Add(3*time.Minute)) {
		t.Error("close before run start reported")
	}

	s := m.Get(ctx, "5511", t0.Add(2*time.Minute))
	if s.Active || s.ClosedAt.IsZero() {
		t.Errorf("expected closed session, got %+v", s)
	}

	// A new message starts a new session but the close stays visible.
	m.Begin(ctx, "5511", t0.Add(4*time.Minute))
	if !m.ClosedSince("5511", runStart) {
		t.Error("reopening hid the close from an in-flight run")
	}
}

func TestExpire(t *testing.T) {
	mem := store.NewMemory()
	m := New(mem, 50, 30*time.Minute, discardLogger())
	ctx := context.Background()
	m.Begin(ctx, "old", t0)
	m.Begin(ctx, "new", t0.Add(20*time.Minute))

	if n := m.Expire(ctx, t0.Add(35*time.Minute)); n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 session in memory, got %d", m.Len())
	}

	persisted, err := mem.LoadSession(ctx, "old")
	if err != nil || persisted.Active {
		t.Errorf("expired session not persisted inactive: %+v, %v", persisted, err)
	}

	// Reloaded lazily from the store.
	if s := m.Get(ctx, "old", t0.Add(36*time.Minute)); s == nil || s.Active {
		t.Errorf("expected inactive session reloaded from store, got %+v", s)
	}
}

func TestLoadsFromStore(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	_ = mem.SaveSession(ctx, &chat.Session{
		Correspondent:  "5511",
		Active:         true,
		StartedAt:      t0,
		LastActivityAt: t0,
		History:        []chat.HistoryEntry{user("antes do restart", t0)},
	})

	m := New(mem, 50, time.Hour, discardLogger())
	s := m.Get(ctx, "5511", t0.Add(time.Minute))
	if s == nil || !s.Active || len(s.History) != 1 {
		t.Fatalf("expected session from store, got %+v", s)
	}
}

type failingStore struct {
	mu    sync.Mutex
	saves int
}

func (f *failingStore) SaveSession(context.Context, *chat.Session) error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return errors.New("db down")
}

func (f *failingStore) LoadSession(context.Context, chat.Correspondent) (*chat.Session, error) {
	return nil, errors.New("db down")
}

func TestStoreFailuresAreNotFatal(t *testing.T) {
	fs := &failingStore{}
	m := New(fs, 50, time.Hour, discardLogger())
	ctx := context.Background()

	m.Append(ctx, "5511", t0, user("oi", t0))
	s := m.Get(ctx, "5511", t0)
	if s == nil || len(s.History) != 1 {
		t.Fatalf("expected in-memory session despite store failure, got %+v", s)
	}
	if fs.saves == 0 {
		t.Error("expected save attempts")
	}
}

func TestConcurrentAppends(t *testing.T) {
	m := New(store.NewMemory(), 1000, time.Hour, discardLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Append(ctx, "5511", t0, user("x", t0))
		}()
	}
	wg.Wait()

	if s := m.Get(ctx, "5511", t0); len(s.History) != 50 {
		t.Errorf("expected 50 turns, got %d", len(s.History))
	}
}
