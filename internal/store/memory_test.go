package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

func TestMemory_SessionIsCopied(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.LoadSession(ctx, "5511"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s := &chat.Session{Correspondent: "5511", Active: true, History: []chat.HistoryEntry{{Role: chat.RoleUser, Content: "oi"}}}
	if err := m.SaveSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	s.History[0].Content = "mutated"
	s.History = append(s.History, chat.HistoryEntry{Role: chat.RoleAssistant, Content: "x"})

	got, err := m.LoadSession(ctx, "5511")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 1 || got.History[0].Content != "oi" {
		t.Errorf("stored session shares memory with caller: %+v", got.History)
	}
}

func TestMemory_ListNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	for i, c := range []chat.Correspondent{"a", "b", "a", "a"} {
		_ = m.RecordDecision(ctx, chat.RoutingDecision{ID: uuid.New(), Correspondent: c, Confidence: float64(i), DecidedAt: now})
		_ = m.RecordEscalation(ctx, chat.EscalationRecord{ID: uuid.New(), Correspondent: c, Content: string(c), CreatedAt: now})
	}

	got, _ := m.ListDecisions(ctx, "a", 2)
	if len(got) != 2 || got[0].Confidence != 3 || got[1].Confidence != 2 {
		t.Errorf("unexpected decisions %+v", got)
	}

	all, _ := m.ListDecisions(ctx, "", 0)
	if len(all) != 4 {
		t.Errorf("expected 4 decisions across correspondents, got %d", len(all))
	}

	esc, _ := m.ListEscalations(ctx, "b", 10)
	if len(esc) != 1 || esc[0].Correspondent != "b" {
		t.Errorf("unexpected escalations %+v", esc)
	}
}
