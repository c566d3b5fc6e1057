//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

func setupTestStore(t *testing.T) *Postgres {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := NewPostgres(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func testCorrespondent() chat.Correspondent {
	return chat.Correspondent("it-" + uuid.New().String()[:8])
}

func TestIntegration_SessionRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := testCorrespondent()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Cleanup(func() {
		s.pool.Exec(ctx, "DELETE FROM sessions WHERE correspondent = $1", string(c))
	})

	if _, err := s.LoadSession(ctx, c); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sess := &chat.Session{
		Correspondent:  c,
		Active:         true,
		StartedAt:      now,
		LastActivityAt: now,
		ActivePipeline: chat.DestinationMedical,
		History: []chat.HistoryEntry{
			{Role: chat.RoleUser, Content: "oi", Timestamp: now},
			{Role: chat.RoleAssistant, Content: "Olá!", Timestamp: now},
		},
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.LoadSession(ctx, c)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if !got.Active || got.ActivePipeline != chat.DestinationMedical {
		t.Errorf("unexpected session %+v", got)
	}
	if len(got.History) != 2 || got.History[1].Content != "Olá!" {
		t.Errorf("unexpected history %+v", got.History)
	}

	sess.Active = false
	sess.ClosedAt = now.Add(time.Minute)
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession (update) failed: %v", err)
	}
	got, _ = s.LoadSession(ctx, c)
	if got.Active || !got.ClosedAt.Equal(sess.ClosedAt) {
		t.Errorf("close not persisted: %+v", got)
	}
}

func TestIntegration_AuditLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := testCorrespondent()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Cleanup(func() {
		s.pool.Exec(ctx, "DELETE FROM routing_decisions WHERE correspondent = $1", string(c))
		s.pool.Exec(ctx, "DELETE FROM escalations WHERE correspondent = $1", string(c))
	})

	d := chat.RoutingDecision{
		ID:              uuid.New(),
		Correspondent:   c,
		Content:         "quero agendar",
		Destination:     chat.DestinationScheduling,
		Workflow:        "appointment_booking",
		Confidence:      0.43,
		Reason:          "pattern_score",
		MatchedPatterns: []string{"scheduling.book"},
		DecidedAt:       now,
	}
	if err := s.RecordDecision(ctx, d); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}

	e := chat.EscalationRecord{
		ID:            uuid.New(),
		Correspondent: c,
		Reason:        chat.ReasonImmediateEscalation,
		Content:       "socorro",
		CreatedAt:     now,
	}
	if err := s.RecordEscalation(ctx, e); err != nil {
		t.Fatalf("RecordEscalation failed: %v", err)
	}

	decisions, err := s.ListDecisions(ctx, c, 10)
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(decisions) != 1 || decisions[0].ID != d.ID || decisions[0].MatchedPatterns[0] != "scheduling.book" {
		t.Errorf("unexpected decisions %+v", decisions)
	}

	escalations, err := s.ListEscalations(ctx, c, 10)
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(escalations) != 1 || escalations[0].Reason != chat.ReasonImmediateEscalation {
		t.Errorf("unexpected escalations %+v", escalations)
	}
}
