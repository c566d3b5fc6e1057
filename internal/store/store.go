package store

import (
	"context"
	"embed"
	"errors"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// Migrations holds the SQL schema, applied by `clinicrelay migrate`.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// ErrNotFound is returned when no session exists for a correspondent.
var ErrNotFound = errors.New("store: not found")

// Store is the durable record of sessions plus the append-only audit log of
// routing decisions and escalations.
type Store interface {
	SaveSession(ctx context.Context, s *chat.Session) error
	LoadSession(ctx context.Context, c chat.Correspondent) (*chat.Session, error)
	RecordDecision(ctx context.Context, d chat.RoutingDecision) error
	RecordEscalation(ctx context.Context, e chat.EscalationRecord) error
	ListDecisions(ctx context.Context, c chat.Correspondent, limit int) ([]chat.RoutingDecision, error)
	ListEscalations(ctx context.Context, c chat.Correspondent, limit int) ([]chat.EscalationRecord, error)
	Ping(ctx context.Context) error
	Close()
}
