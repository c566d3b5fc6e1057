package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// SaveSession upserts the whole session row, history included.
func (p *Postgres) SaveSession(ctx context.Context, s *chat.Session) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	var closedAt *time.Time
	if !s.ClosedAt.IsZero() {
		closedAt = &s.ClosedAt
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (correspondent, active, started_at, last_activity_at, closed_at, active_pipeline, history, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (correspondent)
		DO UPDATE SET
			active = $2,
			started_at = $3,
			last_activity_at = $4,
			closed_at = $5,
			active_pipeline = $6,
			history = $7,
			updated_at = now()`,
		string(s.Correspondent), s.Active, s.StartedAt, s.LastActivityAt, closedAt, string(s.ActivePipeline), history,
	)
	if err != nil {
		return chat.Transient(fmt.Errorf("upsert session: %w", err))
	}
	return nil
}

func (p *Postgres) LoadSession(ctx context.Context, c chat.Correspondent) (*chat.Session, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT active, started_at, last_activity_at, closed_at, active_pipeline, history
		FROM sessions
		WHERE correspondent = $1`,
		string(c),
	)

	s := chat.Session{Correspondent: c}
	var (
		closedAt *time.Time
		pipeline string
		history  []byte
	)
	if err := row.Scan(&s.Active, &s.StartedAt, &s.LastActivityAt, &closedAt, &pipeline, &history); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, chat.Transient(fmt.Errorf("load session: %w", err))
	}
	if closedAt != nil {
		s.ClosedAt = *closedAt
	}
	s.ActivePipeline = chat.Destination(pipeline)
	if err := json.Unmarshal(history, &s.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &s, nil
}

func (p *Postgres) RecordDecision(ctx context.Context, d chat.RoutingDecision) error {
	matched := d.MatchedPatterns
	if matched == nil {
		matched = []string{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO routing_decisions (id, correspondent, content, destination, workflow, confidence, reason, matched_patterns, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, string(d.Correspondent), d.Content, string(d.Destination), d.Workflow, d.Confidence, d.Reason, matched, d.DecidedAt,
	)
	if err != nil {
		return chat.Transient(fmt.Errorf("insert routing decision: %w", err))
	}
	return nil
}

func (p *Postgres) RecordEscalation(ctx context.Context, e chat.EscalationRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO escalations (id, correspondent, reason, content, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, string(e.Correspondent), string(e.Reason), e.Content, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return chat.Transient(fmt.Errorf("insert escalation: %w", err))
	}
	return nil
}

// ListDecisions returns the newest decisions for c first. An empty c lists
// every correspondent.
func (p *Postgres) ListDecisions(ctx context.Context, c chat.Correspondent, limit int) ([]chat.RoutingDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, correspondent, content, destination, workflow, confidence, reason, matched_patterns, decided_at
		FROM routing_decisions
		WHERE $1::text = '' OR correspondent = $1
		ORDER BY decided_at DESC
		LIMIT $2`,
		string(c), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query routing decisions: %w", err)
	}
	defer rows.Close()

	var out []chat.RoutingDecision
	for rows.Next() {
		var (
			d                          chat.RoutingDecision
			correspondent, destination string
		)
		if err := rows.Scan(&d.ID, &correspondent, &d.Content, &destination, &d.Workflow, &d.Confidence, &d.Reason, &d.MatchedPatterns, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		d.Correspondent = chat.Correspondent(correspondent)
		d.Destination = chat.Destination(destination)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListEscalations returns the newest escalations for c first. An empty c
// lists every correspondent.
func (p *Postgres) ListEscalations(ctx context.Context, c chat.Correspondent, limit int) ([]chat.EscalationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, correspondent, reason, content, detail, created_at
		FROM escalations
		WHERE $1::text = '' OR correspondent = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		string(c), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []chat.EscalationRecord
	for rows.Next() {
		var (
			e                     chat.EscalationRecord
			correspondent, reason string
		)
		if err := rows.Scan(&e.ID, &correspondent, &reason, &e.Content, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Correspondent = chat.Correspondent(correspondent)
		e.Reason = chat.EscalationReason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}
