// Package chat holds the records that flow between ingress, routing, the
// analysis pipeline and delivery. Everything here is plain data; behaviour
// lives in the packages that own each record.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Correspondent is the stable address of one end user, e.g. a phone number.
type Correspondent string

// FragmentKind is the media kind of an inbound fragment.
type FragmentKind string

const (
	KindText        FragmentKind = "text"
	KindAudio       FragmentKind = "audio"
	KindImage       FragmentKind = "image"
	KindUnsupported FragmentKind = "unsupported"
)

// RawFragment is one inbound message as delivered by the transport.
// For audio and image fragments Body holds the transcription or description
// once the media has been interpreted.
type RawFragment struct {
	Correspondent   Correspondent `json:"correspondent"`
	Body            string        `json:"body"`
	Kind            FragmentKind  `json:"kind"`
	MediaURL        string        `json:"media_url,omitempty"`
	ReceivedAt      time.Time     `json:"received_at"`
	IsHumanAuthored bool          `json:"is_human_authored"`
	MessageID       string        `json:"message_id,omitempty"`
	SenderName      string        `json:"sender_name,omitempty"`
}

// DedupeKey identifies a redelivery of the same fragment.
func (f RawFragment) DedupeKey() string {
	return string(f.Correspondent) + "|" + f.ReceivedAt.UTC().Format(time.RFC3339Nano) + "|" + f.Body
}

// LogicalMessage is a burst of fragments merged into one utterance.
type LogicalMessage struct {
	Correspondent Correspondent `json:"correspondent"`
	Content       string        `json:"content"`
	Fragments     []RawFragment `json:"fragments"`
	AssembledAt   time.Time     `json:"assembled_at"`
}

// JoinFragments concatenates fragment bodies in arrival order.
func JoinFragments(frags []RawFragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if b := strings.TrimSpace(f.Body); b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n")
}

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// HistoryEntry is one turn of a conversation. Human marks assistant turns
// written by clinic staff rather than by the pipeline.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Human     bool      `json:"human,omitempty"`
}

// Session is the per-correspondent conversation record.
type Session struct {
	Correspondent  Correspondent  `json:"correspondent"`
	Active         bool           `json:"active"`
	StartedAt      time.Time      `json:"started_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ClosedAt       time.Time      `json:"closed_at,omitzero"`
	ActivePipeline Destination    `json:"active_pipeline,omitempty"`
	History        []HistoryEntry `json:"history"`
}

// Clone returns a deep copy so callers never share the owner's slice.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = append([]HistoryEntry(nil), s.History...)
	return &cp
}

// LastTurns returns at most n trailing history entries.
func (s *Session) LastTurns(n int) []HistoryEntry {
	if s == nil || n <= 0 {
		return nil
	}
	if len(s.History) <= n {
		return append([]HistoryEntry(nil), s.History...)
	}
	return append([]HistoryEntry(nil), s.History[len(s.History)-n:]...)
}

// Destination is the pipeline chosen for a logical message.
type Destination string

const (
	DestinationMedical    Destination = "medical"
	DestinationScheduling Destination = "scheduling"
	DestinationEmergency  Destination = "emergency"
)

// RoutingDecision is the write-once audit record of a routing choice.
type RoutingDecision struct {
	ID              uuid.UUID     `json:"id"`
	Correspondent   Correspondent `json:"correspondent"`
	Content         string        `json:"content"`
	Destination     Destination   `json:"destination"`
	Workflow        string        `json:"workflow,omitempty"`
	Confidence      float64       `json:"confidence"`
	Reason          string        `json:"reason"`
	MatchedPatterns []string      `json:"matched_patterns"`
	DecidedAt       time.Time     `json:"decided_at"`
}

// EscalationReason classifies why a human must take over.
type EscalationReason string

const (
	ReasonNone                EscalationReason = ""
	ReasonImmediateEscalation EscalationReason = "immediate_escalation"
	ReasonEmergency           EscalationReason = "emergency"
	ReasonComplexity          EscalationReason = "complexity"
	ReasonPhysicalExam        EscalationReason = "physical_exam"
	ReasonGeneric             EscalationReason = "generic"
	ReasonTechnicalError      EscalationReason = "technical_error"
)

// StageOutput is the text one pipeline stage produced.
type StageOutput struct {
	Stage  string `json:"stage"`
	Output string `json:"output"`
}

// PipelineResult is produced once per pipeline run.
type PipelineResult struct {
	FinalReply       string           `json:"final_reply"`
	EscalationNeeded bool             `json:"escalation_needed"`
	EscalationReason EscalationReason `json:"escalation_reason,omitempty"`
	StageOutputs     []StageOutput    `json:"stage_outputs"`
}

// EscalationRecord is the append-only audit record of a hand-off.
type EscalationRecord struct {
	ID            uuid.UUID        `json:"id"`
	Correspondent Correspondent    `json:"correspondent"`
	Reason        EscalationReason `json:"reason"`
	Content       string           `json:"content"`
	Detail        string           `json:"detail,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}
