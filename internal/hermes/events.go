package hermes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

const (
	SubjectInboundFragment = "clinic.inbound.fragment"
	SubjectRoutingDecided  = "clinic.routing.decided"
	SubjectEscalation      = "clinic.escalation.created"
	SubjectReplySuppressed = "clinic.reply.suppressed"
	SubjectSlackReaction   = "swarm.slack.reaction"
)

// ReplySuppressed is published when an automated reply was withheld.
type ReplySuppressed struct {
	Correspondent chat.Correspondent `json:"correspondent"`
	Reason        string             `json:"reason"`
	Reply         string             `json:"reply"`
	At            time.Time          `json:"at"`
}

// Suppression reasons.
const (
	SuppressedHumanOverride = "human_override"
	SuppressedSessionClosed = "session_closed"
)

// DecodeFragment parses a fragment published by another gateway.
func DecodeFragment(data []byte) (chat.RawFragment, error) {
	var f chat.RawFragment
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode fragment: %w", err)
	}
	if f.Correspondent == "" {
		return f, fmt.Errorf("decode fragment: missing correspondent")
	}
	if f.Kind == "" {
		f.Kind = chat.KindText
	}
	if f.Kind == chat.KindText && strings.TrimSpace(f.Body) == "" {
		return f, fmt.Errorf("decode fragment: empty text body")
	}
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now().UTC()
	}
	return f, nil
}
