package slack

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReactionEvent is the structure received from slack-forwarder via NATS.
type ReactionEvent struct {
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
}

// ReactionAction is what a staff reaction on an escalation post asks for.
type ReactionAction string

const (
	ActionTakeOver ReactionAction = "take_over"
	ActionResolved ReactionAction = "resolved"
	ActionNone     ReactionAction = "none"
)

// ParseReaction converts a Slack reaction emoji name to an action.
func ParseReaction(reaction string) ReactionAction {
	// Skin tone variants arrive as "raising_hand::skin-tone-3".
	if i := strings.Index(reaction, "::"); i >= 0 {
		reaction = reaction[:i]
	}
	switch reaction {
	case "raising_hand", "raised_hand", "hand":
		return ActionTakeOver
	case "white_check_mark", "heavy_check_mark":
		return ActionResolved
	default:
		return ActionNone
	}
}

// ParseReactionEvent parses a NATS message payload from slack-forwarder into a ReactionEvent.
func ParseReactionEvent(data []byte) (*ReactionEvent, error) {
	// The slack-forwarder publishes events with metadata in a wrapper.
	var wrapper struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse reaction wrapper: %w", err)
	}

	evt := &ReactionEvent{
		Reaction:  strings.Trim(wrapper.Metadata["text"], ":"),
		UserID:    wrapper.Metadata["user_id"],
		Channel:   wrapper.Metadata["channel_id"],
		MessageTS: wrapper.Metadata["message_ts"],
	}
	if evt.MessageTS == "" {
		return nil, fmt.Errorf("reaction event without message_ts")
	}
	return evt, nil
}
