package evolution

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// Placeholder bodies for media we cannot read.
const (
	PlaceholderImage       = "[Imagem recebida]"
	PlaceholderAudio       = "[Áudio recebido]"
	PlaceholderDocument    = "[Documento recebido]"
	PlaceholderUnsupported = "[Tipo de mensagem não suportado]"
)

// ErrIgnored is returned for events that carry no patient message: other
// event types, groups, status broadcasts and empty payloads.
var ErrIgnored = errors.New("event ignored")

// Event is the webhook envelope posted by Evolution.
type Event struct {
	Event    string    `json:"event"`
	Instance string    `json:"instance"`
	Data     EventData `json:"data"`
}

type EventData struct {
	Key              messageKey      `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *MessageContent `json:"message"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp"`
}

type MessageContent struct {
	Conversation        string           `json:"conversation"`
	ExtendedTextMessage *textMessage     `json:"extendedTextMessage"`
	AudioMessage        *mediaMessage    `json:"audioMessage"`
	ImageMessage        *mediaMessage    `json:"imageMessage"`
	DocumentMessage     *json.RawMessage `json:"documentMessage"`
}

type textMessage struct {
	Text string `json:"text"`
}

type mediaMessage struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	ev.Event = normalizeEventName(ev.Event)
	return &ev, nil
}

// MESSAGES_UPSERT and messages.upsert name the same event depending on the
// instance's webhook settings.
func normalizeEventName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", ".")
}

// IsMessage reports whether the event carries an inbound or outbound message.
func (e *Event) IsMessage() bool {
	return e.Event == "messages.upsert" || e.Event == "message.created"
}

// Fragment extracts the raw fragment of a message event. now is used when the
// payload has no timestamp.
func (e *Event) Fragment(now time.Time) (chat.RawFragment, error) {
	if !e.IsMessage() {
		return chat.RawFragment{}, fmt.Errorf("%w: %s", ErrIgnored, e.Event)
	}
	jid := e.Data.Key.RemoteJID
	if jid == "" || strings.HasSuffix(jid, groupSuffix) || strings.HasPrefix(jid, "status@") {
		return chat.RawFragment{}, fmt.Errorf("%w: remote %q", ErrIgnored, jid)
	}
	if e.Data.Message == nil {
		return chat.RawFragment{}, fmt.Errorf("%w: no message", ErrIgnored)
	}

	f := chat.RawFragment{
		Correspondent:   chat.Correspondent(CorrespondentFromJID(jid)),
		ReceivedAt:      parseTimestamp(e.Data.MessageTimestamp, now),
		IsHumanAuthored: e.Data.Key.FromMe,
		MessageID:       e.Data.Key.ID,
		SenderName:      e.Data.PushName,
	}

	m := e.Data.Message
	switch {
	case m.Conversation != "":
		f.Kind, f.Body = chat.KindText, m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		f.Kind, f.Body = chat.KindText, m.ExtendedTextMessage.Text
	case m.AudioMessage != nil:
		f.Kind, f.Body, f.MediaURL = chat.KindAudio, PlaceholderAudio, m.AudioMessage.URL
	case m.ImageMessage != nil:
		f.Kind, f.MediaURL = chat.KindImage, m.ImageMessage.URL
		f.Body = m.ImageMessage.Caption
		if f.Body == "" {
			f.Body = PlaceholderImage
		}
	case m.DocumentMessage != nil:
		f.Kind, f.Body = chat.KindUnsupported, PlaceholderDocument
	default:
		f.Kind, f.Body = chat.KindUnsupported, PlaceholderUnsupported
	}
	return f, nil
}

// messageTimestamp arrives as seconds, either a JSON number or a string.
func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return now
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return now
	}
	return time.Unix(secs, 0).UTC()
}

// VerifySignature checks a hex HMAC-SHA256 of body keyed by secret.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}
