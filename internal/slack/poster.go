package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// maxQuoted bounds how much of the patient's message is quoted in an alert.
const maxQuoted = 600

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

func (p *Poster) Configured() bool {
	return p.token != "" && p.channel != ""
}

// PostEscalation alerts the escalation channel that a human must take over.
// Returns the message timestamp (ts) which is used for tracking reactions.
func (p *Poster) PostEscalation(ctx context.Context, rec chat.EscalationRecord) (string, error) {
	text := formatEscalation(rec)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "React :raising_hand: to take over this conversation",
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("posted escalation to slack", "ts", ts, "correspondent", rec.Correspondent, "reason", rec.Reason)
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", chat.Transient(fmt.Errorf("slack post: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

var reasonTitles = map[chat.EscalationReason]string{
	chat.ReasonImmediateEscalation: ":rotating_light: *Crisis message*",
	chat.ReasonEmergency:           ":rotating_light: *Urgent*",
	chat.ReasonComplexity:          ":brain: *Complex case*",
	chat.ReasonPhysicalExam:        ":stethoscope: *Needs in-person evaluation*",
	chat.ReasonGeneric:             ":bust_in_silhouette: *Human follow-up requested*",
	chat.ReasonTechnicalError:      ":warning: *Automatic reply failed*",
}

func formatEscalation(rec chat.EscalationRecord) string {
	var sb strings.Builder

	title, ok := reasonTitles[rec.Reason]
	if !ok {
		title = "*Escalation*"
	}
	fmt.Fprintf(&sb, "%s (%s)\n", title, rec.Reason)
	fmt.Fprintf(&sb, "*Patient:* %s\n", rec.Correspondent)
	fmt.Fprintf(&sb, "*At:* %s\n\n", rec.CreatedAt.Format(time.RFC3339))

	content := rec.Content
	if len([]rune(content)) > maxQuoted {
		content = string([]rune(content)[:maxQuoted]) + "…"
	}
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(&sb, "> %s\n", line)
	}
	if rec.Detail != "" {
		fmt.Fprintf(&sb, "\n_%s_", rec.Detail)
	}
	return strings.TrimRight(sb.String(), "\n")
}
