// Package evolution talks to an Evolution API instance: it delivers outbound
// WhatsApp text and parses the instance's inbound webhook events.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// ErrNotConfigured is returned when no base URL or API key is set.
var ErrNotConfigured = errors.New("evolution api not configured")

type Client struct {
	baseURL    string
	apiKey     string
	instance   string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a client that sends at most perMinute messages a minute.
func NewClient(baseURL, apiKey, instance string, perMinute int, logger *slog.Logger) *Client {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		instance:   instance,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     logger,
	}
}

func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type messageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type sendTextResponse struct {
	Key     messageKey `json:"key"`
	Message struct {
		Key messageKey `json:"key"`
	} `json:"message"`
}

// SendText delivers text to a correspondent and returns the provider's
// message id. It waits on the rate limiter and retries 5xx responses and
// network errors with exponential backoff; the final failure of a retryable
// attempt is reported as chat.ErrTransient.
func (c *Client) SendText(ctx context.Context, to chat.Correspondent, text string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty message")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendTextRequest{Number: FormatNumber(string(to)), Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, c.instance)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Warn("retrying evolution send", "correspondent", to, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", chat.Transient(ctx.Err())
			case <-time.After(delay):
			}
		}

		id, retry, err := c.post(ctx, url, body)
		if err == nil {
			c.logger.Info("message sent", "correspondent", to, "message_id", id, "attempts", attempt+1)
			return id, nil
		}
		if !retry {
			return "", err
		}
		lastErr = err
	}
	return "", chat.Transient(fmt.Errorf("send text after %d retries: %w", c.maxRetries, lastErr))
}

// post makes one attempt and reports whether a failure is worth retrying.
func (c *Client) post(ctx context.Context, url string, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, chat.Transient(fmt.Errorf("evolution post: %w", err))
		}
		return "", true, fmt.Errorf("evolution post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("evolution error %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", false, fmt.Errorf("evolution error %d: %s", resp.StatusCode, string(respBody))
	}

	var sent sendTextResponse
	if err := json.Unmarshal(respBody, &sent); err != nil {
		return "", false, fmt.Errorf("parse evolution response: %w", err)
	}
	id := sent.Key.ID
	if id == "" {
		id = sent.Message.Key.ID
	}
	return id, false, nil
}

// ConnectionState returns the instance's connection state, e.g. "open".
func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	url := fmt.Sprintf("%s/instance/connectionState/%s", c.baseURL, c.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", chat.Transient(fmt.Errorf("connection state: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("connection state: status %d", resp.StatusCode)
	}
	var out struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse connection state: %w", err)
	}
	return out.Instance.State, nil
}
