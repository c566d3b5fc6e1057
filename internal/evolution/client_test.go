package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(url string) *Client {
	c := NewClient(url, "evo-key", "vivacita", 6000, discardLogger())
	c.retryDelay = time.Millisecond
	return c
}

func TestSendText_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/vivacita" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "evo-key" {
			t.Errorf("expected apikey header, got %q", r.Header.Get("apikey"))
		}
		var req sendTextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Number != "5511987654321@s.whatsapp.net" {
			t.Errorf("unexpected number %q", req.Number)
		}
		if req.Text != "Olá!" {
			t.Errorf("unexpected text %q", req.Text)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":{"id":"BAE5F1"}}`))
	}))
	defer server.Close()

	id, err := testClient(server.URL).SendText(context.Background(), "11987654321", "  Olá!  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "BAE5F1" {
		t.Errorf("expected id BAE5F1, got %q", id)
	}
}

func TestSendText_NestedMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"key":{"id":"NESTED"}}}`))
	}))
	defer server.Close()

	id, err := testClient(server.URL).SendText(context.Background(), "5511987654321", "oi")
	if err != nil || id != "NESTED" {
		t.Errorf("got id=%q err=%v", id, err)
	}
}

func TestSendText_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"key":{"id":"OK"}}`))
	}))
	defer server.Close()

	id, err := testClient(server.URL).SendText(context.Background(), "5511987654321", "oi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "OK" || calls.Load() != 3 {
		t.Errorf("expected success on third attempt, got id=%q calls=%d", id, calls.Load())
	}
}

func TestSendText_GivesUpAsTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := testClient(server.URL).SendText(context.Background(), "5511987654321", "oi")
	if !errors.Is(err, chat.ErrTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d", calls.Load())
	}
}

func TestSendText_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := testClient(server.URL).SendText(context.Background(), "5511987654321", "oi")
	if err == nil || errors.Is(err, chat.ErrTransient) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no retry, got %d calls", calls.Load())
	}
}

func TestSendText_Validation(t *testing.T) {
	if _, err := NewClient("", "", "x", 10, discardLogger()).SendText(context.Background(), "1", "oi"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := testClient("http://unused").SendText(context.Background(), "1", "   "); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestConnectionState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instance/connectionState/vivacita" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"instance":{"instanceName":"vivacita","state":"open"}}`))
	}))
	defer server.Close()

	state, err := testClient(server.URL).ConnectionState(context.Background())
	if err != nil || state != "open" {
		t.Errorf("got state=%q err=%v", state, err)
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"5511987654321", "5511987654321@s.whatsapp.net"},
		{"+55 (11) 98765-4321", "5511987654321@s.whatsapp.net"},
		{"11987654321", "5511987654321@s.whatsapp.net"},
		{"98765432", "98765432@s.whatsapp.net"},
		{"3456789012", "55113456789012@s.whatsapp.net"},
		{"5511987654321@s.whatsapp.net", "5511987654321@s.whatsapp.net"},
	}
	for _, tt := range tests {
		if got := FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
