//go:build integration

package hermes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_FragmentRoundTrip(t *testing.T) {
	client, err := NewClient(context.Background(), natsURL(t), os.Getenv("NATS_TOKEN"), slog.Default())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if !client.Connected() {
		t.Fatal("expected connection to be up")
	}

	// Unique subject so parallel runs against a shared server do not cross.
	subject := fmt.Sprintf("clinic.test.%d.fragment", time.Now().UnixNano())
	got := make(chan chat.RawFragment, 1)
	if err := client.Subscribe(subject, func(_ string, data []byte) {
		f, err := DecodeFragment(data)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		got <- f
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	sent := chat.RawFragment{
		Correspondent: "5511999990000",
		Body:          "Oi, queria marcar uma consulta",
		Kind:          chat.KindText,
		ReceivedAt:    time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		MessageID:     "ABC123",
	}
	if err := client.Publish(subject, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case f := <-got:
		if f.Correspondent != sent.Correspondent || f.Body != sent.Body || f.MessageID != sent.MessageID {
			t.Errorf("fragment changed in transit: %+v", f)
		}
		if !f.ReceivedAt.Equal(sent.ReceivedAt) {
			t.Errorf("expected received_at %s, got %s", sent.ReceivedAt, f.ReceivedAt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fragment")
	}
}
