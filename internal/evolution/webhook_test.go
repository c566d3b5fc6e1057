package evolution

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

var now = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func TestFragment_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		kind     chat.FragmentKind
		text     string
		mediaURL string
	}{
		{"conversation", `{"conversation":"oi, tudo bem?"}`, chat.KindText, "oi, tudo bem?", ""},
		{"extended text", `{"extendedTextMessage":{"text":"quero marcar"}}`, chat.KindText, "quero marcar", ""},
		{"audio", `{"audioMessage":{"url":"https://mmg/a.ogg"}}`, chat.KindAudio, PlaceholderAudio, "https://mmg/a.ogg"},
		{"image with caption", `{"imageMessage":{"url":"https://mmg/i.jpg","caption":"meu exame"}}`, chat.KindImage, "meu exame", "https://mmg/i.jpg"},
		{"image without caption", `{"imageMessage":{"url":"https://mmg/i.jpg"}}`, chat.KindImage, PlaceholderImage, "https://mmg/i.jpg"},
		{"document", `{"documentMessage":{"fileName":"a.pdf"}}`, chat.KindUnsupported, PlaceholderDocument, ""},
		{"sticker", `{"stickerMessage":{}}`, chat.KindUnsupported, PlaceholderUnsupported, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"event":"messages.upsert","instance":"vivacita","data":{"key":{"remoteJid":"5511987654321@s.whatsapp.net","fromMe":false,"id":"ABC"},"pushName":"Maria","messageTimestamp":1772460000,"message":` + tt.body + `}}`
			ev, err := ParseEvent([]byte(raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			f, err := ev.Fragment(now)
			if err != nil {
				t.Fatalf("fragment: %v", err)
			}
			if f.Kind != tt.kind || f.Body != tt.text || f.MediaURL != tt.mediaURL {
				t.Errorf("got kind=%s body=%q url=%q", f.Kind, f.Body, f.MediaURL)
			}
			if f.Correspondent != "5511987654321" || f.MessageID != "ABC" || f.SenderName != "Maria" {
				t.Errorf("unexpected envelope fields %+v", f)
			}
			if !f.ReceivedAt.Equal(time.Unix(1772460000, 0)) {
				t.Errorf("unexpected timestamp %v", f.ReceivedAt)
			}
		})
	}
}

func TestFragment_FromMeIsHuman(t *testing.T) {
	raw := `{"event":"MESSAGES_UPSERT","data":{"key":{"remoteJid":"5511987654321@s.whatsapp.net","fromMe":true,"id":"X"},"messageTimestamp":"1772460000","message":{"conversation":"Oi, aqui é a Dra. Ana"}}}`
	ev, err := ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f, err := ev.Fragment(now)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if !f.IsHumanAuthored {
		t.Error("fromMe message should be human-authored")
	}
	if !f.ReceivedAt.Equal(time.Unix(1772460000, 0)) {
		t.Errorf("string timestamp not parsed: %v", f.ReceivedAt)
	}
}

func TestFragment_Ignored(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"other event", `{"event":"connection.update","data":{}}`},
		{"group", `{"event":"messages.upsert","data":{"key":{"remoteJid":"1203@g.us"},"message":{"conversation":"oi"}}}`},
		{"status", `{"event":"messages.upsert","data":{"key":{"remoteJid":"status@broadcast"},"message":{"conversation":"oi"}}}`},
		{"no message", `{"event":"messages.upsert","data":{"key":{"remoteJid":"5511@s.whatsapp.net"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := ev.Fragment(now); !errors.Is(err, ErrIgnored) {
				t.Errorf("expected ErrIgnored, got %v", err)
			}
		})
	}
}

func TestFragment_MissingTimestampUsesNow(t *testing.T) {
	ev, _ := ParseEvent([]byte(`{"event":"message.created","data":{"key":{"remoteJid":"5511@s.whatsapp.net"},"message":{"conversation":"oi"}}}`))
	f, err := ev.Fragment(now)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if !f.ReceivedAt.Equal(now) {
		t.Errorf("expected now, got %v", f.ReceivedAt)
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	if _, err := ParseEvent([]byte(`{not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"messages.upsert"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !VerifySignature(body, sig, "secret") {
		t.Error("valid signature rejected")
	}
	if !VerifySignature(body, "sha256="+sig, "secret") {
		t.Error("prefixed signature rejected")
	}
	if VerifySignature(body, sig, "other") {
		t.Error("signature with wrong secret accepted")
	}
	if VerifySignature([]byte("tampered"), sig, "secret") {
		t.Error("signature over different body accepted")
	}
}
