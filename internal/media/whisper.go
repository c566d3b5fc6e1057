// Package media turns audio and image fragments into text before they are
// aggregated.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

const (
	defaultTranscriptionURL = "https://api.openai.com/v1/audio/transcriptions"
	maxAudioBytes           = 25 << 20
)

// Whisper transcribes audio through the OpenAI transcription endpoint.
type Whisper struct {
	apiKey string
	model  string
	client *http.Client
	apiURL string
}

func NewWhisper(apiKey, model string) *Whisper {
	if model == "" {
		model = "whisper-1"
	}
	return &Whisper{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
		apiURL: defaultTranscriptionURL,
	}
}

// SetTestTransport points the transcription call at a test server.
func (w *Whisper) SetTestTransport(url string) {
	w.apiURL = url
}

func (w *Whisper) Configured() bool {
	return w.apiKey != ""
}

// Transcribe downloads the audio at mediaURL and returns its Portuguese
// transcription.
func (w *Whisper) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	audio, err := w.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "audio.ogg")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	mw.WriteField("model", w.model)
	mw.WriteField("language", "pt")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", chat.Transient(fmt.Errorf("transcription request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", chat.Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("transcription error %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", chat.Transient(err)
		}
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse transcription: %w", err)
	}
	return out.Text, nil
}

func (w *Whisper) download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, chat.Transient(fmt.Errorf("download audio: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download audio: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, chat.Transient(fmt.Errorf("read audio: %w", err))
	}
	if len(data) > maxAudioBytes {
		return nil, fmt.Errorf("audio larger than %d bytes", maxAudioBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio")
	}
	return data, nil
}
