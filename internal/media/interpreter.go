package media

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

const (
	transcribedPrefix   = "[Áudio transcrito]: "
	untranscribedAudio  = "[Áudio recebido - não foi possível transcrever]"
	imageCaptionPrefix  = "[Imagem recebida]: "
	imageWithoutCaption = "[Imagem recebida]"
)

// Transcriber turns an audio reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
	Configured() bool
}

// Interpreter fills in the body of media fragments. It never fails: a
// fragment it cannot read gets a placeholder body so the patient still
// receives a reply.
type Interpreter struct {
	transcriber Transcriber
	logger      *slog.Logger
}

func NewInterpreter(t Transcriber, logger *slog.Logger) *Interpreter {
	return &Interpreter{transcriber: t, logger: logger}
}

// Interpret returns f with a text body. Text fragments pass through.
func (i *Interpreter) Interpret(ctx context.Context, f chat.RawFragment) chat.RawFragment {
	switch f.Kind {
	case chat.KindAudio:
		f.Body = i.audio(ctx, f)
	case chat.KindImage:
		f.Body = image(f)
	}
	return f
}

func (i *Interpreter) audio(ctx context.Context, f chat.RawFragment) string {
	if f.MediaURL == "" || i.transcriber == nil || !i.transcriber.Configured() {
		return untranscribedAudio
	}
	text, err := i.transcriber.Transcribe(ctx, f.MediaURL)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		i.logger.Warn("audio transcription failed",
			"correspondent", f.Correspondent,
			"message_id", f.MessageID,
			"error", err,
		)
		return untranscribedAudio
	}
	i.logger.Info("audio transcribed", "correspondent", f.Correspondent, "chars", len(text))
	return transcribedPrefix + text
}

// Images are described by their caption; we do not run vision analysis.
func image(f chat.RawFragment) string {
	caption := strings.TrimSpace(f.Body)
	if caption == "" || caption == imageWithoutCaption {
		return imageWithoutCaption
	}
	return imageCaptionPrefix + caption
}
