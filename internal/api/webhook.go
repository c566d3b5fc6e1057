package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/MikeSquared-Agency/clinicrelay/internal/evolution"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Success bool   `json:"success"`
	Ignored string `json:"ignored,omitempty"`
	Error   string `json:"error,omitempty"`
}

// webhook handles POST /api/v1/webhook/whatsapp. It always answers 200 so
// Evolution does not redeliver; failures are reported in the body.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{Error: "read body"})
		return
	}

	if s.webhookSecret != "" {
		sig := r.Header.Get("x-signature")
		if sig == "" || !evolution.VerifySignature(body, sig, s.webhookSecret) {
			s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr, "signed", sig != "")
			writeJSON(w, http.StatusOK, webhookResponse{Error: "invalid signature"})
			return
		}
	}

	ev, err := evolution.ParseEvent(body)
	if err != nil {
		s.logger.Warn("bad webhook payload", "error", err)
		writeJSON(w, http.StatusOK, webhookResponse{Error: "invalid payload"})
		return
	}

	f, err := ev.Fragment(s.now().UTC())
	if errors.Is(err, evolution.ErrIgnored) {
		s.logger.Debug("webhook event ignored", "event", ev.Event, "reason", err)
		writeJSON(w, http.StatusOK, webhookResponse{Success: true, Ignored: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{Error: err.Error()})
		return
	}

	s.logger.Info("webhook received",
		"correspondent", f.Correspondent,
		"kind", f.Kind,
		"from_me", f.IsHumanAuthored,
		"message_id", f.MessageID,
	)

	if err := s.dispatcher.HandleFragment(r.Context(), f); err != nil {
		s.logger.Warn("fragment not accepted", "correspondent", f.Correspondent, "error", err)
		writeJSON(w, http.StatusOK, webhookResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Success: true})
}
