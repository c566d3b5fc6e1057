package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

type textRequest struct {
	Correspondent string `json:"correspondent,omitempty"`
	Text          string `json:"text"`
}

func decodeText(w http.ResponseWriter, r *http.Request) (textRequest, error) {
	var req textRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		return req, err
	}
	req.Text = strings.TrimSpace(req.Text)
	return req, nil
}

// testMessage handles POST /api/v1/messages/test. It shows what the relay
// would answer without sending or recording anything.
func (s *Server) testMessage(w http.ResponseWriter, r *http.Request) {
	req, err := decodeText(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	c := chat.Correspondent(req.Correspondent)
	if c == "" {
		c = "test"
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Preview(r.Context(), c, req.Text))
}

// closeSession handles POST /api/v1/sessions/{correspondent}/close.
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	c := chat.Correspondent(chi.URLParam(r, "correspondent"))
	if !s.dispatcher.CloseSession(r.Context(), c) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"correspondent": c, "closed": true})
}

// humanMessage handles POST /api/v1/sessions/{correspondent}/human: a reply
// staff sent from the operator console.
func (s *Server) humanMessage(w http.ResponseWriter, r *http.Request) {
	req, err := decodeText(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	c := chat.Correspondent(chi.URLParam(r, "correspondent"))
	if err := s.dispatcher.HumanMessage(r.Context(), c, req.Text); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"correspondent": c, "recorded": true})
}
