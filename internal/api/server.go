package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/dispatch"
)

// Dispatcher is the slice of the coordinator the HTTP surface drives.
type Dispatcher interface {
	HandleFragment(ctx context.Context, f chat.RawFragment) error
	HumanMessage(ctx context.Context, to chat.Correspondent, text string) error
	CloseSession(ctx context.Context, c chat.Correspondent) bool
	Preview(ctx context.Context, c chat.Correspondent, text string) dispatch.Preview
	Stats() dispatch.Stats
}

// Auditor reads the audit log.
type Auditor interface {
	ListDecisions(ctx context.Context, c chat.Correspondent, limit int) ([]chat.RoutingDecision, error)
	ListEscalations(ctx context.Context, c chat.Correspondent, limit int) ([]chat.EscalationRecord, error)
	Ping(ctx context.Context) error
}

type Server struct {
	router        *chi.Mux
	apiToken      string
	webhookSecret string
	dispatcher    Dispatcher
	audit         Auditor
	logger        *slog.Logger
	now           func() time.Time
	httpServer    *http.Server
}

// NewServer builds the HTTP surface. An empty apiToken leaves the admin
// routes open. With a webhookSecret every webhook must carry a valid
// x-signature; without one signatures are not checked.
func NewServer(port int, apiToken, webhookSecret string, d Dispatcher, a Auditor, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:        router,
		apiToken:      apiToken,
		webhookSecret: webhookSecret,
		dispatcher:    d,
		audit:         a,
		logger:        logger,
		now:           time.Now,
	}

	router.Get("/health", s.health)
	router.Get("/health/ready", s.ready)
	router.Get("/api/v1/relay/status", s.status)
	router.Post("/api/v1/webhook/whatsapp", s.webhook)

	router.Group(func(r chi.Router) {
		r.Use(bearerAuth(apiToken))
		r.Post("/api/v1/messages/test", s.testMessage)
		r.Post("/api/v1/sessions/{correspondent}/close", s.closeSession)
		r.Post("/api/v1/sessions/{correspondent}/human", s.humanMessage)
		r.Get("/api/v1/decisions", s.listDecisions)
		r.Get("/api/v1/escalations", s.listEscalations)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// bearerAuth rejects requests without the configured token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.audit.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":  "clinicrelay",
		"status": "running",
		"stats":  s.dispatcher.Stats(),
	})
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return min(limit, 500)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	c := chat.Correspondent(r.URL.Query().Get("correspondent"))
	decisions, err := s.audit.ListDecisions(r.Context(), c, limitParam(r))
	if err != nil {
		s.logger.Error("list decisions failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions, "count": len(decisions)})
}

func (s *Server) listEscalations(w http.ResponseWriter, r *http.Request) {
	c := chat.Correspondent(r.URL.Query().Get("correspondent"))
	escalations, err := s.audit.ListEscalations(r.Context(), c, limitParam(r))
	if err != nil {
		s.logger.Error("list escalations failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": escalations, "count": len(escalations)})
}
