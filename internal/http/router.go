package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"speech-turn-service/internal/service/conversation"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// RouterDeps are the collaborators the HTTP surface needs.
type RouterDeps struct {
	Manager   *conversation.Manager
	Ready     ReadinessCheck
	Gatherer  prometheus.Gatherer
	Websocket *StreamHandler
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(withSentryRecovery)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, req *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	h := &conversationHandlers{manager: deps.Manager}
	r.Route("/v1/conversations", func(r chi.Router) {
		if deps.Websocket != nil {
			r.Get("/stream", deps.Websocket.ServeHTTP)
		}
		r.Get("/{id}/transcript", h.snapshot)
		r.Post("/{id}/agent", h.agentMessage)
		r.Delete("/{id}", h.close)
	})

	return r
}

type conversationHandlers struct {
	manager *conversation.Manager
}

func (h *conversationHandlers) snapshot(w http.ResponseWriter, req *http.Request) {
	sess, err := h.manager.Get(chi.URLParam(req, "id"))
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type agentMessageRequest struct {
	Text string `json:"text"`
}

func (h *conversationHandlers) agentMessage(w http.ResponseWriter, req *http.Request) {
	var body agentMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	sess, err := h.manager.Get(chi.URLParam(req, "id"))
	if err != nil {
		writeError(w, req, err)
		return
	}
	if err := sess.AddAgentMessage(req.Context(), body.Text); err != nil {
		writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *conversationHandlers) close(w http.ResponseWriter, req *http.Request) {
	if err := h.manager.Close(req.Context(), chi.URLParam(req, "id")); err != nil {
		writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, conversation.ErrSessionClosed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		captureError(req, err, "conversation request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
