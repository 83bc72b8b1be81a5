package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/auth"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/collection"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/dispatch"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
)

// Server exposes the agent to out-of-process capture services and UIs.
type Server struct {
	agent  *Agent
	logger *slog.Logger
}

func NewServer(agent *Agent, logger *slog.Logger) *Server {
	return &Server{agent: agent, logger: logger.With("component", "control")}
}

// Router configures all control routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/agent", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/buckets", s.handleBuckets)
		r.Post("/samples", s.handleSubmit)

		r.Post("/tracking/resume", s.handleResume)
		r.Post("/tracking/pause", s.handlePause)

		r.Post("/dispatch", s.handleDispatch)
		r.Put("/dispatch/mode", s.handleDispatchMode)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	counts, err := s.agent.BucketCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count events: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Samples []events.Sample `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if len(payload.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "samples are required")
		return
	}

	res, err := s.agent.Submit(r.Context(), payload.Samples)
	switch {
	case errors.Is(err, collection.ErrNoEvents):
		writeError(w, http.StatusUnprocessableEntity, "all %d samples were malformed", res.Dropped)
		return
	case err != nil:
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"bucket":   res.Bucket,
		"accepted": res.Accepted,
		"dropped":  res.Dropped,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ResumeTracking(r.Context()); err != nil {
		s.logger.Warn("resume tracking failed", "error", err)
		writeError(w, http.StatusBadGateway, "resume tracking: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.PauseTracking(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "pause tracking: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	summary, err := s.agent.DispatchNow(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDispatchMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	mode, err := dispatch.ParseMode(strings.TrimSpace(payload.Mode))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.agent.SetDispatchMode(mode)
	s.logger.Info("dispatch mode set", "mode", mode)
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTrackingPaused), errors.Is(err, auth.ErrInactive):
		writeError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, dispatch.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, "%v", err)
	default:
		writeError(w, http.StatusBadGateway, "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
