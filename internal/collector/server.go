// Package collector is a stand-in for the remote telemetry collector. It
// implements the authenticate, register, ping and events routes the agent
// talks to, persists what it receives in sqlite and offers admin routes to
// force the failure modes the agent must survive.
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/heartbeat"
)

// Options configures a Server.
type Options struct {
	PublishableKey string
	Heartbeat      heartbeat.Info
	Logger         *slog.Logger
}

// Server exposes HTTP APIs that mimic the remote collector.
type Server struct {
	store          *Store
	publishableKey string
	heartbeat      heartbeat.Info
	logger         *slog.Logger

	mu          sync.Mutex
	faults      int
	faultStatus int
}

// NewServer builds a server backed by the provided store.
func NewServer(store *Store, opts Options) *Server {
	info := opts.Heartbeat
	if info == (heartbeat.Info{}) {
		info = heartbeat.DefaultInfo()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:          store,
		publishableKey: opts.PublishableKey,
		heartbeat:      info,
		logger:         logger.With("component", "collector"),
	}
}

// Router wires the wire routes and the admin routes under a single chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.injectFaults)
		r.Post("/auth/v1/authenticate", s.handleAuthenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/heartbeat/v1/register", s.handleRegister)
			r.Head("/heartbeat/v1/ping/{deviceID}", s.handlePing)
			r.Post("/events", s.handleEvents)
		})
	})

	// Admin routes let tests and operators inspect received data and force
	// 401, 403 and 5xx responses.
	r.Route("/admin", func(r chi.Router) {
		r.Get("/events", s.handleListEvents)
		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/{deviceID}/revoke", s.handleRevoke)
		r.Post("/devices/{deviceID}/deactivate", s.handleSetActive(false))
		r.Post("/devices/{deviceID}/activate", s.handleSetActive(true))
		r.Post("/faults", s.handleFaults)
	})

	return r
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if s.publishableKey != "" && bearer(r) != s.publishableKey {
		writeError(w, http.StatusUnauthorized, "invalid publishable key")
		return
	}
	var payload struct {
		DeviceID string `json:"device_id"`
		Scope    string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(payload.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	dev, err := s.store.EnsureDevice(r.Context(), payload.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load device: %v", err)
		return
	}
	if !dev.Active {
		writeError(w, http.StatusForbidden, "device deactivated")
		return
	}
	tok, err := s.store.IssueToken(r.Context(), dev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue token: %v", err)
		return
	}

	s.logger.Info("device authenticated", "device_id", dev.DeviceID, "account_id", dev.AccountID, "scope", payload.Scope)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok.Token,
		"account_id":   tok.AccountID,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	tok := tokenFromContext(r.Context())
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	var payload struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if payload.DeviceID != "" && payload.DeviceID != tok.DeviceID {
		writeError(w, http.StatusBadRequest, "device_id does not match token")
		return
	}
	if err := s.store.RegisterDevice(r.Context(), tok.DeviceID, raw); err != nil {
		writeError(w, http.StatusInternalServerError, "register device: %v", err)
		return
	}

	s.logger.Info("device registered", "device_id", tok.DeviceID)
	writeJSON(w, http.StatusOK, s.heartbeat)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	tok := tokenFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID != tok.DeviceID {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	gap, _ := strconv.ParseInt(r.Header.Get("Time_Since_Last_Ping"), 10, 64)
	if err := s.store.RecordPing(r.Context(), deviceID, gap); err != nil {
		s.logger.Error("record ping failed", "device_id", deviceID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tok := tokenFromContext(r.Context())
	body := io.Reader(r.Body)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gzip body: %v", err)
			return
		}
		defer zr.Close()
		body = zr
	}

	var payloads []events.Payload
	if err := json.NewDecoder(body).Decode(&payloads); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	for i, p := range payloads {
		if p.ID == "" || !p.Type.Valid() || len(p.Data) == 0 {
			writeError(w, http.StatusBadRequest, "event %d: id, type and data are required", i)
			return
		}
		if _, err := events.ParseTime(p.RecordedAt); err != nil {
			writeError(w, http.StatusBadRequest, "event %d: invalid recorded_at: %v", i, err)
			return
		}
		if p.DeviceID != tok.DeviceID {
			writeError(w, http.StatusBadRequest, "event %d: device_id does not match token", i)
			return
		}
	}

	batchID, err := s.store.AppendBatch(r.Context(), payloads)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store events: %v", err)
		return
	}
	s.logger.Info("events received", "device_id", tok.DeviceID, "batch_id", batchID, "count", len(payloads))
	writeJSON(w, http.StatusCreated, map[string]any{"batch_id": batchID, "accepted": len(payloads)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("device_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events: %v", err)
		return
	}
	if evs == nil {
		evs = []ReceivedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list devices: %v", err)
		return
	}
	if devices == nil {
		devices = []Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	n, err := s.store.RevokeTokens(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "revoke tokens: %v", err)
		return
	}
	s.logger.Info("tokens revoked", "device_id", deviceID, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")
		if err := s.store.SetDeviceActive(r.Context(), deviceID, active); err != nil {
			handleNotFound(w, err)
			return
		}
		s.logger.Info("device activation changed", "device_id", deviceID, "active", active)
		writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "active": active})
	}
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Count  int `json:"count"`
		Status int `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if payload.Count < 0 {
		writeError(w, http.StatusBadRequest, "count must not be negative")
		return
	}
	if payload.Status == 0 {
		payload.Status = http.StatusServiceUnavailable
	}
	if payload.Status < 500 || payload.Status > 599 {
		writeError(w, http.StatusBadRequest, "status must be a 5xx code")
		return
	}
	s.InjectFaults(payload.Count, payload.Status)
	writeJSON(w, http.StatusOK, map[string]any{"count": payload.Count, "status": payload.Status})
}

// InjectFaults makes the next n wire requests fail with status.
func (s *Server) InjectFaults(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = n
	s.faultStatus = status
}

func (s *Server) takeFault() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults <= 0 {
		return 0
	}
	s.faults--
	return s.faultStatus
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := s.takeFault(); status != 0 {
			s.logger.Warn("injected fault", "path", r.URL.Path, "status", status)
			writeError(w, status, "injected fault")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken rejects unknown or revoked tokens with 401 and deactivated
// devices with 403.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		tok, err := s.store.ValidateToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrTokenRevoked) {
				writeError(w, http.StatusUnauthorized, "invalid or revoked token")
				return
			}
			writeError(w, http.StatusInternalServerError, "validate token: %v", err)
			return
		}
		dev, err := s.store.GetDevice(r.Context(), tok.DeviceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load device: %v", err)
			return
		}
		if !dev.Active {
			writeError(w, http.StatusForbidden, "device deactivated")
			return
		}
		ctx := context.WithValue(r.Context(), tokenContextKey{}, tok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromContext(ctx context.Context) Token {
	return ctx.Value(tokenContextKey{}).(Token)
}

type tokenContextKey struct{}

func bearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, ok := strings.CutPrefix(v, "token "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
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

func handleNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "%v", err)
}
