// Package api serves the dashboard and the HTTP control surface.
package api

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/Dicklesworthstone/steamboost/internal/db"
	"github.com/Dicklesworthstone/steamboost/internal/fleet"
	"github.com/Dicklesworthstone/steamboost/internal/session"
	"github.com/Dicklesworthstone/steamboost/internal/status"
)

//go:embed web
var webFS embed.FS

const (
	maxBodyBytes    = 64 << 10
	maxHistoryLimit = 1000

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4 << 10
)

// HistorySource serves the persisted activity log.
type HistorySource interface {
	History(accountID string, limit int) ([]db.Event, error)
	Stats(accountID string) (*db.AccountStats, error)
	DeleteAccount(accountID string) error
}

// BasicAuth protects every route but /health when PasswordHash is set.
type BasicAuth struct {
	Username     string
	PasswordHash string
}

// Options configures a Server.
type Options struct {
	Addr      string
	Fleet     *fleet.Manager
	Projector *status.Projector
	Hub       *status.Hub
	History   HistorySource
	Auth      BasicAuth
	Logger    *slog.Logger
}

// Server exposes the fleet over HTTP and WebSocket.
type Server struct {
	fleet     *fleet.Manager
	projector *status.Projector
	hub       *status.Hub
	history   HistorySource
	auth      BasicAuth
	logger    *slog.Logger
	started   time.Time

	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server
}

// NewServer creates a server. It does not start listening.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		fleet:     opts.Fleet,
		projector: opts.Projector,
		hub:       opts.Hub,
		history:   opts.History,
		auth:      opts.Auth,
		logger:    opts.Logger,
		started:   time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start/{id}", s.handleStart)
	mux.HandleFunc("POST /api/stop/{id}", s.handleStop)
	mux.HandleFunc("POST /api/start-all", s.handleStartAll)
	mux.HandleFunc("POST /api/stop-all", s.handleStopAll)
	mux.HandleFunc("POST /api/guard/{id}", s.handleGuard)
	mux.HandleFunc("POST /api/accounts", s.handleAddAccount)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.handleRemoveAccount)
	mux.HandleFunc("GET /api/accounts/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/accounts/{id}/stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.handler = s.withLogging(s.withAuth(mux))
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens on the configured address and serves until Shutdown.
// http.ErrServerClosed is not reported as an error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting API server", "addr", ln.Addr().String(), "auth", s.auth.PasswordHash != "")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. WebSocket connections end when
// the hub stops.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.auth.PasswordHash == "" {
		return next
	}
	hash := []byte(s.auth.PasswordHash)
	user := []byte(s.auth.Username)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), user) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="steamboost", charset="UTF-8"`)
			writeJSON(w, http.StatusUnauthorized, fleet.Result{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := fs.ReadFile(webFS, "web/index.html")
	if err != nil {
		http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(page)
}

// HealthResponse is the response from /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Accounts  int       `json:"accounts"`
	Active    int       `json:"active"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Accounts:  s.fleet.Registry().Len(),
		Active:    len(s.fleet.Active()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.projector.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.fleet.StartOne(r.Context(), r.PathValue("id")))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.fleet.StopOne(r.Context(), r.PathValue("id")))
}

// BatchResult reports a start-all or stop-all. Errors is keyed by account
// id and lists only the failures.
type BatchResult struct {
	Success bool              `json:"success"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	s.respondBatch(w, s.fleet.StartAll(r.Context()))
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.respondBatch(w, s.fleet.StopAll(r.Context()))
}

func (s *Server) respondBatch(w http.ResponseWriter, failures map[string]error) {
	res := BatchResult{Success: len(failures) == 0}
	if len(failures) > 0 {
		res.Errors = make(map[string]string, len(failures))
		for id, err := range failures {
			res.Errors[id] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// GuardRequest is the body of POST /api/guard/{id}.
type GuardRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	var req GuardRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fleet.Result{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.respond(w, session.ErrInvalidArgument)
		return
	}
	s.respond(w, s.fleet.SubmitChallengeCode(r.Context(), r.PathValue("id"), req.Code))
}

// AddAccountResponse is returned by POST /api/accounts.
type AddAccountResponse struct {
	fleet.Result
	ID string `json:"id,omitempty"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req fleet.NewAccount
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fleet.Result{Error: err.Error()})
		return
	}
	rec, err := s.fleet.AddAccount(r.Context(), req)
	if err != nil {
		writeJSON(w, fleet.HTTPStatus(err), AddAccountResponse{Result: fleet.ResultOf(err)})
		return
	}
	s.hub.Publish()
	writeJSON(w, http.StatusCreated, AddAccountResponse{Result: fleet.ResultOf(nil), ID: rec.ID})
}

// handleRemoveAccount deletes the account. With ?purge=true its activity
// history goes too.
func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.fleet.RemoveAccount(r.Context(), id); err != nil {
		s.respond(w, err)
		return
	}
	s.hub.Publish()

	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge && s.history != nil {
		if err := s.history.DeleteAccount(id); err != nil {
			s.logger.Warn("failed to purge history", "account", id, "error", err)
		}
	}
	s.respond(w, nil)
}

// HistoryResponse is returned by GET /api/accounts/{id}/history.
type HistoryResponse struct {
	AccountID string     `json:"accountId"`
	Events    []db.Event `json:"events"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.fleet.Registry().Has(id) {
		s.respond(w, fmt.Errorf("%w: %s", fleet.ErrNotFound, id))
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, fleet.Result{Error: "activity history is disabled"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, fleet.Result{Error: "limit must be a non-negative integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events, err := s.history.History(id, limit)
	if err != nil {
		s.logger.Error("failed to read history", "account", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, fleet.Result{Error: "failed to read history"})
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{AccountID: id, Events: events})
}

// StatsResponse is returned by GET /api/accounts/{id}/stats. Stats is null
// until the account has recorded activity.
type StatsResponse struct {
	AccountID string           `json:"accountId"`
	Stats     *db.AccountStats `json:"stats"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.fleet.Registry().Has(id) {
		s.respond(w, fmt.Errorf("%w: %s", fleet.ErrNotFound, id))
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, fleet.Result{Error: "activity history is disabled"})
		return
	}
	stats, err := s.history.Stats(id)
	if err != nil {
		s.logger.Error("failed to read stats", "account", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, fleet.Result{Error: "failed to read stats"})
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{AccountID: id, Stats: stats})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	frames, cancel := s.hub.Subscribe()
	s.logger.Debug("dashboard connected", "remote", r.RemoteAddr, "subscribers", s.hub.Subscribers())

	done := make(chan struct{})
	go func() {
		defer close(done)
		writePump(conn, frames)
	}()
	readPump(conn)
	cancel()
	<-done
	s.logger.Debug("dashboard disconnected", "remote", r.RemoteAddr)
}

// writePump forwards hub frames to conn and pings it until frames is
// closed or a write fails. It closes conn on return.
func writePump(conn *websocket.Conn, frames <-chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and returns when the peer goes away.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil && fleet.HTTPStatus(err) == http.StatusInternalServerError {
		s.logger.Error("operation failed", "error", err)
	}
	writeJSON(w, fleet.HTTPStatus(err), fleet.ResultOf(err))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
