package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/clock"
	"github.com/Dicklesworthstone/steamboost/internal/db"
	"github.com/Dicklesworthstone/steamboost/internal/fleet"
	"github.com/Dicklesworthstone/steamboost/internal/status"
	"github.com/Dicklesworthstone/steamboost/internal/steam"
)

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeHistory struct {
	events  []db.Event
	stats   *db.AccountStats
	err     error
	limit   int
	deleted []string
}

func (f *fakeHistory) History(id string, limit int) ([]db.Event, error) {
	f.limit = limit
	return f.events, f.err
}

func (f *fakeHistory) Stats(id string) (*db.AccountStats, error) {
	return f.stats, f.err
}

func (f *fakeHistory) DeleteAccount(id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

type harness struct {
	srv     *Server
	fleet   *fleet.Manager
	reg     *account.Registry
	hub     *status.Hub
	history *fakeHistory
}

func newHarness(t *testing.T, auth BasicAuth) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Fake(epoch)
	reg := account.NewRegistry(&account.MemoryStore{},
		account.WithDefaults([]account.Record{
			{ID: "main", DisplayName: "Main", Username: "main_user", Password: "pw", GameIDs: []uint32{730}},
			{ID: "guarded", DisplayName: "Guarded", Username: "guarded_user", Password: "pw"},
		}),
		account.WithLogger(logger),
		account.WithNow(clk.Now))
	reg.Load()

	factory := steam.NewSimulatedFactory(func(id string) steam.SimulatedOptions {
		return steam.SimulatedOptions{Clock: clk, RequireGuard: id == "guarded"}
	})
	mgr := fleet.New(fleet.Options{
		Registry:  reg,
		Factory:   factory,
		Clock:     clk,
		Logger:    logger,
		CodeBurst: 10,
	})
	t.Cleanup(mgr.Close)

	projector := status.NewProjector(reg, mgr, clk.Now, 10)
	hub := status.NewHub(projector, time.Hour, logger)
	history := &fakeHistory{}

	srv := NewServer(Options{
		Addr:      "127.0.0.1:0",
		Fleet:     mgr,
		Projector: projector,
		Hub:       hub,
		History:   history,
		Auth:      auth,
		Logger:    logger,
	})
	return &harness{srv: srv, fleet: mgr, reg: reg, hub: hub, history: history}
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec, out
}

func (h *harness) state(t *testing.T, id string) account.State {
	t.Helper()
	rec, ok := h.reg.Get(id)
	require.True(t, ok)
	return rec.State
}

func TestHealth(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["accounts"])
}

func TestIndexServesDashboard(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, _ := h.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/ws")

	rec, _ = h.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, _ := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, []string{"main", "guarded"}, snap.Order)
	assert.Equal(t, account.StateOffline, snap.Accounts["main"].ConnectionState)
	assert.NotContains(t, rec.Body.String(), "main_user")
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, body := h.do(t, http.MethodPost, "/api/start/main", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, account.StateOnline, h.state(t, "main"))

	rec, body = h.do(t, http.MethodPost, "/api/start/main", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, body = h.do(t, http.MethodPost, "/api/stop/main", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, account.StateOffline, h.state(t, "main"))
}

func TestUnknownAccount(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	for _, path := range []string{"/api/start/ghost", "/api/stop/ghost", "/api/stop/main"} {
		rec, body := h.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, false, body["success"], path)
		assert.NotEmpty(t, body["error"], path)
	}
}

func TestStartAllStopAll(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, body := h.do(t, http.MethodPost, "/api/start-all", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, account.StateOnline, h.state(t, "main"))
	assert.Equal(t, account.StateAwaitingChallenge, h.state(t, "guarded"))

	rec, body = h.do(t, http.MethodPost, "/api/start-all", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Len(t, body["errors"], 2)

	rec, body = h.do(t, http.MethodPost, "/api/stop-all", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, account.StateOffline, h.state(t, "guarded"))
}

func TestGuard(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, body := h.do(t, http.MethodPost, "/api/guard/guarded", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "code is required", body["error"])

	rec, body = h.do(t, http.MethodPost, "/api/guard/guarded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "code is required", body["error"])

	rec, _ = h.do(t, http.MethodPost, "/api/guard/guarded", `{"code":"ABCDE"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no session yet")

	h.do(t, http.MethodPost, "/api/start/guarded", "")
	require.Equal(t, account.StateAwaitingChallenge, h.state(t, "guarded"))

	rec, body = h.do(t, http.MethodPost, "/api/guard/guarded", `{"code":"ABCDE"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, account.StateOnline, h.state(t, "guarded"))

	rec, _ = h.do(t, http.MethodPost, "/api/guard/guarded", `{"code":"ABCDE"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "no challenge pending")

	rec, _ = h.do(t, http.MethodPost, "/api/guard/guarded", `{"code":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddRemoveAccount(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, body := h.do(t, http.MethodPost, "/api/accounts", `{"username":"new_user","password":"pw","displayName":"New","gameIds":[440]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	added, ok := h.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "New", added.DisplayName)
	assert.Equal(t, []uint32{440}, added.GameIDs)

	rec, body = h.do(t, http.MethodPost, "/api/accounts", `{"username":"","password":"pw"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = h.do(t, http.MethodDelete, "/api/accounts/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.reg.Has(id))
	assert.Empty(t, h.history.deleted, "history kept without purge")

	rec, _ = h.do(t, http.MethodDelete, "/api/accounts/guarded?purge=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"guarded"}, h.history.deleted)

	rec, _ = h.do(t, http.MethodDelete, "/api/accounts/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	h := newHarness(t, BasicAuth{})
	h.history.events = []db.Event{{ID: 1, AccountID: "main", EventType: "logged_on", Timestamp: epoch}}

	rec, body := h.do(t, http.MethodGet, "/api/accounts/main/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "main", body["accountId"])
	assert.Len(t, body["events"], 1)
	assert.Equal(t, 5, h.history.limit)

	h.do(t, http.MethodGet, "/api/accounts/main/history?limit=999999", "")
	assert.Equal(t, maxHistoryLimit, h.history.limit)

	rec, _ = h.do(t, http.MethodGet, "/api/accounts/main/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/accounts/ghost/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.history.err = errors.New("disk on fire")
	rec, body = h.do(t, http.MethodGet, "/api/accounts/main/history", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, body["error"], "disk")
}

func TestStats(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, body := h.do(t, http.MethodGet, "/api/accounts/main/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, body["stats"])

	h.history.stats = &db.AccountStats{AccountID: "main", TotalLogins: 3}
	rec, body = h.do(t, http.MethodGet, "/api/accounts/main/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats, _ := body["stats"].(map[string]any)
	assert.EqualValues(t, 3, stats["totalLogins"])

	rec, _ = h.do(t, http.MethodGet, "/api/accounts/ghost/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEmptyIsArray(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	rec, _ := h.do(t, http.MethodGet, "/api/accounts/main/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)
	h := newHarness(t, BasicAuth{Username: "admin", PasswordHash: string(hash)})

	rec, _ := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	rec, _ = h.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	for _, tc := range []struct {
		user, pass string
		want       int
	}{
		{"admin", "wrong", http.StatusUnauthorized},
		{"root", "letmein", http.StatusUnauthorized},
		{"admin", "letmein", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		rec := httptest.NewRecorder()
		h.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s/%s", tc.user, tc.pass)
	}
}

func TestWebSocketPushesUpdates(t *testing.T) {
	h := newHarness(t, BasicAuth{})
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		h.hub.Run(ctx)
		close(hubDone)
	}()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var u status.Update
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, "update", u.Type)
	assert.Contains(t, u.Accounts, "main")

	h.do(t, http.MethodPost, "/api/start/main", "")
	h.hub.Publish()

	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, account.StateOnline, u.Accounts["main"].ConnectionState)

	// Stopping the hub closes the socket from the server side.
	cancel()
	<-hubDone
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)
			break
		}
	}
}

func TestServeAndShutdown(t *testing.T) {
	h := newHarness(t, BasicAuth{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Shutdown may race the listener startup; either way Start returns nil.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
