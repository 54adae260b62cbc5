package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/routerwatch-core/internal/auth"
	"github.com/nerrad567/routerwatch-core/internal/fleet"
	"github.com/nerrad567/routerwatch-core/internal/history"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/config"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/kvstore"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/logging"
)

const testPassword = "correct horse"

var (
	hashOnce sync.Once
	testHash string
)

// operatorHash hashes the test password once; argon2 is slow on purpose.
func operatorHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := auth.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		testHash = h
	})
	return testHash
}

// ─── Fakes ─────────────────────────────────────────────────────────

type fakeFleet struct {
	mu     sync.Mutex
	ids    []fleet.Identity
	states map[string]fleet.DeviceState
	conns  map[string]fleet.ConnState
}

func newFakeFleet(ids ...fleet.Identity) *fakeFleet {
	f := &fakeFleet{states: map[string]fleet.DeviceState{}, conns: map[string]fleet.ConnState{}}
	for _, id := range ids {
		f.ids = append(f.ids, id)
		f.states[id.ID] = fleet.DeviceState{DeviceID: id.ID, Status: fleet.StatusConnecting}
		f.conns[id.ID] = fleet.ConnConnected
	}
	return f
}

func (f *fakeFleet) States() []fleet.DeviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fleet.DeviceState, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, f.states[id.ID])
	}
	return out
}

func (f *fakeFleet) State(id string) (fleet.DeviceState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeFleet) Identities() []fleet.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.Identity(nil), f.ids...)
}

func (f *fakeFleet) Identity(id string) (fleet.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.ids {
		if i.ID == id {
			return i, true
		}
	}
	return fleet.Identity{}, false
}

func (f *fakeFleet) ConnState(id string) (fleet.ConnState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	return c, ok
}

func (f *fakeFleet) Reconcile(_ context.Context, desired []fleet.Identity) (fleet.Delta, error) {
	if err := fleet.ValidateDesired(desired); err != nil {
		return fleet.Delta{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d := fleet.Diff(f.ids, desired)
	f.ids = append([]fleet.Identity(nil), desired...)
	return d, nil
}

func (f *fakeFleet) setState(s fleet.DeviceState) {
	f.mu.Lock()
	f.states[s.DeviceID] = s
	f.mu.Unlock()
}

type fakeCommands struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCommands) record(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, name)
	return nil
}

func (c *fakeCommands) Reboot(id string) error { return c.record("reboot:"+id) }
func (c *fakeCommands) SetSchedules(id string, e []fleet.ScheduleEntry) error {
	for _, entry := range e {
		if err := entry.Validate(); err != nil {
			return err
		}
	}
	return c.record("schedules:"+id)
}
func (c *fakeCommands) ClearSchedules(id string) error { return c.record("clear:"+id) }
func (c *fakeCommands) StartOTA(id, url string) error  { return c.record("ota:"+id) }
func (c *fakeCommands) ConfigurePingReboot(id string, cfg fleet.PingRebootConfig) error {
	return c.record("ping:"+id)
}
func (c *fakeCommands) RequestVersion(id string) error { return c.record("version:"+id) }

type fakeHistory struct {
	entries   []history.Entry
	err       error
	lastLimit int
}

func (h *fakeHistory) List(_ context.Context, limit int) ([]history.Entry, error) {
	h.lastLimit = limit
	return h.entries, h.err
}

func (h *fakeHistory) ListDevice(_ context.Context, id string, limit int) ([]history.Entry, error) {
	h.lastLimit = limit
	var out []history.Entry
	for _, e := range h.entries {
		if e.DeviceID == id {
			out = append(out, e)
		}
	}
	return out, h.err
}

type fakeMeta map[string]kvstore.DeviceMeta

func (m fakeMeta) Get(id string) (kvstore.DeviceMeta, error) {
	meta, ok := m[id]
	if !ok {
		return kvstore.DeviceMeta{}, kvstore.ErrNotFound
	}
	return meta, nil
}

func (m fakeMeta) List() ([]kvstore.DeviceMeta, error) {
	out := make([]kvstore.DeviceMeta, 0, len(m))
	for _, meta := range m {
		out = append(out, meta)
	}
	return out, nil
}

// ─── Harness ───────────────────────────────────────────────────────

type testEnv struct {
	srv      *Server
	handler  http.Handler
	fleet    *fakeFleet
	commands *fakeCommands
	history  *fakeHistory
	meta     fakeMeta
}

func identity(id string) fleet.Identity {
	return fleet.Identity{
		ID:          id,
		Name:        "Router " + id,
		Broker:      fleet.Broker{Host: "broker.example.com", Port: 8884, Path: "/mqtt"},
		Credentials: fleet.Credentials{Username: id, Password: "pw-" + id},
	}
}

func testLogger() *logging.Logger {
	return logging.Discard()
}

func newTestEnv(t *testing.T, operator config.OperatorConfig) *testEnv {
	t.Helper()

	env := &testEnv{
		fleet:    newFakeFleet(identity("rtr-1"), identity("rtr-2")),
		commands: &fakeCommands{},
		history:  &fakeHistory{},
		meta:     fakeMeta{},
	}
	authn := auth.NewAuthenticator(operator, auth.NewTokenIssuer("test-secret-key-at-least-32-characters-long", time.Hour))

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:       config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:   testLogger(),
		Fleet:    env.fleet,
		Commands: env.commands,
		History:  env.history,
		Meta:     env.meta,
		Auth:     authn,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.srv = srv
	env.handler = srv.Handler()
	return env
}

func testServer(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnv(t, config.OperatorConfig{Username: "operator", PasswordHash: operatorHash(t)})
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"operator","password":"`+testPassword+`"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp.AccessToken
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Health and Middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)
	env.fleet.setState(fleet.DeviceState{DeviceID: "rtr-1", Status: fleet.StatusOnline})

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("resp = %v", resp)
	}
	if resp["devices"] != float64(2) || resp["online"] != float64(1) {
		t.Errorf("counts = %v / %v, want 2 / 1", resp["devices"], resp["online"])
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"open policy", nil, "http://localhost:3000", "*"},
		{"listed origin", []string{"https://dash.example.com"}, "https://dash.example.com", "https://dash.example.com"},
		{"unlisted origin", []string{"https://dash.example.com"}, "https://evil.example.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			env.srv.cfg.CORS.AllowedOrigins = tt.origins
			h := env.srv.Handler()

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("ACAO = %q, want %q", got, tt.want)
			}
			if w.Code == http.StatusUnauthorized {
				t.Error("preflight reached auth middleware")
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)
	if w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Auth ──────────────────────────────────────────────────────────

func TestLogin(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"username":"operator","password":"` + testPassword + `"}`, http.StatusOK},
		{"wrong password", `{"username":"operator","password":"nope"}`, http.StatusUnauthorized},
		{"wrong user", `{"username":"admin","password":"` + testPassword + `"}`, http.StatusUnauthorized},
		{"bad json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/auth/login", tt.body, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want != http.StatusOK {
				return
			}
			resp := decode[loginResponse](t, w)
			if resp.AccessToken == "" || resp.TokenType != "Bearer" || resp.ExpiresIn <= 0 {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestLogin_NotConfigured(t *testing.T) {
	env := newTestEnv(t, config.OperatorConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"x","password":"y"}`, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := testServer(t)
	token := env.login(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"valid token", token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, http.MethodGet, "/api/v1/devices", "", tt.token); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestTickets(t *testing.T) {
	store := newTicketStore()
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }

	ticket := store.issue("operator")
	entry, ok := store.consume(ticket)
	if !ok || entry.subject != "operator" {
		t.Errorf("first consume = %+v, %v", entry, ok)
	}
	if _, ok := store.consume(ticket); ok {
		t.Error("ticket accepted twice")
	}

	expired := store.issue("operator")
	now = now.Add(ticketTTL + time.Second)
	if _, ok := store.consume(expired); ok {
		t.Error("expired ticket accepted")
	}

	store.issue("operator")
	now = now.Add(ticketTTL + time.Second)
	store.cleanExpired()
	if n := len(store.tickets); n != 0 {
		t.Errorf("tickets after cleanup = %d, want 0", n)
	}
}

// ─── Devices and Fleet ─────────────────────────────────────────────

func TestListDevices_JoinsPersistedMeta(t *testing.T) {
	env := testServer(t)
	token := env.login(t)

	seen := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	cleared := seen.Add(time.Hour)
	env.meta["rtr-2"] = kvstore.DeviceMeta{
		DeviceID:           "rtr-2",
		LastSeen:           &seen,
		LastAction:         "Reboot",
		LastActionTime:     &seen,
		SchedulesClearedAt: &cleared,
	}
	env.meta["rtr-gone"] = kvstore.DeviceMeta{DeviceID: "rtr-gone", LastSeen: &seen}
	live := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	env.fleet.setState(fleet.DeviceState{DeviceID: "rtr-1", Status: fleet.StatusOnline, LastSeen: &live})

	w := env.do(t, http.MethodGet, "/api/v1/devices", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Devices []struct {
			DeviceID           string     `json:"device_id"`
			Name               string     `json:"name"`
			Status             string     `json:"status"`
			Connection         string     `json:"connection"`
			LastSeen           *time.Time `json:"last_seen"`
			LastAction         string     `json:"last_action"`
			SchedulesClearedAt *time.Time `json:"schedules_cleared_at"`
		} `json:"devices"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}

	d1, d2 := resp.Devices[0], resp.Devices[1]
	if d1.Name != "Router rtr-1" || d1.Status != "online" || d1.Connection != "connected" {
		t.Errorf("rtr-1 = %+v", d1)
	}
	if d1.LastSeen == nil || !d1.LastSeen.Equal(live) {
		t.Errorf("rtr-1 last_seen = %v, want live value", d1.LastSeen)
	}
	if d2.LastSeen == nil || !d2.LastSeen.Equal(seen) || d2.LastAction != "Reboot" {
		t.Errorf("rtr-2 = %+v, want persisted last seen and action", d2)
	}
	if d2.SchedulesClearedAt == nil || !d2.SchedulesClearedAt.Equal(cleared) {
		t.Errorf("rtr-2 schedules_cleared_at = %v", d2.SchedulesClearedAt)
	}
}

func TestGetDevice(t *testing.T) {
	env := testServer(t)
	token := env.login(t)
	env.meta["rtr-1"] = kvstore.DeviceMeta{DeviceID: "rtr-1", LastAction: "PowerOff"}

	w := env.do(t, http.MethodGet, "/api/v1/devices/rtr-1", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["device_id"] != "rtr-1" {
		t.Errorf("device_id = %v", resp["device_id"])
	}
	if resp["last_action"] != "PowerOff" {
		t.Errorf("last_action = %v, want persisted PowerOff", resp["last_action"])
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/ghost", "", token); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
}

func TestGetFleet_HidesPasswords(t *testing.T) {
	env := testServer(t)
	token := env.login(t)

	w := env.do(t, http.MethodGet, "/api/v1/fleet", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "pw-rtr-1") {
		t.Errorf("password leaked: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"username":"rtr-1"`) {
		t.Errorf("username missing: %s", w.Body.String())
	}
}

func TestPutFleet(t *testing.T) {
	env := testServer(t)
	token := env.login(t)

	body := `{"devices":[
		{"id":"rtr-2","name":"Router rtr-2","broker":{"host":"broker.example.com","port":8884,"path":"/mqtt"},"credentials":{"username":"rtr-2","password":"pw-rtr-2"}},
		{"id":"rtr-3","broker":{"host":"broker.example.com"}}
	]}`
	w := env.do(t, http.MethodPut, "/api/v1/fleet", body, token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decode[putFleetResponse](t, w)
	if len(resp.Removed) != 1 || resp.Removed[0] != "rtr-1" {
		t.Errorf("removed = %v, want [rtr-1]", resp.Removed)
	}
	if len(resp.Added) != 1 || resp.Added[0] != "rtr-3" {
		t.Errorf("added = %v, want [rtr-3]", resp.Added)
	}

	dup := `{"devices":[{"id":"a","broker":{"host":"h"}},{"id":"a","broker":{"host":"h"}}]}`
	if w := env.do(t, http.MethodPut, "/api/v1/fleet", dup, token); w.Code != http.StatusBadRequest {
		t.Errorf("duplicate ids status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/api/v1/fleet", `[`, token); w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", w.Code)
	}
}

// ─── Commands ──────────────────────────────────────────────────────

func TestCommands(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		err      error
		want     int
		wantCall string
	}{
		{"reboot", http.MethodPost, "/api/v1/devices/rtr-1/reboot", "", nil, http.StatusAccepted, "reboot:rtr-1"},
		{"version", http.MethodPost, "/api/v1/devices/rtr-1/version", "", nil, http.StatusAccepted, "version:rtr-1"},
		{"clear schedules", http.MethodDelete, "/api/v1/devices/rtr-1/schedules", "", nil, http.StatusAccepted, "clear:rtr-1"},
		{"set schedules", http.MethodPut, "/api/v1/devices/rtr-1/schedules",
			`{"entries":[{"action":"reboot","time":"03:30","enabled":true}]}`, nil, http.StatusAccepted, "schedules:rtr-1"},
		{"bad schedule", http.MethodPut, "/api/v1/devices/rtr-1/schedules",
			`{"entries":[{"action":"reboot","time":"99:99"}]}`, nil, http.StatusBadRequest, ""},
		{"ota", http.MethodPost, "/api/v1/devices/rtr-1/ota", `{"url":"https://fw.example.com/a.bin"}`, nil, http.StatusAccepted, "ota:rtr-1"},
		{"ota bad json", http.MethodPost, "/api/v1/devices/rtr-1/ota", `{`, nil, http.StatusBadRequest, ""},
		{"ping reboot", http.MethodPut, "/api/v1/devices/rtr-1/ping-reboot", `{"enabled":true,"threshold":3}`, nil, http.StatusAccepted, "ping:rtr-1"},
		{"disconnected", http.MethodPost, "/api/v1/devices/rtr-1/reboot", "", fleet.ErrCommandRejected, http.StatusConflict, ""},
		{"invalid", http.MethodPost, "/api/v1/devices/rtr-1/ota", `{"url":"x"}`, fleet.ErrInvalidCommand, http.StatusBadRequest, ""},
		{"unknown device", http.MethodPost, "/api/v1/devices/ghost/reboot", "", nil, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			token := env.login(t)
			env.commands.err = tt.err

			w := env.do(t, tt.method, tt.path, tt.body, token)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.wantCall == "" {
				if len(env.commands.calls) != 0 {
					t.Errorf("calls = %v, want none", env.commands.calls)
				}
				return
			}
			if len(env.commands.calls) != 1 || env.commands.calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want [%s]", env.commands.calls, tt.wantCall)
			}
		})
	}
}

func TestCommands_RejectedCode(t *testing.T) {
	env := testServer(t)
	token := env.login(t)
	env.commands.err = fleet.ErrCommandRejected

	w := env.do(t, http.MethodPost, "/api/v1/devices/rtr-1/reboot", "", token)
	if resp := decode[Error](t, w); resp.Code != ErrCodeUnavailable {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeUnavailable)
	}
}

// ─── History ───────────────────────────────────────────────────────

func TestHistory(t *testing.T) {
	env := testServer(t)
	token := env.login(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.history.entries = []history.Entry{
		{ID: "e2", DeviceID: "rtr-2", DeviceName: "Router rtr-2", Timestamp: at, EventType: "Rebooting"},
		{ID: "e1", DeviceID: "rtr-1", DeviceName: "Router rtr-1", Timestamp: at.Add(-time.Minute), EventType: "Powered off"},
	}

	w := env.do(t, http.MethodGet, "/api/v1/history?limit=10", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Events []history.Entry `json:"events"`
		Count  int             `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 || resp.Events[0].ID != "e2" || env.history.lastLimit != 10 {
		t.Errorf("resp = %+v, limit %d", resp, env.history.lastLimit)
	}

	// Removed devices keep their history.
	w = env.do(t, http.MethodGet, "/api/v1/devices/rtr-9/history", "", token)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"events":[]`) {
		t.Errorf("empty device history: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/devices/rtr-1/history", "", token)
	if !strings.Contains(w.Body.String(), `"id":"e1"`) || strings.Contains(w.Body.String(), `"id":"e2"`) {
		t.Errorf("device history = %s", w.Body.String())
	}

	if w := env.do(t, http.MethodGet, "/api/v1/history?limit=-1", "", token); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", w.Code)
	}

	env.history.err = errors.New("disk gone")
	if w := env.do(t, http.MethodGet, "/api/v1/history", "", token); w.Code != http.StatusInternalServerError {
		t.Errorf("repository error status = %d, want 500", w.Code)
	}
}

// ─── WebSocket Hub ─────────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{},
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	hub.Register(c)
	return c
}

func receive(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return WSMessage{}
	}
}

func TestHub_ListenerCallbacks(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger(), nil)
	c := newTestClient(hub, ChannelStateChanged, ChannelRemoved, ChannelEvent)

	hub.OnStateChanged(fleet.Change{
		State:  fleet.DeviceState{DeviceID: "rtr-1", Status: fleet.StatusOnline},
		Fields: []string{"status"},
	})
	msg := receive(t, c)
	payload, _ := msg.Payload.(map[string]any)
	state, _ := payload["state"].(map[string]any)
	if msg.EventType != ChannelStateChanged || state["status"] != "online" {
		t.Errorf("state change = %+v", msg)
	}

	hub.OnDeviceRemoved("rtr-1")
	if msg := receive(t, c); msg.EventType != ChannelRemoved {
		t.Errorf("event_type = %q, want %q", msg.EventType, ChannelRemoved)
	}

	hub.OnHistoryEntry(history.Entry{ID: "e1", DeviceID: "rtr-1", EventType: "Rebooting"})
	msg = receive(t, c)
	payload, _ = msg.Payload.(map[string]any)
	if msg.EventType != ChannelEvent || payload["event_type"] != "Rebooting" {
		t.Errorf("history event = %+v", msg)
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger(), nil)
	c := newTestClient(hub, ChannelEvent)

	hub.OnDeviceRemoved("rtr-1")

	select {
	case <-c.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ClientCountAndClose(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	c := newTestClient(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(c)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}

	c2 := newTestClient(hub)
	cancel()
	<-done
	if _, ok := <-c2.send; ok {
		t.Error("send channel open after hub shutdown")
	}
	// Unregister after shutdown must not double-close.
	hub.Unregister(c2)
}

// ─── WebSocket end to end ──────────────────────────────────────────

func dialWebSocket(t *testing.T, env *testEnv, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	token := env.login(t)

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d", w.Code)
	}
	ticket := decode[map[string]any](t, w)["ticket"].(string)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_SubscribeSendsSnapshot(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()
	ws := dialWebSocket(t, env, ts)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelStateChanged}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	if resp := readMessage(t, ws); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Errorf("subscribe response = %+v", resp)
	}
	for _, want := range []string{"rtr-1", "rtr-2"} {
		msg := readMessage(t, ws)
		payload, _ := msg.Payload.(map[string]any)
		state, _ := payload["state"].(map[string]any)
		if msg.EventType != ChannelStateChanged || state["device_id"] != want {
			t.Errorf("snapshot = %+v, want %s", msg, want)
		}
	}

	env.srv.Hub().OnDeviceRemoved("rtr-1")
	env.srv.Hub().OnStateChanged(fleet.Change{State: fleet.DeviceState{DeviceID: "rtr-2", Status: fleet.StatusOffline}})
	if msg := readMessage(t, ws); msg.EventType != ChannelStateChanged {
		t.Errorf("unsubscribed channel delivered: %+v", msg)
	}
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()
	ws := dialWebSocket(t, env, ts)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ws); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v", msg)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ws); msg.Type != WSTypeError {
		t.Errorf("invalid JSON reply = %+v", msg)
	}

	if err := ws.WriteJSON(WSMessage{Type: "launch", ID: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ws); msg.Type != WSTypeError || msg.ID != "x" {
		t.Errorf("unknown type reply = %+v", msg)
	}
}

func TestWebSocket_TicketRequired(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"

	for _, url := range []string{base, base + "?ticket=invalid-ticket"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("dial %s succeeded without a valid ticket", url)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("dial %s: resp = %v, want 401", url, resp)
		}
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() accepted empty deps")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() accepted missing fleet")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() passed before Start")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
