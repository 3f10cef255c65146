package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/leozw/site-healer/internal/api/handlers"
	"github.com/leozw/site-healer/internal/api/middleware"
	"github.com/leozw/site-healer/internal/backup"
	"github.com/leozw/site-healer/internal/circuit"
	"github.com/leozw/site-healer/internal/config"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/db"
	"github.com/leozw/site-healer/internal/detector"
	"github.com/leozw/site-healer/internal/healing"
	"github.com/leozw/site-healer/internal/plugins"
	"github.com/leozw/site-healer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Submit(ctx context.Context, kind core.TaskKind, payload map[string]interface{}) (string, error) {
	args := m.Called(kind, payload)
	return args.String(0), args.Error(1)
}

func (m *mockQueue) GetProgress(ctx context.Context, taskID string) (*core.TaskProgress, error) {
	args := m.Called(taskID)
	p, _ := args.Get(0).(*core.TaskProgress)
	return p, args.Error(1)
}

type fakeServers struct {
	servers []*db.Server
}

func (f *fakeServers) CreateServer(ctx context.Context, s *db.Server) error {
	f.servers = append(f.servers, s)
	return nil
}

func (f *fakeServers) ListServers(ctx context.Context) ([]*db.Server, error) {
	return f.servers, nil
}

type storeAudit struct{ *testutil.MemoryStore }

func (s storeAudit) ListAuditEvents(ctx context.Context, applicationID string, limit int) ([]core.AuditEvent, error) {
	var out []core.AuditEvent
	for _, e := range s.Events() {
		if e.ApplicationID == applicationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (f *fakeCache) CacheHealth(ctx context.Context, applicationID, subdomain string, health interface{}) error {
	b, err := json.Marshal(health)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[applicationID+"|"+subdomain] = b
	return nil
}

func (f *fakeCache) GetCachedHealth(ctx context.Context, applicationID, subdomain string, dest interface{}) error {
	f.mu.Lock()
	b, ok := f.entries[applicationID+"|"+subdomain]
	f.mu.Unlock()
	if !ok {
		return core.ErrNotFound
	}
	return json.Unmarshal(b, dest)
}

func (f *fakeCache) InvalidateHealth(ctx context.Context, applicationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.entries {
		if len(k) > len(applicationID) && k[:len(applicationID)+1] == applicationID+"|" {
			delete(f.entries, k)
		}
	}
	return nil
}

type env struct {
	router  *gin.Engine
	store   *testutil.MemoryStore
	queue   *mockQueue
	servers *fakeServers
	cache   *fakeCache
}

func wordpressApp() *core.Application {
	app := core.NewApplication("app-1", "srv-1", "example.com", "/home/acme/public_html")
	app.TechStack = core.StackWordPress
	app.IsHealerEnabled = true
	return app
}

func newEnv(t *testing.T, app *core.Application, exec *testutil.Executor) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := testutil.NewMemoryStore(app)
	registry := plugins.NewDefaultRegistry(exec, logger)
	svc := healing.NewService(healing.Deps{
		Apps:     store,
		Results:  store,
		Audit:    store,
		Registry: registry,
		Detector: detector.New(exec, store, store, nil, logger, detector.Options{}),
		Breaker:  circuit.NewBreaker(store, nil, logger, time.Hour),
		Backups:  backup.NewManager(exec, registry, nil, logger, "/backups", 5),
	}, logger)

	e := &env{
		store:   store,
		queue:   &mockQueue{},
		servers: &fakeServers{},
		cache:   &fakeCache{entries: map[string][]byte{}},
	}
	h := handlers.NewHandler(handlers.Deps{
		Service: svc,
		Queue:   e.queue,
		Servers: e.servers,
		Audit:   storeAudit{store},
		Cache:   e.cache,
	}, logger)

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: gin.TestMode},
		Auth:   config.AuthConfig{JWTSecret: testSecret},
	}
	e.router = NewServer(cfg, h, nil, logger).Router
	return e
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	claims := middleware.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *env) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())

	w := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())

	w := e.do(t, http.MethodGet, "/api/v1/applications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/applications", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("other"))
	require.NoError(t, err)
	w = e.do(t, http.MethodGet, "/api/v1/applications", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestApplications(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())
	tok := token(t)

	w := e.do(t, http.MethodGet, "/api/v1/applications?tech_stack=wordpress", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/api/v1/applications?tech_stack=cobol", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/applications/app-1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "example.com", decode(t, w)["domain"])

	w = e.do(t, http.MethodGet, "/api/v1/applications/missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeal_PolicyDenied(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())

	w := e.do(t, http.MethodPost, "/api/v1/applications/app-1/heal", token(t), gin.H{"action": "clear_cache"})

	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, "clear_cache", body["action"])
	assert.Equal(t, "MANUAL", body["mode"])
}

func TestHeal_BypassNeedsAdmin(t *testing.T) {
	exec := testutil.NewExecutor()
	e := newEnv(t, wordpressApp(), exec)
	req := gin.H{"action": "clear_cache", "bypass_policy": true}

	w := e.do(t, http.MethodPost, "/api/v1/applications/app-1/heal", token(t), req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, exec.Commands())

	w = e.do(t, http.MethodPost, "/api/v1/applications/app-1/heal", token(t, middleware.RoleAdmin), req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
}

func TestHeal_CircuitOpen(t *testing.T) {
	app := wordpressApp()
	app.State = core.CircuitOpen
	app.ConsecutiveFailures = 3
	resetAt := time.Now().Add(30 * time.Minute)
	app.ResetAt = &resetAt
	e := newEnv(t, app, testutil.NewExecutor())

	w := e.do(t, http.MethodPost, "/api/v1/applications/app-1/heal", token(t, middleware.RoleAdmin),
		gin.H{"action": "clear_cache", "bypass_policy": true})

	require.Equal(t, http.StatusLocked, w.Code)
	assert.EqualValues(t, 30, decode(t, w)["remaining_minutes"])
}

func TestHeal_UnknownActionAndBadBody(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())
	admin := token(t, middleware.RoleAdmin)

	w := e.do(t, http.MethodPost, "/api/v1/applications/app-1/heal", admin, gin.H{"action": "format_disk", "bypass_policy": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/applications/app-1/heal", admin, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResetCircuitBreaker(t *testing.T) {
	app := wordpressApp()
	app.State = core.CircuitOpen
	app.ConsecutiveFailures = 3
	e := newEnv(t, app, testutil.NewExecutor())

	w := e.do(t, http.MethodPost, "/api/v1/applications/app-1/circuit/reset", token(t), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/applications/app-1/circuit/reset", token(t, middleware.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := e.store.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, core.CircuitClosed, got.State)

	w = e.do(t, http.MethodGet, "/api/v1/applications/app-1/audit", token(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestDiscover_Queued(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())
	e.queue.On("Submit", core.TaskDiscovery, mock.Anything).Return("task-1", nil).Once()

	w := e.do(t, http.MethodPost, "/api/v1/servers/srv-1/discover", token(t),
		gin.H{"paths": []string{"/home/acme"}, "stack_filter": []string{"laravel"}})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "task-1", decode(t, w)["task_id"])

	payload := e.queue.Calls[0].Arguments.Get(1).(map[string]interface{})
	assert.Equal(t, "srv-1", payload["server_id"])
	assert.Equal(t, []string{"LARAVEL"}, payload["stack_filter"])
	e.queue.AssertExpectations(t)

	w = e.do(t, http.MethodPost, "/api/v1/servers/srv-1/discover", token(t), gin.H{"stack_filter": []string{"cobol"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())
	e.queue.On("GetProgress", "task-1").Return(&core.TaskProgress{TaskID: "task-1", Status: core.TaskRunning, Percent: 40}, nil)
	e.queue.On("GetProgress", "missing").Return(nil, core.ErrNotFound)

	w := e.do(t, http.MethodGet, "/api/v1/tasks/task-1", token(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/tasks/missing", token(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetHealth_UsesCache(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())
	ctx := context.Background()
	for _, st := range []core.CheckStatus{core.CheckPass, core.CheckWarn} {
		require.NoError(t, e.store.SaveDiagnosticResult(ctx, &core.DiagnosticResult{
			ApplicationID: "app-1", Status: st, Severity: core.SeverityHigh,
		}))
	}

	w := e.do(t, http.MethodGet, "/api/v1/applications/app-1/health", token(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 75, decode(t, w)["score"])
	assert.Empty(t, w.Header().Get("X-Cache"))

	w = e.do(t, http.MethodGet, "/api/v1/applications/app-1/health", token(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.EqualValues(t, 75, decode(t, w)["score"])
}

func TestServers(t *testing.T) {
	e := newEnv(t, wordpressApp(), testutil.NewExecutor())
	req := gin.H{"name": "web-1", "host": "10.0.0.5", "username": "root", "password": "hunter2"}

	w := e.do(t, http.MethodPost, "/api/v1/servers", token(t), req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/servers", token(t, middleware.RoleAdmin), req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")
	require.Len(t, e.servers.servers, 1)
	assert.NotEmpty(t, e.servers.servers[0].ID)

	w = e.do(t, http.MethodPost, "/api/v1/servers", token(t, middleware.RoleAdmin), gin.H{"name": "web-2", "host": "h", "username": "root"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
