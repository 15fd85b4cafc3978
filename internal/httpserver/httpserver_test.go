package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/al-bashkir/pentest-console/internal/audit"
	"github.com/al-bashkir/pentest-console/internal/config"
	"github.com/al-bashkir/pentest-console/internal/keycheck"
	"github.com/al-bashkir/pentest-console/internal/oidc"
	"github.com/al-bashkir/pentest-console/internal/scanconfig"
	"github.com/al-bashkir/pentest-console/internal/session"
	"github.com/al-bashkir/pentest-console/internal/settings"
	"github.com/al-bashkir/pentest-console/internal/users"
	"github.com/al-bashkir/pentest-console/internal/worker"
	"github.com/al-bashkir/pentest-console/internal/workflow"
)

const (
	adminName     = "admin"
	adminPassword = "admin-password"
)

type fakeWorkflows struct {
	mu        sync.Mutex
	started   []workflow.PipelineInput
	startErr  error
	progress  map[string]*workflow.Progress
	live      []workflow.ListItem
	cancelled []string
	healthy   bool
}

func (f *fakeWorkflows) StartWorkflow(_ context.Context, in workflow.PipelineInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, in)
	return "example.com-shannon-1", nil
}

func (f *fakeWorkflows) GetProgress(_ context.Context, id string) (*workflow.Progress, error) {
	if p, ok := f.progress[id]; ok {
		return p, nil
	}
	return nil, errors.New("workflow not found: " + id)
}

func (f *fakeWorkflows) ListWorkflows(context.Context) []workflow.ListItem {
	return f.live
}

func (f *fakeWorkflows) CancelWorkflow(_ context.Context, id string) error {
	if _, ok := f.progress[id]; !ok {
		return workflow.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeWorkflows) Healthy(context.Context) bool { return f.healthy }

type fakeWorker struct {
	running  bool
	startErr error
	logs     []string
}

func (f *fakeWorker) Start(context.Context) error {
	if f.running {
		return worker.ErrAlreadyRunning
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeWorker) Stop(context.Context) error {
	if !f.running {
		return worker.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeWorker) Running() bool { return f.running }

func (f *fakeWorker) Status() worker.Status {
	st := worker.Status{Running: f.running, Logs: f.logs}
	if f.running {
		pid := 4242
		st.PID = &pid
	}
	return st
}

func (f *fakeWorker) Logs() []string { return f.logs }

type fakeKeys struct{}

func (fakeKeys) Test(_ context.Context, provider, apiKey string) (keycheck.Result, error) {
	if !keycheck.Supported(provider) {
		return keycheck.Result{}, keycheck.ErrUnknownProvider
	}
	if apiKey == "good" {
		return keycheck.Result{Valid: true}, nil
	}
	msg := "invalid x-api-key"
	return keycheck.Result{Error: &msg}, nil
}

type fakeSSO struct {
	identity  *oidc.Identity
	err       error
	completed int
}

func (f *fakeSSO) Begin() (string, string, error) {
	return "https://idp.example.com/auth?state=abc", "abc", nil
}

func (f *fakeSSO) Complete(context.Context, string, string) (*oidc.Identity, error) {
	f.completed++
	return f.identity, f.err
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	users     *users.Store
	sessions  *session.Manager
	workflows *fakeWorkflows
	worker    *fakeWorker
	auditDir  string
	configDir string
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("ROUTER_DEFAULT", "")

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Listen.HTTP = "127.0.0.1:0"

	userStore := users.Open(filepath.Join(dir, "users.json"), users.WithBcryptCost(bcrypt.MinCost))
	if err := userStore.Bootstrap(adminName, adminPassword); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	sessions := session.NewManager(session.NewMemoryStore(), time.Hour)
	t.Cleanup(sessions.Stop)

	cookies, _, err := session.NewCookies(cfg.Session.CookieName, "test-secret", false)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		users:     userStore,
		sessions:  sessions,
		workflows: &fakeWorkflows{progress: map[string]*workflow.Progress{}, healthy: true},
		worker:    &fakeWorker{logs: []string{"[stdout] ready"}},
		auditDir:  filepath.Join(dir, "audit-logs"),
		configDir: filepath.Join(dir, "configs"),
	}
	if err := os.MkdirAll(env.configDir, 0700); err != nil {
		t.Fatal(err)
	}

	deps := Deps{
		Users:     userStore,
		Sessions:  sessions,
		Cookies:   cookies,
		Settings:  settings.Open(filepath.Join(dir, "settings.json")),
		Configs:   scanconfig.NewStore(env.configDir),
		Audit:     audit.NewStore(env.auditDir),
		Workflows: env.workflows,
		Worker:    env.worker,
		Keys:      fakeKeys{},
	}
	for _, m := range mutate {
		m(cfg, &deps)
	}

	server, err := NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() {
		server.apiLimiter.Stop()
		server.loginLimiter.Stop()
	})

	env.server = server
	env.handler = server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body string, cookie *http.Cookie) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w.Result()
}

func (e *testEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	resp := e.do(t, "POST", "/api/auth/login", `{"username":"`+username+`","password":"`+password+`"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "console.sid" && c.Value != "" {
			return c
		}
	}
	t.Fatal("login: no session cookie set")
	return nil
}

func (e *testEnv) addUser(t *testing.T, username string, admin bool) {
	t.Helper()
	_, err := e.users.Create(users.CreateInput{Username: username, Password: "user-password", IsAdmin: admin}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, msg string) errorResponse {
	t.Helper()
	expectStatus(t, resp, status)
	got := decode[errorResponse](t, resp)
	if got.Error != msg {
		t.Errorf("expected error %q, got %q", msg, got.Error)
	}
	return got
}

func TestNewServerRequiresDeps(t *testing.T) {
	if _, err := NewServer(config.DefaultConfig(), Deps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.worker.running = true

	resp := env.do(t, "GET", "/api/health", "", nil)
	expectStatus(t, resp, http.StatusOK)

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	got := decode[healthResponse](t, resp)
	if got.Status != "ok" || !got.Temporal || !got.Worker {
		t.Errorf("unexpected health response: %+v", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("development", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, "GET", "/api/health", "", nil)

		expected := map[string]string{
			"X-Frame-Options":        "DENY",
			"X-Content-Type-Options": "nosniff",
			"X-XSS-Protection":       "0",
			"Referrer-Policy":        "strict-origin-when-cross-origin",
		}
		for header, want := range expected {
			if got := resp.Header.Get(header); got != want {
				t.Errorf("expected %s=%q, got %q", header, want, got)
			}
		}
		if got := resp.Header.Get("Strict-Transport-Security"); got != "" {
			t.Errorf("expected no HSTS outside production, got %q", got)
		}
	})

	t.Run("production", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config, _ *Deps) { cfg.Production = true })
		resp := env.do(t, "GET", "/api/health", "", nil)

		if got := resp.Header.Get("Content-Security-Policy"); got == "" {
			t.Error("expected Content-Security-Policy in production")
		}
		if got := resp.Header.Get("Strict-Transport-Security"); got == "" {
			t.Error("expected Strict-Transport-Security in production")
		}
	})
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t)

	okCount, limited := 0, 0
	for i := 0; i < 100; i++ {
		resp := env.do(t, "GET", "/api/health", "", nil)
		switch resp.StatusCode {
		case http.StatusOK:
			okCount++
		case http.StatusTooManyRequests:
			limited++
		}
	}

	if limited == 0 {
		t.Error("expected some requests to be rate limited")
	}
	if okCount == 0 {
		t.Error("expected some requests to succeed")
	}
}

func TestRateLimitSkipsStaticAssets(t *testing.T) {
	dist := t.TempDir()
	writeAuditFile(t, dist, "index.html", "<html>app</html>")
	writeAuditFile(t, dist, "assets/app.js", "console.log(1)")

	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) { cfg.Web.DistDir = dist })

	for i := 0; i < 100; i++ {
		if resp := env.do(t, "GET", "/assets/app.js", "", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("asset request %d: status %d", i, resp.StatusCode)
		}
	}
	expectStatus(t, env.do(t, "GET", "/api/health", "", nil), http.StatusOK)
}

func TestUnknownAPIRoute(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.do(t, "GET", "/api/nope", "", nil), http.StatusNotFound, "Not found")
}

func TestLoginLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rejected := []struct {
		body   string
		status int
	}{
		{`{"username":"admin","password":"wrong"}`, http.StatusUnauthorized},
		{`{"username":"nobody","password":"whatever"}`, http.StatusUnauthorized},
		{`{"username":""}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range rejected {
		resp := env.do(t, "POST", "/api/auth/login", tt.body, nil)
		expectStatus(t, resp, tt.status)
		if sc := resp.Header.Values("Set-Cookie"); len(sc) != 0 {
			t.Errorf("login %s: unexpected Set-Cookie %v", tt.body, sc)
		}
	}
	if n := env.sessions.Count(ctx); n != 0 {
		t.Fatalf("expected no sessions after rejected logins, got %d", n)
	}

	expectError(t, env.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil),
		http.StatusUnauthorized, "Invalid username or password")

	got := expectError(t, env.do(t, "POST", "/api/auth/login", `{"username":""}`, nil),
		http.StatusBadRequest, "Invalid request body")
	if len(got.Details) != 2 {
		t.Errorf("expected 2 validation details, got %v", got.Details)
	}

	resp := env.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"admin-password"}`, nil)
	expectStatus(t, resp, http.StatusOK)
	cookie := findCookie(resp, "console.sid")
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected session cookie")
	}
	if !cookie.HttpOnly {
		t.Error("expected HttpOnly session cookie")
	}
	loggedIn := decode[userEnvelope](t, resp)
	if !loggedIn.Success || loggedIn.User.ID == "" {
		t.Fatalf("unexpected login response: %+v", loggedIn)
	}
	if n := env.sessions.Count(ctx); n != 1 {
		t.Errorf("expected one session after login, got %d", n)
	}

	resp = env.do(t, "GET", "/api/auth/me", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	me := decode[userEnvelope](t, resp)
	if me.User.ID != loggedIn.User.ID {
		t.Errorf("/me returned user %q, login returned %q", me.User.ID, loggedIn.User.ID)
	}
	if me.User.Username != adminName || !me.User.IsAdmin {
		t.Errorf("unexpected user: %+v", me.User)
	}

	expectStatus(t, env.do(t, "POST", "/api/auth/logout", "", cookie), http.StatusOK)
	expectError(t, env.do(t, "GET", "/api/auth/me", "", cookie), http.StatusUnauthorized, "Authentication required")
}

func TestLoginReplacesExistingSession(t *testing.T) {
	env := newTestEnv(t)

	first := env.login(t, adminName, adminPassword)

	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{"username":"admin","password":"admin-password"}`))
	req.AddCookie(first)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	expectStatus(t, w.Result(), http.StatusOK)

	if n := env.sessions.Count(context.Background()); n != 1 {
		t.Errorf("expected exactly one live session, got %d", n)
	}
	expectStatus(t, env.do(t, "GET", "/api/auth/me", "", first), http.StatusUnauthorized)
}

func TestTamperedCookieRejected(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	_, sig, _ := strings.Cut(cookie.Value, ".")
	forged := &http.Cookie{Name: cookie.Name, Value: strings.Repeat("0", 64) + "." + sig}

	resp := env.do(t, "GET", "/api/auth/me", "", forged)
	expectError(t, resp, http.StatusUnauthorized, "Authentication required")
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t)

	var last int
	for i := 0; i < 12; i++ {
		last = env.do(t, "POST", "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil).StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("expected 429 after repeated failures, got %d", last)
	}
}

func TestSessionOfDeletedUser(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", false)
	alice := env.login(t, "alice", "user-password")

	target, _ := env.users.GetByUsername("alice")
	admin, _ := env.users.GetByUsername(adminName)
	if err := env.users.Delete(admin.ID, target.ID); err != nil {
		t.Fatal(err)
	}

	expectError(t, env.do(t, "GET", "/api/auth/me", "", alice), http.StatusUnauthorized, "Session invalid")
}

func TestUserAdministration(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", false)
	admin := env.login(t, adminName, adminPassword)
	alice := env.login(t, "alice", "user-password")

	expectError(t, env.do(t, "GET", "/api/auth/users", "", alice), http.StatusForbidden, "Admin privileges required")
	expectError(t, env.do(t, "GET", "/api/auth/users", "", nil), http.StatusUnauthorized, "Authentication required")

	resp := env.do(t, "POST", "/api/auth/users", `{"username":"bob","password":"bob-password","email":"bob@example.com"}`, admin)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[userEnvelope](t, resp)
	if created.User.Username != "bob" || created.User.IsAdmin {
		t.Errorf("unexpected created user: %+v", created.User)
	}

	expectError(t, env.do(t, "POST", "/api/auth/users", `{"username":"BOB","password":"bob-password"}`, admin),
		http.StatusConflict, "Username already exists")
	expectError(t, env.do(t, "POST", "/api/auth/users", `{"username":"b","password":"short"}`, admin),
		http.StatusBadRequest, "Invalid request body")

	resp = env.do(t, "GET", "/api/auth/users", "", admin)
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string][]users.Public](t, resp)
	if len(list["users"]) != 3 {
		t.Errorf("expected 3 users, got %d", len(list["users"]))
	}

	self, _ := env.users.GetByUsername(adminName)
	expectError(t, env.do(t, "DELETE", "/api/auth/users/"+self.ID, "", admin),
		http.StatusBadRequest, "Cannot delete your own account")
	expectError(t, env.do(t, "DELETE", "/api/auth/users/00000000-0000-0000-0000-000000000000", "", admin),
		http.StatusNotFound, "User not found")
	expectStatus(t, env.do(t, "DELETE", "/api/auth/users/"+created.User.ID, "", admin), http.StatusOK)
}

func TestStartWorkflow(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	expectError(t, env.do(t, "POST", "/api/workflows", `{"webUrl":"https://example.com"}`, cookie),
		http.StatusBadRequest, "webUrl and repoPath are required")

	got := expectError(t, env.do(t, "POST", "/api/workflows", `{"webUrl":"not a url","repoPath":"/repo"}`, cookie),
		http.StatusBadRequest, "Invalid request body")
	if len(got.Details) != 1 || got.Details[0] != "webUrl: Invalid URL format" {
		t.Errorf("unexpected details: %v", got.Details)
	}

	got = expectError(t, env.do(t, "POST", "/api/workflows", `{"webUrl":"https://example.com","repoPath":"/repo","configName":"../etc"}`, cookie),
		http.StatusBadRequest, "Invalid request body")
	if len(got.Details) != 1 || got.Details[0] != "configName: Invalid config name" {
		t.Errorf("unexpected details: %v", got.Details)
	}

	resp := env.do(t, "POST", "/api/workflows", `{"webUrl":"https://example.com","repoPath":"/repo","configName":"app"}`, cookie)
	expectStatus(t, resp, http.StatusOK)
	started := decode[startWorkflowResponse](t, resp)
	if started.Status != "started" || started.MonitorURL != "/workflows/"+started.WorkflowID {
		t.Errorf("unexpected response: %+v", started)
	}

	if len(env.workflows.started) != 1 {
		t.Fatalf("expected one started workflow, got %d", len(env.workflows.started))
	}
	if want := filepath.Join(env.configDir, "app.yaml"); env.workflows.started[0].ConfigPath != want {
		t.Errorf("expected config path %s, got %s", want, env.workflows.started[0].ConfigPath)
	}

	env.workflows.startErr = errors.New("engine unavailable")
	got = expectError(t, env.do(t, "POST", "/api/workflows", `{"webUrl":"https://example.com","repoPath":"/repo"}`, cookie),
		http.StatusInternalServerError, "Failed to start workflow")
	if got.Message != "engine unavailable" {
		t.Errorf("expected upstream message, got %q", got.Message)
	}
}

func writeAuditFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestListWorkflowsMergesHistory(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	env.workflows.live = []workflow.ListItem{
		{WorkflowID: "live-1", Status: workflow.StatusRunning, StartTime: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli()},
	}
	writeAuditFile(t, env.auditDir, "live-1/session.json", `{"session":{"id":"live-1","targetUrl":"https://live.test"}}`)
	writeAuditFile(t, env.auditDir, "old-1/session.json", `{"session":{"id":"old-1","createdAt":"2024-01-01T00:00:00Z","targetUrl":"https://old.test"}}`)

	resp := env.do(t, "GET", "/api/workflows", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	got := decode[map[string][]workflow.ListItem](t, resp)["workflows"]

	if len(got) != 2 {
		t.Fatalf("expected 2 workflows, got %d: %+v", len(got), got)
	}
	if got[0].WorkflowID != "live-1" || got[0].WebURL != "https://live.test" {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if got[1].WorkflowID != "old-1" || got[1].Status != workflow.StatusCompleted {
		t.Errorf("unexpected historical entry: %+v", got[1])
	}
}

func TestWorkflowProgress(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	env.workflows.progress["live-1"] = &workflow.Progress{WorkflowID: "live-1", Status: workflow.StatusRunning}
	writeAuditFile(t, env.auditDir, "live-1/deliverables/report.md", "# Report")
	writeAuditFile(t, env.auditDir, "old-1/session.json", `{"session":{"id":"old-1"}}`)

	resp := env.do(t, "GET", "/api/workflows/live-1", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	live := decode[map[string]any](t, resp)
	if live["status"] != workflow.StatusRunning || live["hasDeliverables"] != true {
		t.Errorf("unexpected live progress: %v", live)
	}

	resp = env.do(t, "GET", "/api/workflows/old-1", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	old := decode[historicalProgress](t, resp)
	if old.Status != workflow.StatusCompleted || !old.HasDeliverables || old.Error != nil {
		t.Errorf("unexpected historical progress: %+v", old)
	}

	got := expectError(t, env.do(t, "GET", "/api/workflows/missing", "", cookie), http.StatusNotFound, "Workflow not found")
	if got.Message == "" {
		t.Error("expected message for unknown workflow")
	}
}

func TestWorkflowArtifacts(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)
	writeAuditFile(t, env.auditDir, "wf-1/session.json", `{"session":{"id":"wf-1"},"metrics":{"total_cost_usd":1.25}}`)
	writeAuditFile(t, env.auditDir, "wf-1/deliverables/report.md", "# Report")

	resp := env.do(t, "GET", "/api/workflows/wf-1/session", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	metrics := decode[map[string]any](t, resp)
	if _, ok := metrics["metrics"]; !ok {
		t.Errorf("expected raw session document, got %v", metrics)
	}
	expectError(t, env.do(t, "GET", "/api/workflows/nope/session", "", cookie), http.StatusNotFound, "Session not found")

	resp = env.do(t, "GET", "/api/workflows/wf-1/deliverables", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string][]audit.Deliverable](t, resp)["deliverables"]
	if len(list) != 1 || list[0].Path != "deliverables/report.md" {
		t.Fatalf("unexpected deliverables: %+v", list)
	}

	resp = env.do(t, "GET", "/api/workflows/wf-1/deliverables/deliverables/report.md", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/markdown; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "# Report" {
		t.Errorf("unexpected body %q", body)
	}

	expectError(t, env.do(t, "GET", "/api/workflows/wf-1/deliverables/deliverables/missing.md", "", cookie),
		http.StatusNotFound, "File not found")
}

func TestCancelWorkflow(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)
	env.workflows.progress["wf-1"] = &workflow.Progress{WorkflowID: "wf-1"}

	expectStatus(t, env.do(t, "POST", "/api/workflows/wf-1/cancel", "", cookie), http.StatusOK)
	expectError(t, env.do(t, "POST", "/api/workflows/wf-2/cancel", "", cookie), http.StatusNotFound, "Workflow not found")

	if len(env.workflows.cancelled) != 1 || env.workflows.cancelled[0] != "wf-1" {
		t.Errorf("unexpected cancellations: %v", env.workflows.cancelled)
	}
}

func TestConfigEndpoints(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	content := "authentication:\n  login_type: form\n  credentials:\n    username: scanner\n    password: hunter2\n"
	body, _ := json.Marshal(saveConfigRequest{Content: content})

	expectStatus(t, env.do(t, "PUT", "/api/configs/app", string(body), cookie), http.StatusOK)
	expectError(t, env.do(t, "PUT", "/api/configs/app", `{"content":""}`, cookie), http.StatusBadRequest, "Invalid request body")

	resp := env.do(t, "PUT", "/api/configs/bad", `{"content":"a: [unclosed"}`, cookie)
	expectStatus(t, resp, http.StatusBadRequest)
	if got := decode[errorResponse](t, resp); !strings.HasPrefix(got.Error, "Invalid YAML: ") {
		t.Errorf("unexpected error %q", got.Error)
	}

	resp = env.do(t, "GET", "/api/configs", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string][]scanconfig.Summary](t, resp)["configs"]
	if len(list) != 1 || list[0].Name != "app" || !list[0].HasAuthentication {
		t.Errorf("unexpected configs: %+v", list)
	}

	resp = env.do(t, "GET", "/api/configs/app", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	doc := decode[scanconfig.Document](t, resp)
	if strings.Contains(doc.Raw, "hunter2") {
		t.Error("expected password masked in raw config")
	}

	expectStatus(t, env.do(t, "DELETE", "/api/configs/app", "", cookie), http.StatusOK)
	expectError(t, env.do(t, "DELETE", "/api/configs/app", "", cookie), http.StatusNotFound, "Config not found")
	expectError(t, env.do(t, "GET", "/api/configs/app", "", cookie), http.StatusNotFound, "Config not found")
}

func TestWorkerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	expectError(t, env.do(t, "POST", "/api/worker/stop", "", cookie), http.StatusBadRequest, "Worker is not running")

	resp := env.do(t, "POST", "/api/worker/start", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	started := decode[workerStartResponse](t, resp)
	if !started.Success || !started.Status.Running || started.Status.PID == nil {
		t.Errorf("unexpected start response: %+v", started)
	}

	expectError(t, env.do(t, "POST", "/api/worker/start", "", cookie), http.StatusBadRequest, "Worker is already running")

	resp = env.do(t, "GET", "/api/worker/status", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	if st := decode[worker.Status](t, resp); !st.Running {
		t.Error("expected running status")
	}

	resp = env.do(t, "GET", "/api/worker/logs", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	if logs := decode[map[string][]string](t, resp)["logs"]; len(logs) != 1 {
		t.Errorf("unexpected logs: %v", logs)
	}

	expectStatus(t, env.do(t, "POST", "/api/worker/stop", "", cookie), http.StatusOK)

	env.worker.startErr = worker.ErrStartFailed
	expectError(t, env.do(t, "POST", "/api/worker/start", "", cookie), http.StatusBadRequest, "Worker failed to start - check logs")
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	resp := env.do(t, "PUT", "/api/settings/api-keys", `{"anthropicApiKey":"sk-ant-1234567890abcd"}`, cookie)
	expectStatus(t, resp, http.StatusOK)
	keys := decode[apiKeysResponse](t, resp)
	if keys.APIKeys.Anthropic == nil || *keys.APIKeys.Anthropic != "****abcd" {
		t.Errorf("unexpected masked key: %v", keys.APIKeys.Anthropic)
	}
	if keys.APIKeys.OpenAI != nil {
		t.Errorf("expected unset key as null, got %v", *keys.APIKeys.OpenAI)
	}

	expectStatus(t, env.do(t, "PUT", "/api/settings/router", `{"routerDefault":"openai,gpt-4o"}`, cookie), http.StatusOK)

	resp = env.do(t, "GET", "/api/settings", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	view := decode[settingsResponse](t, resp)
	if !view.HasAnthropicKey || view.RouterDefault == nil || *view.RouterDefault != "openai,gpt-4o" {
		t.Errorf("unexpected settings: %+v", view)
	}

	resp = env.do(t, "PUT", "/api/settings", `{"apiKeys":{"anthropicApiKey":""}}`, cookie)
	expectStatus(t, resp, http.StatusOK)
	if view := decode[settingsResponse](t, resp); view.HasAnthropicKey {
		t.Error("expected anthropic key cleared")
	}

	resp = env.do(t, "GET", "/api/settings/api-keys", "", cookie)
	expectStatus(t, resp, http.StatusOK)
	if keys := decode[apiKeysResponse](t, resp); keys.APIKeys.Anthropic != nil {
		t.Error("expected cleared key reported as null")
	}
}

func TestTestKey(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, adminName, adminPassword)

	expectError(t, env.do(t, "POST", "/api/settings/test-key", `{"provider":"anthropic"}`, cookie),
		http.StatusBadRequest, "Provider and apiKey are required")
	expectError(t, env.do(t, "POST", "/api/settings/test-key", `{"provider":"acme","apiKey":"x"}`, cookie),
		http.StatusBadRequest, "Unknown provider")

	resp := env.do(t, "POST", "/api/settings/test-key", `{"provider":"openai","apiKey":"good"}`, cookie)
	expectStatus(t, resp, http.StatusOK)
	if res := decode[keycheck.Result](t, resp); !res.Valid || res.Error != nil {
		t.Errorf("unexpected result: %+v", res)
	}

	resp = env.do(t, "POST", "/api/settings/test-key", `{"provider":"anthropic","apiKey":"bad"}`, cookie)
	expectStatus(t, resp, http.StatusOK)
	if res := decode[keycheck.Result](t, resp); res.Valid || res.Error == nil {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSSODisabled(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/api/auth/sso", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if decode[map[string]bool](t, resp)["enabled"] {
		t.Error("expected SSO disabled")
	}
	expectError(t, env.do(t, "GET", "/api/auth/sso/login", "", nil), http.StatusNotFound, "SSO is not configured")
}

func ssoRedirectError(t *testing.T, resp *http.Response) string {
	t.Helper()
	expectStatus(t, resp, http.StatusFound)
	u, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	return u.Query().Get("error")
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSSOFlow(t *testing.T) {
	sso := &fakeSSO{}
	env := newTestEnv(t, func(_ *config.Config, d *Deps) { d.SSO = sso })

	resp := env.do(t, "GET", "/api/auth/sso/login", "", nil)
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://idp.example.com/auth") {
		t.Errorf("unexpected redirect %q", loc)
	}

	stateCookie := findCookie(resp, session.StateCookieName)
	if stateCookie == nil || stateCookie.Value == "" {
		t.Fatal("expected SSO state cookie")
	}
	if !stateCookie.HttpOnly || stateCookie.SameSite != http.SameSiteLaxMode || stateCookie.Path != session.StateCookiePath {
		t.Errorf("unexpected state cookie attributes: %+v", stateCookie)
	}

	tests := []struct {
		name  string
		query string
		sso   fakeSSO
		want  string
	}{
		{"idp error", "?error=access_denied", fakeSSO{}, ssoErrIdP},
		{"missing code", "?state=abc", fakeSSO{}, ssoErrRequest},
		{"unknown state", "?state=abc&code=xyz", fakeSSO{err: oidc.ErrUnknownState}, ssoErrState},
		{"missing role", "?state=abc&code=xyz", fakeSSO{err: oidc.ErrMissingRole}, ssoErrForbidden},
		{"missing username", "?state=abc&code=xyz", fakeSSO{err: oidc.ErrMissingUsername}, ssoErrNoUsername},
		{"exchange failure", "?state=abc&code=xyz", fakeSSO{err: errors.New("boom")}, ssoErrFailed},
		{"unknown user", "?state=abc&code=xyz", fakeSSO{identity: &oidc.Identity{Username: "mallory"}}, ssoErrUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*sso = tt.sso
			resp := env.do(t, "GET", "/api/auth/sso/callback"+tt.query, "", stateCookie)
			if got := ssoRedirectError(t, resp); got != tt.want {
				t.Errorf("expected error %q, got %q", tt.want, got)
			}
		})
	}

	*sso = fakeSSO{identity: &oidc.Identity{Subject: "sub-1", Username: "ADMIN"}}
	resp = env.do(t, "GET", "/api/auth/sso/callback?state=abc&code=xyz", "", stateCookie)
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Errorf("expected redirect to /, got %q", loc)
	}

	if cleared := findCookie(resp, session.StateCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Errorf("expected state cookie to be cleared, got %+v", cleared)
	}

	cookie := findCookie(resp, "console.sid")
	if cookie == nil {
		t.Fatal("expected session cookie after SSO login")
	}
	expectStatus(t, env.do(t, "GET", "/api/auth/me", "", cookie), http.StatusOK)
}

func TestSSOCallbackRequiresStateCookie(t *testing.T) {
	sso := &fakeSSO{}
	env := newTestEnv(t, func(_ *config.Config, d *Deps) { d.SSO = sso })

	other, _, err := session.NewCookies("console.sid", "other-secret", false)
	if err != nil {
		t.Fatal(err)
	}
	forge := func(c *session.Cookies, state string) *http.Cookie {
		w := httptest.NewRecorder()
		c.SetState(w, state, time.Minute)
		return findCookie(w.Result(), session.StateCookieName)
	}

	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{"no cookie", nil},
		{"cookie for another state", forge(env.server.deps.Cookies, "attacker-state")},
		{"cookie signed with another secret", forge(other, "abc")},
		{"unsigned cookie", &http.Cookie{Name: session.StateCookieName, Value: "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*sso = fakeSSO{identity: &oidc.Identity{Subject: "sub-1", Username: adminName}}

			resp := env.do(t, "GET", "/api/auth/sso/callback?state=abc&code=xyz", "", tt.cookie)
			if got := ssoRedirectError(t, resp); got != ssoErrState {
				t.Errorf("expected error %q, got %q", ssoErrState, got)
			}
			if findCookie(resp, "console.sid") != nil {
				t.Error("no session cookie may be issued")
			}
			if sso.completed != 0 {
				t.Error("code must not be exchanged without a bound state")
			}
		})
	}
}

func TestSPAFallback(t *testing.T) {
	dist := t.TempDir()
	writeAuditFile(t, dist, "index.html", "<html>app</html>")
	writeAuditFile(t, dist, "assets/app.js", "console.log(1)")

	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) { cfg.Web.DistDir = dist })

	tests := []struct {
		path string
		want string
	}{
		{"/", "<html>app</html>"},
		{"/workflows/abc", "<html>app</html>"},
		{"/assets/app.js", "console.log(1)"},
	}
	for _, tt := range tests {
		resp := env.do(t, "GET", tt.path, "", nil)
		expectStatus(t, resp, http.StatusOK)
		body, _ := io.ReadAll(resp.Body)
		if string(body) != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.path, tt.want, body)
		}
	}

	expectStatus(t, env.do(t, "POST", "/workflows/abc", "", nil), http.StatusMethodNotAllowed)
	expectError(t, env.do(t, "GET", "/api/missing", "", nil), http.StatusNotFound, "Not found")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/health", nil))

	expectError(t, w.Result(), http.StatusInternalServerError, "Internal server error")
}

func TestGracefulShutdown(t *testing.T) {
	env := newTestEnv(t)

	startErrCh := make(chan error, 1)
	go func() {
		startErrCh <- env.server.Start()
	}()

	// Give it time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	select {
	case err := <-startErrCh:
		if err != nil {
			t.Errorf("Start failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.1:12345",
			expectedIP: "192.0.2.1",
		},
		{
			name:       "ignores X-Forwarded-For (anti-spoofing)",
			remoteAddr: "127.0.0.1:12345",
			expectedIP: "127.0.0.1",
		},
		{
			name:       "IPv6 address",
			remoteAddr: "[::1]:12345",
			expectedIP: "::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr

			req.Header.Set("X-Forwarded-For", "203.0.113.42")
			req.Header.Set("X-Real-IP", "203.0.113.42")

			if ip := extractIP(req); ip != tt.expectedIP {
				t.Errorf("expected IP '%s', got '%s'", tt.expectedIP, ip)
			}
		})
	}
}
