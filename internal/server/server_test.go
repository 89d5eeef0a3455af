package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/engine"
	"clipline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func signToken(t *testing.T, actor string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + signToken(t, actor, roles...)}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Error
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work-packages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d (%s)", res.StatusCode, data)
	}
}

func TestClaimConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages", map[string]any{
		"id":    "wp-1",
		"title": "Episode 1",
	}, map[string]string{"X-Actor-Id": "tester"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/claim", map[string]any{
		"role": "scriptwriter",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d (%s)", res.StatusCode, data)
	}
	var lease LeaseResponse
	if err := json.Unmarshal(data, &lease); err != nil {
		t.Fatalf("decode lease: %v", err)
	}
	if lease.AssignmentState != "ASSIGNED" || lease.AssignedTo == nil || *lease.AssignedTo != "alice" {
		t.Fatalf("unexpected lease: %+v", lease)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/claim", map[string]any{
		"role": "editor",
	}, bearer(t, "bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", res.StatusCode, data)
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", apiErr.Code)
	}
	if held, _ := apiErr.Details["held_by"].(string); held != "alice" {
		t.Fatalf("expected held_by alice, got %v", apiErr.Details)
	}
}

func TestCorrelationIDPropagation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages", map[string]any{"id": "wp-1"}, map[string]string{"X-Actor-Id": "tester"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/claim", map[string]any{
		"role": "editor",
	}, map[string]string{"Authorization": "Bearer " + signToken(t, "alice"), "X-Correlation-Id": "corr-abc"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d (%s)", res.StatusCode, data)
	}
	if got := res.Header.Get("X-Correlation-Id"); got != "corr-abc" {
		t.Fatalf("expected echoed correlation header, got %q", got)
	}
	var lease LeaseResponse
	if err := json.Unmarshal(data, &lease); err != nil {
		t.Fatalf("decode lease: %v", err)
	}
	if lease.CorrelationID != "corr-abc" {
		t.Fatalf("expected correlation id in body, got %q", lease.CorrelationID)
	}

	// Without a header the server mints one.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-packages/wp-1/lease", nil, bearer(t, "alice"))
	if res.Header.Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation header")
	}
}

func TestReleaseNotOwner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages", map[string]any{"id": "wp-1"}, map[string]string{"X-Actor-Id": "tester"})
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/claim", map[string]any{"role": "editor"}, bearer(t, "alice"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/release", map[string]any{}, bearer(t, "bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", res.StatusCode, data)
	}
	if apiErr := decodeError(t, data); apiErr.Code != "not_owner" {
		t.Fatalf("expected not_owner, got %q", apiErr.Code)
	}

	// Admin roles may force a release on the holder's behalf.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/release", map[string]any{}, bearer(t, "ops", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin release: expected 200, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/release", map[string]any{}, bearer(t, "alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on released lease, got %d (%s)", res.StatusCode, data)
	}
	if apiErr := decodeError(t, data); apiErr.Code != "not_assigned" {
		t.Fatalf("expected not_assigned, got %q", apiErr.Code)
	}
}

func TestReclaimEndpointAdminOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/reclaim-expired", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/reclaim-expired", nil, bearer(t, "ops", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", res.StatusCode, data)
	}
	var sweep ReclaimResponse
	if err := json.Unmarshal(data, &sweep); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if sweep.ReclaimedCount != 0 || len(sweep.ReclaimedIDs) != 0 {
		t.Fatalf("expected empty sweep, got %+v", sweep)
	}
}

func TestScriptLockFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages", map[string]any{"id": "wp-1"}, map[string]string{"X-Actor-Id": "tester"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/script/lock", map[string]any{}, bearer(t, "alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 with no script, got %d (%s)", res.StatusCode, data)
	}
	if apiErr := decodeError(t, data); apiErr.Code != "no_script" {
		t.Fatalf("expected no_script, got %q", apiErr.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/script", map[string]any{
		"content": "INT. STUDIO - DAY",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create script: expected 201, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/script/lock", map[string]any{}, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lock: expected 200, got %d (%s)", res.StatusCode, data)
	}
	var first ScriptVersionResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("decode lock: %v", err)
	}
	if !first.Locked || first.ContentHash == "" {
		t.Fatalf("unexpected lock response: %+v", first)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-packages/wp-1/script/lock", map[string]any{}, bearer(t, "bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("relock: expected 200, got %d (%s)", res.StatusCode, data)
	}
	var second ScriptVersionResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("decode relock: %v", err)
	}
	if second.ContentHash != first.ContentHash || *second.LockedAt != *first.LockedAt || *second.LockedBy != *first.LockedBy {
		t.Fatalf("lock not idempotent: %+v vs %+v", second, first)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-packages/wp-1/script", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for current after lock, got %d (%s)", res.StatusCode, data)
	}
}

func TestOpenAPISpecConcurrentFirstFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := signToken(t, "alice")

	const fetchers = 4
	type outcome struct {
		status int
		body   []byte
		err    error
	}
	results := make(chan outcome, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			req.Header.Set("Authorization", "Bearer "+token)
			res, err := srv.Client().Do(req)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			defer res.Body.Close()
			body, err := io.ReadAll(res.Body)
			results <- outcome{status: res.StatusCode, body: body, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var first []byte
	for r := range results {
		if r.err != nil {
			t.Fatalf("fetch spec: %v", r.err)
		}
		if r.status != http.StatusOK {
			t.Fatalf("expected 200, got %d", r.status)
		}
		if len(r.body) == 0 {
			t.Fatalf("empty spec body")
		}
		if first == nil {
			first = r.body
			continue
		}
		if !bytes.Equal(r.body, first) {
			t.Fatalf("divergent spec bodies")
		}
	}
}

func TestWorkPackageNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work-packages/nope", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", res.StatusCode, data)
	}
	if apiErr := decodeError(t, data); apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", apiErr.Code)
	}
}
