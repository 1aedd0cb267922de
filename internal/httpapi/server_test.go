package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/reconcile"
	"github.com/agentworkforce/leavelink/internal/runlog"
	"github.com/agentworkforce/leavelink/internal/runner"
)

func seededStore(t *testing.T) *notion.MemoryStore {
	t.Helper()
	store := notion.NewMemoryStore()
	store.AddDatabase(notion.Schema{ID: "emp", Fields: []notion.Field{
		{Name: "Name", Kind: notion.KindPlainText},
		{Name: "Employee ID", Kind: notion.KindLongText},
	}})
	store.AddDatabase(notion.Schema{ID: "leave", Fields: []notion.Field{
		{Name: "Employee ID", Kind: notion.KindLongText},
		{Name: "Employee", Kind: notion.KindRelation, RelationTarget: "emp"},
	}})
	if err := store.AddRecord("emp", notion.Record{ID: "e1", Properties: map[string]notion.Property{
		"Employee ID": notion.LongText{Runs: []notion.TextRun{{PlainText: "E-7"}}},
	}}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	if err := store.AddRecord("leave", notion.Record{ID: "l1", Properties: map[string]notion.Property{
		"Employee ID": notion.LongText{Runs: []notion.TextRun{{PlainText: " e-7 "}}},
		"Employee":    notion.Relation{},
	}}); err != nil {
		t.Fatalf("seed leave request: %v", err)
	}
	return store
}

func testOptions() reconcile.Options {
	return reconcile.Options{EmployeesDatabaseID: "emp", LeaveRequestsDatabaseID: "leave"}
}

func newTestServer(t *testing.T, store reconcile.Store, cfg ServerConfig) (*Server, *runner.Runner) {
	t.Helper()
	r := runner.New(store, testOptions(), runlog.NewInMemoryReportStore(0))
	return NewServerWithConfig(r, cfg), r
}

func allScopes(t *testing.T) string {
	return mustTestJWT(t, "dev-secret", "ops-bot", []string{ScopeRunsRead, ScopeRunsTrigger}, time.Now().Add(time.Hour))
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"running":false`) {
		t.Fatalf("unexpected health body: %s", resp.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs/latest"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	hour := time.Now().Add(time.Hour)
	cases := map[string]struct {
		token  string
		status int
	}{
		"wrong secret":   {mustTestJWT(t, "other", "ops-bot", []string{ScopeRunsRead}, hour), http.StatusUnauthorized},
		"expired":        {mustTestJWT(t, "dev-secret", "ops-bot", []string{ScopeRunsRead}, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		"wrong audience": {mustTestJWTWithAudience(t, "dev-secret", "ops-bot", []string{ScopeRunsRead}, "other-service", hour), http.StatusUnauthorized},
		"missing scope":  {mustTestJWT(t, "dev-secret", "ops-bot", []string{ScopeRunsTrigger}, hour), http.StatusForbidden},
		"malformed":      {"not-a-jwt", http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp := doRequest(t, server, request{
				method:  http.MethodGet,
				path:    "/v1/runs",
				headers: map[string]string{"Authorization": "Bearer " + tc.token},
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestTriggerRunAndReadHistory(t *testing.T) {
	store := seededStore(t)
	server, _ := newTestServer(t, store, ServerConfig{})
	token := allScopes(t)

	latest := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/runs/latest",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if latest.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", latest.Code)
	}

	trigger := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/runs",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"},
	})
	if trigger.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", trigger.Code, trigger.Body.String())
	}
	if got := trigger.Header().Get("X-Correlation-Id"); got != "corr_1" {
		t.Fatalf("expected correlation id echo, got %q", got)
	}
	var report runlog.Report
	if err := json.NewDecoder(trigger.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Summary.Updated != 1 || report.DryRun {
		t.Fatalf("unexpected report summary: %+v", report.Summary)
	}
	rec, _ := store.Record("l1")
	if rel, ok := rec.Properties["Employee"].(notion.Relation); !ok || len(rel.IDs) != 1 || rel.IDs[0] != "e1" {
		t.Fatalf("expected leave request linked to e1, got %#v", rec.Properties["Employee"])
	}

	latest = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/runs/latest",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if latest.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", latest.Code)
	}
	var got runlog.Report
	if err := json.NewDecoder(latest.Body).Decode(&got); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if got.RunID != report.RunID {
		t.Fatalf("expected latest run %s, got %s", report.RunID, got.RunID)
	}
}

func TestTriggerDryRunBody(t *testing.T) {
	store := seededStore(t)
	server, _ := newTestServer(t, store, ServerConfig{})
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/runs",
		headers: map[string]string{"Authorization": "Bearer " + allScopes(t)},
		body:    map[string]any{"dryRun": true},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var report runlog.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.DryRun || report.Summary.Planned != 1 {
		t.Fatalf("expected a planned dry run, got %+v", report)
	}
	if n := store.Calls(notion.OpUpdate); n != 0 {
		t.Fatalf("dry run issued %d updates", n)
	}
}

func TestTriggerRejectsInvalidBody(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+allScopes(t))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTriggerSchemaFailureIsUnprocessable(t *testing.T) {
	store := seededStore(t)
	opts := testOptions()
	opts.RelationField = "Missing"
	r := runner.New(store, opts, nil)
	server := NewServer(r)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/runs",
		headers: map[string]string{"Authorization": "Bearer " + allScopes(t)},
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		Code   string        `json:"code"`
		Report runlog.Report `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if payload.Code != "configuration_error" || payload.Report.Error == "" {
		t.Fatalf("unexpected failure payload: %+v", payload)
	}
}

type blockingStore struct {
	*notion.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) RetrieveDatabase(ctx context.Context, id string) (notion.Schema, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.MemoryStore.RetrieveDatabase(ctx, id)
}

func TestTriggerConflictWhileRunning(t *testing.T) {
	store := &blockingStore{MemoryStore: seededStore(t), entered: make(chan struct{}, 1), release: make(chan struct{})}
	server, _ := newTestServer(t, store, ServerConfig{})
	token := allScopes(t)

	done := make(chan int, 1)
	go func() {
		resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/runs", headers: map[string]string{"Authorization": "Bearer " + token}})
		done <- resp.Code
	}()
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/runs", headers: map[string]string{"Authorization": "Bearer " + token}})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	close(store.release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected first run to succeed, got %d", code)
	}
}

func TestListRunsHonorsLimit(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	token := allScopes(t)
	for i := 0; i < 3; i++ {
		resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/runs", headers: map[string]string{"Authorization": "Bearer " + token}})
		if resp.Code != http.StatusOK {
			t.Fatalf("run %d: expected 200, got %d", i, resp.Code)
		}
	}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs?limit=2", headers: map[string]string{"Authorization": "Bearer " + token}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload struct {
		Runs []runlog.Report `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(payload.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(payload.Runs))
	}
	// Later runs find the request already linked.
	if payload.Runs[0].Summary.Updated != 0 || payload.Runs[0].Summary.Skipped != 1 {
		t.Fatalf("expected newest run to be a no-op, got %+v", payload.Runs[0].Summary)
	}
}

func TestRateLimitPerSubject(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := allScopes(t)
	other := mustTestJWT(t, "dev-secret", "other-bot", []string{ScopeRunsRead}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs", headers: map[string]string{"Authorization": "Bearer " + token}})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	limited := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs", headers: map[string]string{"Authorization": "Bearer " + token}})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", limited.Header().Get("Retry-After"))
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs", headers: map[string]string{"Authorization": "Bearer " + other}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected other subject unaffected, got %d", resp.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/runs"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatal("expected a generated correlation id")
	}
}

func TestStreamDeliversRunEvents(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	token := allScopes(t)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http")+"/v1/runs/stream?access_token="+token, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events := make(chan reconcile.Event, 256)
	go func() {
		for {
			var ev reconcile.Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				close(events)
				return
			}
			events <- ev
		}
	}()

	// The handler subscribes after the handshake, so keep triggering until a
	// run is observed end to end.
	for {
		resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/runs", headers: map[string]string{"Authorization": "Bearer " + token}})
		if resp.Code != http.StatusOK {
			t.Fatalf("trigger: expected 200, got %d", resp.Code)
		}
		wait := time.After(500 * time.Millisecond)
	drain:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					t.Fatal("stream closed before run.finished")
				}
				if ev.Type == reconcile.EventRunFinished {
					return
				}
			case <-wait:
				break drain
			case <-ctx.Done():
				t.Fatal("no run.finished event on the stream")
			}
		}
	}
}

func TestStreamRequiresReadScope(t *testing.T) {
	server, _ := newTestServer(t, seededStore(t), ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ops-bot", []string{ScopeRunsTrigger}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs/stream?access_token=" + token})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Errorf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sign(secret, signingInput))
}
