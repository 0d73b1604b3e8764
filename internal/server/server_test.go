package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/dispatch"
	"careline/internal/domain"
	"careline/internal/migrate"
	"careline/internal/repo"
	"careline/internal/sweep"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL        string
	client     *http.Client
	dispatcher *dispatch.Dispatcher
	close      func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("facility-test")
	d := dispatch.New(conn, cfg)
	s := sweep.New(conn, cfg, time.Second)
	handler, err := New(Config{
		Dispatcher: d,
		Sweeper:    s,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testJWTSecret},
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
	ts := &testServer{
		URL:        "http://" + ln.Addr().String(),
		client:     &http.Client{},
		dispatcher: d,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func signToken(t *testing.T, actorID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": actorID}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeader(t *testing.T, actorID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, actorID, "")}
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

func (s *testServer) onboard(t *testing.T) ResidentResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/residents", map[string]any{
		"name": "Maria Lopez",
		"unit": "A",
	}, authHeader(t, "admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("onboard status %d: %s", res.StatusCode, string(data))
	}
	var out ResidentResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal resident: %v", err)
	}
	return out
}

func (s *testServer) dueTask(t *testing.T, residentID string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/residents/"+residentID+"/tasks", map[string]any{
		"name":            "morning meds",
		"scheduled_start": time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
	}, authHeader(t, "scheduler"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	// sweep flips it to due
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v0/sweep", nil, authHeader(t, "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}
	return task
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/residents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestClaimCollisionEnvelope(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)
	task := srv.dueTask(t, resident.ID)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{}, authHeader(t, "cg-ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{}, authHeader(t, "cg-ben"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "collision" {
		t.Fatalf("expected collision code, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["owner_id"] != "cg-ana" {
		t.Fatalf("expected owner cg-ana in details, got %v", envelope.Error.Details)
	}
}

func TestOverrideViaAPI(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)
	task := srv.dueTask(t, resident.ID)

	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{}, authHeader(t, "cg-ana")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"override": true,
		"reason":   "ana pulled into emergency",
	}, authHeader(t, "cg-ben"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("override status %d: %s", res.StatusCode, string(data))
	}
	var out TaskResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if out.OwnerID == nil || *out.OwnerID != "cg-ben" {
		t.Fatalf("expected owner cg-ben, got %v", out.OwnerID)
	}
}

func TestOverrideWithoutReasonIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)
	task := srv.dueTask(t, resident.ID)

	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{}, authHeader(t, "cg-ana")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"override": true,
	}, authHeader(t, "cg-ben"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("missing reason must not be an internal error, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "reason" {
		t.Fatalf("expected the reason field flagged, got %v", envelope.Error.Details)
	}
}

func TestTransitionVersionMismatchEnvelope(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/residents/"+resident.ID+"/care-state/transition", map[string]any{
		"to_state":     "preparing",
		"read_version": 1,
	}, authHeader(t, "cg-ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/residents/"+resident.ID+"/care-state/transition", map[string]any{
		"to_state":     "in_care",
		"read_version": 1,
	}, authHeader(t, "cg-ben"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "version_mismatch" {
		t.Fatalf("expected version_mismatch, got %s", envelope.Error.Code)
	}
}

func TestBrainDenialEnvelope(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)

	// idle -> in_care is not in the transition table
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/residents/"+resident.ID+"/care-state/transition", map[string]any{
		"to_state":     "in_care",
		"read_version": 1,
	}, authHeader(t, "cg-ana"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "brain_denied" {
		t.Fatalf("expected brain_denied, got %s", envelope.Error.Code)
	}
}

func TestEscalationLifecycleViaAPI(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)
	task := srv.dueTask(t, resident.ID)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/escalate", map[string]any{
		"reason": "resident refusing meds",
	}, authHeader(t, "cg-ana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("escalate status %d: %s", res.StatusCode, string(data))
	}
	var esc EscalationResponse
	if err := json.Unmarshal(data, &esc); err != nil {
		t.Fatalf("unmarshal escalation: %v", err)
	}
	if esc.Status != domain.EscalationPending || esc.Level != 1 {
		t.Fatalf("expected pending level 1, got %s level %d", esc.Status, esc.Level)
	}
	if esc.Breached {
		t.Fatal("fresh escalation must not be breached")
	}

	for _, step := range []string{"acknowledge", "start", "resolve"} {
		body := map[string]any{}
		if step == "resolve" {
			body["note"] = "handled"
		}
		res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/escalations/"+esc.ID+"/"+step, body, authHeader(t, "nurse_lead"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/escalations/"+esc.ID, nil, authHeader(t, "nurse_lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var final EscalationResponse
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal escalation: %v", err)
	}
	if final.Status != domain.EscalationResolved {
		t.Fatalf("expected resolved, got %s", final.Status)
	}
}

func TestAuditTrailViaAPI(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)
	task := srv.dueTask(t, resident.ID)

	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{}, authHeader(t, "cg-ana")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{"outcome": "done"}, authHeader(t, "cg-ana")); res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/audit?entity_kind=task&entity_id="+task.ID, nil, authHeader(t, "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{"task.create", "task.due", "task.claim", "task.complete"}
	if len(actions) != len(want) {
		t.Fatalf("expected %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, actions)
		}
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	key := "cl_live_testkey123"
	if err := srv.dispatcher.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "integration-bot",
		Name:      "test",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/residents", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/residents", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad key, got %d", res.StatusCode)
	}
}

func TestListTasksCursorPagination(t *testing.T) {
	srv := newTestServer(t)
	resident := srv.onboard(t)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/residents/"+resident.ID+"/tasks", map[string]any{
			"name":            "round " + string(rune('a'+i)),
			"scheduled_start": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		}, authHeader(t, "scheduler"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks?limit=2", nil, authHeader(t, "cg-ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page TaskPageResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 tasks on the first page, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatal("full page must carry a next_cursor")
	}
	for _, item := range page.Items {
		seen[item.ID] = true
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, authHeader(t, "cg-ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	page = TaskPageResponse{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 task on the second page, got %d", len(page.Items))
	}
	if page.NextCursor != "" {
		t.Fatalf("short page must not carry a cursor, got %q", page.NextCursor)
	}
	for _, item := range page.Items {
		seen[item.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("pages overlapped or dropped rows, saw %d distinct tasks", len(seen))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks?cursor=garbage", nil, authHeader(t, "cg-ana"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSignTokenRoundtrip(t *testing.T) {
	token, err := SignToken(testJWTSecret, "cg-ana", "supervisor", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := authenticateJWT(token, testJWTSecret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.ActorID != "cg-ana" || p.Role != "supervisor" || p.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", p)
	}

	if _, err := authenticateJWT(token, "other-secret"); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
	if _, err := SignToken("", "cg-ana", "", 0); err == nil {
		t.Fatal("empty secret must be rejected")
	}
	if _, err := SignToken(testJWTSecret, "", "", 0); err == nil {
		t.Fatal("empty actor must be rejected")
	}
}
