package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

type testServer struct {
	URL    string
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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

var actorHeaders = map[string]string{"X-Actor-Id": "mgr-1"}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title": "ship feature",
	}, actorHeaders)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", createRes.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Checkpoint != "C0_COMPREHENSION" || task.Status != "active" {
		t.Fatalf("new task = %s/%s", task.Checkpoint, task.Status)
	}

	// Advance without proofs: criteria unsatisfied.
	advRes, advBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/advance", nil, actorHeaders)
	if advRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bare advance status = %d: %s", advRes.StatusCode, advBody)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(advBody, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, advBody)
	}
	if envelope.Error.Code != "criteria_unsatisfied" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
	if envelope.Error.Details["missing"] == nil {
		t.Fatalf("missing details absent: %s", advBody)
	}

	// Submit the scope statement, then advance.
	subRes, subBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/proofs", map[string]any{
		"checkpoint": "C0_COMPREHENSION",
		"proofs": []map[string]any{
			{"kind": "scope-statement", "result": "pass", "ref": "docs/scope.md"},
		},
	}, actorHeaders)
	if subRes.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d: %s", subRes.StatusCode, subBody)
	}
	var eval EvaluationResponse
	if err := json.Unmarshal(subBody, &eval); err != nil {
		t.Fatalf("decode evaluation: %v", err)
	}
	if !eval.Satisfied {
		t.Fatalf("evaluation unsatisfied: %s", subBody)
	}

	advRes, advBody = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/advance", nil, actorHeaders)
	if advRes.StatusCode != http.StatusOK {
		t.Fatalf("advance status = %d: %s", advRes.StatusCode, advBody)
	}
	if err := json.Unmarshal(advBody, &task); err != nil {
		t.Fatalf("decode advanced task: %v", err)
	}
	if task.Checkpoint != "C1_PLAN" {
		t.Fatalf("checkpoint after advance = %s", task.Checkpoint)
	}

	// The handoff from the passed gate is recorded.
	hRes, hBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/handoffs", nil, actorHeaders)
	if hRes.StatusCode != http.StatusOK {
		t.Fatalf("handoffs status = %d: %s", hRes.StatusCode, hBody)
	}
	var handoffs []HandoffResponse
	if err := json.Unmarshal(hBody, &handoffs); err != nil {
		t.Fatalf("decode handoffs: %v", err)
	}
	if len(handoffs) != 1 || handoffs[0].FromRole != "manager" || handoffs[0].ToRole != "planner" {
		t.Fatalf("handoffs = %+v", handoffs)
	}
}

func TestWrongCheckpointConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": "t"}, actorHeaders)
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/proofs", map[string]any{
		"checkpoint": "C2_IMPLEMENTATION",
		"proofs":     []map[string]any{{"kind": "diff"}},
	}, actorHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "invalid_checkpoint" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestEscalationFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": "risky"}, actorHeaders)
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}

	escRes, escBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/escalate", map[string]any{
		"reason":   "security review needed",
		"risk_tag": "security",
	}, actorHeaders)
	if escRes.StatusCode != http.StatusCreated {
		t.Fatalf("escalate status = %d: %s", escRes.StatusCode, escBody)
	}
	var esc EscalationResponse
	if err := json.Unmarshal(escBody, &esc); err != nil {
		t.Fatal(err)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalations?unresolved=true", nil, actorHeaders)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", listRes.StatusCode, listBody)
	}
	var open []EscalationResponse
	if err := json.Unmarshal(listBody, &open); err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != esc.ID {
		t.Fatalf("open escalations = %+v", open)
	}

	resolveRes, resolveBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/"+esc.ID+"/resolve", map[string]any{
		"decision": "needs-rework",
	}, actorHeaders)
	if resolveRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", resolveRes.StatusCode, resolveBody)
	}
	if err := json.Unmarshal(resolveBody, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != "active" {
		t.Fatalf("status after rework = %s", task.Status)
	}

	// Second resolve conflicts.
	againRes, againBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/"+esc.ID+"/resolve", map[string]any{
		"decision": "approved",
	}, actorHeaders)
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("second resolve status = %d: %s", againRes.StatusCode, againBody)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": "t"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without credentials = %d", res.StatusCode)
	}

	// Health stays open.
	hres, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if hres.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", hres.StatusCode)
	}
}

func TestChecklistEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/checklist", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var checklist ChecklistResponse
	if err := json.Unmarshal(body, &checklist); err != nil {
		t.Fatalf("decode checklist: %v", err)
	}
	if len(checklist.Checkpoints) != 5 {
		t.Fatalf("checkpoints = %d, want 5", len(checklist.Checkpoints))
	}
}
