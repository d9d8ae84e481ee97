package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/delegate"
	"planline/internal/engine"
	"planline/internal/migrate"
)

const cannedSynthesis = `{"tasks": [
	{"feature_name": "Login", "title": "Build login form", "estimated_hours": 24, "risk_level": "Low"},
	{"feature_name": "Login", "title": "Session handling", "estimated_hours": 16, "risk_level": "Medium", "depends_on": [1]}
]}`

const rosterCSV = "Name,Role,Experience_Level,Skills,Hourly_Rate_USD,Email\n" +
	"Alice,Engineer,Senior,\"go, sql\",95,alice@example.com\n" +
	"Bob,Engineer,Mid,frontend,70,bob@example.com\n"

const budgetCSV = "Resource,Value\n" +
	"Engineering Budget (USD),50000\n" +
	"Cloud Hosting (USD),2500\n"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, d delegate.Delegate) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), d)
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

func analyzeBody() map[string]any {
	return map[string]any{
		"features": []map[string]string{
			{"name": "Login", "priority": "P0"},
		},
		"roster_csv":       rosterCSV,
		"budget_csv":       budgetCSV,
		"deadline_sprints": 3,
	}
}

func createSession(t *testing.T, srv *testServer) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/analyses", analyzeBody())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var s SessionResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return s
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return envelope.Error.Code
}

func TestAnalyzeCreatesSession(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()

	s := createSession(t, srv)
	if s.ID == "" || s.Status != "drafting" {
		t.Fatalf("session = %+v", s)
	}
	if s.Plan == nil || len(s.Plan.Tasks) != 2 {
		t.Fatalf("plan = %+v, want 2 tasks", s.Plan)
	}
	if s.Plan.Verdict != "feasible" {
		t.Fatalf("verdict = %s, want feasible", s.Plan.Verdict)
	}
	// Ceiling comes from the budget CSV: staffing plus fixed lines.
	if s.Plan.BudgetCeiling != 52500 {
		t.Fatalf("ceiling = %f, want 52500", s.Plan.BudgetCeiling)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"no features", func(b map[string]any) { delete(b, "features") }},
		{"no roster", func(b map[string]any) { delete(b, "roster_csv") }},
		{"bad deadline", func(b map[string]any) { b["deadline_sprints"] = 0 }},
		{"bad roster header", func(b map[string]any) { b["roster_csv"] = "Who,What\nAlice,Engineer\n" }},
	}
	for _, tc := range cases {
		body := analyzeBody()
		tc.mutate(body)
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/analyses", body)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400: %s", tc.name, res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != "bad_request" {
			t.Fatalf("%s: code %q, want bad_request", tc.name, code)
		}
	}
}

func TestAnalyzeEmptySynthesis(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(`{"tasks": []}`))
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/analyses", analyzeBody())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "empty_plan" {
		t.Fatalf("code %q, want empty_plan", code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code %q, want not_found", code)
	}
}

func TestRevisionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()
	client := srv.Client()
	s := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/revisions", map[string]any{
		"intent": "adjust_budget",
		"params": map[string]any{"budget": 1000},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revise status %d: %s", res.StatusCode, string(data))
	}
	var cr ChatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cr.Action != "replanned" || cr.Plan == nil || cr.Plan.Verdict != "over_budget" {
		t.Fatalf("result = %+v, want replanned over_budget", cr)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/revisions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list revisions status %d: %s", res.StatusCode, string(data))
	}
	var revisions []RevisionResponse
	if err := json.Unmarshal(data, &revisions); err != nil {
		t.Fatalf("unmarshal revisions: %v", err)
	}
	if len(revisions) != 1 || revisions[0].Intent != "adjust_budget" {
		t.Fatalf("revisions = %+v", revisions)
	}
}

func TestRevisionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()
	client := srv.Client()
	s := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/revisions", map[string]any{
		"intent": "do_magic",
	})
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("unknown intent: status %d body %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/revisions", map[string]any{
		"intent": "cut_features",
		"params": map[string]any{"features": []string{"Payments"}},
	})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_revision" {
		t.Fatalf("unknown feature: status %d body %s", res.StatusCode, string(data))
	}
}

func TestConfirmLocksAgainstRevisions(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()
	client := srv.Client()
	s := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/confirm", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/revisions", map[string]any{
		"intent": "adjust_budget",
		"params": map[string]any{"budget": 999},
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "session_locked" {
		t.Fatalf("code %q, want session_locked", code)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()
	s := createSession(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/chat", map[string]any{
		"message": "  ",
	})
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("status %d body %s", res.StatusCode, string(data))
	}
}

func TestExportEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()
	client := srv.Client()
	s := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/export/jira?project_key=WEB", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	var jira struct {
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
		Summary struct {
			TotalStories int `json:"total_stories"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(data, &jira); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if jira.Project.Key != "WEB" || jira.Summary.TotalStories != 2 {
		t.Fatalf("export = project %q with %d stories", jira.Project.Key, jira.Summary.TotalStories)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/report", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	var report struct {
		Verdict   string  `json:"verdict"`
		TotalCost float64 `json:"total_cost"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Verdict != "feasible" {
		t.Fatalf("report verdict = %q", report.Verdict)
	}
}

func TestEventsListing(t *testing.T) {
	srv, cleanup := newTestServer(t, delegate.Static(cannedSynthesis))
	defer cleanup()
	s := createSession(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?session_id="+s.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	if !types["session.create"] || !types["plan.commit"] {
		t.Fatalf("events = %v, want session.create and plan.commit", types)
	}
}
