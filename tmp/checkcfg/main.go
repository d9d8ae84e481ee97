package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/delegate"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/server"
)

const cannedSynthesis = `{"tasks": [
  {"feature_name": "Login", "title": "Build login form", "estimated_hours": 24, "risk_level": "Low"},
  {"feature_name": "Login", "title": "Session handling", "estimated_hours": 16, "risk_level": "Medium", "depends_on": [1]}
]}`

func main() {
	workspace := "/tmp/planline-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, delegate.Static(cannedSynthesis))
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	body := map[string]any{
		"features":         []map[string]string{{"name": "Login", "priority": "P0"}},
		"roster_csv":       "Name,Role,Experience_Level,Skills,Hourly_Rate_USD,Email\nAlice,Engineer,Senior,\"go, sql\",95,alice@example.com\n",
		"budget_csv":       "Resource,Value\nEngineering Budget (USD),50000\n",
		"deadline_sprints": 2,
	}
	b, _ := json.Marshal(body)
	res, err := http.Post(ts.URL+"/v0/analyses", "application/json", bytes.NewReader(b))
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}
