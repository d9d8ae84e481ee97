package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/delegate"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/planner"
	"planline/internal/repo"
)

const cannedSynthesis = `{"tasks": [
	{"feature_name": "Login", "title": "Build login form", "estimated_hours": 24, "risk_level": "Low"},
	{"feature_name": "Login", "title": "Session handling", "estimated_hours": 16, "risk_level": "Medium", "depends_on": [1]},
	{"feature_name": "Analytics", "title": "Usage dashboard", "estimated_hours": 32, "risk_level": "High"}
]}`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, d delegate.Delegate) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), d)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func testSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Features: []domain.Feature{
			{Name: "Login", Priority: "P0"},
			{Name: "Analytics", Priority: "P1"},
		},
		Staff: []domain.StaffMember{
			{Name: "Alice", Role: "Engineer", Skills: []string{"go"}, HourlyRate: 100, CapacityHours: 160},
			{Name: "Bob", Role: "Engineer", Skills: []string{"frontend"}, HourlyRate: 80, CapacityHours: 160},
		},
		BudgetCeiling:   50000,
		DeadlineSprints: 3,
	}
}

func analyze(t *testing.T, env *testEnv) domain.Session {
	t.Helper()
	s, err := env.Engine.Analyze(env.Ctx, engine.AnalyzeOptions{Snapshot: testSnapshot()})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	return s
}

func TestAnalyzeCommitsSessionWithPlan(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	s := analyze(t, env)

	if s.Status != domain.SessionDrafting {
		t.Fatalf("status = %s, want drafting", s.Status)
	}
	if s.Plan == nil || len(s.Plan.Tasks) != 3 {
		t.Fatalf("plan = %+v, want 3 tasks", s.Plan)
	}
	if s.Plan.Verdict != domain.VerdictFeasible {
		t.Fatalf("verdict = %s, want feasible", s.Plan.Verdict)
	}

	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Plan == nil || stored.Plan.TotalCost != s.Plan.TotalCost {
		t.Fatalf("stored plan differs from returned plan")
	}

	events, err := env.Engine.Repo.ListEvents(env.Ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	if !types["session.create"] || !types["plan.commit"] {
		t.Fatalf("events = %v, want session.create and plan.commit", types)
	}
}

func TestAnalyzeRejectsInvalidInputs(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	cases := []struct {
		name   string
		mutate func(*domain.Snapshot)
	}{
		{"no features", func(s *domain.Snapshot) { s.Features = nil }},
		{"no staff", func(s *domain.Snapshot) { s.Staff = nil }},
		{"zero budget", func(s *domain.Snapshot) { s.BudgetCeiling = 0 }},
		{"zero deadline", func(s *domain.Snapshot) { s.DeadlineSprints = 0 }},
	}
	for _, tc := range cases {
		snap := testSnapshot()
		tc.mutate(&snap)
		if _, err := env.Engine.Analyze(env.Ctx, engine.AnalyzeOptions{Snapshot: snap}); err == nil {
			t.Fatalf("%s: analyze accepted invalid snapshot", tc.name)
		}
	}
}

func TestAnalyzePrependsLoaderDiagnostics(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	s, err := env.Engine.Analyze(env.Ctx, engine.AnalyzeOptions{
		Snapshot:    testSnapshot(),
		Diagnostics: []string{"roster row 3 dropped: bad hourly rate"},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(s.Plan.Diagnostics) == 0 || s.Plan.Diagnostics[0] != "roster row 3 dropped: bad hourly rate" {
		t.Fatalf("diagnostics = %v, want loader diagnostic first", s.Plan.Diagnostics)
	}
}

func TestAnalyzeEmptySynthesisFails(t *testing.T) {
	env := newTestEnv(t, delegate.Static(`{"tasks": []}`))
	_, err := env.Engine.Analyze(env.Ctx, engine.AnalyzeOptions{Snapshot: testSnapshot()})
	if !errors.Is(err, planner.ErrEmptyPlan) {
		t.Fatalf("err = %v, want ErrEmptyPlan", err)
	}
}

func TestReviseAdjustBudgetReplans(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	s := analyze(t, env)

	target := 1000.0
	res, err := env.Engine.Revise(env.Ctx, s.ID, domain.Instruction{
		Intent: domain.IntentAdjustBudget,
		Params: domain.InstructionParams{Budget: &target},
	})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if res.Action != "replanned" {
		t.Fatalf("action = %s, want replanned", res.Action)
	}
	if res.Plan.BudgetCeiling != target {
		t.Fatalf("ceiling = %f, want %f", res.Plan.BudgetCeiling, target)
	}
	if res.Plan.Verdict != domain.VerdictOverBudget {
		t.Fatalf("verdict = %s, want over_budget after the cut", res.Plan.Verdict)
	}

	revisions, err := env.Engine.Repo.ListRevisions(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revisions) != 1 || revisions[0].Seq != 1 || revisions[0].Intent != domain.IntentAdjustBudget {
		t.Fatalf("revisions = %+v, want one adjust_budget at seq 1", revisions)
	}
}

func TestRejectedRevisionLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	s := analyze(t, env)

	_, err := env.Engine.Revise(env.Ctx, s.ID, domain.Instruction{
		Intent: domain.IntentCutFeatures,
		Params: domain.InstructionParams{Features: []string{"Payments"}},
	})
	var re planner.RevisionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RevisionError", err)
	}

	after, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(after.Snapshot.Features) != 2 || after.Plan.TotalCost != s.Plan.TotalCost {
		t.Fatalf("rejected revision mutated the session")
	}

	events, err := env.Engine.Repo.ListEvents(env.Ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == "revision.reject" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no revision.reject event recorded")
	}
}

func TestConfirmLocksSession(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	s := analyze(t, env)

	res, err := env.Engine.Confirm(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Action != "confirmed" {
		t.Fatalf("action = %s, want confirmed", res.Action)
	}

	// Confirming twice is a no-op.
	if _, err := env.Engine.Confirm(env.Ctx, s.ID); err != nil {
		t.Fatalf("second confirm: %v", err)
	}

	target := 99999.0
	_, err = env.Engine.Revise(env.Ctx, s.ID, domain.Instruction{
		Intent: domain.IntentAdjustBudget,
		Params: domain.InstructionParams{Budget: &target},
	})
	if !errors.Is(err, engine.ErrSessionLocked) {
		t.Fatalf("err = %v, want ErrSessionLocked", err)
	}

	after, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Status != domain.SessionConfirmed {
		t.Fatalf("status = %s, want confirmed", after.Status)
	}
}

func TestConfirmedSessionStillAnswersReview(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	s := analyze(t, env)
	if _, err := env.Engine.Confirm(env.Ctx, s.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	res, err := env.Engine.Revise(env.Ctx, s.ID, domain.Instruction{Intent: domain.IntentReview})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if res.Action != "info" || res.Plan == nil {
		t.Fatalf("result = %+v, want info with plan", res)
	}
}

func TestChatClassifiesAndApplies(t *testing.T) {
	calls := 0
	d := delegate.Func(func(ctx context.Context, req delegate.Request) (delegate.Response, error) {
		calls++
		if calls == 1 {
			return delegate.Response{Content: cannedSynthesis}, nil
		}
		return delegate.Response{Content: `{"intent": "ADJUST_BUDGET", "params": {"budget": 30000}}`}, nil
	})
	env := newTestEnv(t, d)
	s := analyze(t, env)

	res, err := env.Engine.Chat(env.Ctx, s.ID, "set the budget to 30k")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	// Intent labels are normalized to lower case before dispatch.
	if res.Intent != domain.IntentAdjustBudget || res.Action != "replanned" {
		t.Fatalf("result = %+v, want replanned adjust_budget", res)
	}
	if res.Plan.BudgetCeiling != 30000 {
		t.Fatalf("ceiling = %f, want 30000", res.Plan.BudgetCeiling)
	}
}

func TestChatCoercesUnknownIntent(t *testing.T) {
	calls := 0
	d := delegate.Func(func(ctx context.Context, req delegate.Request) (delegate.Response, error) {
		calls++
		switch calls {
		case 1:
			return delegate.Response{Content: cannedSynthesis}, nil
		case 2:
			return delegate.Response{Content: `{"intent": "delete_everything", "params": {}}`}, nil
		default:
			return delegate.Response{Content: "The plan covers both features."}, nil
		}
	})
	env := newTestEnv(t, d)
	s := analyze(t, env)

	res, err := env.Engine.Chat(env.Ctx, s.ID, "wipe it all")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Intent != domain.IntentGeneralQuery || res.Action != "info" {
		t.Fatalf("result = %+v, want general_query info", res)
	}
	if res.Response != "The plan covers both features." {
		t.Fatalf("response = %q, want the delegate's answer", res.Response)
	}
}

func TestChatMalformedClassifierLeavesStateUntouched(t *testing.T) {
	calls := 0
	d := delegate.Func(func(ctx context.Context, req delegate.Request) (delegate.Response, error) {
		calls++
		if calls == 1 {
			return delegate.Response{Content: cannedSynthesis}, nil
		}
		return delegate.Response{Content: "sorry, I cannot help with that"}, nil
	})
	env := newTestEnv(t, d)
	s := analyze(t, env)

	_, err := env.Engine.Chat(env.Ctx, s.ID, "cut everything")
	if !errors.Is(err, delegate.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	after, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Plan.TotalCost != s.Plan.TotalCost || after.Status != domain.SessionDrafting {
		t.Fatalf("malformed classifier response mutated the session")
	}
}

func TestChatDelegateTimeoutSurfaces(t *testing.T) {
	calls := 0
	d := delegate.Func(func(ctx context.Context, req delegate.Request) (delegate.Response, error) {
		calls++
		if calls == 1 {
			return delegate.Response{Content: cannedSynthesis}, nil
		}
		return delegate.Response{}, delegate.ErrTimeout
	})
	env := newTestEnv(t, d)
	s := analyze(t, env)

	_, err := env.Engine.Chat(env.Ctx, s.ID, "anything")
	if !errors.Is(err, delegate.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestConcurrentInstructionReturnsBusy(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	calls := 0
	d := delegate.Func(func(ctx context.Context, req delegate.Request) (delegate.Response, error) {
		calls++
		if calls == 1 {
			return delegate.Response{Content: cannedSynthesis}, nil
		}
		close(started)
		<-block
		return delegate.Response{Content: `{"intent": "review", "params": {}}`}, nil
	})
	env := newTestEnv(t, d)
	s := analyze(t, env)

	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.Chat(env.Ctx, s.ID, "slow question")
		done <- err
	}()
	<-started

	_, err := env.Engine.Revise(env.Ctx, s.ID, domain.Instruction{Intent: domain.IntentReview})
	if !errors.Is(err, engine.ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("blocked chat: %v", err)
	}

	// The lock is per session, released once the first turn finishes.
	if _, err := env.Engine.Revise(env.Ctx, s.ID, domain.Instruction{Intent: domain.IntentReview}); err != nil {
		t.Fatalf("revise after release: %v", err)
	}
}

func TestReviseUnknownSession(t *testing.T) {
	env := newTestEnv(t, delegate.Static(cannedSynthesis))
	_, err := env.Engine.Revise(env.Ctx, "nope", domain.Instruction{Intent: domain.IntentReview})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
