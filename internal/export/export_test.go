package export_test

import (
	"strings"
	"testing"
	"time"

	"planline/internal/domain"
	"planline/internal/export"
)

func testSession() domain.Session {
	alice := "Alice"
	plan := domain.Plan{
		Tasks: []domain.Task{
			{ID: "TASK-002", Feature: "Checkout", Title: "Payment flow", EstimatedHours: 40, SalaryCost: 4000, Sprint: 2, RiskLevel: "High", Assignee: &alice},
			{ID: "TASK-001", Feature: "Login", Title: "Auth form", EstimatedHours: 24, SalaryCost: 2400, Sprint: 1, RiskLevel: "Low", Assignee: &alice},
			{ID: "TASK-003", Feature: "Login", Title: "Password reset", EstimatedHours: 16, Sprint: 0, RiskLevel: "Medium"},
		},
		Unassigned:      []string{"TASK-003"},
		HoursByStaff:    map[string]float64{"Alice": 64},
		StaffingCost:    6400,
		TotalCost:       6400,
		BudgetCeiling:   10000,
		RemainingBudget: 3600,
		HorizonSprints:  2,
		DeadlineSprints: 3,
		Verdict:         domain.VerdictOverCapacity,
	}
	return domain.Session{
		ID:     "s1",
		Status: domain.SessionDrafting,
		Snapshot: domain.Snapshot{
			Staff: []domain.StaffMember{
				{Name: "Alice", Role: "Engineer", HourlyRate: 100, CapacityHours: 160, Email: "alice@corp.example"},
			},
		},
		Plan: &plan,
	}
}

func TestBuildJiraInputsGroupsBySprint(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	out, err := export.BuildJiraInputs(testSession(), "WEB", "Web App", 14, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if out.Project.Key != "WEB" || out.Project.Name != "Web App" {
		t.Fatalf("project = %+v", out.Project)
	}
	if len(out.Sprints) != 2 {
		t.Fatalf("sprints = %d, want 2", len(out.Sprints))
	}
	first := out.Sprints[0]
	if first.SprintName != "Sprint 1" || first.DurationDays != 14 {
		t.Fatalf("first sprint = %+v", first)
	}
	// The unassigned task has sprint zero and is clamped into sprint one.
	var stories []export.JiraStory
	for _, f := range first.Features {
		stories = append(stories, f.Stories...)
	}
	if len(stories) != 2 {
		t.Fatalf("sprint 1 stories = %d, want 2", len(stories))
	}
	for _, story := range stories {
		if story.Status != "Ready for Development" {
			t.Fatalf("sprint 1 story status = %q", story.Status)
		}
	}

	var unassigned *export.JiraStory
	for i := range stories {
		if strings.Contains(stories[i].Summary, "Password reset") {
			unassigned = &stories[i]
		}
	}
	if unassigned == nil {
		t.Fatalf("missing unassigned story")
	}
	if unassigned.Assignee.Name != "Unassigned" || unassigned.Assignee.Email != "unassigned@example.com" {
		t.Fatalf("unassigned assignee = %+v", unassigned.Assignee)
	}

	second := out.Sprints[1].Features[0].Stories[0]
	if second.Priority != "High" || second.Status != "Planned" {
		t.Fatalf("sprint 2 story = %+v", second)
	}
	if second.Summary != "[Checkout - Sprint 2] Payment flow" {
		t.Fatalf("summary = %q", second.Summary)
	}
	if second.GitHub.Branch != "feature/task-002" {
		t.Fatalf("branch = %q", second.GitHub.Branch)
	}
	if second.Assignee.Email != "alice@corp.example" {
		t.Fatalf("assignee email = %q", second.Assignee.Email)
	}

	sum := out.Summary
	if sum.TotalFeatures != 2 || sum.TotalStories != 3 || sum.TotalEstimatedHours != 80 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.TeamCapacityUsedPercent != 50 {
		t.Fatalf("capacity used = %d, want 50", sum.TeamCapacityUsedPercent)
	}
}

func TestBuildJiraInputsRequiresPlan(t *testing.T) {
	s := testSession()
	s.Plan = nil
	if _, err := export.BuildJiraInputs(s, "WEB", "Web App", 14, time.Now()); err == nil {
		t.Fatalf("expected error for session without plan")
	}
}

func TestBuildReport(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rep, err := export.BuildReport(testSession(), now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rep.Verdict != domain.VerdictOverCapacity || rep.TotalCost != 6400 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.StaffLoads) != 1 {
		t.Fatalf("staff loads = %+v", rep.StaffLoads)
	}
	alice := rep.StaffLoads[0]
	if alice.Hours != 64 || alice.Capacity != 160 || alice.Utilization != 40 {
		t.Fatalf("alice = %+v", alice)
	}
	if len(rep.Unassigned) != 1 || !strings.HasPrefix(rep.Unassigned[0], "TASK-003") {
		t.Fatalf("unassigned = %v", rep.Unassigned)
	}
}
