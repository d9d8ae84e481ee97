// Package planner implements the planning and feasibility core: task
// synthesis from an untrusted delegate, deterministic staffing allocation
// under capacity ceilings, budget reconciliation, feasibility grading, and
// the pure revision reducer. Re-running the pipeline on identical inputs
// yields identical plans.
package planner

import (
	"context"
	"time"

	"planline/internal/delegate"
	"planline/internal/domain"
)

// Options are the planner's policy constants, sourced from configuration.
type Options struct {
	SprintHours float64
	MaxTasks    int
	MaxTokens   int
}

func (o Options) normalized() Options {
	if o.SprintHours <= 0 {
		o.SprintHours = 80
	}
	if o.MaxTasks <= 0 {
		o.MaxTasks = 50
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 8192
	}
	return o
}

// Pipeline runs synthesis, allocation, reconciliation, and evaluation over a
// snapshot. Only synthesis touches the delegate; everything downstream is
// pure computation.
type Pipeline struct {
	Delegate delegate.Delegate
	Options  Options
	Now      func() time.Time
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run synthesizes tasks from the snapshot and assembles the full plan.
func (p Pipeline) Run(ctx context.Context, snap domain.Snapshot) (domain.Plan, error) {
	tasks, diags, err := Synthesize(ctx, p.Delegate, snap, p.Options)
	if err != nil {
		return domain.Plan{}, err
	}
	return p.Replan(snap, tasks, diags), nil
}

// Replan replays allocation, reconciliation, and evaluation on an existing
// task set without calling the delegate. Used by every revision that leaves
// the task breakdown intact.
func (p Pipeline) Replan(snap domain.Snapshot, tasks []domain.Task, diags []string) domain.Plan {
	alloc := Allocate(tasks, snap, p.Options)
	budget := Reconcile(alloc.Tasks, snap.LineItems, snap.BudgetCeiling)
	verdict := Evaluate(alloc, budget, snap.DeadlineSprints)

	return domain.Plan{
		Tasks:           alloc.Tasks,
		Unassigned:      alloc.Unassigned,
		HoursByStaff:    alloc.HoursByStaff,
		StaffingCost:    budget.StaffingCost,
		FixedCost:       budget.FixedCost,
		TotalCost:       budget.TotalCost,
		BudgetCeiling:   budget.Ceiling,
		RemainingBudget: budget.Remaining,
		HorizonSprints:  alloc.Horizon,
		DeadlineSprints: snap.DeadlineSprints,
		Verdict:         verdict.Status,
		DeliveryOptions: verdict.Options,
		Recommendations: verdict.Recommendations,
		Diagnostics:     diags,
		CreatedAt:       p.now().UTC().Format(time.RFC3339),
	}
}
