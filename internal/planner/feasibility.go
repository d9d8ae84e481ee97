package planner

import (
	"fmt"

	"planline/internal/domain"
)

// Verdict is the outcome of one feasibility evaluation. It is computed from
// the allocation and budget report alone and not persisted beyond the plan.
type Verdict struct {
	Status          string
	Options         []domain.DeliveryOption
	Recommendations []string
}

// Evaluate combines allocation, budget, and deadline into a verdict with
// graded delivery options. Every blocker's minimum single-lever adjustment
// is computed exactly: minimum budget increase is the overrun, minimum
// deadline extension is the sprint overshoot, minimum scope cut is the
// unresolved hours. Combined blockers are reported as such, never collapsed
// to one cause.
func Evaluate(alloc Allocation, budget BudgetReport, deadlineSprints int) Verdict {
	overBudget := budget.Remaining < 0
	horizonExceeded := alloc.Horizon > deadlineSprints
	unassigned := len(alloc.Unassigned) > 0
	overCapacity := unassigned || horizonExceeded

	var v Verdict
	switch {
	case !overBudget && !overCapacity:
		v.Status = domain.VerdictFeasible
	case overBudget && !overCapacity:
		v.Status = domain.VerdictOverBudget
	case !overBudget && overCapacity:
		v.Status = domain.VerdictOverCapacity
	default:
		v.Status = domain.VerdictOverBudgetAndCapacity
	}

	overrun := -budget.Remaining
	overshoot := alloc.Horizon - deadlineSprints
	unresolvedHours := alloc.UnassignedHours()

	switch v.Status {
	case domain.VerdictFeasible:
		v.Options = append(v.Options, domain.DeliveryOption{
			Option:      "proceed",
			Grade:       "green",
			Description: fmt.Sprintf("Plan fits: $%.2f of $%.2f, %d of %d sprints.", budget.TotalCost, budget.Ceiling, alloc.Horizon, deadlineSprints),
		})
	case domain.VerdictOverBudget:
		v.Options = append(v.Options,
			domain.DeliveryOption{
				Option:      "increase_budget",
				Grade:       "yellow",
				Description: fmt.Sprintf("Raise the budget by $%.2f to cover the full scope.", overrun),
				Adjustment:  overrun,
			},
			domain.DeliveryOption{
				Option:      "cut_scope",
				Grade:       "yellow",
				Description: fmt.Sprintf("Cut at least $%.2f of staffed work to fit the current budget.", overrun),
				Adjustment:  overrun,
			})
	case domain.VerdictOverCapacity:
		if unassigned {
			v.Options = append(v.Options, domain.DeliveryOption{
				Option:      "cut_scope",
				Grade:       "yellow",
				Description: fmt.Sprintf("Cut at least %.0f hours of unresolved work (%d unassigned tasks).", unresolvedHours, len(alloc.Unassigned)),
				Adjustment:  unresolvedHours,
			})
		} else {
			v.Options = append(v.Options, domain.DeliveryOption{
				Option:      "extend_deadline",
				Grade:       "yellow",
				Description: fmt.Sprintf("Extend the deadline by %d sprint(s).", overshoot),
				Adjustment:  float64(overshoot),
			})
		}
	case domain.VerdictOverBudgetAndCapacity:
		v.Options = append(v.Options, domain.DeliveryOption{
			Option:      "replan",
			Grade:       "red",
			Description: "Infeasible without combined scope, budget, and timeline changes.",
		})
		v.Options = append(v.Options, domain.DeliveryOption{
			Option:      "increase_budget",
			Grade:       "red",
			Description: fmt.Sprintf("Budget lever alone needs at least $%.2f more.", overrun),
			Adjustment:  overrun,
		})
		if unassigned {
			v.Options = append(v.Options, domain.DeliveryOption{
				Option:      "cut_scope",
				Grade:       "red",
				Description: fmt.Sprintf("Capacity lever alone needs at least %.0f hours cut.", unresolvedHours),
				Adjustment:  unresolvedHours,
			})
		}
		if horizonExceeded {
			v.Options = append(v.Options, domain.DeliveryOption{
				Option:      "extend_deadline",
				Grade:       "red",
				Description: fmt.Sprintf("Timeline lever alone needs at least %d more sprint(s).", overshoot),
				Adjustment:  float64(overshoot),
			})
		}
	}

	v.Recommendations = recommendations(v, alloc, budget, deadlineSprints)
	return v
}

func recommendations(v Verdict, alloc Allocation, budget BudgetReport, deadlineSprints int) []string {
	if v.Status == domain.VerdictFeasible {
		return []string{"Plan is feasible with current constraints."}
	}
	recs := []string{
		fmt.Sprintf("Status: %s", v.Status),
		fmt.Sprintf("Summary: plan costs $%.2f against a budget of $%.2f over %d sprint(s) with a %d-sprint deadline.",
			budget.TotalCost, budget.Ceiling, alloc.Horizon, deadlineSprints),
	}
	for _, id := range alloc.Unassigned {
		recs = append(recs, fmt.Sprintf("Action required: task %s is unassigned; no one has remaining capacity for it.", id))
	}
	for _, opt := range v.Options {
		if opt.Option == "proceed" || opt.Option == "replan" {
			continue
		}
		recs = append(recs, fmt.Sprintf("Alternative: %s (%s) - %s", opt.Option, opt.Grade, opt.Description))
	}
	return recs
}
