package planner

import "planline/internal/domain"

// BudgetReport aggregates assigned task costs and fixed line items against
// the ceiling. Remaining may be negative.
type BudgetReport struct {
	StaffingCost float64
	FixedCost    float64
	TotalCost    float64
	Ceiling      float64
	Remaining    float64
	CostByStaff  map[string]float64
}

// Reconcile is a pure function of the current task set and line items: no
// hidden state, fully re-runnable. Unassigned tasks carry zero cost and are
// excluded here; the evaluator flags them separately.
func Reconcile(tasks []domain.Task, lineItems map[string]float64, ceiling float64) BudgetReport {
	rep := BudgetReport{Ceiling: ceiling, CostByStaff: map[string]float64{}}
	for _, t := range tasks {
		if t.Assignee == nil {
			continue
		}
		rep.StaffingCost += t.SalaryCost
		rep.CostByStaff[*t.Assignee] += t.SalaryCost
	}
	for _, v := range lineItems {
		rep.FixedCost += v
	}
	rep.TotalCost = rep.StaffingCost + rep.FixedCost
	rep.Remaining = rep.Ceiling - rep.TotalCost
	return rep
}
