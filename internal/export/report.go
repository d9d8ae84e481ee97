package export

import (
	"fmt"
	"sort"
	"time"

	"planline/internal/domain"
)

type StaffLoad struct {
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Hours       float64 `json:"hours"`
	Capacity    float64 `json:"capacity"`
	Utilization float64 `json:"utilization_percent"`
	Cost        float64 `json:"cost"`
}

// Report is a flat rendering-friendly summary of a committed plan.
type Report struct {
	SessionID       string                  `json:"session_id"`
	Status          string                  `json:"status"`
	Verdict         string                  `json:"verdict"`
	StaffingCost    float64                 `json:"staffing_cost"`
	FixedCost       float64                 `json:"fixed_cost"`
	TotalCost       float64                 `json:"total_cost"`
	BudgetCeiling   float64                 `json:"budget_ceiling"`
	RemainingBudget float64                 `json:"remaining_budget"`
	HorizonSprints  int                     `json:"horizon_sprints"`
	DeadlineSprints int                     `json:"deadline_sprints"`
	StaffLoads      []StaffLoad             `json:"staff_loads"`
	Unassigned      []string                `json:"unassigned_tasks"`
	Options         []domain.DeliveryOption `json:"delivery_options"`
	Recommendations []string                `json:"recommendations"`
	Diagnostics     []string                `json:"diagnostics"`
	GeneratedAt     string                  `json:"generated_at"`
}

func BuildReport(s domain.Session, now time.Time) (Report, error) {
	if s.Plan == nil {
		return Report{}, fmt.Errorf("session %s has no committed plan", s.ID)
	}
	p := s.Plan

	costByStaff := map[string]float64{}
	for _, t := range p.Tasks {
		if t.Assignee != nil {
			costByStaff[*t.Assignee] += t.SalaryCost
		}
	}
	loads := make([]StaffLoad, 0, len(s.Snapshot.Staff))
	for _, m := range s.Snapshot.Staff {
		hours := p.HoursByStaff[m.Name]
		util := 0.0
		if m.CapacityHours > 0 {
			util = hours / m.CapacityHours * 100
		}
		loads = append(loads, StaffLoad{
			Name:        m.Name,
			Role:        m.Role,
			Hours:       hours,
			Capacity:    m.CapacityHours,
			Utilization: util,
			Cost:        costByStaff[m.Name],
		})
	}

	byID := map[string]domain.Task{}
	for _, t := range p.Tasks {
		byID[t.ID] = t
	}
	unassigned := make([]string, 0, len(p.Unassigned))
	for _, id := range p.Unassigned {
		t := byID[id]
		unassigned = append(unassigned, fmt.Sprintf("%s %s (%gh)", t.ID, t.Title, t.EstimatedHours))
	}
	sort.Strings(unassigned)

	return Report{
		SessionID:       s.ID,
		Status:          s.Status,
		Verdict:         p.Verdict,
		StaffingCost:    p.StaffingCost,
		FixedCost:       p.FixedCost,
		TotalCost:       p.TotalCost,
		BudgetCeiling:   p.BudgetCeiling,
		RemainingBudget: p.RemainingBudget,
		HorizonSprints:  p.HorizonSprints,
		DeadlineSprints: p.DeadlineSprints,
		StaffLoads:      loads,
		Unassigned:      unassigned,
		Options:         p.DeliveryOptions,
		Recommendations: p.Recommendations,
		Diagnostics:     p.Diagnostics,
		GeneratedAt:     now.UTC().Format(time.RFC3339),
	}, nil
}
