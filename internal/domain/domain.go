package domain

import "strings"

// Feature is one unit of product scope from the PRD decomposition.
type Feature struct {
	Name     string `json:"name"`
	Priority string `json:"priority" enum:"P0,P1,P2"`
}

// PriorityRank orders feature priorities for allocation. Higher is more urgent.
func PriorityRank(priority string) int {
	switch strings.ToUpper(strings.TrimSpace(priority)) {
	case "P0":
		return 3
	case "P1":
		return 2
	case "P2":
		return 1
	}
	return 0
}

type Task struct {
	ID             string   `json:"id"`
	Feature        string   `json:"feature"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Assignee       *string  `json:"assignee,omitempty"`
	EstimatedHours float64  `json:"estimated_hours"`
	SalaryCost     float64  `json:"salary_cost"`
	Dependencies   []string `json:"dependencies,omitempty"`
	Sprint         int      `json:"sprint"`
	RiskLevel      string   `json:"risk_level" enum:"Low,Medium,High"`
}

type StaffMember struct {
	Name          string   `json:"name"`
	Role          string   `json:"role"`
	Experience    string   `json:"experience,omitempty"`
	Skills        []string `json:"skills"`
	HourlyRate    float64  `json:"hourly_rate"`
	Email         string   `json:"email,omitempty"`
	CapacityHours float64  `json:"capacity_hours"`
}

// Snapshot is the read-only input set a plan is computed from. Revisions
// mutate a copy of the snapshot, never the committed one.
type Snapshot struct {
	PRDText         string             `json:"prd_text,omitempty"`
	Features        []Feature          `json:"features"`
	Staff           []StaffMember      `json:"staff"`
	LineItems       map[string]float64 `json:"line_items"`
	BudgetCeiling   float64            `json:"budget_ceiling"`
	DeadlineSprints int                `json:"deadline_sprints"`
	// Pinned maps task id to staff name for assignments requested through
	// revisions. A pin is binding: a pinned task the owner cannot take
	// stays unassigned rather than going to someone else.
	Pinned map[string]string `json:"pinned,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Features = append([]Feature(nil), s.Features...)
	out.Staff = make([]StaffMember, len(s.Staff))
	for i, m := range s.Staff {
		m.Skills = append([]string(nil), m.Skills...)
		out.Staff[i] = m
	}
	out.LineItems = make(map[string]float64, len(s.LineItems))
	for k, v := range s.LineItems {
		out.LineItems[k] = v
	}
	if s.Pinned != nil {
		out.Pinned = make(map[string]string, len(s.Pinned))
		for k, v := range s.Pinned {
			out.Pinned[k] = v
		}
	}
	return out
}

// Feasibility verdicts.
const (
	VerdictFeasible              = "feasible"
	VerdictOverBudget            = "over_budget"
	VerdictOverCapacity          = "over_capacity"
	VerdictOverBudgetAndCapacity = "over_budget_and_capacity"
)

// DeliveryOption is a graded recommendation with the exact minimum
// single-lever adjustment that flips the plan to feasible.
type DeliveryOption struct {
	Option      string  `json:"option" enum:"proceed,increase_budget,extend_deadline,cut_scope,replan"`
	Grade       string  `json:"grade" enum:"green,yellow,red"`
	Description string  `json:"description"`
	Adjustment  float64 `json:"adjustment,omitempty"`
}

type Plan struct {
	Tasks           []Task             `json:"tasks"`
	Unassigned      []string           `json:"unassigned,omitempty"`
	HoursByStaff    map[string]float64 `json:"hours_by_staff"`
	StaffingCost    float64            `json:"staffing_cost"`
	FixedCost       float64            `json:"fixed_cost"`
	TotalCost       float64            `json:"total_cost"`
	BudgetCeiling   float64            `json:"budget_ceiling"`
	RemainingBudget float64            `json:"remaining_budget"`
	HorizonSprints  int                `json:"horizon_sprints"`
	DeadlineSprints int                `json:"deadline_sprints"`
	Verdict         string             `json:"verdict" enum:"feasible,over_budget,over_capacity,over_budget_and_capacity"`
	DeliveryOptions []DeliveryOption   `json:"delivery_options"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Diagnostics     []string           `json:"diagnostics,omitempty"`
	CreatedAt       string             `json:"created_at" format:"date-time"`
}

// Session statuses.
const (
	SessionDrafting  = "drafting"
	SessionConfirmed = "confirmed"
)

type Session struct {
	ID        string   `json:"id"`
	Status    string   `json:"status" enum:"drafting,confirmed"`
	Snapshot  Snapshot `json:"snapshot"`
	Plan      *Plan    `json:"plan,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// Intents form the closed set a chat message classifies to. Anything the
// classifier returns outside this set is coerced to general_query.
const (
	IntentAdjustBudget   = "adjust_budget"
	IntentAdjustDeadline = "adjust_deadline"
	IntentCutFeatures    = "cut_features"
	IntentReassignTask   = "reassign_task"
	IntentReview         = "review"
	IntentConfirm        = "confirm"
	IntentGeneralQuery   = "general_query"
)

// KnownIntent reports whether s is a member of the closed intent set.
func KnownIntent(s string) bool {
	switch s {
	case IntentAdjustBudget, IntentAdjustDeadline, IntentCutFeatures,
		IntentReassignTask, IntentReview, IntentConfirm, IntentGeneralQuery:
		return true
	}
	return false
}

// MutatingIntent reports whether the intent changes plan state when applied.
func MutatingIntent(s string) bool {
	switch s {
	case IntentAdjustBudget, IntentAdjustDeadline, IntentCutFeatures, IntentReassignTask:
		return true
	}
	return false
}

// InstructionParams carry the structured values extracted alongside an
// intent. Values are absolute targets, never deltas, so re-applying the same
// instruction yields the same plan.
type InstructionParams struct {
	Budget          *float64          `json:"budget,omitempty"`
	DeadlineSprints *int              `json:"deadline_sprints,omitempty"`
	Features        []string          `json:"features,omitempty"`
	Assignments     map[string]string `json:"assignments,omitempty"`
}

type Instruction struct {
	Intent  string            `json:"intent"`
	Params  InstructionParams `json:"params"`
	Message string            `json:"message,omitempty"`
}

type Revision struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Intent    string `json:"intent"`
	Params    string `json:"params_json"`
	AppliedAt string `json:"applied_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   string `json:"payload_json"`
}
