// Package loader parses the roster and budget CSV inputs into normalized
// records. The accepted shapes are fixed: unknown headers are rejected
// outright, while malformed rows are dropped with a diagnostic so one bad
// line never sinks a whole analysis.
package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"planline/internal/domain"
)

// ValidationError reports a CSV input whose shape cannot be accepted.
type ValidationError struct {
	Input  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s input: %s", e.Input, e.Reason)
}

// Roster CSV schema, version 1. Capacity_Hours is optional; absent values
// fall back to the configured default capacity.
var rosterColumns = []string{"Name", "Role", "Experience_Level", "Skills", "Hourly_Rate_USD", "Email"}

const rosterCapacityColumn = "Capacity_Hours"

// Budget lines that fund staffing count toward the ceiling but are not fixed
// costs; everything else is a fixed line item.
var staffingBudgetLines = map[string]bool{
	"Engineering Budget (USD)": true,
	"QA Budget (USD)":          true,
}

// Budget is the parsed budget CSV: fixed line items plus the total ceiling
// (staffing budgets + fixed items).
type Budget struct {
	LineItems      map[string]float64
	StaffingBudget float64
	Ceiling        float64
}

// LoadRoster parses staff records. Returns the staff list, per-row drop
// diagnostics, and an error only when the overall shape is unacceptable.
func LoadRoster(r io.Reader, defaultCapacity float64) ([]domain.StaffMember, []string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, nil, ValidationError{Input: "roster", Reason: "missing header row"}
	}
	idx, hasCapacity, err := rosterHeaderIndex(header)
	if err != nil {
		return nil, nil, err
	}

	var (
		staff []domain.StaffMember
		diags []string
	)
	seen := map[string]bool{}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			diags = append(diags, fmt.Sprintf("roster line %d: %v; dropped", line, err))
			continue
		}
		name := strings.TrimSpace(record[idx["Name"]])
		if name == "" {
			diags = append(diags, fmt.Sprintf("roster line %d: empty name; dropped", line))
			continue
		}
		if seen[name] {
			diags = append(diags, fmt.Sprintf("roster line %d: duplicate staff member %q; dropped", line, name))
			continue
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(record[idx["Hourly_Rate_USD"]]), 64)
		if err != nil || rate <= 0 {
			diags = append(diags, fmt.Sprintf("roster line %d: invalid hourly rate %q; dropped", line, record[idx["Hourly_Rate_USD"]]))
			continue
		}
		capacity := defaultCapacity
		if hasCapacity {
			raw := strings.TrimSpace(record[idx[rosterCapacityColumn]])
			if raw != "" {
				c, err := strconv.ParseFloat(raw, 64)
				if err != nil || c <= 0 {
					diags = append(diags, fmt.Sprintf("roster line %d: invalid capacity %q; dropped", line, raw))
					continue
				}
				capacity = c
			}
		}
		seen[name] = true
		staff = append(staff, domain.StaffMember{
			Name:          name,
			Role:          strings.TrimSpace(record[idx["Role"]]),
			Experience:    strings.TrimSpace(record[idx["Experience_Level"]]),
			Skills:        normalizeSkills(record[idx["Skills"]]),
			HourlyRate:    rate,
			Email:         strings.TrimSpace(record[idx["Email"]]),
			CapacityHours: capacity,
		})
	}
	if len(staff) == 0 {
		return nil, diags, ValidationError{Input: "roster", Reason: "no valid staff records"}
	}
	return staff, diags, nil
}

func rosterHeaderIndex(header []string) (map[string]int, bool, error) {
	idx := map[string]int{}
	for i, col := range header {
		idx[strings.TrimSpace(col)] = i
	}
	for _, col := range rosterColumns {
		if _, ok := idx[col]; !ok {
			return nil, false, ValidationError{Input: "roster", Reason: fmt.Sprintf("missing column %q", col)}
		}
	}
	_, hasCapacity := idx[rosterCapacityColumn]
	known := map[string]bool{rosterCapacityColumn: true}
	for _, col := range rosterColumns {
		known[col] = true
	}
	for col := range idx {
		if !known[col] {
			return nil, false, ValidationError{Input: "roster", Reason: fmt.Sprintf("unknown column %q", col)}
		}
	}
	return idx, hasCapacity, nil
}

func normalizeSkills(raw string) []string {
	var skills []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			skills = append(skills, s)
		}
	}
	return skills
}

// LoadBudget parses the Resource,Value budget CSV. Rows whose value does not
// parse as a non-negative number are dropped with a diagnostic (the source
// sheets carry capability flags like "Gemini API Available,True" that are
// not costs).
func LoadBudget(r io.Reader) (Budget, []string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return Budget{}, nil, ValidationError{Input: "budget", Reason: "missing header row"}
	}
	if len(header) != 2 || strings.TrimSpace(header[0]) != "Resource" || strings.TrimSpace(header[1]) != "Value" {
		return Budget{}, nil, ValidationError{Input: "budget", Reason: `header must be exactly "Resource,Value"`}
	}

	b := Budget{LineItems: map[string]float64{}}
	var diags []string
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			diags = append(diags, fmt.Sprintf("budget line %d: %v; dropped", line, err))
			continue
		}
		resource := strings.TrimSpace(record[0])
		if resource == "" {
			diags = append(diags, fmt.Sprintf("budget line %d: empty resource name; dropped", line))
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			diags = append(diags, fmt.Sprintf("budget line %d: non-numeric value %q for %q; dropped", line, record[1], resource))
			continue
		}
		if value < 0 {
			diags = append(diags, fmt.Sprintf("budget line %d: negative amount for %q; dropped", line, resource))
			continue
		}
		if staffingBudgetLines[resource] {
			b.StaffingBudget += value
		} else {
			b.LineItems[resource] += value
		}
	}
	b.Ceiling = b.StaffingBudget
	for _, v := range b.LineItems {
		b.Ceiling += v
	}
	if b.Ceiling == 0 {
		return Budget{}, diags, ValidationError{Input: "budget", Reason: "no usable budget lines"}
	}
	return b, diags, nil
}
