package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"planline/internal/delegate"
	"planline/internal/domain"
)

// ErrEmptyPlan is returned when the delegate produced zero valid tasks.
// An empty plan is never silently reported as feasible.
var ErrEmptyPlan = errors.New("synthesis produced no valid tasks")

const synthesisSystemPrompt = `You are a delivery planning assistant. You receive a product brief, ` +
	`a feature list, and a team skill vocabulary, and you output ONLY valid JSON. No explanations, ` +
	`no commentary, no markdown - just the JSON object.`

// synthesizedTask is the delegate's wire schema for one proposed task. The
// response is untrusted: every entry is validated before becoming a Task.
type synthesizedTask struct {
	FeatureName    string  `json:"feature_name"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	EstimatedHours float64 `json:"estimated_hours"`
	RiskLevel      string  `json:"risk_level,omitempty"`
	DependsOn      []int   `json:"depends_on,omitempty"`
}

type synthesisPayload struct {
	Tasks []synthesizedTask `json:"tasks"`
}

// SynthesisPrompt builds the task-proposal prompt from the snapshot.
func SynthesisPrompt(snap domain.Snapshot, maxTasks int) string {
	var b strings.Builder
	b.WriteString("Break the product below into delivery tasks.\n\n")
	if snap.PRDText != "" {
		b.WriteString("Product brief:\n")
		b.WriteString(snap.PRDText)
		b.WriteString("\n\n")
	}
	b.WriteString("Features (every task must reference one by name):\n")
	for _, f := range snap.Features {
		fmt.Fprintf(&b, "- %s (priority %s)\n", f.Name, f.Priority)
	}
	b.WriteString("\nTeam skill vocabulary:\n")
	skills := skillVocabulary(snap.Staff)
	b.WriteString(strings.Join(skills, ", "))
	fmt.Fprintf(&b, "\n\nRules:\n"+
		"- Generate at most %d tasks, 8-80 estimated_hours each.\n"+
		"- risk_level is one of Low, Medium, High.\n"+
		"- depends_on lists 1-based indexes of earlier tasks in your own list.\n"+
		"- Return ONLY a JSON object: {\"tasks\": [{\"feature_name\": ..., \"title\": ..., "+
		"\"description\": ..., \"estimated_hours\": ..., \"risk_level\": ..., \"depends_on\": [...]}]}\n",
		maxTasks)
	return b.String()
}

func skillVocabulary(staff []domain.StaffMember) []string {
	set := map[string]bool{}
	for _, m := range staff {
		for _, s := range m.Skills {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Synthesize asks the delegate for a task breakdown and validates the
// result. Returned diagnostics describe every dropped entry.
func Synthesize(ctx context.Context, d delegate.Delegate, snap domain.Snapshot, opts Options) ([]domain.Task, []string, error) {
	opts = opts.normalized()
	resp, err := d.Generate(ctx, delegate.Request{
		SystemPrompt: synthesisSystemPrompt,
		Prompt:       SynthesisPrompt(snap, opts.MaxTasks),
		MaxTokens:    opts.MaxTokens,
	})
	if err != nil {
		return nil, nil, err
	}
	return ParseSynthesis(resp.Content, snap, opts)
}

// ParseSynthesis turns a raw delegate response into validated tasks. Task ids
// are sequential in delegate order, so the same response always yields the
// same task set. Malformed entries are dropped with a diagnostic, never fatal;
// only a fully empty result is.
func ParseSynthesis(content string, snap domain.Snapshot, opts Options) ([]domain.Task, []string, error) {
	opts = opts.normalized()
	raw, err := delegate.ExtractJSON(content)
	if err != nil {
		return nil, nil, err
	}
	var payload synthesisPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", delegate.ErrMalformed, err)
	}

	features := map[string]string{}
	for _, f := range snap.Features {
		features[strings.ToLower(strings.TrimSpace(f.Name))] = f.Name
	}
	teamSize := len(snap.Staff)
	if teamSize == 0 {
		teamSize = 1
	}
	sprintCapacity := opts.SprintHours * float64(teamSize)

	var (
		tasks []domain.Task
		diags []string
		// entryID maps the delegate's 1-based entry position to the id
		// the entry received, for depends_on resolution.
		entryID    = map[int]string{}
		cumulative float64
	)
	for i, entry := range payload.Tasks {
		pos := i + 1
		canonical, ok := features[strings.ToLower(strings.TrimSpace(entry.FeatureName))]
		if !ok {
			diags = append(diags, fmt.Sprintf("synthesized task %d references unknown feature %q; dropped", pos, entry.FeatureName))
			continue
		}
		if strings.TrimSpace(entry.Title) == "" {
			diags = append(diags, fmt.Sprintf("synthesized task %d has no title; dropped", pos))
			continue
		}
		if entry.EstimatedHours <= 0 {
			diags = append(diags, fmt.Sprintf("synthesized task %d (%q) has non-positive estimate; dropped", pos, entry.Title))
			continue
		}
		if len(tasks) >= opts.MaxTasks {
			diags = append(diags, fmt.Sprintf("synthesized task %d (%q) exceeds the %d-task limit; dropped", pos, entry.Title, opts.MaxTasks))
			continue
		}
		id := fmt.Sprintf("TASK-%03d", len(tasks)+1)
		var deps []string
		for _, ref := range entry.DependsOn {
			depID, ok := entryID[ref]
			if !ok || ref >= pos {
				diags = append(diags, fmt.Sprintf("synthesized task %d (%q) depends on invalid entry %d; dependency dropped", pos, entry.Title, ref))
				continue
			}
			deps = append(deps, depID)
		}
		// Provisional sprint from cumulative team throughput; the
		// allocator recomputes it per assignee.
		sprint := int(cumulative/sprintCapacity) + 1
		cumulative += entry.EstimatedHours
		tasks = append(tasks, domain.Task{
			ID:             id,
			Feature:        canonical,
			Title:          strings.TrimSpace(entry.Title),
			Description:    strings.TrimSpace(entry.Description),
			EstimatedHours: entry.EstimatedHours,
			Dependencies:   deps,
			Sprint:         sprint,
			RiskLevel:      normalizeRisk(entry.RiskLevel),
		})
		entryID[pos] = id
	}
	if len(tasks) == 0 {
		return nil, diags, ErrEmptyPlan
	}
	return tasks, diags, nil
}

func normalizeRisk(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return "Low"
	case "high":
		return "High"
	default:
		return "Medium"
	}
}
