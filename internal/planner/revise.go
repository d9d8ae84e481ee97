package planner

import (
	"fmt"
	"strings"

	"planline/internal/domain"
)

// RevisionError rejects an instruction whose parameters cannot be applied.
// The caller keeps the last committed plan untouched.
type RevisionError struct {
	Reason string
}

func (e RevisionError) Error() string {
	return "invalid revision: " + e.Reason
}

// Apply is the pure reducer over a plan's inputs: given a snapshot, the
// current task set, and an instruction, it returns mutated copies or an
// error. Inputs are never modified. All parameters are absolute targets, so
// applying the same instruction twice yields the same result as once.
func Apply(snap domain.Snapshot, tasks []domain.Task, instr domain.Instruction) (domain.Snapshot, []domain.Task, error) {
	next := snap.Clone()
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)

	switch instr.Intent {
	case domain.IntentAdjustBudget:
		if instr.Params.Budget == nil {
			return snap, tasks, RevisionError{Reason: "adjust_budget needs a target amount"}
		}
		if *instr.Params.Budget < 0 {
			return snap, tasks, RevisionError{Reason: "budget cannot be negative"}
		}
		next.BudgetCeiling = *instr.Params.Budget
		return next, out, nil

	case domain.IntentAdjustDeadline:
		if instr.Params.DeadlineSprints == nil {
			return snap, tasks, RevisionError{Reason: "adjust_deadline needs a sprint horizon"}
		}
		if *instr.Params.DeadlineSprints < 1 {
			return snap, tasks, RevisionError{Reason: "deadline horizon must be at least one sprint"}
		}
		next.DeadlineSprints = *instr.Params.DeadlineSprints
		return next, out, nil

	case domain.IntentCutFeatures:
		if len(instr.Params.Features) == 0 {
			return snap, tasks, RevisionError{Reason: "cut_features names no features"}
		}
		return cutFeatures(next, out, instr.Params.Features)

	case domain.IntentReassignTask:
		if len(instr.Params.Assignments) == 0 {
			return snap, tasks, RevisionError{Reason: "reassign_task names no assignments"}
		}
		return reassign(next, out, instr.Params.Assignments)
	}
	return snap, tasks, RevisionError{Reason: fmt.Sprintf("intent %q does not mutate the plan", instr.Intent)}
}

func cutFeatures(snap domain.Snapshot, tasks []domain.Task, names []string) (domain.Snapshot, []domain.Task, error) {
	cut := map[string]bool{}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		found := false
		for _, f := range snap.Features {
			if strings.ToLower(f.Name) == name {
				cut[f.Name] = true
				found = true
				break
			}
		}
		if !found {
			return snap, tasks, RevisionError{Reason: fmt.Sprintf("unknown feature %q", raw)}
		}
	}

	var kept []domain.Feature
	for _, f := range snap.Features {
		if !cut[f.Name] {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return snap, tasks, RevisionError{Reason: "cutting every feature would leave an empty plan"}
	}
	snap.Features = kept

	// Removed tasks must not leave dangling references: dependencies on a
	// cut task are re-pointed to that task's own surviving dependencies,
	// transitively.
	removedDeps := map[string][]string{}
	var surviving []domain.Task
	for _, t := range tasks {
		if cut[t.Feature] {
			removedDeps[t.ID] = t.Dependencies
			delete(snap.Pinned, t.ID)
		} else {
			surviving = append(surviving, t)
		}
	}
	for i := range surviving {
		deps, err := reattach(surviving[i].ID, surviving[i].Dependencies, removedDeps)
		if err != nil {
			return snap, tasks, err
		}
		surviving[i].Dependencies = deps
	}
	return snap, surviving, nil
}

func reattach(taskID string, deps []string, removed map[string][]string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	var walk func(id string, trail map[string]bool) error
	walk = func(id string, trail map[string]bool) error {
		if trail[id] {
			return RevisionError{Reason: fmt.Sprintf("cutting features creates a dependency cycle through %s", id)}
		}
		sub, isRemoved := removed[id]
		if !isRemoved {
			if id == taskID {
				return RevisionError{Reason: fmt.Sprintf("task %s would depend on itself after the cut", taskID)}
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
			return nil
		}
		trail[id] = true
		for _, d := range sub {
			if err := walk(d, trail); err != nil {
				return err
			}
		}
		delete(trail, id)
		return nil
	}
	for _, d := range deps {
		if err := walk(d, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func reassign(snap domain.Snapshot, tasks []domain.Task, assignments map[string]string) (domain.Snapshot, []domain.Task, error) {
	byID := map[string]bool{}
	for _, t := range tasks {
		byID[t.ID] = true
	}
	canonical := map[string]string{}
	for _, m := range snap.Staff {
		canonical[strings.ToLower(m.Name)] = m.Name
	}
	if snap.Pinned == nil {
		snap.Pinned = map[string]string{}
	}
	for taskID, staffName := range assignments {
		if !byID[taskID] {
			return snap, tasks, RevisionError{Reason: fmt.Sprintf("unknown task %q", taskID)}
		}
		name, ok := canonical[strings.ToLower(strings.TrimSpace(staffName))]
		if !ok {
			return snap, tasks, RevisionError{Reason: fmt.Sprintf("unknown staff member %q", staffName)}
		}
		snap.Pinned[taskID] = name
	}
	return snap, tasks, nil
}
