package planner

import (
	"sort"
	"strings"

	"planline/internal/domain"
)

// Allocation is the allocator's output: tasks with owners, and the signals
// the evaluator needs. A plan with unassigned tasks is a valid, inspectable
// state, not an error.
type Allocation struct {
	Tasks        []domain.Task
	Unassigned   []string
	HoursByStaff map[string]float64
	Horizon      int
}

// UnassignedHours sums the estimates of tasks no one had capacity for.
func (a Allocation) UnassignedHours() float64 {
	unassigned := map[string]bool{}
	for _, id := range a.Unassigned {
		unassigned[id] = true
	}
	var total float64
	for _, t := range a.Tasks {
		if unassigned[t.ID] {
			total += t.EstimatedHours
		}
	}
	return total
}

// Allocate assigns every task an owner under the hard capacity ceilings.
// Order is fully deterministic: tasks are processed by (priority desc,
// sprint asc, hours desc, id asc); staff by (skill overlap desc, current
// load asc, roster order). Pins from revisions are honored exactly: a pinned
// task whose owner lacks remaining capacity stays unassigned instead of
// being reassigned. Tasks no one can take are flagged unassigned with zero
// cost so budget figures are never inflated by unresolved work.
func Allocate(tasks []domain.Task, snap domain.Snapshot, opts Options) Allocation {
	opts = opts.normalized()

	out := make([]domain.Task, len(tasks))
	copy(out, tasks)

	rank := map[string]int{}
	for _, f := range snap.Features {
		rank[f.Name] = domain.PriorityRank(f.Priority)
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := out[order[a]], out[order[b]]
		if ra, rb := rank[ta.Feature], rank[tb.Feature]; ra != rb {
			return ra > rb
		}
		if ta.Sprint != tb.Sprint {
			return ta.Sprint < tb.Sprint
		}
		if ta.EstimatedHours != tb.EstimatedHours {
			return ta.EstimatedHours > tb.EstimatedHours
		}
		return ta.ID < tb.ID
	})

	load := map[string]float64{}
	rosterIndex := map[string]int{}
	for i, m := range snap.Staff {
		load[m.Name] = 0
		rosterIndex[strings.ToLower(m.Name)] = i
	}

	var (
		unassigned []string
		horizon    int
	)
	for _, i := range order {
		task := &out[i]
		owner := -1
		if pin, ok := snap.Pinned[task.ID]; ok {
			// A pin is an explicit user instruction. If the pinned member
			// cannot take the task the task stays unassigned; it is never
			// handed to someone else.
			j, found := rosterIndex[strings.ToLower(pin)]
			if !found || !fits(snap.Staff[j], load, task.EstimatedHours) {
				task.Assignee = nil
				task.SalaryCost = 0
				unassigned = append(unassigned, task.ID)
				continue
			}
			owner = j
		}
		if owner == -1 {
			owner = bestCandidate(*task, snap.Staff, load)
		}
		if owner == -1 {
			task.Assignee = nil
			task.SalaryCost = 0
			unassigned = append(unassigned, task.ID)
			continue
		}
		member := snap.Staff[owner]
		before := load[member.Name]
		load[member.Name] = before + task.EstimatedHours
		name := member.Name
		task.Assignee = &name
		task.SalaryCost = task.EstimatedHours * member.HourlyRate
		task.Sprint = int(before/opts.SprintHours) + 1
		if task.Sprint > horizon {
			horizon = task.Sprint
		}
	}
	sort.Strings(unassigned)
	return Allocation{
		Tasks:        out,
		Unassigned:   unassigned,
		HoursByStaff: load,
		Horizon:      horizon,
	}
}

func fits(m domain.StaffMember, load map[string]float64, hours float64) bool {
	return load[m.Name]+hours <= m.CapacityHours
}

func bestCandidate(task domain.Task, staff []domain.StaffMember, load map[string]float64) int {
	text := taskText(task)
	best := -1
	bestScore := -1
	var bestLoad float64
	for i, m := range staff {
		if !fits(m, load, task.EstimatedHours) {
			continue
		}
		score := skillOverlap(text, m.Skills)
		switch {
		case score > bestScore:
		case score == bestScore && load[m.Name] < bestLoad:
		default:
			continue
		}
		best, bestScore, bestLoad = i, score, load[m.Name]
	}
	return best
}

func taskText(task domain.Task) string {
	return strings.ToLower(task.Feature + " " + task.Title + " " + task.Description)
}

// skillOverlap counts staff skill tags that appear in the task text.
func skillOverlap(text string, skills []string) int {
	score := 0
	for _, s := range skills {
		if s != "" && strings.Contains(text, s) {
			score++
		}
	}
	return score
}
