// Package export shapes committed plans into read-only payloads for
// downstream consumers (issue trackers, report rendering). The core never
// writes to those systems; consumers pull these documents.
package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"planline/internal/domain"
)

type JiraProject struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type JiraAssignee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type JiraGitHub struct {
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	AutoLinkPR bool   `json:"auto_link_pr"`
}

type JiraStory struct {
	Summary            string       `json:"summary"`
	Description        string       `json:"description"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
	Priority           string       `json:"priority"`
	EstimateHours      float64      `json:"estimate_hours"`
	Labels             []string     `json:"labels"`
	Assignee           JiraAssignee `json:"assignee"`
	GitHub             JiraGitHub   `json:"github"`
	Status             string       `json:"status"`
}

type JiraFeature struct {
	FeatureName string      `json:"feature_name"`
	Stories     []JiraStory `json:"stories"`
}

type JiraSprint struct {
	SprintName   string        `json:"sprint_name"`
	DurationDays int           `json:"duration_days"`
	Features     []JiraFeature `json:"features"`
}

type JiraSummary struct {
	TotalFeatures           int     `json:"total_features"`
	TotalStories            int     `json:"total_stories"`
	TotalEstimatedHours     float64 `json:"total_estimated_hours"`
	Sprints                 int     `json:"sprints"`
	TeamCapacityUsedPercent int     `json:"team_capacity_used_percent"`
}

type JiraInputs struct {
	Project     JiraProject  `json:"project"`
	GeneratedAt string       `json:"generated_at"`
	Sprints     []JiraSprint `json:"sprints"`
	Summary     JiraSummary  `json:"summary"`
}

// BuildJiraInputs groups the plan's tasks into sprint-ordered stories.
func BuildJiraInputs(s domain.Session, projectKey, projectName string, sprintDays int, now time.Time) (JiraInputs, error) {
	if s.Plan == nil {
		return JiraInputs{}, fmt.Errorf("session %s has no committed plan", s.ID)
	}
	if sprintDays <= 0 {
		sprintDays = 14
	}
	emails := map[string]string{}
	for _, m := range s.Snapshot.Staff {
		emails[m.Name] = m.Email
	}

	tasks := make([]domain.Task, len(s.Plan.Tasks))
	copy(tasks, s.Plan.Tasks)
	sort.SliceStable(tasks, func(a, b int) bool {
		if tasks[a].Sprint != tasks[b].Sprint {
			return tasks[a].Sprint < tasks[b].Sprint
		}
		return tasks[a].ID < tasks[b].ID
	})

	var (
		sprints    []JiraSprint
		features   = map[string]bool{}
		totalHours float64
	)
	for _, t := range tasks {
		features[t.Feature] = true
		totalHours += t.EstimatedHours

		sprintNum := t.Sprint
		if sprintNum < 1 {
			sprintNum = 1
		}
		sprintName := fmt.Sprintf("Sprint %d", sprintNum)
		if len(sprints) == 0 || sprints[len(sprints)-1].SprintName != sprintName {
			sprints = append(sprints, JiraSprint{SprintName: sprintName, DurationDays: sprintDays})
		}
		sprint := &sprints[len(sprints)-1]

		var feature *JiraFeature
		for i := range sprint.Features {
			if sprint.Features[i].FeatureName == t.Feature {
				feature = &sprint.Features[i]
				break
			}
		}
		if feature == nil {
			sprint.Features = append(sprint.Features, JiraFeature{FeatureName: t.Feature})
			feature = &sprint.Features[len(sprint.Features)-1]
		}
		feature.Stories = append(feature.Stories, buildStory(t, sprintNum, emails))
	}

	summary := JiraSummary{
		TotalFeatures:           len(features),
		TotalStories:            len(tasks),
		TotalEstimatedHours:     totalHours,
		Sprints:                 len(sprints),
		TeamCapacityUsedPercent: capacityUsedPercent(totalHours, s.Snapshot.Staff),
	}
	return JiraInputs{
		Project:     JiraProject{Key: projectKey, Name: projectName},
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Sprints:     sprints,
		Summary:     summary,
	}, nil
}

func buildStory(t domain.Task, sprintNum int, emails map[string]string) JiraStory {
	assignee := "Unassigned"
	if t.Assignee != nil {
		assignee = *t.Assignee
	}
	email := emails[assignee]
	if email == "" {
		email = strings.ReplaceAll(strings.ToLower(assignee), " ", ".") + "@example.com"
	}
	priority := "Medium"
	if t.RiskLevel == "High" {
		priority = "High"
	}
	status := "Planned"
	if sprintNum == 1 {
		status = "Ready for Development"
	}
	return JiraStory{
		Summary:     fmt.Sprintf("[%s - Sprint %d] %s", t.Feature, sprintNum, t.Title),
		Description: t.Description,
		AcceptanceCriteria: []string{
			fmt.Sprintf("Complete %s within estimated hours", t.Title),
			"Code reviewed and approved",
			"Tests passing",
		},
		Priority:      priority,
		EstimateHours: t.EstimatedHours,
		Labels:        []string{slug(t.Feature), strings.ToLower(t.RiskLevel)},
		Assignee:      JiraAssignee{Name: assignee, Email: email},
		GitHub: JiraGitHub{
			Repo:       "https://github.com/team-app/" + slug(t.Feature),
			Branch:     "feature/" + strings.ToLower(t.ID),
			AutoLinkPR: true,
		},
		Status: status,
	}
}

func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

func capacityUsedPercent(totalHours float64, staff []domain.StaffMember) int {
	var capacity float64
	for _, m := range staff {
		capacity += m.CapacityHours
	}
	if capacity <= 0 {
		return 0
	}
	pct := int(totalHours / capacity * 100)
	if pct > 95 {
		pct = 95
	}
	return pct
}
