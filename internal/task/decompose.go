package task

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Proposal is the output of decomposing an epic. It is not committed:
// the caller persists stories and tasks explicitly if it accepts the
// plan.
type Proposal struct {
	EpicID           string   `json:"epic_id"`
	Stories          []Story  `json:"stories"`
	Tasks            []Task   `json:"tasks"`
	Graph            *Graph   `json:"graph"`
	EstimatedEffort  int      `json:"estimated_effort"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
	Risks            []string `json:"risks,omitempty"`
}

// storyTemplate is one rung of the deterministic build order the
// decomposer proposes. Each rung depends on the one before it.
type storyTemplate struct {
	name      string
	agent     string
	userStory string
	tokens    int // Estimated input tokens per task
}

var storyTemplates = []storyTemplate{
	{"Design", "designer", "As a developer, I need a design for %q so implementation has a blueprint", 2000},
	{"Implementation", "implementer", "As a developer, I need %q implemented per the design", 4000},
	{"Validation", "validator", "As a maintainer, I need %q validated against its acceptance criteria", 3000},
	{"Documentation", "documenter", "As a user, I need %q documented", 1500},
}

// perTokenCost is the flat planning rate used for proposal cost
// estimates; real costs come from the router's pricing at run time.
const perTokenCost = 0.000012

// Decompose deterministically proposes stories and tasks for an epic,
// an initial dependency graph, aggregate estimates, and flagged risks.
// Template-based; the proposal generator may later be swapped for an
// LLM-backed one behind the same signature.
func Decompose(e *Epic) *Proposal {
	p := &Proposal{EpicID: e.ID}

	var prevStoryID string
	var prevLastTaskID string
	for _, tpl := range storyTemplates {
		story := Story{
			Version:   recordVersion,
			ID:        "story-" + uuid.NewString(),
			EpicID:    e.ID,
			Title:     fmt.Sprintf("%s: %s", tpl.name, e.Title),
			UserStory: fmt.Sprintf(tpl.userStory, e.Title),
			Priority:  e.Priority,
			Status:    StatusBacklog,
			TaskIDs:   []string{},
		}
		if prevStoryID != "" {
			story.DependsOn = []string{prevStoryID}
		}

		tasks := tasksForStory(e, &story, tpl)
		for i := range tasks {
			if i == 0 && prevLastTaskID != "" {
				tasks[i].DependsOn = []string{prevLastTaskID}
			} else if i > 0 {
				tasks[i].DependsOn = []string{tasks[i-1].ID}
			}
			story.TaskIDs = append(story.TaskIDs, tasks[i].ID)
		}

		p.Stories = append(p.Stories, story)
		p.Tasks = append(p.Tasks, tasks...)
		prevStoryID = story.ID
		if len(tasks) > 0 {
			prevLastTaskID = tasks[len(tasks)-1].ID
		}
	}

	p.Graph = BuildGraph([]Epic{*e}, p.Stories, p.Tasks)
	for _, t := range p.Tasks {
		p.EstimatedEffort += t.EstimatedTokens
		p.EstimatedCostUSD += t.EstimatedCost
	}
	p.Risks = assessRisks(p)
	return p
}

// tasksForStory expands acceptance criteria into implementation tasks;
// other rungs get a single task.
func tasksForStory(e *Epic, story *Story, tpl storyTemplate) []Task {
	newTask := func(title, detail string) Task {
		return Task{
			Version:         recordVersion,
			ID:              "task-" + uuid.NewString(),
			StoryID:         story.ID,
			EpicID:          e.ID,
			Title:           title,
			Description:     detail,
			Priority:        e.Priority,
			Status:          StatusBacklog,
			AssignedAgentID: tpl.agent,
			EstimatedTokens: tpl.tokens,
			EstimatedCost:   float64(tpl.tokens) * perTokenCost,
		}
	}

	if tpl.agent == "implementer" && len(e.AcceptanceCriteria) > 0 {
		tasks := make([]Task, 0, len(e.AcceptanceCriteria))
		for i, criterion := range e.AcceptanceCriteria {
			tasks = append(tasks, newTask(
				fmt.Sprintf("Implement criterion %d: %s", i+1, firstLine(criterion)),
				criterion,
			))
		}
		return tasks
	}
	return []Task{newTask(
		fmt.Sprintf("%s %s", tpl.name, e.Title),
		e.Description,
	)}
}

// assessRisks flags structural problems in a proposal.
func assessRisks(p *Proposal) []string {
	var risks []string
	if cycle := p.Graph.FindCycle(); cycle != nil {
		risks = append(risks, fmt.Sprintf("dependency cycle in proposal: %v", cycle))
	}
	if len(p.Stories) > 8 {
		risks = append(risks, fmt.Sprintf("high story count (%d); consider splitting the epic", len(p.Stories)))
	}
	if p.EstimatedCostUSD > 25 {
		risks = append(risks, fmt.Sprintf("high estimated cost ($%.2f)", p.EstimatedCostUSD))
	}
	return risks
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
