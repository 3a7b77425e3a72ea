package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompose_StructureAndChaining(t *testing.T) {
	e := &Epic{
		ID:          "epic-1",
		Title:       "Search service",
		Description: "Full-text search over the archive.",
		Priority:    PriorityHigh,
		AcceptanceCriteria: []string{
			"queries return ranked results\nwith pagination",
			"index updates within 5 minutes",
		},
	}
	p := Decompose(e)

	require.Len(t, p.Stories, 4, "design, implementation, validation, documentation")
	assert.Equal(t, "epic-1", p.EpicID)

	// Stories chain linearly.
	assert.Empty(t, p.Stories[0].DependsOn)
	for i := 1; i < len(p.Stories); i++ {
		assert.Equal(t, []string{p.Stories[i-1].ID}, p.Stories[i].DependsOn)
	}

	// One task per rung, except one per acceptance criterion for the
	// implementation story.
	require.Len(t, p.Tasks, 5)
	impl := p.Stories[1]
	require.Len(t, impl.TaskIDs, 2)
	assert.Contains(t, p.Tasks[1].Title, "criterion 1")
	assert.Contains(t, p.Tasks[1].Title, "queries return ranked results")
	assert.NotContains(t, p.Tasks[1].Title, "pagination", "titles keep only the first line")

	// Tasks chain across story boundaries.
	byID := make(map[string]Task, len(p.Tasks))
	for _, tk := range p.Tasks {
		byID[tk.ID] = tk
	}
	first := byID[p.Stories[0].TaskIDs[0]]
	assert.Empty(t, first.DependsOn)
	implFirst := byID[impl.TaskIDs[0]]
	assert.Equal(t, []string{first.ID}, implFirst.DependsOn)
	implSecond := byID[impl.TaskIDs[1]]
	assert.Equal(t, []string{implFirst.ID}, implSecond.DependsOn)

	// Tasks inherit the epic's priority and carry agent assignments.
	assert.Equal(t, PriorityHigh, implFirst.Priority)
	assert.Equal(t, "implementer", implFirst.AssignedAgentID)
	assert.Equal(t, "documenter", byID[p.Stories[3].TaskIDs[0]].AssignedAgentID)

	// Estimates roll up and the proposed graph is acyclic.
	assert.Greater(t, p.EstimatedEffort, 0)
	assert.Greater(t, p.EstimatedCostUSD, 0.0)
	assert.False(t, p.Graph.HasCycle())
	assert.Empty(t, p.Risks)
}

func TestDecompose_ProposalIsNotPersisted(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	e := &Epic{Title: "Standalone"}
	require.NoError(t, s.CreateEpic(e))

	p := Decompose(e)
	require.NotEmpty(t, p.Tasks)
	_, err = s.GetTask(p.Tasks[0].ID)
	assert.Error(t, err, "a proposal commits nothing until the caller persists it")
}

func TestGraph_FindCycle(t *testing.T) {
	g := &Graph{}
	g.AddNode("a", NodeTask)
	g.AddNode("b", NodeTask)
	g.AddNode("c", NodeTask)
	g.AddEdge("a", "b", EdgeBlocks)
	g.AddEdge("b", "c", EdgeBlocks)
	assert.False(t, g.HasCycle())

	g.AddEdge("c", "a", EdgeBlocks)
	cycle := g.FindCycle()
	require.NotNil(t, cycle)
	assert.GreaterOrEqual(t, len(cycle), 3)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1], "cycle path closes on itself")
}

func TestGraph_RequiresEdgesNeverCycle(t *testing.T) {
	// Ownership edges are not blocking: task -> story -> epic must not
	// count as a cycle even when dependencies point the other way.
	e := Epic{ID: "e1"}
	st := Story{ID: "s1", EpicID: "e1"}
	tk := Task{ID: "t1", StoryID: "s1", EpicID: "e1"}
	g := BuildGraph([]Epic{e}, []Story{st}, []Task{tk})

	assert.False(t, g.HasCycle())
	assert.Len(t, g.Nodes, 3)
}
