package graph

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/ptm/internal/model"
)

func newTask(id string) model.Task {
	return model.Task{
		ID:                     id,
		Title:                  id,
		Priority:               model.PriorityMedium,
		EstimatedDurationHours: 1,
		Status:                 model.TaskStatusTodo,
	}
}

func newGraph(t *testing.T, ids ...string) *TaskGraph {
	t.Helper()
	g := New()
	for _, id := range ids {
		require.NoError(t, g.AddTask(newTask(id)))
	}
	return g
}

func mustDepend(t *testing.T, g *TaskGraph, taskID, dependsOn string) model.TaskDependency {
	t.Helper()
	dep, res := g.AddDependency(taskID, dependsOn)
	require.True(t, res.IsValid, "AddDependency(%s, %s): %v", taskID, dependsOn, res.Errors)
	return dep
}

func TestAddDependency_CycleRejected(t *testing.T) {
	g := newGraph(t, "A", "B", "C")
	mustDepend(t, g, "A", "B")
	mustDepend(t, g, "B", "C")
	before := g.Dependencies()

	_, res := g.AddDependency("C", "A")

	assert.False(t, res.IsValid)
	assert.True(t, res.WouldCreateCycle)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ReasonCycle, res.Errors[0].Reason)
	assert.Contains(t, res.Errors[0].Message, "circular dependency")
	assert.Contains(t, res.Errors[0].Message, "C -> A -> B -> C")
	assert.Equal(t, before, g.Dependencies(), "graph must be unchanged after rejection")
}

func TestAddDependency_SelfDependency(t *testing.T) {
	g := newGraph(t, "A")

	_, res := g.AddDependency("A", "A")

	assert.False(t, res.IsValid)
	assert.False(t, res.WouldCreateCycle, "self-dependency is reported separately from cycles")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ReasonSelfDependency, res.Errors[0].Reason)
}

func TestAddDependency_SubtaskDependency(t *testing.T) {
	g := newGraph(t, "parent")
	child := newTask("child")
	p := "parent"
	child.ParentTaskID = &p
	require.NoError(t, g.AddTask(child))
	grandchild := newTask("grandchild")
	c := "child"
	grandchild.ParentTaskID = &c
	require.NoError(t, g.AddTask(grandchild))

	tests := []struct{ task, dependsOn string }{
		{"parent", "grandchild"},
		{"grandchild", "parent"},
		{"parent", "child"},
	}
	for _, tt := range tests {
		t.Run(tt.task+"->"+tt.dependsOn, func(t *testing.T) {
			_, res := g.AddDependency(tt.task, tt.dependsOn)
			assert.False(t, res.IsValid)
			assert.False(t, res.WouldCreateCycle)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, ReasonSubtaskDependency, res.Errors[0].Reason)
		})
	}
	assert.Empty(t, g.Dependencies())
}

func TestAddDependency_UnknownAndDuplicate(t *testing.T) {
	g := newGraph(t, "A", "B")

	_, res := g.AddDependency("A", "missing")
	assert.False(t, res.IsValid)
	assert.Equal(t, ReasonUnknownTask, res.Errors[0].Reason)

	mustDepend(t, g, "A", "B")
	_, res = g.AddDependency("A", "B")
	assert.False(t, res.IsValid)
	assert.Equal(t, ReasonDuplicateDependency, res.Errors[0].Reason)
}

func TestValidateDependency_DoesNotMutate(t *testing.T) {
	g := newGraph(t, "A", "B")

	res := g.ValidateDependency("A", "B")

	assert.True(t, res.IsValid)
	assert.Empty(t, g.Dependencies())
}

func TestRemoveDependency_MissingIsNoop(t *testing.T) {
	g := newGraph(t, "A", "B")
	mustDepend(t, g, "A", "B")

	_, removed := g.RemoveDependency("dep_does-not-exist")

	assert.False(t, removed)
	assert.Len(t, g.Dependencies(), 1)
}

func TestRemoveDependency_AllowsReverseEdge(t *testing.T) {
	g := newGraph(t, "A", "B")
	dep := mustDepend(t, g, "A", "B")

	_, removed := g.RemoveDependency(dep.ID)
	require.True(t, removed)

	mustDepend(t, g, "B", "A")
}

func TestIsBlocked(t *testing.T) {
	g := newGraph(t, "A", "B", "C")
	mustDepend(t, g, "B", "A")
	mustDepend(t, g, "C", "B")

	assert.False(t, g.IsBlocked("A"))
	assert.True(t, g.IsBlocked("B"))
	assert.True(t, g.IsBlocked("C"))
	assert.Equal(t, []string{"A"}, g.BlockingTaskIDs("B"))

	a, _ := g.Task("A")
	a.Status = model.TaskStatusDone
	_, err := g.UpdateTask(a)
	require.NoError(t, err)

	assert.False(t, g.IsBlocked("B"))
	assert.True(t, g.IsBlocked("C"), "C still waits on B")
}

func TestReparent(t *testing.T) {
	g := newGraph(t, "root", "mid", "leaf", "other")
	root, mid := "root", "mid"
	_, err := g.Reparent("mid", &root)
	require.NoError(t, err)
	_, err = g.Reparent("leaf", &mid)
	require.NoError(t, err)

	leaf := "leaf"
	_, err = g.Reparent("root", &leaf)
	require.Error(t, err)
	var ve *ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.HasReason(ReasonContainmentCycle))

	_, err = g.Reparent("root", &root)
	require.Error(t, err)

	prev, err := g.Reparent("leaf", nil)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "mid", *prev)
	assert.Empty(t, g.Children("mid"))
}

func TestRemoveTask_DropsEdgesAndRehomesChildren(t *testing.T) {
	g := newGraph(t, "root", "mid", "leaf", "x")
	root, mid := "root", "mid"
	_, _ = g.Reparent("mid", &root)
	_, _ = g.Reparent("leaf", &mid)
	mustDepend(t, g, "x", "mid")

	removed, deps, ok := g.RemoveTask("mid")

	require.True(t, ok)
	assert.Equal(t, "mid", removed.ID)
	assert.Len(t, deps, 1)
	assert.Empty(t, g.Dependencies())
	leaf, _ := g.Task("leaf")
	require.NotNil(t, leaf.ParentTaskID)
	assert.Equal(t, "root", *leaf.ParentTaskID)
	assert.False(t, g.IsBlocked("x"))
}

func TestUpdateTask_RejectsInvalidTransition(t *testing.T) {
	g := newGraph(t, "A")
	a, _ := g.Task("A")
	a.Status = model.TaskStatusDone
	_, err := g.UpdateTask(a)
	require.NoError(t, err)

	a.Status = model.TaskStatusInProgress
	_, err = g.UpdateTask(a)
	assert.Error(t, err)
}

func TestLoad_RejectsStoredCycle(t *testing.T) {
	tasks := []model.Task{newTask("A"), newTask("B")}
	deps := []model.TaskDependency{
		{ID: "dep_1", TaskID: "A", DependsOnTaskID: "B"},
		{ID: "dep_2", TaskID: "B", DependsOnTaskID: "A"},
	}

	_, err := Load(tasks, deps)

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circular dependency"))
}

func TestLoad_ParentsInAnyOrder(t *testing.T) {
	child := newTask("child")
	p := "parent"
	child.ParentTaskID = &p

	g, err := Load([]model.Task{child, newTask("parent")}, nil)

	require.NoError(t, err)
	assert.True(t, g.IsDescendant("parent", "child"))
}

func TestClone_Independent(t *testing.T) {
	g := newGraph(t, "A", "B")
	c := g.Clone()
	mustDepend(t, c, "A", "B")

	assert.Empty(t, g.Dependencies())
	assert.Len(t, c.Dependencies(), 1)
}

// Every accepted sequence of adds and removes must leave a graph that sorts.
func TestAcyclicityInvariant_RandomOperations(t *testing.T) {
	const n = 12
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%02d", i)
	}
	g := newGraph(t, ids...)
	rng := rand.New(rand.NewPCG(7, 11))

	for step := 0; step < 2000; step++ {
		deps := g.Dependencies()
		if len(deps) > 0 && rng.IntN(4) == 0 {
			g.RemoveDependency(deps[rng.IntN(len(deps))].ID)
		} else {
			a, b := ids[rng.IntN(n)], ids[rng.IntN(n)]
			g.AddDependency(a, b)
		}

		order, err := g.TopologicalOrder()
		require.NoError(t, err, "step %d", step)
		require.Len(t, order, n)

		pos := make(map[string]int, n)
		for i, id := range order {
			pos[id] = i
		}
		for _, d := range g.Dependencies() {
			require.Less(t, pos[d.DependsOnTaskID], pos[d.TaskID], "prerequisite must sort first")
		}
	}
}
