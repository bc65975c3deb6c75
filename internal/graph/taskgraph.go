// Package graph holds the task dependency DAG and the task containment tree.
//
// Tasks live in an arena keyed by id; dependency edges are stored as records
// plus adjacency lists of edge ids, so no task ever points at another.
// A TaskGraph is not safe for concurrent use; the owning session serializes
// access and hands scheduler runs a Clone.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/msageha/ptm/internal/model"
)

type TaskGraph struct {
	tasks map[string]*model.Task
	deps  map[string]model.TaskDependency

	dependsOn  map[string][]string // taskID → dependency ids where it is the dependent
	dependents map[string][]string // taskID → dependency ids where it is the prerequisite
	children   map[string][]string // parentID → child task ids
}

func New() *TaskGraph {
	return &TaskGraph{
		tasks:      make(map[string]*model.Task),
		deps:       make(map[string]model.TaskDependency),
		dependsOn:  make(map[string][]string),
		dependents: make(map[string][]string),
		children:   make(map[string][]string),
	}
}

// Load builds a graph from persisted records, rejecting anything that
// violates the graph invariants (including a cycle in stored edges).
func Load(tasks []model.Task, deps []model.TaskDependency) (*TaskGraph, error) {
	g := New()

	// Parents may appear after their children; insert without parents first.
	pending := make(map[string]*string)
	for _, t := range tasks {
		parent := t.ParentTaskID
		t.ParentTaskID = nil
		if err := g.AddTask(t); err != nil {
			return nil, fmt.Errorf("load task %s: %w", t.ID, err)
		}
		if parent != nil {
			pending[t.ID] = parent
		}
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, err := g.Reparent(id, pending[id]); err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
	}

	for _, d := range deps {
		if res := g.InsertDependency(d); !res.IsValid {
			return nil, fmt.Errorf("load dependency %s: %w", d.ID, res.Err())
		}
	}
	return g, nil
}

func validateTask(t model.Task) *ValidationErrors {
	errs := &ValidationErrors{}
	if t.ID == "" {
		errs.Add(ReasonInvalidTask, "task.id", "required field is missing")
	}
	if !t.Priority.Valid() {
		errs.Add(ReasonInvalidTask, "task.priority", fmt.Sprintf("must be LOW|MEDIUM|HIGH|URGENT, got %q", t.Priority))
	}
	if t.EstimatedDurationHours <= 0 {
		errs.Add(ReasonInvalidTask, "task.estimated_duration_hours", "must be greater than 0")
	}
	switch t.Status {
	case model.TaskStatusTodo, model.TaskStatusInProgress, model.TaskStatusDone:
	default:
		errs.Add(ReasonInvalidTask, "task.status", fmt.Sprintf("must be TODO|IN_PROGRESS|DONE, got %q", t.Status))
	}
	return errs
}

func (g *TaskGraph) AddTask(t model.Task) error {
	errs := validateTask(t)
	if _, exists := g.tasks[t.ID]; exists && t.ID != "" {
		errs.Add(ReasonInvalidTask, "task.id", fmt.Sprintf("duplicate task id %q", t.ID))
	}
	if t.ParentTaskID != nil {
		if _, ok := g.tasks[*t.ParentTaskID]; !ok {
			errs.Add(ReasonUnknownTask, "task.parent_task_id", fmt.Sprintf("references unknown task %q", *t.ParentTaskID))
		}
	}
	if err := errs.orNil(); err != nil {
		return err
	}

	c := t.Clone()
	g.tasks[t.ID] = &c
	if c.ParentTaskID != nil {
		g.children[*c.ParentTaskID] = append(g.children[*c.ParentTaskID], c.ID)
	}
	return nil
}

// UpdateTask replaces a task's attributes and returns the previous value.
// The containment parent is left as is; use Reparent to move a task.
func (g *TaskGraph) UpdateTask(t model.Task) (model.Task, error) {
	cur, ok := g.tasks[t.ID]
	if !ok {
		return model.Task{}, newValidationError(ReasonUnknownTask, "task.id", "unknown task %q", t.ID)
	}
	if err := validateTask(t).orNil(); err != nil {
		return model.Task{}, err
	}
	if err := model.ValidateTaskTransition(cur.Status, t.Status); err != nil {
		return model.Task{}, newValidationError(ReasonInvalidTask, "task.status", "%v", err)
	}

	prev := cur.Clone()
	next := t.Clone()
	next.ParentTaskID = prev.ParentTaskID
	g.tasks[t.ID] = &next
	return prev, nil
}

// Restore puts back an exact prior task value, bypassing transition rules.
// It exists for rollback of optimistic updates.
func (g *TaskGraph) Restore(t model.Task) {
	cur, ok := g.tasks[t.ID]
	if !ok {
		return
	}
	c := t.Clone()
	c.ParentTaskID = cur.ParentTaskID
	g.tasks[t.ID] = &c
}

// RemoveTask deletes a task together with its incident edges. Children are
// re-homed to the removed task's parent so the containment tree stays connected.
func (g *TaskGraph) RemoveTask(id string) (model.Task, []model.TaskDependency, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return model.Task{}, nil, false
	}
	removed := t.Clone()

	var droppedDeps []model.TaskDependency
	edgeIDs := append(slices.Clone(g.dependsOn[id]), g.dependents[id]...)
	slices.Sort(edgeIDs)
	for _, depID := range slices.Compact(edgeIDs) {
		if d, ok := g.RemoveDependency(depID); ok {
			droppedDeps = append(droppedDeps, d)
		}
	}

	for _, child := range slices.Clone(g.children[id]) {
		_, _ = g.Reparent(child, removed.ParentTaskID)
	}
	if removed.ParentTaskID != nil {
		g.detachChild(*removed.ParentTaskID, id)
	}
	delete(g.children, id)
	delete(g.tasks, id)
	return removed, droppedDeps, true
}

func (g *TaskGraph) Task(id string) (model.Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks ordered by id.
func (g *TaskGraph) Tasks() []model.Task {
	out := make([]model.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b model.Task) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Dependencies returns all edges ordered by id.
func (g *TaskGraph) Dependencies() []model.TaskDependency {
	out := make([]model.TaskDependency, 0, len(g.deps))
	for _, d := range g.deps {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b model.TaskDependency) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (g *TaskGraph) Dependency(id string) (model.TaskDependency, bool) {
	d, ok := g.deps[id]
	return d, ok
}

// DependenciesOf returns the edges where taskID is the dependent.
func (g *TaskGraph) DependenciesOf(taskID string) []model.TaskDependency {
	out := make([]model.TaskDependency, 0, len(g.dependsOn[taskID]))
	for _, depID := range g.dependsOn[taskID] {
		out = append(out, g.deps[depID])
	}
	return out
}

func (g *TaskGraph) prerequisites(taskID string) []string {
	ids := make([]string, 0, len(g.dependsOn[taskID]))
	for _, depID := range g.dependsOn[taskID] {
		ids = append(ids, g.deps[depID].DependsOnTaskID)
	}
	return ids
}

// ValidateDependency checks whether taskID may depend on dependsOnTaskID
// without modifying the graph.
func (g *TaskGraph) ValidateDependency(taskID, dependsOnTaskID string) DependencyResult {
	errs := &ValidationErrors{}
	wouldCycle := false

	_, taskKnown := g.tasks[taskID]
	_, depKnown := g.tasks[dependsOnTaskID]
	if !taskKnown {
		errs.Add(ReasonUnknownTask, "task_id", fmt.Sprintf("references unknown task %q", taskID))
	}
	if !depKnown {
		errs.Add(ReasonUnknownTask, "depends_on_task_id", fmt.Sprintf("references unknown task %q", dependsOnTaskID))
	}

	switch {
	case errs.HasErrors():
	case taskID == dependsOnTaskID:
		errs.Add(ReasonSelfDependency, "depends_on_task_id", "a task cannot depend on itself")
	case g.IsDescendant(taskID, dependsOnTaskID) || g.IsDescendant(dependsOnTaskID, taskID):
		errs.Add(ReasonSubtaskDependency, "depends_on_task_id",
			fmt.Sprintf("%q and %q are in the same subtask tree", taskID, dependsOnTaskID))
	case g.hasEdge(taskID, dependsOnTaskID):
		errs.Add(ReasonDuplicateDependency, "depends_on_task_id",
			fmt.Sprintf("%q already depends on %q", taskID, dependsOnTaskID))
	default:
		if path, ok := reachable(dependsOnTaskID, taskID, g.prerequisites); ok {
			wouldCycle = true
			errs.Add(ReasonCycle, "depends_on_task_id",
				fmt.Sprintf("would create a circular dependency: %s -> %s", taskID, strings.Join(path, " -> ")))
		}
	}

	return DependencyResult{
		IsValid:          !errs.HasErrors(),
		WouldCreateCycle: wouldCycle,
		Errors:           errs.Errors,
	}
}

func (g *TaskGraph) hasEdge(taskID, dependsOnTaskID string) bool {
	for _, depID := range g.dependsOn[taskID] {
		if g.deps[depID].DependsOnTaskID == dependsOnTaskID {
			return true
		}
	}
	return false
}

// AddDependency validates and inserts the edge taskID → dependsOnTaskID.
// A rejected edge leaves the graph unchanged.
func (g *TaskGraph) AddDependency(taskID, dependsOnTaskID string) (model.TaskDependency, DependencyResult) {
	id, err := model.GenerateID(model.IDTypeDependency)
	if err != nil {
		return model.TaskDependency{}, DependencyResult{Errors: []ValidationError{{
			Reason: ReasonInvalidTask, FieldPath: "id", Message: err.Error(),
		}}}
	}
	dep := model.TaskDependency{
		ID:              id,
		TaskID:          taskID,
		DependsOnTaskID: dependsOnTaskID,
		Type:            model.DependencyFinishToStart,
	}
	res := g.InsertDependency(dep)
	if !res.IsValid {
		return model.TaskDependency{}, res
	}
	return dep, res
}

// InsertDependency validates and inserts an edge that already carries an id.
func (g *TaskGraph) InsertDependency(dep model.TaskDependency) DependencyResult {
	if dep.ID == "" {
		return DependencyResult{Errors: []ValidationError{{
			Reason: ReasonInvalidTask, FieldPath: "id", Message: "required field is missing",
		}}}
	}
	if _, exists := g.deps[dep.ID]; exists {
		return DependencyResult{Errors: []ValidationError{{
			Reason: ReasonDuplicateDependency, FieldPath: "id", Message: fmt.Sprintf("duplicate dependency id %q", dep.ID),
		}}}
	}
	res := g.ValidateDependency(dep.TaskID, dep.DependsOnTaskID)
	if !res.IsValid {
		return res
	}
	if dep.Type == "" {
		dep.Type = model.DependencyFinishToStart
	}
	g.deps[dep.ID] = dep
	g.dependsOn[dep.TaskID] = append(g.dependsOn[dep.TaskID], dep.ID)
	g.dependents[dep.DependsOnTaskID] = append(g.dependents[dep.DependsOnTaskID], dep.ID)
	return res
}

// RemoveDependency deletes an edge. Removing an unknown edge is a no-op;
// the bool only reports whether something was removed.
func (g *TaskGraph) RemoveDependency(id string) (model.TaskDependency, bool) {
	dep, ok := g.deps[id]
	if !ok {
		return model.TaskDependency{}, false
	}
	delete(g.deps, id)
	g.dependsOn[dep.TaskID] = removeString(g.dependsOn[dep.TaskID], id)
	g.dependents[dep.DependsOnTaskID] = removeString(g.dependents[dep.DependsOnTaskID], id)
	return dep, true
}

// IsBlocked reports whether any direct prerequisite is not DONE. Multi-hop
// blocking follows because a prerequisite cannot be DONE while blocked itself.
func (g *TaskGraph) IsBlocked(taskID string) bool {
	return len(g.BlockingTaskIDs(taskID)) > 0
}

// BlockingTaskIDs lists the direct prerequisites that are not DONE.
func (g *TaskGraph) BlockingTaskIDs(taskID string) []string {
	var blocking []string
	for _, depID := range g.dependsOn[taskID] {
		pre, ok := g.tasks[g.deps[depID].DependsOnTaskID]
		if ok && pre.Status != model.TaskStatusDone {
			blocking = append(blocking, pre.ID)
		}
	}
	slices.Sort(blocking)
	return blocking
}

// Reparent moves a task within the containment tree and returns its previous
// parent. Moving a task under itself or one of its descendants is rejected.
func (g *TaskGraph) Reparent(taskID string, newParentID *string) (*string, error) {
	t, ok := g.tasks[taskID]
	if !ok {
		return nil, newValidationError(ReasonUnknownTask, "task_id", "unknown task %q", taskID)
	}
	if newParentID != nil {
		if _, ok := g.tasks[*newParentID]; !ok {
			return nil, newValidationError(ReasonUnknownTask, "parent_task_id", "references unknown task %q", *newParentID)
		}
		if *newParentID == taskID || g.IsDescendant(taskID, *newParentID) {
			return nil, newValidationError(ReasonContainmentCycle, "parent_task_id",
				"%q is %q or one of its subtasks", *newParentID, taskID)
		}
	}

	prev := t.ParentTaskID
	if prev != nil {
		g.detachChild(*prev, taskID)
	}
	if newParentID != nil {
		p := *newParentID
		t.ParentTaskID = &p
		g.children[p] = append(g.children[p], taskID)
	} else {
		t.ParentTaskID = nil
	}
	return prev, nil
}

// IsDescendant reports whether id sits below ancestor in the containment tree.
func (g *TaskGraph) IsDescendant(ancestor, id string) bool {
	seen := make(map[string]bool)
	cur, ok := g.tasks[id]
	for ok && cur.ParentTaskID != nil {
		parent := *cur.ParentTaskID
		if parent == ancestor {
			return true
		}
		if seen[parent] {
			return false
		}
		seen[parent] = true
		cur, ok = g.tasks[parent]
	}
	return false
}

// Children returns the direct subtasks of a task ordered by id.
func (g *TaskGraph) Children(id string) []string {
	out := slices.Clone(g.children[id])
	slices.Sort(out)
	return out
}

func (g *TaskGraph) detachChild(parent, child string) {
	g.children[parent] = removeString(g.children[parent], child)
	if len(g.children[parent]) == 0 {
		delete(g.children, parent)
	}
}

// TopologicalOrder returns task ids with prerequisites before dependents.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	edges := make(map[string][]string, len(g.dependsOn))
	for id := range g.tasks {
		if pre := g.prerequisites(id); len(pre) > 0 {
			edges[id] = pre
		}
	}
	return validateDAG(ids, edges)
}

// Clone returns an independent deep copy.
func (g *TaskGraph) Clone() *TaskGraph {
	c := New()
	for id, t := range g.tasks {
		tc := t.Clone()
		c.tasks[id] = &tc
	}
	for id, d := range g.deps {
		c.deps[id] = d
	}
	for k, v := range g.dependsOn {
		c.dependsOn[k] = slices.Clone(v)
	}
	for k, v := range g.dependents {
		c.dependents[k] = slices.Clone(v)
	}
	for k, v := range g.children {
		c.children[k] = slices.Clone(v)
	}
	return c
}

func (g *TaskGraph) Len() int {
	return len(g.tasks)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
