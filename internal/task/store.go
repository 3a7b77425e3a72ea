package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/logging"
	"taskforge/internal/provider"
)

// Store persists epics, stories, and tasks as one JSON record per
// entity under per-class directories. Writes are atomic
// (write-to-temp-then-rename). Cross-entity consistency follows the
// parent-last rule: a child referencing a parent is written before the
// parent's owning list is updated, so a reader never sees a dangling
// child reference.
type Store struct {
	mu      sync.RWMutex
	baseDir string
}

// NewStore creates the per-class directories under
// {workspace}/.taskforge/tasks.
func NewStore(workspace string) (*Store, error) {
	baseDir := filepath.Join(workspace, ".taskforge", "tasks")
	for _, sub := range []string{"epics", "stories", "tasks"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create task store dir: %w", err)
		}
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) epicPath(id string) string  { return filepath.Join(s.baseDir, "epics", id+".json") }
func (s *Store) storyPath(id string) string { return filepath.Join(s.baseDir, "stories", id+".json") }
func (s *Store) taskPath(id string) string  { return filepath.Join(s.baseDir, "tasks", id+".json") }

// writeRecord marshals v and atomically renames it into place.
func writeRecord(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename record into place: %w", err)
	}
	return nil
}

func readRecord(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// CreateEpic persists a new epic. An empty ID is assigned.
func (s *Store) CreateEpic(e *Epic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Title == "" {
		return provider.NewError(provider.KindValidation, "epic title required")
	}
	if e.ID == "" {
		e.ID = "epic-" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusBacklog
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	now := time.Now()
	e.Version = recordVersion
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.StoryIDs == nil {
		e.StoryIDs = []string{}
	}
	logging.Tasks("Created epic %s: %s", e.ID, e.Title)
	return writeRecord(s.epicPath(e.ID), e)
}

// GetEpic loads an epic by ID.
func (s *Store) GetEpic(id string) (*Epic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEpicLocked(id)
}

func (s *Store) getEpicLocked(id string) (*Epic, error) {
	var e Epic
	if err := readRecord(s.epicPath(id), &e); err != nil {
		if os.IsNotExist(err) {
			return nil, provider.NewError(provider.KindValidation, "epic %q not found", id)
		}
		return nil, err
	}
	return &e, nil
}

// DeleteEpic removes an epic and its owned stories/tasks. Forbidden
// while any owned task is not in a terminal state.
func (s *Store) DeleteEpic(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getEpicLocked(id)
	if err != nil {
		return err
	}
	tasks, err := s.listTasksLocked()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.EpicID == id && !t.Status.IsTerminal() {
			return provider.NewError(provider.KindValidation,
				"cannot delete epic %q: task %q is %s", id, t.ID, t.Status)
		}
	}
	for _, t := range tasks {
		if t.EpicID == id {
			os.Remove(s.taskPath(t.ID))
		}
	}
	for _, storyID := range e.StoryIDs {
		os.Remove(s.storyPath(storyID))
	}
	return os.Remove(s.epicPath(id))
}

// CreateStory persists a new story and appends its ID to the owning
// epic within the same mutation window.
func (s *Store) CreateStory(st *Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getEpicLocked(st.EpicID)
	if err != nil {
		return err
	}
	if st.ID == "" {
		st.ID = "story-" + uuid.NewString()
	}
	if st.Status == "" {
		st.Status = StatusBacklog
	}
	if st.Priority == "" {
		st.Priority = e.Priority
	}
	now := time.Now()
	st.Version = recordVersion
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.TaskIDs == nil {
		st.TaskIDs = []string{}
	}

	// Child first, parent last.
	if err := writeRecord(s.storyPath(st.ID), st); err != nil {
		return err
	}
	e.StoryIDs = append(e.StoryIDs, st.ID)
	e.UpdatedAt = now
	if err := writeRecord(s.epicPath(e.ID), e); err != nil {
		return err
	}
	logging.Tasks("Created story %s under epic %s", st.ID, e.ID)
	return nil
}

// GetStory loads a story by ID.
func (s *Store) GetStory(id string) (*Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStoryLocked(id)
}

func (s *Store) getStoryLocked(id string) (*Story, error) {
	var st Story
	if err := readRecord(s.storyPath(id), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, provider.NewError(provider.KindValidation, "story %q not found", id)
		}
		return nil, err
	}
	return &st, nil
}

// CreateTask persists a new task. A task with a story must reference an
// existing, mutually consistent story and epic; a task without one is a
// standalone work item (ad-hoc pipeline submissions). Dependencies must
// keep the blocks graph acyclic.
func (s *Store) CreateTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st *Story
	if t.StoryID != "" {
		var err error
		st, err = s.getStoryLocked(t.StoryID)
		if err != nil {
			return err
		}
		if _, err := s.getEpicLocked(t.EpicID); err != nil {
			return err
		}
		if st.EpicID != t.EpicID {
			return provider.NewError(provider.KindValidation,
				"story %q belongs to epic %q, not %q", t.StoryID, st.EpicID, t.EpicID)
		}
	}
	if t.ID == "" {
		t.ID = "task-" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.Priority == "" {
		if st != nil {
			t.Priority = st.Priority
		} else {
			t.Priority = PriorityNormal
		}
	}

	if len(t.DependsOn) > 0 {
		existing, err := s.listTasksLocked()
		if err != nil {
			return err
		}
		for _, dep := range t.DependsOn {
			candidate := append([]Task{}, existing...)
			candidate = append(candidate, *t)
			if err := checkAcyclicWith(candidate, t.ID, dep); err != nil {
				return provider.WrapError(provider.KindValidation, err,
					"task %q rejected", t.ID)
			}
		}
	}

	now := time.Now()
	t.Version = recordVersion
	t.CreatedAt = now
	t.UpdatedAt = now

	// Child first, parent last.
	if err := writeRecord(s.taskPath(t.ID), t); err != nil {
		return err
	}
	if st != nil {
		st.TaskIDs = append(st.TaskIDs, t.ID)
		st.UpdatedAt = now
		if err := writeRecord(s.storyPath(st.ID), st); err != nil {
			return err
		}
		logging.Tasks("Created task %s under story %s", t.ID, st.ID)
	} else {
		logging.Tasks("Created standalone task %s", t.ID)
	}
	return nil
}

// GetTask loads a task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id string) (*Task, error) {
	var t Task
	if err := readRecord(s.taskPath(id), &t); err != nil {
		if os.IsNotExist(err) {
			return nil, provider.NewError(provider.KindValidation, "task %q not found", id)
		}
		return nil, err
	}
	return &t, nil
}

// UpdateTask rewrites a task record wholesale (status changes go through
// UpdateTaskStatus so cascades run). The incoming dependency set must
// keep the blocks graph acyclic, same as at creation.
func (s *Store) UpdateTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.getTaskLocked(t.ID)
	if err != nil {
		return err
	}
	if existing.Status != t.Status && !ValidTransition(existing.Status, t.Status) {
		return provider.NewError(provider.KindValidation,
			"invalid status transition %s -> %s for task %q", existing.Status, t.Status, t.ID)
	}
	if len(t.DependsOn) > 0 {
		tasks, err := s.listTasksLocked()
		if err != nil {
			return err
		}
		// Check against the incoming dependency set, not the stored one.
		for i := range tasks {
			if tasks[i].ID == t.ID {
				tasks[i] = *t
			}
		}
		for _, dep := range t.DependsOn {
			if err := checkAcyclicWith(tasks, t.ID, dep); err != nil {
				return provider.WrapError(provider.KindValidation, err,
					"update of task %q rejected", t.ID)
			}
		}
	}
	t.Version = recordVersion
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now()
	return writeRecord(s.taskPath(t.ID), t)
}

// AddTaskDependency adds a blocks-edge dependency dep -> task. The
// operation is rejected, leaving the store unchanged, if it would close
// a cycle.
func (s *Store) AddTaskDependency(taskID, depID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTaskLocked(taskID)
	if err != nil {
		return err
	}
	if _, err := s.getTaskLocked(depID); err != nil {
		return err
	}
	for _, d := range t.DependsOn {
		if d == depID {
			return nil // Already present
		}
	}

	tasks, err := s.listTasksLocked()
	if err != nil {
		return err
	}
	if err := checkAcyclicWith(tasks, taskID, depID); err != nil {
		return provider.WrapError(provider.KindValidation, err, "dependency rejected")
	}

	t.DependsOn = append(t.DependsOn, depID)
	t.UpdatedAt = time.Now()
	return writeRecord(s.taskPath(t.ID), t)
}

// UpdateTaskStatus transitions a task and runs the done cascade:
// when every task of a story is done the story advances to done, and
// when every story of an epic is done the epic advances to done and
// stamps its end timestamp.
func (s *Store) UpdateTaskStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTaskLocked(id)
	if err != nil {
		return err
	}
	if !ValidTransition(t.Status, status) {
		return provider.NewError(provider.KindValidation,
			"invalid status transition %s -> %s for task %q", t.Status, status, id)
	}
	if t.Status == StatusBacklog && status == StatusReady {
		if err := s.depsSatisfiedLocked(t); err != nil {
			return err
		}
	}

	t.Status = status
	t.UpdatedAt = time.Now()
	if err := writeRecord(s.taskPath(t.ID), t); err != nil {
		return err
	}
	logging.Tasks("Task %s -> %s", id, status)

	if status == StatusDone {
		return s.cascadeDoneLocked(t)
	}
	return nil
}

// depsSatisfiedLocked verifies every dependency task is done.
func (s *Store) depsSatisfiedLocked(t *Task) error {
	for _, dep := range t.DependsOn {
		d, err := s.getTaskLocked(dep)
		if err != nil {
			return err
		}
		if d.Status != StatusDone {
			return provider.NewError(provider.KindValidation,
				"task %q cannot become ready: dependency %q is %s", t.ID, dep, d.Status)
		}
	}
	return nil
}

// cascadeDoneLocked advances story and epic when all their children are
// done.
func (s *Store) cascadeDoneLocked(t *Task) error {
	st, err := s.getStoryLocked(t.StoryID)
	if err != nil {
		return nil // Orphan task; nothing to cascade
	}
	for _, taskID := range st.TaskIDs {
		child, err := s.getTaskLocked(taskID)
		if err != nil || child.Status != StatusDone {
			return nil
		}
	}
	st.Status = StatusDone
	st.UpdatedAt = time.Now()
	if err := writeRecord(s.storyPath(st.ID), st); err != nil {
		return err
	}
	logging.Tasks("Story %s -> done (all tasks complete)", st.ID)

	e, err := s.getEpicLocked(st.EpicID)
	if err != nil {
		return nil
	}
	for _, storyID := range e.StoryIDs {
		child, err := s.getStoryLocked(storyID)
		if err != nil || child.Status != StatusDone {
			return nil
		}
	}
	now := time.Now()
	e.Status = StatusDone
	e.EndedAt = &now
	e.UpdatedAt = now
	if err := writeRecord(s.epicPath(e.ID), e); err != nil {
		return err
	}
	logging.Tasks("Epic %s -> done (all stories complete)", e.ID)
	return nil
}

// AttachPipeline records the back-pointer from a task to its pipeline.
func (s *Store) AttachPipeline(taskID, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getTaskLocked(taskID)
	if err != nil {
		return err
	}
	t.PipelineID = pipelineID
	t.UpdatedAt = time.Now()
	return writeRecord(s.taskPath(t.ID), t)
}

// RecordUsage fills in realized usage after execution.
func (s *Store) RecordUsage(taskID string, u Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getTaskLocked(taskID)
	if err != nil {
		return err
	}
	t.ActualUsage = &u
	t.UpdatedAt = time.Now()
	return writeRecord(s.taskPath(t.ID), t)
}

// ListEpics returns every epic.
func (s *Store) ListEpics() ([]Epic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listEpicsLocked()
}

// ListStories returns every story.
func (s *Store) ListStories() ([]Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listStoriesLocked()
}

// ListTasks returns every task.
func (s *Store) ListTasks() ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTasksLocked()
}

func (s *Store) listTasksLocked() ([]Task, error) {
	var out []Task
	err := s.forEachRecord("tasks", func(path string) error {
		var t Task
		if err := readRecord(path, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *Store) forEachRecord(class string, fn func(path string) error) error {
	dir := filepath.Join(s.baseDir, class)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := fn(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// DependencyGraph derives the full graph over the current hierarchy.
func (s *Store) DependencyGraph() (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	epics, err := s.listEpicsLocked()
	if err != nil {
		return nil, err
	}
	stories, err := s.listStoriesLocked()
	if err != nil {
		return nil, err
	}
	tasks, err := s.listTasksLocked()
	if err != nil {
		return nil, err
	}
	return BuildGraph(epics, stories, tasks), nil
}

func (s *Store) listEpicsLocked() ([]Epic, error) {
	var out []Epic
	err := s.forEachRecord("epics", func(path string) error {
		var e Epic
		if err := readRecord(path, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *Store) listStoriesLocked() ([]Story, error) {
	var out []Story
	err := s.forEachRecord("stories", func(path string) error {
		var st Story
		if err := readRecord(path, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	return out, err
}
