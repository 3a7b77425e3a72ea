package task

import "sort"

// GetReadyTasks returns the tasks eligible for immediate pipeline
// execution: status ready or backlog with every dependency task done,
// sorted by priority (critical > high > normal > low) then creation
// order. Pure projection; nothing is mutated.
func (s *Store) GetReadyTasks(priorityFilter Priority) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.listTasksLocked()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	var ready []Task
	for _, t := range tasks {
		if t.Status != StatusReady && t.Status != StatusBacklog {
			continue
		}
		if priorityFilter != "" && t.Priority != priorityFilter {
			continue
		}
		eligible := true
		for _, dep := range t.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Status != StatusDone {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() > ready[j].Priority.Rank()
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}
