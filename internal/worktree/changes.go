package worktree

import (
	"context"
	"strings"
)

// FileChanges classifies worktree files relative to HEAD.
type FileChanges struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
	Renamed  []string `json:"renamed,omitempty"`
}

// IsEmpty reports whether no files changed.
func (c FileChanges) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0 && len(c.Renamed) == 0
}

// Total returns the changed-file count.
func (c FileChanges) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted) + len(c.Renamed)
}

// parseStatus classifies `git status --porcelain` output.
// Porcelain lines are "XY path" with a two-letter state prefix; renames
// carry "old -> new".
func parseStatus(output string) FileChanges {
	var changes FileChanges
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		switch {
		case strings.Contains(code, "R"):
			// "old -> new": record the new path
			if idx := strings.Index(path, " -> "); idx >= 0 {
				path = path[idx+4:]
			}
			changes.Renamed = append(changes.Renamed, path)
		case code == "??" || strings.Contains(code, "A"):
			changes.Added = append(changes.Added, path)
		case strings.Contains(code, "D"):
			changes.Deleted = append(changes.Deleted, path)
		case strings.Contains(code, "M"):
			changes.Modified = append(changes.Modified, path)
		}
	}
	return changes
}

// Changes captures the current change set of a worktree.
func (m *Manager) Changes(ctx context.Context, name string) (FileChanges, error) {
	info, err := m.get(name)
	if err != nil {
		return FileChanges{}, err
	}
	out, err := runGit(ctx, info.Path, "status", "--porcelain")
	if err != nil {
		return FileChanges{}, err
	}
	return parseStatus(out), nil
}

// Diff produces a unified diff of the worktree against HEAD, including
// untracked files via intent-to-add staging of status output.
func (m *Manager) Diff(ctx context.Context, name string) (string, error) {
	info, err := m.get(name)
	if err != nil {
		return "", err
	}
	out, err := runGit(ctx, info.Path, "diff", "HEAD")
	if err != nil {
		return "", err
	}
	return out, nil
}

// Commit stages everything and commits with the given message.
// "nothing to commit" is not an error.
func (m *Manager) Commit(ctx context.Context, name, message, author string) error {
	info, err := m.get(name)
	if err != nil {
		return err
	}
	if _, err := runGit(ctx, info.Path, "add", "-A"); err != nil {
		return err
	}
	args := []string{"commit", "-m", message}
	if author != "" {
		args = append(args, "--author", author)
	}
	out, err := runGit(ctx, info.Path, args...)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
		return err
	}
	return nil
}

// Stash stashes uncommitted changes and returns the stash reference,
// or empty when there was nothing to stash.
func (m *Manager) Stash(ctx context.Context, name, message string) (string, error) {
	info, err := m.get(name)
	if err != nil {
		return "", err
	}
	out, err := runGit(ctx, info.Path, "stash", "push", "--include-untracked", "-m", message)
	if err != nil {
		return "", err
	}
	if strings.Contains(out, "No local changes") {
		return "", nil
	}
	ref, err := runGit(ctx, info.Path, "rev-parse", "stash@{0}")
	if err != nil {
		return "", nil // Stash landed; losing the ref is not fatal
	}
	return strings.TrimSpace(ref), nil
}
