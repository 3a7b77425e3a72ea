// Package worktree manages isolated git worktree checkouts per agent
// execution, with advisory pid lock files, settings inheritance, change
// capture, and orphan recovery.
package worktree

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskforge/internal/logging"
	"taskforge/internal/provider"
)

// configAllowlist names the workspace files copied into every fresh
// worktree so agents inherit instructions and tooling settings.
// Non-existent sources are skipped silently.
var configAllowlist = []string{
	"AGENTS.md",
	".editorconfig",
	".env",
	".env.local",
	"package.json",
	"tsconfig.json",
	"go.mod",
}

// Info describes one managed worktree.
type Info struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Branch   string `json:"branch"`
	Head     string `json:"head"`
	Locked   bool   `json:"locked"`
	Prunable bool   `json:"prunable"`
	AgentID  string `json:"agent_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	StashRef string `json:"stash_ref,omitempty"`
}

// Manager owns the .worktrees directory of a workspace.
type Manager struct {
	workspace    string
	worktreesDir string

	mu     sync.Mutex
	active map[string]*Info  // name -> info
	byKey  map[string]string // agentID|taskID -> name
	locks  map[string]int    // name -> pid
}

// NewManager creates a manager rooted at the workspace repository.
func NewManager(workspace string) *Manager {
	return &Manager{
		workspace:    workspace,
		worktreesDir: filepath.Join(workspace, ".worktrees"),
		active:       make(map[string]*Info),
		byKey:        make(map[string]string),
		locks:        make(map[string]int),
	}
}

// worktreeName builds the canonical name agent-{agentId}-{6hex}, the hex
// derived from (agentId, taskId, timestamp).
func worktreeName(agentID, taskID string, ts time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", agentID, taskID, ts.UnixNano())))
	return fmt.Sprintf("agent-%s-%x", agentID, sum[:3])
}

// Create opens an isolated worktree for one agent execution. An existing
// healthy worktree for the same (agent, task) pair is reused. Any git
// failure during creation triggers best-effort cleanup and returns the
// original error.
func (m *Manager) Create(ctx context.Context, agentID, taskID string) (*Info, error) {
	if !isGitRepo(ctx, m.workspace) {
		return nil, provider.NewError(provider.KindWorktreeFailure, "workspace %s is not a git repository", m.workspace)
	}

	m.mu.Lock()
	key := agentID + "|" + taskID
	if name, ok := m.byKey[key]; ok {
		if info, ok := m.active[name]; ok && m.healthy(info) {
			m.mu.Unlock()
			logging.Worktree("Reusing worktree %s for agent %s", name, agentID)
			return info, nil
		}
		delete(m.byKey, key)
	}
	m.mu.Unlock()

	name := worktreeName(agentID, taskID, time.Now())
	path := filepath.Join(m.worktreesDir, name)
	branch := fmt.Sprintf("agent/%s/%s", agentID, taskID)

	if err := os.MkdirAll(m.worktreesDir, 0755); err != nil {
		return nil, provider.WrapError(provider.KindWorktreeFailure, err, "failed to create worktrees dir")
	}

	// Create the agent branch from current HEAD; tolerate "already
	// exists" so a retried task lands on its previous branch.
	if out, err := runGit(ctx, m.workspace, "branch", branch); err != nil {
		if !strings.Contains(out, "already exists") && !strings.Contains(err.Error(), "already exists") {
			return nil, provider.WrapError(provider.KindWorktreeFailure, err, "failed to create branch %s", branch)
		}
	}

	if _, err := runGit(ctx, m.workspace, "worktree", "add", path, branch); err != nil {
		m.cleanupFailed(ctx, name, path)
		return nil, provider.WrapError(provider.KindWorktreeFailure, err, "failed to add worktree %s", name)
	}

	m.copyConfigFiles(path)

	if err := m.lock(name); err != nil {
		m.cleanupFailed(ctx, name, path)
		return nil, err
	}

	// Record what the checkout actually landed on, not what was asked.
	head, _ := headCommit(ctx, path)
	if b, err := currentBranch(ctx, path); err == nil && b != "" {
		branch = b
	}
	info := &Info{
		Name:    name,
		Path:    path,
		Branch:  branch,
		Head:    head,
		Locked:  true,
		AgentID: agentID,
		TaskID:  taskID,
	}

	m.mu.Lock()
	m.active[name] = info
	m.byKey[key] = name
	m.mu.Unlock()

	logging.Worktree("Created worktree %s at %s (branch %s)", name, path, branch)
	return info, nil
}

// ExecuteIn runs fn with the worktree path passed explicitly. The
// process working directory is never mutated.
func (m *Manager) ExecuteIn(name string, fn func(path string) error) error {
	info, err := m.get(name)
	if err != nil {
		return err
	}
	return fn(info.Path)
}

// Cleanup stashes uncommitted changes, releases the lock, prunes the
// worktree, and drops the in-memory entry. Called on stage completion
// or failure.
func (m *Manager) Cleanup(ctx context.Context, name string) error {
	info, err := m.get(name)
	if err != nil {
		return err
	}

	if ref, err := m.Stash(ctx, name, "taskforge cleanup "+name); err == nil && ref != "" {
		m.mu.Lock()
		info.StashRef = ref
		m.mu.Unlock()
		logging.Worktree("Stashed changes of %s as %s", name, ref)
	}

	m.unlock(name)

	if _, err := runGit(ctx, m.workspace, "worktree", "remove", "--force", info.Path); err != nil {
		logging.Get(logging.CategoryWorktree).Warn("worktree remove failed for %s: %v", name, err)
	}
	_, _ = runGit(ctx, m.workspace, "worktree", "prune")

	m.mu.Lock()
	delete(m.active, name)
	delete(m.byKey, info.AgentID+"|"+info.TaskID)
	m.mu.Unlock()

	logging.Worktree("Cleaned up worktree %s", name)
	return nil
}

// CleanupAll tears down every active worktree. Used at shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		if err := m.Cleanup(ctx, name); err != nil {
			logging.Get(logging.CategoryWorktree).Warn("cleanup of %s failed: %v", name, err)
		}
	}
}

// RecoverOrphans prunes worktrees the repository considers prunable and
// removes lock files whose recorded pid is no longer alive. Called at
// startup.
func (m *Manager) RecoverOrphans(ctx context.Context) {
	_, _ = runGit(ctx, m.workspace, "worktree", "prune")

	entries, err := os.ReadDir(m.worktreesDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		lockPath := filepath.Join(m.worktreesDir, e.Name())
		data, err := os.ReadFile(lockPath)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || !pidAlive(pid) {
			if err := os.Remove(lockPath); err == nil {
				logging.Worktree("Removed stale lock %s (pid %d dead)", e.Name(), pid)
			}
		}
	}
}

// List returns the active worktrees.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.active))
	for _, info := range m.active {
		out = append(out, *info)
	}
	return out
}

// lock writes {name}.lock with the current pid and records it in-memory.
// A live lock owned by another pid is never overwritten.
func (m *Manager) lock(name string) error {
	lockPath := filepath.Join(m.worktreesDir, name+".lock")
	if data, err := os.ReadFile(lockPath); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if pid != os.Getpid() && pidAlive(pid) {
				return provider.NewError(provider.KindWorktreeFailure, "worktree %s is locked by live pid %d", name, pid)
			}
		}
	}
	pid := os.Getpid()
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return provider.WrapError(provider.KindWorktreeFailure, err, "failed to write lock for %s", name)
	}
	m.mu.Lock()
	m.locks[name] = pid
	m.mu.Unlock()
	return nil
}

// unlock removes the lock file and in-memory record.
func (m *Manager) unlock(name string) {
	lockPath := filepath.Join(m.worktreesDir, name+".lock")
	_ = os.Remove(lockPath)
	m.mu.Lock()
	delete(m.locks, name)
	m.mu.Unlock()
}

// get looks up an active worktree by name.
func (m *Manager) get(name string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.active[name]
	if !ok {
		return nil, provider.NewError(provider.KindWorktreeFailure, "unknown worktree %q", name)
	}
	return info, nil
}

// healthy verifies a reused worktree still exists on disk.
func (m *Manager) healthy(info *Info) bool {
	st, err := os.Stat(info.Path)
	return err == nil && st.IsDir()
}

// cleanupFailed is the best-effort teardown after a failed creation.
// No lock file may survive a failed create.
func (m *Manager) cleanupFailed(ctx context.Context, name, path string) {
	_ = os.Remove(filepath.Join(m.worktreesDir, name+".lock"))
	_, _ = runGit(ctx, m.workspace, "worktree", "remove", "--force", path)
	_, _ = runGit(ctx, m.workspace, "worktree", "prune")
	_ = os.RemoveAll(path)
}

// copyConfigFiles copies the allow-listed workspace files into a fresh
// worktree. Missing sources are skipped silently.
func (m *Manager) copyConfigFiles(dest string) {
	for _, rel := range configAllowlist {
		src := filepath.Join(m.workspace, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dest, rel)); err != nil {
			logging.Get(logging.CategoryWorktree).Warn("failed to copy %s: %v", rel, err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
