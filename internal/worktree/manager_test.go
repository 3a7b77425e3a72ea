package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/provider"
)

func TestParseStatus(t *testing.T) {
	out := "?? new.txt\n" +
		"A  staged.go\n" +
		" M modified.go\n" +
		"MM both.go\n" +
		" D gone.go\n" +
		"R  old.go -> renamed.go\n" +
		"\n"
	c := parseStatus(out)

	assert.Equal(t, []string{"new.txt", "staged.go"}, c.Added)
	assert.Equal(t, []string{"modified.go", "both.go"}, c.Modified)
	assert.Equal(t, []string{"gone.go"}, c.Deleted)
	assert.Equal(t, []string{"renamed.go"}, c.Renamed)
	assert.Equal(t, 6, c.Total())
	assert.False(t, c.IsEmpty())
}

func TestParseStatus_Empty(t *testing.T) {
	assert.True(t, parseStatus("").IsEmpty())
	assert.True(t, parseStatus("\n\n").IsEmpty())
}

func TestWorktreeName_Format(t *testing.T) {
	now := time.Now()
	name := worktreeName("implementer", "task-1", now)
	assert.Regexp(t, `^agent-implementer-[0-9a-f]{6}$`, name)

	// Distinct timestamps yield distinct names for the same pair.
	other := worktreeName("implementer", "task-1", now.Add(time.Nanosecond))
	assert.NotEqual(t, name, other)
}

func TestPidAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
}

func TestLock_RefusesLiveForeignPid(t *testing.T) {
	ws := t.TempDir()
	m := NewManager(ws)
	require.NoError(t, os.MkdirAll(m.worktreesDir, 0755))

	// A lock held by this very process is reclaimable.
	lockPath := filepath.Join(m.worktreesDir, "wt.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0644))
	assert.NoError(t, m.lock("wt"))
	m.unlock("wt")
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))

	// A dead pid's lock is also reclaimable.
	require.NoError(t, os.WriteFile(lockPath, []byte("999999999"), 0644))
	assert.NoError(t, m.lock("wt"))
	m.unlock("wt")
}

func TestCreate_FailsOutsideGitRepo(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.Create(context.Background(), "implementer", "task-1")
	require.Error(t, err)
	assert.Equal(t, provider.KindWorktreeFailure, provider.KindOf(err))

	// No lock file may survive a failed create.
	entries, _ := os.ReadDir(m.worktreesDir)
	assert.Empty(t, entries)
}

// initRepo builds a throwaway git repository with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ws := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = ws
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "README.md"), []byte("hi\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "AGENTS.md"), []byte("rules\n"), 0644))
	run("add", "-A")
	run("commit", "-m", "init")
	return ws
}

func TestCreate_Lifecycle(t *testing.T) {
	ws := initRepo(t)
	m := NewManager(ws)
	ctx := context.Background()

	info, err := m.Create(ctx, "implementer", "task-9")
	require.NoError(t, err)
	assert.Equal(t, "agent/implementer/task-9", info.Branch)
	assert.DirExists(t, info.Path)
	assert.FileExists(t, filepath.Join(m.worktreesDir, info.Name+".lock"))

	// Allow-listed config files are inherited.
	assert.FileExists(t, filepath.Join(info.Path, "AGENTS.md"))

	// Same (agent, task) pair reuses the healthy worktree.
	again, err := m.Create(ctx, "implementer", "task-9")
	require.NoError(t, err)
	assert.Equal(t, info.Name, again.Name)
	assert.Len(t, m.List(), 1)

	// Execution passes the path explicitly; cwd is never touched.
	cwdBefore, _ := os.Getwd()
	var seen string
	require.NoError(t, m.ExecuteIn(info.Name, func(path string) error {
		seen = path
		return nil
	}))
	cwdAfter, _ := os.Getwd()
	assert.Equal(t, info.Path, seen)
	assert.Equal(t, cwdBefore, cwdAfter)

	// Change capture sees a new file.
	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "work.txt"), []byte("x"), 0644))
	changes, err := m.Changes(ctx, info.Name)
	require.NoError(t, err)
	assert.Equal(t, []string{"work.txt"}, changes.Added)

	// Cleanup stashes, unlocks, and removes the checkout.
	require.NoError(t, m.Cleanup(ctx, info.Name))
	assert.NoDirExists(t, info.Path)
	_, err = os.Stat(filepath.Join(m.worktreesDir, info.Name+".lock"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, m.List())
}

func TestRecoverOrphans_RemovesDeadLocks(t *testing.T) {
	ws := initRepo(t)
	m := NewManager(ws)
	require.NoError(t, os.MkdirAll(m.worktreesDir, 0755))

	dead := filepath.Join(m.worktreesDir, "agent-x-abc123.lock")
	live := filepath.Join(m.worktreesDir, "agent-y-def456.lock")
	require.NoError(t, os.WriteFile(dead, []byte("999999999"), 0644))
	require.NoError(t, os.WriteFile(live, []byte(strconv.Itoa(os.Getpid())), 0644))

	m.RecoverOrphans(context.Background())

	_, err := os.Stat(dead)
	assert.True(t, os.IsNotExist(err), "dead-pid lock should be removed")
	assert.FileExists(t, live)
}
