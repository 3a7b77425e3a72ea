package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Checkpointer persists pipeline records under
// {workspace}/.taskforge/pipelines/{id}.json with atomic
// write-to-temp-then-rename.
type Checkpointer struct {
	mu  sync.Mutex
	dir string
}

// NewCheckpointer creates the pipelines directory.
func NewCheckpointer(workspace string) (*Checkpointer, error) {
	dir := filepath.Join(workspace, ".taskforge", "pipelines")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pipelines dir: %w", err)
	}
	return &Checkpointer{dir: dir}, nil
}

func (c *Checkpointer) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

// Save writes a checkpoint atomically and stamps CheckpointAt.
func (c *Checkpointer) Save(p *Pipeline) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.Version = 1
	p.CheckpointAt = time.Now()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tmp := c.path(p.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path(p.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename checkpoint into place: %w", err)
	}
	return nil
}

// Load reads one pipeline record.
func (c *Checkpointer) Load(id string) (*Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pipeline %q not found", id)
		}
		return nil, err
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for %q: %w", id, err)
	}
	if p.StageResults == nil {
		p.StageResults = make(map[int]*StageResult)
	}
	return &p, nil
}

// List returns every persisted pipeline, newest checkpoint first.
func (c *Checkpointer) List() ([]*Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var out []*Pipeline
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		var p Pipeline
		if err := json.Unmarshal(data, &p); err != nil {
			continue // Skip corrupt records; never fail the listing
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CheckpointAt.After(out[j].CheckpointAt)
	})
	return out, nil
}
