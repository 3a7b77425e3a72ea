// Package audit persists routing decisions and usage events to SQLite
// so spend and fallback behavior can be inspected after the fact.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"taskforge/internal/router"
	"taskforge/internal/usage"
)

// Store is the SQLite-backed audit trail.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewStore initializes the audit database at
// {workspace}/.taskforge/audit.db.
func NewStore(workspace string) (*Store, error) {
	path := filepath.Join(workspace, ".taskforge", "audit.db")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	decisionsTable := `
	CREATE TABLE IF NOT EXISTS route_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		tier TEXT NOT NULL,
		reason TEXT,
		est_cost_usd REAL,
		context_json TEXT,
		decided_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_agent ON route_decisions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_provider ON route_decisions(provider);
	`

	usageTable := `
	CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_events(provider);
	CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage_events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_usage_recorded ON usage_events(recorded_at);
	`

	for _, stmt := range []string{decisionsTable, usageTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create audit tables: %w", err)
		}
	}
	return nil
}

// RecordDecision appends one routing decision.
func (s *Store) RecordDecision(d router.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctxJSON, err := json.Marshal(d.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO route_decisions (agent_id, provider, model, tier, reason, est_cost_usd, context_json, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Context.AgentID, d.Target.Provider, d.Target.Model, string(d.Tier),
		d.Reason, d.EstCost, string(ctxJSON), d.Timestamp)
	return err
}

// RecordUsage appends one usage event.
func (s *Store) RecordUsage(ev usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO usage_events (provider, model, agent_id, input_tokens, output_tokens, cost_usd, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Provider, ev.Model, ev.AgentID, ev.InputTokens, ev.OutputTokens, ev.CostUSD, ev.Timestamp)
	return err
}

// SpendSince sums recorded cost per provider from a cutoff time.
func (s *Store) SpendSince(cutoff time.Time) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT provider, SUM(cost_usd) FROM usage_events
		WHERE recorded_at >= ? GROUP BY provider`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var p string
		var c float64
		if err := rows.Scan(&p, &c); err != nil {
			return nil, err
		}
		out[p] = c
	}
	return out, rows.Err()
}

// RecentDecisions returns the newest n routing decisions.
func (s *Store) RecentDecisions(n int) ([]router.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT provider, model, tier, reason, est_cost_usd, context_json, decided_at
		FROM route_decisions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []router.Decision
	for rows.Next() {
		var d router.Decision
		var tier, ctxJSON string
		if err := rows.Scan(&d.Target.Provider, &d.Target.Model, &tier, &d.Reason, &d.EstCost, &ctxJSON, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Tier = router.Tier(tier)
		// Context restores best-effort; a schema drift leaves it zeroed.
		_ = json.Unmarshal([]byte(ctxJSON), &d.Context)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
