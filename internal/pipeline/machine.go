package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/logging"
	"taskforge/internal/provider"
	"taskforge/internal/router"
	"taskforge/internal/task"
	"taskforge/internal/token"
	"taskforge/internal/usage"
	"taskforge/internal/worktree"
)

// Deps is the shared-state bundle the facade injects per pipeline.
// No package-level singletons: everything the machine touches arrives
// here.
type Deps struct {
	Registry    *provider.Registry
	Router      *router.Router
	Worktrees   *worktree.Manager
	Usage       *usage.Tracker
	Checkpoints *Checkpointer
	Emit        func(Event) // Best-effort event sink; may be nil
}

func (d Deps) emit(e Event) {
	if d.Emit != nil {
		e.Timestamp = time.Now()
		d.Emit(e)
	}
}

// Machine drives one pipeline through its stage list. A machine is
// owned by exactly one worker; checkpoint writes are its only
// externally visible mutations.
type Machine struct {
	mu        sync.Mutex
	deps      Deps
	p         *Pipeline
	taskRec   *task.Task
	cancelled bool
}

// New builds a fresh pipeline for a task with the given stages.
func New(deps Deps, t *task.Task, stages []Stage, overallTimeoutMs int) *Machine {
	p := &Pipeline{
		ID:           "pipe-" + uuid.NewString(),
		TaskID:       t.ID,
		Stages:       stages,
		StageResults: make(map[int]*StageResult),
		Metrics:      Metrics{ProviderCalls: make(map[string]int)},
		Status:       StatusQueued,
		StartedAt:    time.Now(),
		TimeoutMs:    overallTimeoutMs,
	}
	return &Machine{deps: deps, p: p, taskRec: t}
}

// NewFromCheckpoint rebuilds a machine around a loaded pipeline record.
func NewFromCheckpoint(deps Deps, p *Pipeline, t *task.Task) *Machine {
	if p.Metrics.ProviderCalls == nil {
		p.Metrics.ProviderCalls = make(map[string]int)
	}
	return &Machine{deps: deps, p: p, taskRec: t}
}

// Pipeline returns a snapshot copy of the pipeline record.
func (m *Machine) Pipeline() Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.p
	return cp
}

// ID returns the pipeline identifier.
func (m *Machine) ID() string { return m.p.ID }

// Cancel requests cooperative cancellation. The machine observes the
// flag at every checkpoint boundary and before each retry. Idempotent.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
	// Pipelines that are not mid-stage transition immediately.
	switch m.p.Status {
	case StatusQueued, StatusPaused, StatusAwaitingApproval:
		m.p.Status = StatusCancelled
		_ = m.deps.Checkpoints.Save(m.p)
		m.deps.emit(Event{Type: EventCancelled, PipelineID: m.p.ID, TaskID: m.p.TaskID})
	}
}

// Approve resolves an awaiting-approval gate. accepted moves the
// pipeline back to running (the caller re-enters Run); rejected cancels
// it. Any other state is a no-op.
func (m *Machine) Approve(accepted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.p.Status != StatusAwaitingApproval {
		return nil
	}
	if accepted {
		m.p.Status = StatusPaused // Resumable; Run continues from the next stage
		logging.Pipeline("Pipeline %s approved at stage %d", m.p.ID, m.p.CurrentStage)
	} else {
		m.p.Status = StatusCancelled
		logging.Pipeline("Pipeline %s rejected at stage %d", m.p.ID, m.p.CurrentStage)
	}
	if err := m.deps.Checkpoints.Save(m.p); err != nil {
		return err
	}
	if !accepted {
		m.deps.emit(Event{Type: EventCancelled, PipelineID: m.p.ID, TaskID: m.p.TaskID})
	}
	return nil
}

// Run executes stages from CurrentStage until a terminal state, an
// approval gate, or cancellation. Every transition is checkpointed
// before any externally visible action of the next stage begins.
func (m *Machine) Run(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryPipeline, "Run "+m.p.ID)
	defer timer.StopWithInfo()

	m.mu.Lock()
	if m.p.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("pipeline %s is %s and cannot run", m.p.ID, m.p.Status)
	}
	first := m.p.Status == StatusQueued
	m.p.Status = StatusRunning
	if err := m.deps.Checkpoints.Save(m.p); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if first {
		m.deps.emit(Event{Type: EventStarted, PipelineID: m.p.ID, TaskID: m.p.TaskID})
		logging.Pipeline("=== Pipeline %s started: task %s, %d stages ===", m.p.ID, m.p.TaskID, len(m.p.Stages))
	}

	if m.p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	stop, hb := m.startHeartbeat()
	defer func() { close(stop); <-hb }()

	for {
		m.mu.Lock()
		idx := m.p.CurrentStage
		done := idx >= len(m.p.Stages)
		cancelled := m.cancelled || ctx.Err() != nil
		m.mu.Unlock()

		if cancelled {
			return m.finishCancelled(ctx.Err())
		}
		if done {
			return m.finishSucceeded()
		}

		stage := m.p.Stages[idx]
		logging.Pipeline("Pipeline %s stage %d/%d: agent %s (gate=%s)",
			m.p.ID, idx+1, len(m.p.Stages), stage.Agent.ID, stage.Gate)

		// Budget pre-check before any provider work for this stage.
		estCost := m.estimateStageCost(stage)
		if m.deps.Router.DailySpend()+estCost > m.deps.Router.DailyCap() {
			return m.fail(idx, provider.NewError(provider.KindBudgetExceeded,
				"daily cap $%.2f would be exceeded: spent $%.4f, stage estimate $%.4f",
				m.deps.Router.DailyCap(), m.deps.Router.DailySpend(), estCost))
		}

		result, err := m.executeStage(ctx, idx, stage)
		if err != nil {
			if provider.KindOf(err) == provider.KindCancelled {
				return m.finishCancelled(err)
			}
			if stage.Gate == GateBestEffort {
				// A best-effort stage's failure does not fail the pipeline.
				logging.Pipeline("Pipeline %s stage %d skipped (best-effort): %v", m.p.ID, idx, err)
				m.recordResult(idx, &StageResult{
					AgentID:     stage.Agent.ID,
					Skipped:     true,
					CompletedAt: time.Now(),
				})
				m.advance()
				continue
			}
			return m.fail(idx, err)
		}

		m.recordResult(idx, result)
		m.deps.emit(Event{
			Type: EventStageSucceeded, PipelineID: m.p.ID, TaskID: m.p.TaskID,
			StageIndex: idx, AgentID: stage.Agent.ID,
		})

		switch stage.Gate {
		case GateRequireApproval:
			m.mu.Lock()
			m.p.CurrentStage = idx + 1
			m.p.Status = StatusAwaitingApproval
			err := m.deps.Checkpoints.Save(m.p)
			m.mu.Unlock()
			if err != nil {
				return err
			}
			m.deps.emit(Event{Type: EventAwaitingApproval, PipelineID: m.p.ID, TaskID: m.p.TaskID, StageIndex: idx})
			logging.Pipeline("Pipeline %s awaiting approval after stage %d", m.p.ID, idx)
			return nil
		default:
			m.advance()
		}
	}
}

// advance moves to the next stage and checkpoints the transition.
func (m *Machine) advance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p.CurrentStage++
	_ = m.deps.Checkpoints.Save(m.p)
}

// recordResult stores a stage result and folds it into the metrics.
func (m *Machine) recordResult(idx int, r *StageResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p.StageResults[idx] = r
	if !r.Skipped {
		m.p.Metrics.TotalInputTokens += r.InputTokens
		m.p.Metrics.TotalOutputTokens += r.OutputTokens
		m.p.Metrics.TotalCostUSD += r.CostUSD
		m.p.Metrics.ProviderCalls[r.Target.Provider]++
	}
	m.p.Metrics.WallClockMs = time.Since(m.p.StartedAt).Milliseconds()
	_ = m.deps.Checkpoints.Save(m.p)
}

// executeStage runs one stage end to end: worktree, routing, provider
// invocation, usage accounting, change capture.
func (m *Machine) executeStage(ctx context.Context, idx int, stage Stage) (*StageResult, error) {
	prompt := m.assemblePrompt(stage)
	fingerprint := fmt.Sprintf("%x", sha256.Sum256([]byte(prompt)))[:16]

	// Worktree first: a stage that needs isolation must have it before
	// the provider is asked to do anything.
	var wt *worktree.Info
	if stage.Agent.UseWorktree {
		var err error
		wt, err = m.deps.Worktrees.Create(ctx, stage.Agent.ID, m.p.TaskID)
		if err != nil {
			return nil, err
		}
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.deps.Worktrees.Cleanup(cleanupCtx, wt.Name); err != nil {
				logging.Get(logging.CategoryWorktree).Warn("stage cleanup failed for %s: %v", wt.Name, err)
			}
		}()
	}

	rc := router.RouteContext{
		AgentID:         stage.Agent.ID,
		TaskKind:        string(stage.Agent.Type),
		RequiredCaps:    stage.Agent.Capabilities,
		EstimatedTokens: m.estimateTokens(prompt),
		MaxOutputTokens: stage.Agent.MaxOutputTokens,
		Priority:        router.Priority(m.taskRec.Priority),
	}

	// MaxRetries bounds tries on one target; the router still rotates
	// through the whole fallback chain after those are spent.
	retries := stage.Agent.MaxRetries
	if retries < 1 {
		retries = 1 // maxRetries = 0 tries each target exactly once
	}

	res, err := m.deps.Router.WithFallback(ctx, rc, retries, func(ctx context.Context, target router.Target) (*provider.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, stage.Timeout())
		defer cancel()
		return m.deps.Registry.Invoke(attemptCtx, target.Provider, provider.Request{
			Model:     target.Model,
			System:    stage.Agent.SystemPrompt,
			Prompt:    prompt,
			MaxTokens: stage.Agent.MaxOutputTokens,
		})
	})
	if err != nil {
		return nil, err
	}
	if res.FellBack {
		m.deps.emit(Event{
			Type: EventRouterFallback, PipelineID: m.p.ID, TaskID: m.p.TaskID,
			StageIndex: idx, AgentID: stage.Agent.ID,
			Message: "primary target unavailable, served by " + res.Decision.Target.String(),
		})
	}

	// Charge realized cost. Cancellation after this point does not
	// refund; the call happened.
	cost := m.realizedCost(res.Decision.Target, res.Response)
	m.deps.Router.Charge(res.Decision.Target.Provider, cost)
	if m.deps.Usage != nil {
		m.deps.Usage.Track(res.Decision.Target.Provider, res.Decision.Target.Model,
			stage.Agent.ID, res.Response.InputTokens, res.Response.OutputTokens, cost)
	}

	result := &StageResult{
		AgentID:            stage.Agent.ID,
		Target:             res.Decision.Target,
		RequestFingerprint: fingerprint,
		ResponseSummary:    summarize(res.Response.Text),
		InputTokens:        res.Response.InputTokens,
		OutputTokens:       res.Response.OutputTokens,
		CostUSD:            cost,
		LatencyMs:          res.Response.Latency.Milliseconds(),
		Decisions:          res.Decisions,
		CompletedAt:        time.Now(),
	}

	if wt != nil {
		changes, err := m.deps.Worktrees.Changes(ctx, wt.Name)
		if err != nil {
			logging.Get(logging.CategoryWorktree).Warn("change capture failed for %s: %v", wt.Name, err)
		} else if !changes.IsEmpty() {
			result.FilesChanged = &changes
		}
	}
	return result, nil
}

// estimateStageCost prices a stage against the chain's rates without
// consulting eligibility, so the precheck sees the cost even when every
// target is already over budget.
func (m *Machine) estimateStageCost(stage Stage) float64 {
	prompt := m.assemblePrompt(stage)
	return m.deps.Router.EstimateCost(router.RouteContext{
		AgentID:         stage.Agent.ID,
		RequiredCaps:    stage.Agent.Capabilities,
		EstimatedTokens: m.estimateTokens(prompt),
		MaxOutputTokens: stage.Agent.MaxOutputTokens,
	})
}

func (m *Machine) estimateTokens(prompt string) int {
	if m.taskRec.EstimatedTokens > 0 {
		return m.taskRec.EstimatedTokens
	}
	return m.deps.Registry.Tokenize("", prompt, "")
}

// assemblePrompt builds the stage request from the task record and the
// results of preceding stages.
func (m *Machine) assemblePrompt(stage Stage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n", m.taskRec.Title, m.taskRec.Description)
	if m.taskRec.TechnicalDetail != "" {
		fmt.Fprintf(&b, "\nTechnical detail:\n%s\n", m.taskRec.TechnicalDetail)
	}

	m.mu.Lock()
	for i := 0; i < len(m.p.Stages); i++ {
		if r, ok := m.p.StageResults[i]; ok && !r.Skipped {
			fmt.Fprintf(&b, "\n[%s output]\n%s\n", r.AgentID, r.ResponseSummary)
		}
	}
	m.mu.Unlock()

	fmt.Fprintf(&b, "\nYou are the %s. Produce your stage output.\n", stage.Agent.Name)
	return b.String()
}

// summarize clips a response body to the checkpoint-friendly form.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	const limit = 200
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}

func (m *Machine) realizedCost(target router.Target, resp *provider.Response) float64 {
	pricing, ok := m.deps.Registry.PricingFor(target.Provider, target.Model)
	if !ok {
		return 0
	}
	return token.ActualCost(resp.InputTokens, resp.OutputTokens, pricing.InputPer1K, pricing.OutputPer1K)
}

// fail writes the terminal failed checkpoint and emits the stage-failed
// event.
func (m *Machine) fail(idx int, err error) error {
	m.mu.Lock()
	m.p.Status = StatusFailed
	m.p.LastError = &LastError{
		Kind:    string(provider.KindOf(err)),
		Message: err.Error(),
	}
	saveErr := m.deps.Checkpoints.Save(m.p)
	m.mu.Unlock()

	m.deps.emit(Event{
		Type: EventStageFailed, PipelineID: m.p.ID, TaskID: m.p.TaskID,
		StageIndex: idx, Message: err.Error(),
	})
	logging.Get(logging.CategoryPipeline).Error("Pipeline %s failed at stage %d: %v", m.p.ID, idx, err)
	if saveErr != nil {
		return saveErr
	}
	return err
}

// finishCancelled moves a cancelled pipeline to its resting state:
// cancelled when the user asked, paused when the context expired so the
// pipeline can be resumed.
func (m *Machine) finishCancelled(ctxErr error) error {
	m.mu.Lock()
	if m.cancelled {
		m.p.Status = StatusCancelled
	} else {
		m.p.Status = StatusPaused
	}
	status := m.p.Status
	_ = m.deps.Checkpoints.Save(m.p)
	m.mu.Unlock()

	if status == StatusCancelled {
		m.deps.emit(Event{Type: EventCancelled, PipelineID: m.p.ID, TaskID: m.p.TaskID})
		logging.Pipeline("Pipeline %s cancelled", m.p.ID)
		return provider.NewError(provider.KindCancelled, "pipeline %s cancelled", m.p.ID)
	}
	logging.Pipeline("Pipeline %s paused: %v", m.p.ID, ctxErr)
	return ctxErr
}

// finishSucceeded writes the terminal succeeded checkpoint. A
// zero-length stage list lands here immediately with empty results.
func (m *Machine) finishSucceeded() error {
	m.mu.Lock()
	m.p.Status = StatusSucceeded
	m.p.Metrics.WallClockMs = time.Since(m.p.StartedAt).Milliseconds()
	err := m.deps.Checkpoints.Save(m.p)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.deps.emit(Event{Type: EventCompleted, PipelineID: m.p.ID, TaskID: m.p.TaskID})
	logging.Pipeline("=== Pipeline %s succeeded: %d stages, $%.4f ===",
		m.p.ID, len(m.p.Stages), m.p.Metrics.TotalCostUSD)
	return nil
}

// startHeartbeat checkpoints periodically while a stage executes so a
// crash mid-stage loses at most a few seconds of metrics.
func (m *Machine) startHeartbeat() (chan struct{}, chan struct{}) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				if m.p.Status == StatusRunning {
					_ = m.deps.Checkpoints.Save(m.p)
				}
				m.mu.Unlock()
			}
		}
	}()
	return stop, done
}
