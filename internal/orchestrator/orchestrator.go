// Package orchestrator wires the registry, router, worktree manager,
// task store, and pipeline machinery behind a small facade: submit,
// resume, approve, cancel, status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskforge/internal/agent"
	"taskforge/internal/audit"
	"taskforge/internal/config"
	"taskforge/internal/logging"
	"taskforge/internal/pipeline"
	"taskforge/internal/provider"
	"taskforge/internal/router"
	"taskforge/internal/task"
	"taskforge/internal/token"
	"taskforge/internal/usage"
	"taskforge/internal/worktree"
)

// ErrNoValidProviders is returned by Start when every configured
// provider fails credential validation.
var ErrNoValidProviders = errors.New("no provider passed validation")

// Options tunes one pipeline submission.
type Options struct {
	// Agents lists roster agent IDs to run as stages, in order. Empty
	// means the full default roster.
	Agents []string
	// Gates overrides the gate policy per agent ID.
	Gates map[string]pipeline.GatePolicy
	// TimeoutMs bounds the whole pipeline; zero means unbounded.
	TimeoutMs int
}

// AlertLevel grades a status alert.
type AlertLevel string

const (
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

// Alert is one budget or health message in a status snapshot.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Message string     `json:"message"`
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	Active          []pipeline.Pipeline   `json:"active"`
	Budget          router.BudgetSnapshot `json:"budget"`
	WeeklySpendUSD  map[string]float64    `json:"weekly_spend_usd,omitempty"`
	RecentDecisions []router.Decision     `json:"recent_decisions"`
	Alerts          []Alert               `json:"alerts"`
}

// Orchestrator is the facade over the full stack.
type Orchestrator struct {
	cfg       *config.Config
	registry  *provider.Registry
	router    *router.Router
	worktrees *worktree.Manager
	tasks     *task.Store
	ckpt      *pipeline.Checkpointer
	usage     *usage.Tracker
	audit     *audit.Store
	emitter   *Emitter
	pool      *pool
	roster    map[string]agent.Definition
	order     []string
	watcher   *config.Watcher

	mu         sync.Mutex
	machines   map[string]*pipeline.Machine // live pipelines by ID
	alertLevel int                          // 0 none, 1 warning, 2 error; per day
	alertDay   string
	refusedDay string // local date of the last budget_exceeded refusal
}

// New assembles the stack from a validated config. Call Start before
// submitting work.
func New(cfg *config.Config) (*Orchestrator, error) {
	var categories map[string]bool
	if len(cfg.Logging.Categories) > 0 {
		categories = make(map[string]bool, len(cfg.Logging.Categories))
		for _, c := range cfg.Logging.Categories {
			categories[c] = true
		}
	}
	if err := logging.Initialize(cfg.Workspace, logging.Options{
		Debug:      cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Categories: categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	registry := provider.NewRegistry(token.NewEstimator())
	for name, p := range cfg.Providers {
		registry.Register(name, provider.ClientConfig{
			Name:    name,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Timeout: p.ProviderTimeout(),
			Headers: p.Headers,
		}, p.Descriptor(), p.PricingTable(), nil)
	}

	loc := time.Local
	if tz := cfg.Routing.Timezone; tz != "" && tz != "Local" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, provider.WrapError(provider.KindConfig, err, "bad timezone %q", tz)
		}
		loc = l
	}

	rcfg := router.Config{
		MaxFallbackAttempts: cfg.Routing.MaxFallbackAttempts,
		RetriesPerTarget:    cfg.Routing.RetriesPerTarget,
		PerProviderCapsUSD:  cfg.DailyCaps(),
		Timezone:            loc,
		Fallbacks:           make(map[string][]router.Target, len(cfg.Routing.Fallbacks)),
	}
	if cfg.Routing.Default != "" {
		t, err := router.ParseTarget(cfg.Routing.Default)
		if err != nil {
			return nil, provider.WrapError(provider.KindConfig, err, "routing.default")
		}
		rcfg.Default = t
	}
	for primary, chain := range cfg.Routing.Fallbacks {
		targets := make([]router.Target, 0, len(chain))
		for _, s := range chain {
			t, err := router.ParseTarget(s)
			if err != nil {
				return nil, provider.WrapError(provider.KindConfig, err, "routing.fallbacks[%s]", primary)
			}
			targets = append(targets, t)
		}
		rcfg.Fallbacks[primary] = targets
	}

	tasks, err := task.NewStore(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	ckpt, err := pipeline.NewCheckpointer(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	tracker, err := usage.NewTracker(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	auditStore, err := audit.NewStore(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	tracker.SetSink(func(ev usage.Event) {
		if err := auditStore.RecordUsage(ev); err != nil {
			logging.Get(logging.CategoryAudit).Warn("usage audit write failed: %v", err)
		}
	})

	roster := agent.DefaultRoster()
	byID := agent.RosterByID(roster)
	order := make([]string, 0, len(roster))
	for _, d := range roster {
		order = append(order, d.ID)
	}

	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		router:    router.New(rcfg, registry),
		worktrees: worktree.NewManager(cfg.Workspace),
		tasks:     tasks,
		ckpt:      ckpt,
		usage:     tracker,
		audit:     auditStore,
		emitter:   &Emitter{},
		pool:      newPool(cfg.Pool.Workers),
		roster:    byID,
		order:     order,
		machines:  make(map[string]*pipeline.Machine),
	}
	return o, nil
}

// Start validates provider credentials and sweeps orphaned worktrees.
// It fails only when every provider is unusable.
func (o *Orchestrator) Start(ctx context.Context) error {
	names := o.registry.Names()
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			o.registry.Validate(gctx, name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	valid := o.registry.ValidNames()
	logging.Orchestrator("Start: %d/%d providers valid", len(valid), len(names))
	if len(valid) == 0 {
		return fmt.Errorf("%w (%d configured)", ErrNoValidProviders, len(names))
	}

	o.worktrees.RecoverOrphans(ctx)
	return nil
}

// WatchConfig hot-reloads budget caps and alert thresholds when the
// config file changes. Provider and routing topology changes still
// require a restart.
func (o *Orchestrator) WatchConfig(path string) error {
	w, err := config.Watch(path, func(next *config.Config) {
		o.router.UpdateCaps(next.DailyCaps())
		o.mu.Lock()
		o.cfg.Alerts = next.Alerts
		o.mu.Unlock()
		logging.Orchestrator("budget caps and alert thresholds reloaded")
	})
	if err != nil {
		return err
	}
	o.watcher = w
	return nil
}

// Subscribe exposes the event stream.
func (o *Orchestrator) Subscribe() <-chan pipeline.Event {
	return o.emitter.Subscribe()
}

// buildStages maps submission options onto the roster.
func (o *Orchestrator) buildStages(opts Options) ([]pipeline.Stage, error) {
	ids := opts.Agents
	if len(ids) == 0 {
		ids = o.order
	}
	stages := make([]pipeline.Stage, 0, len(ids))
	for _, id := range ids {
		def, ok := o.roster[id]
		if !ok {
			return nil, provider.NewError(provider.KindValidation, "unknown agent %q", id)
		}
		gate := pipeline.GateAutoAdvance
		if g, ok := opts.Gates[id]; ok {
			gate = g
		}
		stages = append(stages, pipeline.Stage{Agent: def, Gate: gate})
	}
	return stages, nil
}

// ProcessTask starts a fresh pipeline for a task. The task is created
// in the store if it does not exist yet. A fully exceeded daily cap
// refuses the submission outright.
func (o *Orchestrator) ProcessTask(ctx context.Context, t *task.Task, opts Options) (string, error) {
	if cap := o.router.DailyCap(); cap > 0 && o.router.DailySpend() >= cap {
		o.noteBudgetRefusal()
		return "", provider.NewError(provider.KindBudgetExceeded,
			"daily cap $%.2f reached (spent $%.4f); new pipelines blocked until local midnight",
			cap, o.router.DailySpend())
	}

	if _, err := o.tasks.GetTask(t.ID); err != nil {
		if err := o.tasks.CreateTask(t); err != nil {
			return "", err
		}
	}

	stages, err := o.buildStages(opts)
	if err != nil {
		return "", err
	}

	m := pipeline.New(o.deps(), t, stages, opts.TimeoutMs)
	if err := o.tasks.AttachPipeline(t.ID, m.ID()); err != nil {
		return "", err
	}
	_ = o.tasks.UpdateTaskStatus(t.ID, task.StatusInProgress)

	o.launch(ctx, m, t)
	return m.ID(), nil
}

// Resume continues a queued or paused pipeline from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, pipelineID string) error {
	o.mu.Lock()
	if m, ok := o.machines[pipelineID]; ok {
		p := m.Pipeline()
		o.mu.Unlock()
		if !p.Status.IsResumable() {
			return provider.NewError(provider.KindValidation, "pipeline %s is %s, not resumable", pipelineID, p.Status)
		}
		t, err := o.tasks.GetTask(p.TaskID)
		if err != nil {
			return err
		}
		o.launch(ctx, m, t)
		return nil
	}
	o.mu.Unlock()

	p, err := o.ckpt.Load(pipelineID)
	if err != nil {
		return err
	}
	if !p.Status.IsResumable() {
		return provider.NewError(provider.KindValidation, "pipeline %s is %s, not resumable", pipelineID, p.Status)
	}
	t, err := o.tasks.GetTask(p.TaskID)
	if err != nil {
		return err
	}
	m := pipeline.NewFromCheckpoint(o.deps(), p, t)
	o.launch(ctx, m, t)
	return nil
}

// Approve resolves an approval gate. Accepting re-enters the stage
// loop; rejecting cancels the pipeline.
func (o *Orchestrator) Approve(ctx context.Context, pipelineID string, accepted bool) error {
	m, t, err := o.machine(pipelineID)
	if err != nil {
		return err
	}
	if st := m.Pipeline().Status; st != pipeline.StatusAwaitingApproval {
		// Repeated approval after acceptance is a no-op.
		logging.Orchestrator("Approve on pipeline %s ignored: status %s", pipelineID, st)
		return nil
	}
	if err := m.Approve(accepted); err != nil {
		return err
	}
	if accepted {
		o.launch(ctx, m, t)
	}
	return nil
}

// Cancel requests cooperative cancellation of a pipeline.
func (o *Orchestrator) Cancel(pipelineID string) error {
	m, _, err := o.machine(pipelineID)
	if err != nil {
		return err
	}
	m.Cancel()
	return nil
}

// machine returns a live machine, reviving one from checkpoint when the
// pipeline is not in memory.
func (o *Orchestrator) machine(pipelineID string) (*pipeline.Machine, *task.Task, error) {
	o.mu.Lock()
	m, ok := o.machines[pipelineID]
	o.mu.Unlock()
	if ok {
		t, err := o.tasks.GetTask(m.Pipeline().TaskID)
		return m, t, err
	}

	p, err := o.ckpt.Load(pipelineID)
	if err != nil {
		return nil, nil, err
	}
	t, err := o.tasks.GetTask(p.TaskID)
	if err != nil {
		return nil, nil, err
	}
	m = pipeline.NewFromCheckpoint(o.deps(), p, t)
	o.mu.Lock()
	o.machines[pipelineID] = m
	o.mu.Unlock()
	return m, t, nil
}

func (o *Orchestrator) deps() pipeline.Deps {
	return pipeline.Deps{
		Registry:    o.registry,
		Router:      o.router,
		Worktrees:   o.worktrees,
		Usage:       o.usage,
		Checkpoints: o.ckpt,
		Emit:        o.emitter.Emit,
	}
}

// launch registers a machine and submits it to the worker pool.
func (o *Orchestrator) launch(ctx context.Context, m *pipeline.Machine, t *task.Task) {
	o.mu.Lock()
	o.machines[m.ID()] = m
	o.mu.Unlock()

	o.pool.submit(ctx, m.ID(), func(ctx context.Context) {
		err := m.Run(ctx)
		p := m.Pipeline()

		switch p.Status {
		case pipeline.StatusSucceeded:
			o.settleSuccess(t, p)
		case pipeline.StatusFailed, pipeline.StatusCancelled:
			logging.Orchestrator("Pipeline %s finished %s: %v", p.ID, p.Status, err)
			if p.LastError != nil && p.LastError.Kind == string(provider.KindBudgetExceeded) {
				o.noteBudgetRefusal()
			}
		}

		// Drop terminal machines; approval/paused stay live for Approve
		// and Resume.
		if p.Status.IsTerminal() {
			o.mu.Lock()
			delete(o.machines, p.ID)
			o.mu.Unlock()
		}
		o.auditDecisions(p)
		o.checkBudgetAlerts()
	})
}

// settleSuccess records usage on the task and cascades its status.
func (o *Orchestrator) settleSuccess(t *task.Task, p pipeline.Pipeline) {
	if err := o.tasks.RecordUsage(t.ID, task.Usage{
		InputTokens:  p.Metrics.TotalInputTokens,
		OutputTokens: p.Metrics.TotalOutputTokens,
		CostUSD:      p.Metrics.TotalCostUSD,
	}); err != nil {
		logging.Orchestrator("usage record failed for task %s: %v", t.ID, err)
	}
	if err := o.tasks.UpdateTaskStatus(t.ID, task.StatusDone); err != nil {
		logging.Orchestrator("status update failed for task %s: %v", t.ID, err)
	}
}

// auditDecisions persists the routing decisions a pipeline accumulated.
func (o *Orchestrator) auditDecisions(p pipeline.Pipeline) {
	for _, r := range p.StageResults {
		for _, d := range r.Decisions {
			if err := o.audit.RecordDecision(d); err != nil {
				logging.Get(logging.CategoryAudit).Warn("decision audit write failed: %v", err)
				return
			}
		}
	}
}

// noteBudgetRefusal records that work was refused for budget today, so
// status snapshots report an error even while the spend ratio sits
// under 100%.
func (o *Orchestrator) noteBudgetRefusal() {
	day := o.router.BudgetSnapshot().Date
	o.mu.Lock()
	o.refusedDay = day
	o.mu.Unlock()
}

// checkBudgetAlerts emits one threshold event per crossing per day.
func (o *Orchestrator) checkBudgetAlerts() {
	snap := o.router.BudgetSnapshot()
	if snap.TotalCapUSD <= 0 {
		return
	}
	level := 0
	ratio := snap.TotalUSD / snap.TotalCapUSD
	switch {
	case ratio >= 1.0:
		level = 2
	case ratio >= 0.8:
		level = 1
	}

	o.mu.Lock()
	if o.alertDay != snap.Date {
		o.alertDay = snap.Date
		o.alertLevel = 0
	}
	crossed := level > o.alertLevel
	if crossed {
		o.alertLevel = level
	}
	o.mu.Unlock()

	if crossed {
		msg := fmt.Sprintf("daily spend $%.4f is %.0f%% of cap $%.2f", snap.TotalUSD, ratio*100, snap.TotalCapUSD)
		logging.Budget("%s", msg)
		o.emitter.Emit(pipeline.Event{Type: pipeline.EventBudgetThreshold, Message: msg, Timestamp: time.Now()})
	}
}

// GetStatus reports active pipelines, budget state, and recent routing
// decisions.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	active := make([]pipeline.Pipeline, 0, len(o.machines))
	for _, m := range o.machines {
		active = append(active, m.Pipeline())
	}
	dailyThreshold := o.cfg.Alerts.Thresholds.DailyCost
	refusedDay := o.refusedDay
	o.mu.Unlock()

	snap := o.router.BudgetSnapshot()
	st := Status{
		Active:          active,
		Budget:          snap,
		RecentDecisions: o.router.RecentDecisions(20),
	}
	if weekly, err := o.audit.SpendSince(time.Now().AddDate(0, 0, -7)); err == nil && len(weekly) > 0 {
		st.WeeklySpendUSD = weekly
	}
	if snap.TotalCapUSD > 0 {
		ratio := snap.TotalUSD / snap.TotalCapUSD
		switch {
		case ratio >= 1.0:
			st.Alerts = append(st.Alerts, Alert{AlertError,
				fmt.Sprintf("daily cap $%.2f exceeded: spent $%.4f", snap.TotalCapUSD, snap.TotalUSD)})
		case refusedDay == snap.Date:
			// The next stage did not fit even though the ratio is under
			// 100%: work was refused on budget today.
			st.Alerts = append(st.Alerts, Alert{AlertError,
				fmt.Sprintf("work refused on budget: spent $%.4f of daily cap $%.2f", snap.TotalUSD, snap.TotalCapUSD)})
		case ratio >= 0.8:
			st.Alerts = append(st.Alerts, Alert{AlertWarning,
				fmt.Sprintf("daily spend $%.4f at %.0f%% of cap $%.2f", snap.TotalUSD, ratio*100, snap.TotalCapUSD)})
		}
	}
	if th := dailyThreshold; th > 0 && snap.TotalUSD >= th {
		st.Alerts = append(st.Alerts, Alert{AlertWarning,
			fmt.Sprintf("daily spend $%.4f crossed alert threshold $%.2f", snap.TotalUSD, th)})
	}
	return st
}

// GetReadyTasks lists unblocked tasks, optionally filtered by priority.
func (o *Orchestrator) GetReadyTasks(priority task.Priority) ([]task.Task, error) {
	return o.tasks.GetReadyTasks(priority)
}

// Tasks exposes the hierarchy store for CLI subcommands.
func (o *Orchestrator) Tasks() *task.Store { return o.tasks }

// Usage exposes aggregated consumption stats.
func (o *Orchestrator) Usage() usage.AggregatedStats { return o.usage.Stats() }

// Shutdown drains the pool, sweeps worktrees, flushes usage, and closes
// the audit trail and logs.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	logging.Orchestrator("Shutdown requested")
	if o.watcher != nil {
		_ = o.watcher.Close()
	}
	o.pool.shutdown()
	o.worktrees.CleanupAll(ctx)
	if err := o.usage.Save(); err != nil {
		logging.Orchestrator("usage flush failed: %v", err)
	}
	if err := o.audit.Close(); err != nil {
		logging.Orchestrator("audit close failed: %v", err)
	}
	o.emitter.Close()
	logging.Close()
}
