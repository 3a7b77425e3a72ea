package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"taskforge/internal/config"
	"taskforge/internal/orchestrator"
	"taskforge/internal/pipeline"
	"taskforge/internal/provider"
	"taskforge/internal/task"
)

// Exit codes.
const (
	exitOK          = 0
	exitOther       = 1
	exitBadConfig   = 2
	exitBudget      = 3
	exitNoProviders = 4
)

var (
	// Global flags
	configPath string
	workspace  string
	debug      bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "taskforge - multi-agent task pipeline runner",
	Long: `taskforge drives software tasks through a pipeline of specialised
agents (orchestrator, designer, implementer, validator, documenter),
routing each stage to a provider under capability and budget
constraints, with durable checkpoints and git worktree isolation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// boot loads config and assembles a started orchestrator.
func boot(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if debug {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := orch.Start(ctx); err != nil {
		return nil, err
	}
	if err := orch.WatchConfig(configPath); err != nil {
		logger.Warn("config watch unavailable", zap.Error(err))
	}
	return orch, nil
}

var runCmd = &cobra.Command{
	Use:   "run [title]",
	Short: "Run a task through a fresh pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")
		agents, _ := cmd.Flags().GetStringSlice("agents")
		approve, _ := cmd.Flags().GetStringSlice("approve-after")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		storyID, _ := cmd.Flags().GetString("story")
		wait, _ := cmd.Flags().GetBool("wait")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch, err := boot(ctx)
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		t := &task.Task{
			ID:          "task-" + uuid.NewString(),
			Title:       args[0],
			Description: description,
			Priority:    task.Priority(priority),
			Status:      task.StatusReady,
			StoryID:     storyID,
			CreatedAt:   time.Now(),
		}

		gates := map[string]pipeline.GatePolicy{}
		for _, id := range approve {
			gates[id] = pipeline.GateRequireApproval
		}
		opts := orchestrator.Options{
			Agents:    agents,
			Gates:     gates,
			TimeoutMs: int(timeout.Milliseconds()),
		}

		events := orch.Subscribe()
		id, err := orch.ProcessTask(ctx, t, opts)
		if err != nil {
			return err
		}
		fmt.Printf("pipeline %s started for task %s\n", id, t.ID)

		if !wait {
			// Shutdown drains the pool, so the pipeline still finishes.
			logger.Info("detached", zap.String("pipeline", id))
			return nil
		}
		for ev := range events {
			fmt.Printf("%s  %s", ev.Timestamp.Format("15:04:05"), ev.Type)
			if ev.Message != "" {
				fmt.Printf("  %s", ev.Message)
			}
			fmt.Println()
			switch ev.Type {
			case pipeline.EventCompleted, pipeline.EventCancelled, pipeline.EventStageFailed:
				if ev.PipelineID == id {
					return nil
				}
			case pipeline.EventAwaitingApproval:
				if ev.PipelineID == id {
					fmt.Printf("run `taskforge approve %s` to continue\n", id)
					return nil
				}
			}
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [pipeline-id]",
	Short: "Resume a queued or paused pipeline from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch, err := boot(ctx)
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		if err := orch.Resume(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("pipeline %s resumed\n", args[0])
		waitForTerminal(orch, args[0])
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [pipeline-id]",
	Short: "Approve (or reject) an awaiting-approval gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reject, _ := cmd.Flags().GetBool("reject")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch, err := boot(ctx)
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		if err := orch.Approve(ctx, args[0], !reject); err != nil {
			return err
		}
		if reject {
			fmt.Printf("pipeline %s rejected\n", args[0])
			return nil
		}
		fmt.Printf("pipeline %s approved\n", args[0])
		waitForTerminal(orch, args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [pipeline-id]",
	Short: "Cancel a pipeline cooperatively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orch, err := boot(ctx)
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		if err := orch.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("pipeline %s cancellation requested\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active pipelines, budget, and recent routing decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		orch, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		st := orch.GetStatus()
		if asJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Budget %s: $%.4f / $%.2f\n", st.Budget.Date, st.Budget.TotalUSD, st.Budget.TotalCapUSD)
		for name, spent := range st.Budget.PerProvider {
			fmt.Printf("  %-16s $%.4f / $%.2f\n", name, spent, st.Budget.CapsUSD[name])
		}
		if len(st.WeeklySpendUSD) > 0 {
			fmt.Println("Spend, trailing 7 days:")
			for name, spent := range st.WeeklySpendUSD {
				fmt.Printf("  %-16s $%.4f\n", name, spent)
			}
		}
		for _, a := range st.Alerts {
			fmt.Printf("[%s] %s\n", a.Level, a.Message)
		}
		fmt.Printf("Active pipelines: %d\n", len(st.Active))
		for _, p := range st.Active {
			fmt.Printf("  %s  task=%s  stage=%d/%d  %s\n", p.ID, p.TaskID, p.CurrentStage, len(p.Stages), p.Status)
		}
		if len(st.RecentDecisions) > 0 {
			fmt.Println("Recent routing decisions:")
			for _, d := range st.RecentDecisions {
				fmt.Printf("  %s  %-10s %s (%s)\n", d.Timestamp.Format("15:04:05"), d.Tier, d.Target, d.Reason)
			}
		}
		return nil
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tasks whose dependencies are satisfied",
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetString("priority")

		orch, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		tasks, err := orch.GetReadyTasks(task.Priority(priority))
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("no ready tasks")
			return nil
		}
		for _, t := range tasks {
			fmt.Printf("%-40s %-8s %s\n", t.ID, t.Priority, t.Title)
		}
		return nil
	},
}

var decomposeCmd = &cobra.Command{
	Use:   "decompose [epic-id]",
	Short: "Propose a story/task breakdown for an epic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, _ := cmd.Flags().GetBool("apply")

		orch, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		store := orch.Tasks()
		epic, err := store.GetEpic(args[0])
		if err != nil {
			return err
		}
		proposal := task.Decompose(epic)

		fmt.Printf("Epic %s: %d stories, %d tasks, ~%d tokens, ~$%.2f\n",
			epic.ID, len(proposal.Stories), len(proposal.Tasks),
			proposal.EstimatedEffort, proposal.EstimatedCostUSD)
		for _, r := range proposal.Risks {
			fmt.Printf("  risk: %s\n", r)
		}
		if !apply {
			fmt.Println("re-run with --apply to persist")
			return nil
		}
		for i := range proposal.Stories {
			if err := store.CreateStory(&proposal.Stories[i]); err != nil {
				return err
			}
		}
		for i := range proposal.Tasks {
			if err := store.CreateTask(&proposal.Tasks[i]); err != nil {
				return err
			}
		}
		fmt.Println("breakdown persisted")
		return nil
	},
}

// waitForTerminal polls until the pipeline leaves the active set.
func waitForTerminal(orch *orchestrator.Orchestrator, pipelineID string) {
	for {
		time.Sleep(500 * time.Millisecond)
		active := orch.GetStatus().Active
		found := false
		for _, p := range active {
			if p.ID == pipelineID {
				found = true
				if p.Status == pipeline.StatusAwaitingApproval {
					fmt.Printf("pipeline %s awaiting approval\n", pipelineID)
					return
				}
			}
		}
		if !found {
			return
		}
	}
}

// exitCode maps an error to the documented process exit codes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, orchestrator.ErrNoValidProviders) {
		return exitNoProviders
	}
	switch provider.KindOf(err) {
	case provider.KindConfig:
		return exitBadConfig
	case provider.KindBudgetExceeded:
		return exitBudget
	}
	return exitOther
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "taskforge.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd.Flags().String("description", "", "task description")
	runCmd.Flags().String("priority", "normal", "task priority (low|normal|high|critical)")
	runCmd.Flags().StringSlice("agents", nil, "agent stages to run, in order (default full roster)")
	runCmd.Flags().StringSlice("approve-after", nil, "agent IDs whose stages require approval")
	runCmd.Flags().Duration("timeout", 0, "overall pipeline timeout")
	runCmd.Flags().String("story", "", "parent story ID")
	runCmd.Flags().Bool("wait", true, "stream events until the pipeline settles")

	approveCmd.Flags().Bool("reject", false, "reject instead of approving")
	statusCmd.Flags().Bool("json", false, "emit JSON")
	readyCmd.Flags().String("priority", "", "filter by priority")
	decomposeCmd.Flags().Bool("apply", false, "persist the proposed breakdown")

	rootCmd.AddCommand(runCmd, resumeCmd, approveCmd, cancelCmd, statusCmd, readyCmd, decomposeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
