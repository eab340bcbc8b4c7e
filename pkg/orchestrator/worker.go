// Package orchestrator drives task execution: the dispatcher claims ready
// tasks and hands them to agents or freshly spawned sandboxes, and the idle
// monitor reclaims sandboxes that stopped making progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/cost"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/registry"
	"github.com/codelane/maestro/pkg/sandbox"
	"github.com/codelane/maestro/pkg/validation"
)

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	// SandboxMode spawns a sandbox per claimed task. When false, tasks are
	// dispatched to long-lived idle agents instead.
	SandboxMode bool
	// Concurrency is the number of dispatch workers.
	Concurrency int
	// IdleSleep is the backoff when the queue is empty.
	IdleSleep time.Duration
}

// Dispatcher claims ready tasks and starts their execution.
type Dispatcher struct {
	cfg      DispatcherConfig
	pool     *pgxpool.Pool
	queue    *queue.Queue
	registry *registry.Registry
	gateway  sandbox.Gateway
	costs    *cost.Engine
	bus      events.Publisher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil cost engine disables the
// pre-flight budget check.
func NewDispatcher(cfg DispatcherConfig, pool *pgxpool.Pool, q *queue.Queue, reg *registry.Registry, gw sandbox.Gateway, costs *cost.Engine, bus events.Publisher) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 10 * time.Second
	}
	return &Dispatcher{
		cfg: cfg, pool: pool, queue: q, registry: reg, gateway: gw, costs: costs, bus: bus,
		stopCh: make(chan struct{}),
	}
}

// Start launches the dispatch workers.
func (d *Dispatcher) Start(ctx context.Context) {
	mode := "agent"
	if d.cfg.SandboxMode {
		mode = "sandbox"
	}
	slog.Info("Dispatcher started", "mode", mode, "workers", d.cfg.Concurrency)

	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(ctx)
		}()
	}
}

// Stop terminates the workers and waits for in-flight dispatches.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	slog.Info("Dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := d.dispatchOnce(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, queue.ErrNoTasksAvailable) {
			slog.Error("Dispatch failed", "error", err)
		}

		select {
		case <-time.After(d.cfg.IdleSleep):
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) error {
	if d.cfg.SandboxMode {
		// Validation claims take precedence: a finished implementation is
		// worth settling before new work starts.
		err := d.dispatchValidation(ctx)
		if !errors.Is(err, queue.ErrNoTasksAvailable) {
			return err
		}
		return d.dispatchSandbox(ctx)
	}
	return d.dispatchAgent(ctx)
}

// dispatchAgent hands the next ready task to an idle long-lived agent.
func (d *Dispatcher) dispatchAgent(ctx context.Context) error {
	agent, err := d.registry.FindIdleAgent(ctx, "")
	if err != nil {
		return err
	}
	if agent == nil {
		return queue.ErrNoTasksAvailable
	}

	task, err := d.queue.GetNextTask(ctx, agent.ID, queue.ClaimFilter{
		Phase:        agent.Phase,
		Capabilities: agent.Capabilities,
	})
	if err != nil {
		return err
	}
	if !d.budgetAvailable(ctx, task) {
		return d.holdForBudget(ctx, task)
	}

	if err := d.registry.Status().Transition(ctx, agent.ID, models.AgentRunning, registry.TransitionOptions{
		InitiatedBy: "dispatcher",
		Reason:      "task " + task.ID + " assigned",
	}); err != nil {
		return fmt.Errorf("failed to mark agent running: %w", err)
	}

	slog.Info("Task dispatched to agent",
		"task_id", task.ID, "agent_id", agent.ID, "phase", task.Phase)
	return nil
}

// dispatchSandbox claims the next ready task, provisions a synthetic agent
// identity and spawns a sandbox for it. A spawn failure fails the task and
// the loop moves on.
func (d *Dispatcher) dispatchSandbox(ctx context.Context) error {
	task, err := d.queue.GetNextTask(ctx, "", queue.ClaimFilter{})
	if err != nil {
		return err
	}
	if !d.budgetAvailable(ctx, task) {
		return d.holdForBudget(ctx, task)
	}

	reg, err := d.registry.RegisterAgent(ctx, registry.RegisterRequest{
		AgentType:       "sandbox",
		Phase:           task.Phase,
		Capabilities:    task.RequiredCapabilities,
		Capacity:        1,
		RequestedStatus: models.AgentIdle,
	})
	if err != nil {
		return d.failDispatch(ctx, task, fmt.Errorf("failed to register sandbox agent: %w", err))
	}
	agentID := reg.Agent.ID
	if err := d.registry.Status().Transition(ctx, agentID, models.AgentRunning, registry.TransitionOptions{
		InitiatedBy: "dispatcher",
		Reason:      "sandbox execution for task " + task.ID,
	}); err != nil {
		return d.failDispatch(ctx, task, err)
	}

	spawn, err := d.gateway.SpawnForTask(ctx, sandbox.SpawnRequest{
		TaskID:      task.ID,
		TicketID:    task.TicketID,
		Template:    sandbox.TemplateForPhase(task.Phase),
		Prompt:      task.Description,
		TimeoutSecs: task.TimeoutSeconds,
	})
	if err != nil {
		d.forceAgentFailed(ctx, agentID, "sandbox spawn failed")
		return d.failDispatch(ctx, task, fmt.Errorf("sandbox spawn failed: %w", err))
	}

	if err := d.queue.SetSandbox(ctx, task.ID, spawn.SandboxID); err != nil {
		return err
	}
	if err := d.queue.RebindAgent(ctx, task.ID, agentID); err != nil {
		return err
	}

	if pubErr := d.bus.Publish(ctx, events.Event{
		EventType:  events.SandboxSpawned,
		EntityType: "task",
		EntityID:   task.ID,
		Payload: map[string]any{
			"sandbox_id": spawn.SandboxID,
			"session_id": spawn.SessionID,
			"agent_id":   agentID,
			"template":   sandbox.TemplateForPhase(task.Phase),
		},
	}); pubErr != nil {
		slog.Warn("Failed to publish sandbox spawn", "task_id", task.ID, "error", pubErr)
	}

	slog.Info("Sandbox spawned for task",
		"task_id", task.ID, "sandbox_id", spawn.SandboxID, "phase", task.Phase)
	return nil
}

// dispatchValidation claims the next task awaiting validation and spawns a
// validator sandbox for it. This loop is the only producer of validator
// sandboxes; the validation pipeline itself never spawns.
func (d *Dispatcher) dispatchValidation(ctx context.Context) error {
	task, err := d.queue.GetNextValidationTask(ctx, "", queue.ClaimFilter{})
	if err != nil {
		return err
	}

	reg, err := d.registry.RegisterAgent(ctx, registry.RegisterRequest{
		AgentType:       "sandbox",
		Phase:           "validation",
		Capabilities:    task.RequiredCapabilities,
		Capacity:        1,
		RequestedStatus: models.AgentIdle,
	})
	if err != nil {
		return d.failDispatch(ctx, task, fmt.Errorf("failed to register validator agent: %w", err))
	}
	agentID := reg.Agent.ID
	if err := d.registry.Status().Transition(ctx, agentID, models.AgentRunning, registry.TransitionOptions{
		InitiatedBy: "dispatcher",
		Reason:      "validation of task " + task.ID,
	}); err != nil {
		return d.failDispatch(ctx, task, err)
	}

	iteration := 1
	if n, ok := task.Result["validation_iteration"].(float64); ok && n > 0 {
		iteration = int(n)
	}
	env := validation.ValidatorEnv(d.validatorEnvInput(ctx, task, iteration))

	spawn, err := d.gateway.SpawnForTask(ctx, sandbox.SpawnRequest{
		TaskID:      task.ID,
		TicketID:    task.TicketID,
		Template:    sandbox.TemplateForPhase("validation"),
		Prompt:      task.Description,
		Env:         env,
		TimeoutSecs: task.TimeoutSeconds,
	})
	if err != nil {
		d.forceAgentFailed(ctx, agentID, "validator spawn failed")
		return d.failDispatch(ctx, task, fmt.Errorf("validator spawn failed: %w", err))
	}

	if err := d.queue.SetSandbox(ctx, task.ID, spawn.SandboxID); err != nil {
		return err
	}
	if err := d.queue.RebindAgent(ctx, task.ID, agentID); err != nil {
		return err
	}

	if pubErr := d.bus.Publish(ctx, events.Event{
		EventType:  events.SandboxSpawned,
		EntityType: "task",
		EntityID:   task.ID,
		Payload: map[string]any{
			"sandbox_id": spawn.SandboxID,
			"session_id": spawn.SessionID,
			"agent_id":   agentID,
			"template":   sandbox.TemplateForPhase("validation"),
			"validation": true,
			"iteration":  iteration,
		},
	}); pubErr != nil {
		slog.Warn("Failed to publish validator spawn", "task_id", task.ID, "error", pubErr)
	}

	slog.Info("Validator sandbox spawned",
		"task_id", task.ID, "sandbox_id", spawn.SandboxID, "iteration", iteration)
	return nil
}

// validatorEnvInput assembles the validator environment from the task and
// its ticket's context. Missing ticket context degrades to the required
// fields only.
func (d *Dispatcher) validatorEnvInput(ctx context.Context, task *models.Task, iteration int) validation.ValidatorEnvInput {
	in := validation.ValidatorEnvInput{
		TaskID:            task.ID,
		Iteration:         iteration,
		OriginalSandboxID: task.SandboxID,
	}

	var tctx map[string]any
	var userID string
	err := d.pool.QueryRow(ctx,
		`SELECT context, COALESCE(user_id, '') FROM tickets WHERE id = $1`, task.TicketID,
	).Scan(&tctx, &userID)
	if err != nil {
		slog.Warn("Failed to load ticket context for validator",
			"ticket_id", task.TicketID, "error", err)
		return in
	}

	str := func(key string) string {
		s, _ := tctx[key].(string)
		return s
	}
	in.GitHubRepo = str("github_repo")
	in.GitHubRepoOwner = str("github_repo_owner")
	in.GitHubRepoName = str("github_repo_name")
	in.GitHubToken = str("github_token")
	in.BranchName = str("branch_name")
	in.UserID = userID
	return in
}

// budgetAvailable is the pre-flight budget check: the global, ticket and
// phase scopes covering the task must all absorb one forecast task. A nil
// engine disables the check; a check error allows the dispatch so a broken
// budget query cannot stall the whole queue.
func (d *Dispatcher) budgetAvailable(ctx context.Context, task *models.Task) bool {
	if d.costs == nil {
		return true
	}
	est := d.costs.Forecast(1)
	checks := []struct {
		scope   models.BudgetScope
		scopeID string
	}{
		{models.ScopeGlobal, ""},
		{models.ScopeTicket, task.TicketID},
		{models.ScopePhase, task.Phase},
	}
	for _, c := range checks {
		if c.scope != models.ScopeGlobal && c.scopeID == "" {
			continue
		}
		ok, err := d.costs.IsBudgetAvailable(ctx, c.scope, c.scopeID, est)
		if err != nil {
			slog.Warn("Budget pre-flight check failed",
				"task_id", task.ID, "scope", c.scope, "error", err)
			continue
		}
		if !ok {
			slog.Warn("Budget exhausted, task not started",
				"task_id", task.ID, "ticket_id", task.TicketID, "scope", c.scope)
			return false
		}
	}
	return true
}

// holdForBudget puts a budget-blocked claim back in the queue and reports
// the queue as empty so the loop backs off instead of spinning on the same
// task.
func (d *Dispatcher) holdForBudget(ctx context.Context, task *models.Task) error {
	if err := d.queue.ReleaseTask(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to release budget-blocked task %s: %w", task.ID, err)
	}
	return queue.ErrNoTasksAvailable
}

// failDispatch fails the claimed task so the ticket surfaces the error
// instead of the task sitting assigned forever. Returns nil so the dispatch
// loop proceeds to the next task without backoff.
func (d *Dispatcher) failDispatch(ctx context.Context, task *models.Task, cause error) error {
	slog.Error("Dispatch failed, failing task", "task_id", task.ID, "error", cause)
	if _, err := d.queue.UpdateTaskStatus(ctx, task.ID, models.TaskFailed, queue.StatusUpdate{
		ErrorMessage: cause.Error(),
	}); err != nil {
		return fmt.Errorf("failed to fail task %s after dispatch error: %w", task.ID, err)
	}
	return nil
}

func (d *Dispatcher) forceAgentFailed(ctx context.Context, agentID, reason string) {
	err := d.registry.Status().Transition(ctx, agentID, models.AgentFailed, registry.TransitionOptions{
		Force:       true,
		InitiatedBy: "dispatcher",
		Reason:      reason,
	})
	if err != nil {
		slog.Warn("Failed to mark agent failed", "agent_id", agentID, "error", err)
	}
}
