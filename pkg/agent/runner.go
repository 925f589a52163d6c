package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/ironsail-llc/robothor/internal/tracing"
	"github.com/ironsail-llc/robothor/pkg/tools"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrEscalationAbort is returned when a run hits the lifetime tool-failure ceiling.
var ErrEscalationAbort = errors.New("aborted after repeated tool failures")

const (
	persistTimeout  = 5 * time.Second
	stepOutputLimit = 4000
)

// ToolExecutor is the tool capability the loop calls into.
type ToolExecutor interface {
	Execute(ctx context.Context, inv tools.Invocation) tools.Result
	Schemas(policy tools.Policy) []tools.Schema
}

// Runner orchestrates agent runs
type Runner struct {
	configs     ConfigSource
	tools       ToolExecutor
	provider    LLMProvider
	models      *ModelRegistry
	store       RunStore
	checkpoints Checkpointer
	prompts     PromptSource
	warmup      WarmupSource
	tenantID    string
	workspace   string
	logger      zerolog.Logger
	now         func() time.Time

	spawnMu sync.RWMutex
	spawner Spawner

	// Active runs for stop capability
	activeRuns map[string]activeRun
	runsMu     sync.Mutex
}

type activeRun struct {
	agentID string
	cancel  context.CancelFunc
}

// Config holds runner configuration
type Config struct {
	Configs     ConfigSource
	Tools       ToolExecutor
	Provider    LLMProvider
	Models      *ModelRegistry
	Store       RunStore
	Checkpoints Checkpointer
	Prompts     PromptSource
	Warmup      WarmupSource
	TenantID    string
	Workspace   string
	Logger      zerolog.Logger
	Now         func() time.Time
}

// ExecuteOptions are the optional inputs of Execute.
type ExecuteOptions struct {
	ModelOverride   string
	History         []AgentMessage
	Spawn           *SpawnContext
	ResumeFromRunID string
	// Config replaces the registered config, e.g. for heartbeat runs.
	Config      *AgentConfig
	ForceSilent bool
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Configs == nil {
		return nil, fmt.Errorf("config source is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}

	models := cfg.Models
	if models == nil {
		models = NewModelRegistry()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Runner{
		configs:     cfg.Configs,
		tools:       cfg.Tools,
		provider:    cfg.Provider,
		models:      models,
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		prompts:     cfg.Prompts,
		warmup:      cfg.Warmup,
		tenantID:    cfg.TenantID,
		workspace:   cfg.Workspace,
		logger:      cfg.Logger.With().Str("component", "runner").Logger(),
		now:         now,
		activeRuns:  make(map[string]activeRun),
	}, nil
}

// SetSpawner installs the sub-agent spawner. Agents with can_spawn only see
// the spawn tools once a spawner is set.
func (r *Runner) SetSpawner(s Spawner) {
	r.spawnMu.Lock()
	r.spawner = s
	r.spawnMu.Unlock()
}

func (r *Runner) getSpawner() Spawner {
	r.spawnMu.RLock()
	defer r.spawnMu.RUnlock()
	return r.spawner
}

// Models returns the model registry.
func (r *Runner) Models() *ModelRegistry {
	return r.models
}

// NewCorrelationID returns a short random id linking runs of one trigger.
func NewCorrelationID() string {
	id, err := gonanoid.New(16)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// Execute runs agentID once. It always returns a run in a terminal state;
// failures are reported through Status and Error, never as a Go error.
func (r *Runner) Execute(ctx context.Context, agentID, message string, trigger Trigger, opts ExecuteOptions) *AgentRun {
	if ctx == nil {
		ctx = context.Background()
	}
	if trigger.CorrelationID == "" {
		if opts.Spawn != nil && opts.Spawn.CorrelationID != "" {
			trigger.CorrelationID = opts.Spawn.CorrelationID
		} else {
			trigger.CorrelationID = NewCorrelationID()
		}
	}

	run := &AgentRun{
		ID:        uuid.NewString(),
		TenantID:  r.tenantID,
		AgentID:   agentID,
		Trigger:   trigger,
		Status:    StatusPending,
		StartedAt: r.now(),
	}
	if opts.Spawn != nil {
		run.ParentRunID = opts.Spawn.ParentRunID
		run.NestingDepth = opts.Spawn.NestingDepth + 1
		if opts.Spawn.TraceID != "" {
			ctx = tracing.WithTraceID(ctx, opts.Spawn.TraceID)
		}
	}
	sess := NewSession(run, r.now)

	ctx = tracing.NewContext(ctx, &tracing.TraceContext{
		RunID:         run.ID,
		AgentID:       agentID,
		TenantID:      r.tenantID,
		CorrelationID: trigger.CorrelationID,
	})
	ctx, span := tracing.StartSpan(
		ctx,
		"robothor.agent",
		"agent.run",
		attribute.String("agent_id", agentID),
		attribute.String("run_id", run.ID),
		attribute.String("trigger", string(trigger.Kind)),
		attribute.Int("nesting_depth", run.NestingDepth),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	cfg, ok := r.resolveConfig(agentID, opts)
	if !ok {
		run.Status = StatusFailed
		run.Error = fmt.Sprintf("%v: %s", ErrAgentNotFound, agentID)
		r.persistStart(ctx, run, logger)
		r.finalize(ctx, sess, logger)
		span.SetStatus(codes.Error, run.Error)
		return run
	}

	run.DeliveryMode = cfg.Delivery.Mode
	if run.DeliveryMode == "" {
		run.DeliveryMode = DeliveryAnnounce
	}
	if opts.Spawn != nil || opts.ForceSilent {
		run.DeliveryMode = DeliverySilent
	}

	timeout := time.Duration(cfg.EffectiveTimeoutSeconds()) * time.Second
	if opts.Spawn != nil && opts.Spawn.MaxChildTimeoutSeconds > 0 {
		timeout = min(timeout, time.Duration(opts.Spawn.MaxChildTimeoutSeconds)*time.Second)
	}
	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()
	runCtx, cancel := context.WithCancel(timeoutCtx)
	defer cancel()

	r.register(run.ID, agentID, cancel)
	defer r.unregister(run.ID)

	run.Status = StatusRunning
	observability.AddActiveRuns(1)
	defer observability.AddActiveRuns(-1)

	logger.Info().
		Str("trigger", string(trigger.Kind)).
		Str("detail", trigger.Detail).
		Dur("timeout", timeout).
		Msg("Agent run started")

	err := r.runGuarded(runCtx, sess, cfg, message, opts, logger)

	switch {
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		run.Status = StatusTimeout
		run.Error = fmt.Sprintf("run exceeded timeout of %s", timeout)
	case runCtx.Err() != nil:
		run.Status = StatusCancelled
		run.Error = "run cancelled"
	case err != nil:
		run.Status = StatusFailed
		run.Error = err.Error()
	default:
		run.Status = StatusCompleted
	}

	r.finalize(ctx, sess, logger)
	if run.Status != StatusCompleted {
		span.SetStatus(codes.Error, run.Error)
	}
	span.SetAttributes(
		attribute.String("status", string(run.Status)),
		attribute.Int("input_tokens", run.InputTokens),
		attribute.Int("output_tokens", run.OutputTokens),
	)
	return run
}

// Stop cancels a running run. It reports whether the run was active.
func (r *Runner) Stop(runID string) bool {
	r.runsMu.Lock()
	ar, ok := r.activeRuns[runID]
	r.runsMu.Unlock()
	if !ok {
		return false
	}
	r.logger.Info().Str("run_id", runID).Msg("Stopping agent run")
	ar.cancel()
	return true
}

// StopAgent cancels every active run of agentID and returns how many.
func (r *Runner) StopAgent(agentID string) int {
	r.runsMu.Lock()
	var cancels []context.CancelFunc
	for _, ar := range r.activeRuns {
		if ar.agentID == agentID {
			cancels = append(cancels, ar.cancel)
		}
	}
	r.runsMu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// IsRunning reports whether runID is executing.
func (r *Runner) IsRunning(runID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.activeRuns[runID]
	return ok
}

// ActiveRunIDs returns the ids of executing runs, sorted.
func (r *Runner) ActiveRunIDs() []string {
	r.runsMu.Lock()
	ids := make([]string, 0, len(r.activeRuns))
	for id := range r.activeRuns {
		ids = append(ids, id)
	}
	r.runsMu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Runner) register(runID, agentID string, cancel context.CancelFunc) {
	r.runsMu.Lock()
	r.activeRuns[runID] = activeRun{agentID: agentID, cancel: cancel}
	r.runsMu.Unlock()
}

func (r *Runner) unregister(runID string) {
	r.runsMu.Lock()
	delete(r.activeRuns, runID)
	r.runsMu.Unlock()
}

func (r *Runner) resolveConfig(agentID string, opts ExecuteOptions) (AgentConfig, bool) {
	if opts.Config != nil {
		return *opts.Config, true
	}
	return r.configs.Get(agentID)
}

// runState is everything one run's loop needs. Owned by that run only.
type runState struct {
	cfg    AgentConfig
	sess   *Session
	logger zerolog.Logger

	task     string
	taskAt   int // index of the task message in sess.Messages
	system   string
	toolDefs []tools.Schema
	policy   tools.Policy
	canSpawn bool
	spawn    *SpawnContext

	models []string
	broken map[string]bool
	ledger *Ledger

	maxIter         int
	iter            int
	final           bool
	budgetWarned    bool
	plan            string
	verify          bool
	checkpoint      bool
	checkpointEvery int

	escalation *EscalationManager
	scratchpad *Scratchpad
	guardrails *GuardrailEngine
}

func (r *Runner) runGuarded(ctx context.Context, sess *Session, cfg AgentConfig, message string, opts ExecuteOptions, logger zerolog.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			sess.Run.ErrorTrace = string(debug.Stack())
			err = fmt.Errorf("panic: %v", p)
			logger.Error().Interface("panic", p).Msg("Agent run panicked")
		}
	}()

	st, err := r.prepare(ctx, sess, cfg, message, opts, logger)
	if err != nil {
		return err
	}
	if err := r.loop(ctx, st); err != nil {
		return err
	}
	if st.final && st.verify {
		return r.verify(ctx, st)
	}
	return nil
}

func (r *Runner) prepare(ctx context.Context, sess *Session, cfg AgentConfig, message string, opts ExecuteOptions, logger zerolog.Logger) (*runState, error) {
	run := sess.Run
	st := &runState{
		cfg:        cfg,
		sess:       sess,
		logger:     logger,
		task:       message,
		broken:     make(map[string]bool),
		escalation: NewEscalationManager(),
	}

	st.system = cfg.Instruction
	if r.prompts != nil {
		if prompt, err := r.prompts.SystemPrompt(cfg); err != nil {
			logger.Warn().Err(err).Msg("Failed to build system prompt, using instruction only")
		} else {
			st.system = prompt
		}
	}

	st.policy = cfg.ToolPolicy()
	for _, s := range r.tools.Schemas(st.policy) {
		if !IsSpawnTool(s.Name) {
			st.toolDefs = append(st.toolDefs, s)
		}
	}
	st.canSpawn = cfg.Spawn.CanSpawn && r.getSpawner() != nil
	if st.canSpawn {
		st.toolDefs = append(st.toolDefs, SpawnToolSchemas()...)
	}

	kind := run.Trigger.Kind
	if cfg.Warmup.Enabled && r.warmup != nil && !kind.Interactive() && kind != TriggerSpawn {
		if preamble, err := r.warmup.Preamble(ctx, cfg); err != nil {
			logger.Warn().Err(err).Msg("Warm-up preamble failed")
		} else if preamble != "" {
			message = preamble + "\n\n" + message
		}
	}

	st.models = cfg.ModelChain(opts.ModelOverride)

	st.maxIter = cfg.EffectiveMaxIterations()
	if opts.Spawn != nil && opts.Spawn.MaxChildIterations > 0 {
		st.maxIter = min(st.maxIter, opts.Spawn.MaxChildIterations)
	}

	budget := Budget{TokenLimit: cfg.Budget.TokenBudget, CostLimitUSD: cfg.Budget.CostBudgetUSD}
	if budget.TokenLimit <= 0 && len(st.models) > 0 {
		budget.TokenLimit = r.models.Lookup(st.models[0]).MaxInputTokens * st.maxIter
	}
	if opts.Spawn != nil && opts.Spawn.Ledger != nil {
		budget = budget.ClampTo(opts.Spawn.Ledger.Remaining())
	}
	st.ledger = NewLedger(budget)
	run.TokenBudget = budget.TokenLimit
	run.CostBudgetUSD = budget.CostLimitUSD

	r.persistStart(ctx, run, logger)

	if len(st.models) == 0 {
		return nil, ErrNoModels
	}

	e := cfg.Enhancements
	planning, scratch, checkpoint, verify := e.Planning, e.Scratchpad, e.Checkpoint, e.Verification
	if e.Routing {
		d := Route(st.task, st.maxIter)
		st.maxIter = d.MaxIterations
		planning = planning || d.Planning
		scratch = scratch || d.Scratchpad
		checkpoint = checkpoint || d.Checkpoint
		verify = verify || d.Verification
		logger.Debug().
			Str("difficulty", string(d.Difficulty)).
			Int("max_iterations", d.MaxIterations).
			Msg("Routed run")
	}
	if scratch {
		st.scratchpad = NewScratchpad(e.ScratchpadInterval, 0)
	}
	st.checkpoint = checkpoint && r.checkpoints != nil
	st.checkpointEvery = e.CheckpointInterval
	if st.checkpointEvery <= 0 {
		st.checkpointEvery = defaultCheckpointInterval
	}
	st.verify = verify

	var unknown []string
	st.guardrails, unknown = NewGuardrailEngine(e.Guardrails)
	if len(unknown) > 0 {
		logger.Warn().Strs("guardrails", unknown).Msg("Ignoring unknown guardrails")
	}

	if st.canSpawn {
		depthCap := cfg.Spawn.DepthCap()
		if opts.Spawn != nil && opts.Spawn.MaxNestingDepth > 0 {
			depthCap = min(depthCap, opts.Spawn.MaxNestingDepth)
		}
		st.spawn = &SpawnContext{
			ParentRunID:            run.ID,
			ParentAgentID:          cfg.ID,
			CorrelationID:          run.Trigger.CorrelationID,
			TraceID:                tracing.GetTraceID(ctx),
			NestingDepth:           run.NestingDepth,
			MaxNestingDepth:        depthCap,
			MaxChildIterations:     cfg.Spawn.MaxChildIterations,
			MaxChildTimeoutSeconds: cfg.Spawn.MaxChildTimeoutSeconds,
			Ledger:                 st.ledger,
		}
	}

	if opts.ResumeFromRunID != "" && r.resume(ctx, st, opts.ResumeFromRunID, message) {
		return st, nil
	}

	sess.Append(opts.History...)
	st.taskAt = len(sess.Messages)
	sess.Append(AgentMessage{Role: "user", Content: message})
	if planning {
		r.planRun(ctx, st)
	}
	return st, nil
}

func (r *Runner) resume(ctx context.Context, st *runState, fromRunID, message string) bool {
	if r.checkpoints == nil {
		return false
	}
	cp, err := r.checkpoints.LoadCheckpoint(ctx, fromRunID)
	if err != nil {
		st.logger.Warn().Err(err).Str("resume_from", fromRunID).Msg("Failed to load checkpoint, starting fresh")
		return false
	}
	if cp == nil {
		return false
	}

	st.sess.Append(cp.Messages...)
	if st.scratchpad != nil {
		st.scratchpad.Restore(cp.Scratchpad)
	}
	st.plan = cp.Plan
	st.iter = cp.Iteration
	if strings.TrimSpace(message) != "" {
		st.sess.Inject(message)
	}
	st.logger.Info().
		Str("resume_from", fromRunID).
		Int("iteration", cp.Iteration).
		Msg("Resumed from checkpoint")
	return true
}

func (r *Runner) loop(ctx context.Context, st *runState) error {
	for st.iter < st.maxIter {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch st.ledger.Status() {
		case BudgetExhausted:
			return r.wrapUp(ctx, st)
		case BudgetWarning:
			if !st.budgetWarned {
				st.budgetWarned = true
				st.sess.Inject(budgetWarningMessage)
			}
		}

		if st.scratchpad != nil && st.scratchpad.Due(st.iter) {
			st.sess.Inject(st.scratchpad.Inject(st.iter))
			st.sess.RecordStep(RunStep{Type: StepScratchpad})
		}

		done, err := r.iterate(ctx, st)
		st.iter++
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if st.checkpoint && st.iter%st.checkpointEvery == 0 {
			r.saveCheckpoint(ctx, st)
		}
	}

	st.sess.RecordStep(RunStep{Type: StepError, Error: maxIterationsMessage})
	st.sess.Run.Output = st.sess.LastAssistantContent()
	st.logger.Warn().Int("max_iterations", st.maxIter).Msg("Max iterations reached")
	return nil
}

// iterate is one loop body: a model call, then any tool calls it requested.
// done is true when the model answered without tool calls.
func (r *Runner) iterate(ctx context.Context, st *runState) (bool, error) {
	resp, err := r.complete(ctx, st, st.sess.Messages, st.toolDefs, StepLLMCall, st.system)
	if err != nil {
		return false, err
	}

	st.sess.Append(AgentMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
	if len(resp.ToolCalls) == 0 {
		st.sess.Run.Output = resp.Content
		st.final = true
		return true, nil
	}

	failures := r.runTools(ctx, st, resp.ToolCalls)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if len(failures) > 0 && st.cfg.Enhancements.ErrorFeedback {
		st.sess.Inject(errorFeedback(failures))
	}

	if st.cfg.Enhancements.Escalation {
		if st.escalation.ShouldAbort() {
			err := fmt.Errorf("%w: %d tool calls failed", ErrEscalationAbort, st.escalation.Total())
			st.sess.RecordStep(RunStep{Type: StepEscalation, Error: err.Error()})
			return false, err
		}
		if msg := st.escalation.Message(); msg != "" {
			st.sess.Inject(msg)
			st.sess.RecordStep(RunStep{
				Type:  StepEscalation,
				Error: fmt.Sprintf("%d consecutive tool failures", st.escalation.Consecutive()),
			})
		}
	}
	return false, nil
}

// complete makes one model call, walking the chain until a model answers.
// Auth, quota and rate-limit failures mark the model broken for the rest of
// the run; other failures just move on to the next model.
func (r *Runner) complete(ctx context.Context, st *runState, messages []AgentMessage, toolDefs []tools.Schema, stepType StepType, system string) (*LLMResponse, error) {
	var errs []error
	toolTokens := 0
	if len(toolDefs) > 0 {
		if data, err := json.Marshal(toolDefs); err == nil {
			toolTokens = len(data) / 4
		}
	}

	for _, model := range st.models {
		if st.broken[model] {
			continue
		}

		spec := r.models.Lookup(model)
		pin := 0
		if stepType == StepLLMCall {
			pin = st.taskAt
		}
		if compressed, at, changed := CompressMessages(messages, spec.MaxInputTokens-spec.DefaultOutputTokens-toolTokens, pin); changed {
			messages = compressed
			if stepType == StepLLMCall {
				st.sess.Messages = compressed
				st.taskAt = at
			}
			st.logger.Debug().Str("model", model).Msg("Compressed transcript to fit context window")
		}

		prompt := EstimateTokens(messages) + len(system)/4 + toolTokens
		req := LLMRequest{
			Model:        model,
			Messages:     messages,
			Tools:        toolDefs,
			Temperature:  st.cfg.Temperature,
			MaxTokens:    r.models.CapOutputTokens(model, prompt, 0),
			SystemPrompt: system,
		}

		st.sess.NoteAttempt(model)
		callCtx, span := tracing.StartSpan(ctx, "robothor.agent", "agent.model_call",
			attribute.String("model", model),
			attribute.String("step", string(stepType)),
		)
		start := r.now()
		resp, err := r.provider.Call(callCtx, req)
		elapsed := r.now().Sub(start)
		if err == nil && resp == nil {
			err = ErrEmptyResponse
		}
		tracing.Fail(span, err)
		span.End()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			st.sess.RecordStep(RunStep{
				Type:       StepError,
				Model:      model,
				Error:      err.Error(),
				DurationMs: elapsed.Milliseconds(),
			})
			if errors.Is(err, ErrEmptyResponse) {
				return nil, fmt.Errorf("%s: %w", model, err)
			}

			reason := "error"
			if IsBrokenModelError(err) {
				st.broken[model] = true
				reason = "auth_quota_rate_limit"
			}
			observability.RecordModelFallback(model, reason)
			st.logger.Warn().
				Err(err).
				Str("model", model).
				Str("reason", reason).
				Msg("Model call failed, trying next model")
			errs = append(errs, fmt.Errorf("%s: %w", model, err))
			continue
		}

		in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
		cost := r.models.Cost(model, in, out)
		st.sess.AddUsage(model, in, out, cost)
		st.ledger.Charge(in+out, cost)
		observability.RecordUsage(st.cfg.ID, model, in, out, cost)

		st.sess.RecordStep(RunStep{
			Type:         stepType,
			Model:        model,
			InputTokens:  in,
			OutputTokens: out,
			DurationMs:   elapsed.Milliseconds(),
		})
		return resp, nil
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: every model is marked broken", ErrAllModelsFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllModelsFailed, errors.Join(errs...))
}

func (r *Runner) runTools(ctx context.Context, st *runState, calls []ToolCall) []string {
	var failures []string
	for _, call := range calls {
		if ctx.Err() != nil {
			break
		}

		start := r.now()
		content, errText, stepType := r.callTool(ctx, st, call)
		input, _ := json.Marshal(call.Parameters)
		st.sess.RecordStep(RunStep{
			Type:       stepType,
			ToolName:   call.Name,
			ToolInput:  string(input),
			ToolOutput: clip(content, stepOutputLimit),
			Error:      errText,
			DurationMs: r.now().Sub(start).Milliseconds(),
		})
		st.sess.Append(AgentMessage{Role: "tool", ToolCallID: call.ID, Content: content})

		ok := errText == ""
		if st.scratchpad != nil {
			detail := content
			if !ok {
				detail = errText
			}
			st.scratchpad.Record(call.Name, ok, detail)
		}
		if ok {
			st.escalation.RecordSuccess()
			continue
		}
		st.escalation.RecordFailure()
		failures = append(failures, fmt.Sprintf("%s: %s", call.Name, errText))
	}
	return failures
}

func (r *Runner) callTool(ctx context.Context, st *runState, call ToolCall) (content, errText string, stepType StepType) {
	stepType = StepToolCall

	allowed := st.policy.Allowed(call.Name)
	if IsSpawnTool(call.Name) {
		allowed = st.canSpawn
	}
	if !allowed {
		errText = fmt.Sprintf("tool %s is not available to this agent", call.Name)
		return jsonError(errText), errText, stepType
	}

	if blocked, rail, reason := st.guardrails.CheckPre(call); blocked {
		st.sess.RecordStep(RunStep{Type: StepGuardrail, ToolName: call.Name, Error: rail + ": " + reason})
		observability.RecordGuardrailAudit(ctx, st.cfg.ID, rail, call.Name)
		st.logger.Warn().Str("tool", call.Name).Str("guardrail", rail).Msg("Tool call blocked")
		return blockedResult(rail, reason), "blocked by guardrail", stepType
	}

	if IsSpawnTool(call.Name) {
		content, errText = r.runSpawn(ctx, st, call)
		return content, errText, StepSpawnAgent
	}

	toolCtx, span := tracing.StartSpan(ctx, "robothor.agent", "agent.tool_call", attribute.String("tool", call.Name))
	res := r.tools.Execute(toolCtx, tools.Invocation{
		Name:      call.Name,
		Args:      call.Parameters,
		AgentID:   st.cfg.ID,
		TenantID:  r.tenantID,
		Workspace: firstNonEmpty(st.cfg.Workspace, r.workspace),
		RunID:     st.sess.Run.ID,
	})
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()

	for _, w := range st.guardrails.CheckPost(call, res) {
		st.sess.RecordStep(RunStep{Type: StepGuardrail, ToolName: call.Name, Error: w})
		st.logger.Warn().Str("tool", call.Name).Str("warning", w).Msg("Guardrail warning")
	}
	return res.Content(), res.Error, stepType
}

func (r *Runner) runSpawn(ctx context.Context, st *runState, call ToolCall) (string, string) {
	reqs, err := parseSpawnRequests(call)
	if err != nil {
		return jsonError(err.Error()), err.Error()
	}

	sp := r.getSpawner()
	var results []SpawnResult
	if call.Name == SpawnAgentTool {
		results = []SpawnResult{sp.Spawn(ctx, st.spawn, reqs[0])}
	} else {
		results = sp.SpawnMany(ctx, st.spawn, reqs)
	}

	var failed []string
	for _, res := range results {
		st.sess.Run.ChildTokens += res.Tokens
		st.sess.Run.ChildCostUSD += res.CostUSD
		if res.Failed() {
			failed = append(failed, fmt.Sprintf("%s: %s", res.AgentID, firstNonEmpty(res.Error, string(res.Status))))
		}
	}

	var payload any = results
	if call.Name == SpawnAgentTool {
		payload = results[0]
	}
	data, _ := json.Marshal(payload)

	if len(failed) == len(results) {
		return string(data), strings.Join(failed, "; ")
	}
	return string(data), ""
}

// wrapUp makes the final call once the budget is spent.
func (r *Runner) wrapUp(ctx context.Context, st *runState) error {
	st.sess.Run.BudgetExhausted = true
	st.sess.Inject(budgetWrapUpMessage)
	st.logger.Warn().Msg("Budget exhausted, wrapping up")

	resp, err := r.complete(ctx, st, st.sess.Messages, st.toolDefs, StepLLMCall, st.system)
	if err != nil {
		return err
	}
	output := resp.Content
	if strings.TrimSpace(output) == "" {
		output = st.sess.LastAssistantContent()
	}
	st.sess.Append(AgentMessage{Role: "assistant", Content: resp.Content})
	st.sess.Run.Output = output
	return nil
}

func (r *Runner) planRun(ctx context.Context, st *runState) {
	names := make([]string, 0, len(st.toolDefs))
	for _, t := range st.toolDefs {
		names = append(names, t.Name)
	}
	msgs := []AgentMessage{{Role: "user", Content: planningPrompt(st.task, names)}}

	resp, err := r.complete(ctx, st, msgs, nil, StepPlanning, st.system)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Planning pass failed, continuing without a plan")
		return
	}
	st.plan = strings.TrimSpace(resp.Content)
	if st.plan != "" {
		st.sess.Inject(planInjection(st.plan))
	}
}

// verify judges the final output and, on failure, runs the loop body once
// more. The original output survives unless the retry produces a new answer.
func (r *Runner) verify(ctx context.Context, st *runState) error {
	original := st.sess.Run.Output
	prompt := verificationPrompt(st.task, original, st.cfg.Enhancements.SuccessCriteria)
	resp, err := r.complete(ctx, st, []AgentMessage{{Role: "user", Content: prompt}}, nil, StepVerification,
		"You are a strict reviewer. Judge only against the stated criteria.")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		st.logger.Warn().Err(err).Msg("Verification call failed, keeping output")
		return nil
	}

	verdict := parseVerdict(resp.Content)
	if verdict.Passed {
		return nil
	}
	st.logger.Info().Str("feedback", verdict.Feedback).Msg("Verification failed, retrying once")

	st.sess.Inject(verificationFeedback(verdict))
	st.final = false
	done, err := r.iterate(ctx, st)
	st.iter++
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		st.logger.Warn().Err(err).Msg("Verification retry failed, keeping original output")
		st.sess.Run.Output = original
		return nil
	}
	if !done || strings.TrimSpace(st.sess.Run.Output) == "" {
		st.sess.Run.Output = original
	}
	return nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, st *runState) {
	cp := Checkpoint{
		RunID:     st.sess.Run.ID,
		AgentID:   st.cfg.ID,
		Iteration: st.iter,
		Messages:  append([]AgentMessage(nil), st.sess.Messages...),
		Plan:      st.plan,
		CreatedAt: r.now(),
	}
	if st.scratchpad != nil {
		cp.Scratchpad = st.scratchpad.Entries()
	}
	if err := r.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		st.logger.Warn().Err(err).Int("iteration", st.iter).Msg("Failed to save checkpoint")
		return
	}
	st.sess.RecordStep(RunStep{Type: StepCheckpoint})
}

func (r *Runner) persistStart(ctx context.Context, run *AgentRun, logger zerolog.Logger) {
	if r.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.CreateRun(pctx, run); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist run start")
	}
}

func (r *Runner) finalize(ctx context.Context, sess *Session, logger zerolog.Logger) {
	run := sess.Run
	end := r.now()
	run.CompletedAt = &end
	run.DurationMs = sess.Elapsed().Milliseconds()

	if r.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := r.store.UpdateRun(pctx, run); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist run result")
		}
		for _, step := range run.Steps {
			if err := r.store.CreateStep(pctx, step); err != nil {
				logger.Warn().Err(err).Msg("Failed to persist run steps")
				break
			}
		}
	}

	observability.RecordAgentRun(run.AgentID, string(run.Trigger.Kind), string(run.Status), sess.Elapsed())

	event := logger.Info()
	if run.Status != StatusCompleted {
		event = logger.Warn().Str("error", run.Error)
	}
	event.
		Str("status", string(run.Status)).
		Str("model", run.ModelUsed).
		Int("steps", len(run.Steps)).
		Int("input_tokens", run.InputTokens).
		Int("output_tokens", run.OutputTokens).
		Float64("cost_usd", run.TotalCostUSD).
		Int64("duration_ms", run.DurationMs).
		Msg("Agent run finished")
}

func jsonError(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
