package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ironsail-llc/robothor/internal/config"
	"github.com/ironsail-llc/robothor/internal/logger"
	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/ironsail-llc/robothor/internal/tracing"
	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/channels"
	"github.com/ironsail-llc/robothor/pkg/coretools"
	"github.com/ironsail-llc/robothor/pkg/cron"
	"github.com/ironsail-llc/robothor/pkg/dedup"
	"github.com/ironsail-llc/robothor/pkg/delivery"
	"github.com/ironsail-llc/robothor/pkg/dispatch"
	"github.com/ironsail-llc/robothor/pkg/eventlog"
	"github.com/ironsail-llc/robothor/pkg/hooks"
	"github.com/ironsail-llc/robothor/pkg/manifest"
	"github.com/ironsail-llc/robothor/pkg/orchestrator"
	"github.com/ironsail-llc/robothor/pkg/store"
	"github.com/ironsail-llc/robothor/pkg/tools"
	"github.com/ironsail-llc/robothor/pkg/webhook"
)

// InterruptedReason is recorded on runs found running at startup.
const InterruptedReason = "interrupted by engine restart"

const (
	shutdownTimeout  = 10 * time.Second
	redisDialTimeout = 5 * time.Second
)

// Daemon is the engine process: it owns every component and their
// lifecycles.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store      *store.Store
	events     eventlog.Log
	tools      *tools.Registry
	agents     *manifest.Registry
	watcher    *manifest.Watcher
	lock       *dedup.Lock
	runner     *agent.Runner
	spawner    *orchestrator.Spawner
	channels   *channels.Registry
	delivery   *delivery.Router
	dispatcher *dispatch.Dispatcher
	scheduler  *cron.Scheduler
	hooks      *hooks.Manager
	httpServer *webhook.Server
	lifecycle  *LifecycleManager

	staticTriggers []hooks.Trigger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
	closeOnce      sync.Once
}

// newModelProvider builds the model backend from credentials. Tests swap it
// for a scripted provider.
var newModelProvider = func(creds config.Credentials) (agent.LLMProvider, []string) {
	var providers []agent.LLMProvider
	var names []string
	if creds.AnthropicAPIKey != "" {
		providers = append(providers, agent.NewAnthropicProvider(creds.AnthropicAPIKey))
		names = append(names, "anthropic")
	}
	if creds.OpenAIAPIKey != "" {
		providers = append(providers, agent.NewOpenAIProvider(creds.OpenAIAPIKey, creds.OpenAIBaseURL))
		names = append(names, "openai")
	}
	return agent.NewRouter(providers...), names
}

// New wires the engine. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: buildVersion(),
			TenantID:       cfg.TenantID,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Str("service", cfg.Tracing.ServiceName).Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeResources()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.closeResources()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules builds storage, tools, models and the runner.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	for _, dir := range []string{cfg.DataDir, cfg.ManifestsDir, cfg.WorkspacePath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events will be discarded")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	st, err := store.Open(store.Config{Path: cfg.DatabasePath, Logger: zl})
	if err != nil {
		return fmt.Errorf("failed to open tracking store: %w", err)
	}
	d.store = st
	d.logger.Info().Str("path", cfg.DatabasePath).Msg("Tracking store opened")

	if cfg.Hooks.UseMemoryLog {
		d.events = eventlog.NewMemory()
		d.logger.Info().Msg("Using in-process event log")
	} else {
		dialCtx, cancel := context.WithTimeout(d.ctx, redisDialTimeout)
		events, err := eventlog.NewRedis(dialCtx, cfg.Credentials.RedisURL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect event log (set hooks.use_memory_log for single-process mode): %w", err)
		}
		d.events = events
		d.logger.Info().Msg("Redis event log connected")
	}

	d.tools = tools.New(tools.WithLogger(zl))
	if err := coretools.Register(d.tools, coretools.Options{
		Publisher:    d.events,
		StreamMaxLen: cfg.Hooks.StreamMaxLen,
		Runs:         d.store,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	d.logger.Info().Strs("tools", d.tools.Names()).Msg("Core tools registered")

	provider, backends := newModelProvider(cfg.Credentials)
	if len(backends) == 0 {
		d.logger.Warn().Msg("No model credentials configured, every run will fail until ANTHROPIC_API_KEY or OPENAI_API_KEY is set")
	} else {
		d.logger.Info().Strs("backends", backends).Msg("Model backends configured")
	}

	d.agents = manifest.NewRegistry()
	watcher, err := manifest.NewWatcher(manifest.WatcherConfig{
		Dir:      cfg.ManifestsDir,
		Registry: d.agents,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create manifest watcher: %w", err)
	}
	d.watcher = watcher

	runner, err := agent.NewRunner(agent.Config{
		Configs:     d.agents,
		Tools:       d.tools,
		Provider:    provider,
		Models:      agent.NewModelRegistry(),
		Store:       d.store,
		Checkpoints: d.store,
		Prompts:     manifest.NewBootstrapPrompts(cfg.WorkspacePath, manifest.DefaultMaxFileChars, zl),
		Warmup:      dispatch.NewWarmup(d.store, cfg.WorkspacePath, zl),
		TenantID:    cfg.TenantID,
		Workspace:   cfg.WorkspacePath,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	d.runner = runner

	d.lock = dedup.New(dedup.WithObserver(observability.SetLocksHeld))

	spawner, err := orchestrator.NewSpawner(orchestrator.Config{
		Runner:        d.runner,
		Configs:       d.agents,
		Lock:          d.lock,
		MaxConcurrent: cfg.MaxConcurrentSpawns,
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create spawner: %w", err)
	}
	d.spawner = spawner
	d.runner.SetSpawner(spawner)

	d.logger.Info().Msg("Runner initialized")
	return nil
}

// initializeServices builds the trigger paths around the runner.
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	d.channels = channels.NewRegistry()
	if err := d.channels.Register(channels.NewLogChannel(delivery.DefaultChannel, zl)); err != nil {
		return fmt.Errorf("failed to register log channel: %w", err)
	}

	router, err := delivery.New(delivery.Config{
		Channels:      d.channels,
		Publisher:     d.events,
		DefaultStream: cfg.Delivery.DefaultStream,
		StreamMaxLen:  cfg.Hooks.StreamMaxLen,
		AlertChannel:  cfg.Delivery.AlertChannel,
		AlertTo:       cfg.Delivery.AlertTo,
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create delivery router: %w", err)
	}
	d.delivery = router

	dispatcher, err := dispatch.New(dispatch.Config{
		Runner:        d.runner,
		Configs:       d.agents,
		Lock:          d.lock,
		Deliverer:     d.delivery,
		MaxConcurrent: cfg.MaxConcurrentAgents,
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d.dispatcher = dispatcher

	if cfg.Scheduler.Enabled {
		scheduler, err := cron.New(cron.Config{
			Dispatcher:       d.dispatcher,
			State:            d.store,
			Alerter:          d.delivery,
			BreakerThreshold: cfg.Scheduler.CircuitBreakerThreshold,
			MisfireGrace:     cfg.Scheduler.MisfireGrace,
			Logger:           zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		d.scheduler = scheduler
	}

	d.staticTriggers = staticTriggers(cfg.Hooks.Triggers)
	if cfg.Hooks.Enabled {
		manager, err := hooks.NewManager(hooks.Config{
			Log:          d.events,
			Dispatcher:   d.dispatcher,
			Triggers:     d.staticTriggers,
			Group:        cfg.Hooks.Group,
			Consumer:     cfg.Hooks.Consumer,
			Block:        cfg.Hooks.Block,
			Batch:        cfg.Hooks.BatchSize,
			MaxRetries:   cfg.Hooks.MaxRetries,
			DLQMaxLen:    cfg.Hooks.DLQMaxLen,
			StreamMaxLen: cfg.Hooks.StreamMaxLen,
			ClaimIdle:    cfg.Hooks.ClaimIdle,
			Logger:       zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create hook manager: %w", err)
		}
		d.hooks = manager
	}

	if cfg.Metrics.Enabled || cfg.Ingress.Enabled {
		var sources []webhook.Source
		if cfg.Ingress.Enabled {
			sources = ingressSources(cfg.Ingress.Sources)
		}
		server, err := webhook.NewServer(webhook.ServerOptions{
			Address:            cfg.Metrics.Address,
			RateLimitPerMinute: cfg.Ingress.RateLimitPerMinute,
			MaxBodyBytes:       cfg.Ingress.MaxBodyBytes,
			StreamMaxLen:       cfg.Hooks.StreamMaxLen,
			Metrics:            cfg.Metrics.Enabled,
		}, sources, d.events, d.healthFields, zl)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		d.httpServer = server
	}

	d.agents.OnChange(d.applyManifests)
	return nil
}

// applyManifests reconciles schedules and hook triggers with a new agent set.
func (d *Daemon) applyManifests(cfgs []agent.AgentConfig) {
	if d.scheduler != nil {
		if err := d.scheduler.Load(d.ctx, cfgs); err != nil {
			d.logger.Error().Err(err).Msg("Failed to load agent schedules")
		}
	}
	if d.hooks != nil {
		d.hooks.SetTriggers(hooks.MergeTriggers(d.staticTriggers, hooks.TriggersFromConfigs(cfgs)))
	}
}

func staticTriggers(byStream map[string][]config.HookTrigger) []hooks.Trigger {
	var out []hooks.Trigger
	for stream, triggers := range byStream {
		for _, t := range triggers {
			out = append(out, hooks.Trigger{
				Stream:    stream,
				EventType: t.EventType,
				AgentID:   t.AgentID,
				Message:   t.Message,
			})
		}
	}
	return hooks.MergeTriggers(out)
}

func ingressSources(in []config.IngressSource) []webhook.Source {
	out := make([]webhook.Source, 0, len(in))
	for _, s := range in {
		out = append(out, webhook.Source{
			Name:               s.Name,
			Stream:             s.Stream,
			Secret:             s.Secret,
			SignatureHeader:    s.SignatureHeader,
			SignatureAlgorithm: s.SignatureAlgorithm,
			TypeHeader:         s.TypeHeader,
			DefaultType:        s.DefaultType,
		})
	}
	return out
}

// LoadManifests reads the manifests directory into the agent registry.
// Agents that load are applied even when others fail.
func (d *Daemon) LoadManifests(ctx context.Context) error {
	return d.watcher.Load(ctx)
}

// RecoverStaleRuns marks runs left running by a previous process as
// timed out and releases their dedup keys.
func (d *Daemon) RecoverStaleRuns(ctx context.Context) (int, error) {
	runs, err := d.store.MarkInterrupted(ctx, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale runs: %w", err)
	}
	for _, run := range runs {
		for _, key := range dedup.KeysFor(run.AgentID) {
			d.lock.Release(key)
		}
		d.logger.Warn().
			Str("run_id", run.ID).
			Str("agent_id", run.AgentID).
			Time("started_at", run.StartedAt).
			Msg("Recovered run interrupted by restart")
	}
	return len(runs), nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("tenant_id", d.config.TenantID).Msg("Starting robothor engine")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	recovered, err := d.RecoverStaleRuns(d.ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Crash recovery failed")
	} else if recovered > 0 {
		logger.Warn().Int("runs", recovered).Msg("Marked interrupted runs as timed out")
	}

	if err := d.channels.StartAll(d.ctx); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return err
	}

	if err := d.LoadManifests(d.ctx); err != nil {
		logger.Warn().Err(err).Msg("Manifest load reported errors")
	}
	if err := d.watcher.Start(d.ctx); err != nil {
		logger.Warn().Err(err).Msg("Manifest hot-reload disabled")
	}

	if d.scheduler != nil {
		d.scheduler.Start()
		logger.Info().Int("jobs", len(d.scheduler.Jobs())).Msg("Scheduler started")
	}

	if d.hooks != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.hooks.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error().Err(err).Msg("Hook consumer stopped")
			}
		}()
		logger.Info().Strs("streams", d.hooks.Streams()).Msg("Hook consumer started")
	}

	if d.httpServer != nil {
		if err := d.httpServer.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start HTTP server")
		}
	}

	logger.Info().Int("agents", d.agents.Count()).Msg("Engine started")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping robothor engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.httpServer != nil {
		if err := d.httpServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop HTTP server")
		}
	}

	if err := d.watcher.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop manifest watcher")
	}

	if d.scheduler != nil {
		if err := d.scheduler.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop scheduler")
		}
	}

	// In-flight runs derive from d.ctx and end as cancelled.
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Strs("runs", d.runner.ActiveRunIDs()).Msg("Timeout waiting for runs to stop")
	}

	if err := d.channels.StopAll(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeResources()
	logger.Info().Msg("Engine stopped")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Close releases resources of a daemon that was never started, e.g. after
// a one-shot run. Use Stop for a started daemon.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.closeResources()
	return nil
}

// closeResources releases storage, the event log and telemetry exporters.
func (d *Daemon) closeResources() {
	d.closeOnce.Do(d.release)
}

func (d *Daemon) release() {
	d.cancel()
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close event log")
		}
		d.events = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close tracking store")
		}
		d.store = nil
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Chat runs agentID interactively and returns the finished run. It fails
// with dispatch.ErrAlreadyRunning when the agent is busy.
func (d *Daemon) Chat(ctx context.Context, agentID, message string, history []agent.AgentMessage) (*agent.AgentRun, error) {
	if _, ok := d.agents.Get(agentID); !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	return d.dispatcher.Dispatch(ctx, dispatch.Request{
		AgentID: agentID,
		Message: message,
		Trigger: agent.Trigger{Kind: agent.TriggerChat, CorrelationID: agent.NewCorrelationID()},
		Options: agent.ExecuteOptions{History: history},
	})
}

// StopRun cancels one in-flight run.
func (d *Daemon) StopRun(runID string) bool {
	return d.runner.Stop(runID)
}

// StopAgent cancels every in-flight run of agentID and returns how many.
func (d *Daemon) StopAgent(agentID string) int {
	return d.runner.StopAgent(agentID)
}

// Agents returns the loaded agent configs sorted by ID.
func (d *Daemon) Agents() []agent.AgentConfig {
	return d.agents.List()
}

// Jobs returns the registered cron jobs.
func (d *Daemon) Jobs() []cron.JobInfo {
	if d.scheduler == nil {
		return nil
	}
	return d.scheduler.Jobs()
}

// RecentRuns lists tracked runs, newest first.
func (d *Daemon) RecentRuns(ctx context.Context, filter store.RunFilter) ([]*agent.AgentRun, error) {
	return d.store.ListRuns(ctx, filter)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running    bool
	Uptime     time.Duration
	StartTime  time.Time
	Agents     int
	Jobs       int
	ActiveRuns []string
	LocksHeld  []string
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	status.Agents = d.agents.Count()
	status.Jobs = len(d.Jobs())
	status.ActiveRuns = d.runner.ActiveRunIDs()
	status.LocksHeld = d.lock.RunningKeys()
	return status
}

func (d *Daemon) healthFields() map[string]any {
	s := d.Status()
	return map[string]any{
		"agents":      s.Agents,
		"jobs":        s.Jobs,
		"active_runs": len(s.ActiveRuns),
		"tenant_id":   d.config.TenantID,
		"channels":    d.channels.Stats(),
	}
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Logger returns the component logger for name.
func (d *Daemon) Logger(name string) zerolog.Logger {
	return d.logger.Component(name)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
