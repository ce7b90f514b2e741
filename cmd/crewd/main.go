// Crewd is the agent crew orchestration daemon.
//
// It coordinates change-request workflows through staged lifecycles,
// runs bounded agent sessions against an LLM provider, and exposes an
// HTTP API for workflow, session, and template management.
//
// Configuration is loaded from ~/.config/crewd/config.yaml with CREWD_*
// environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	crewd serve
//
//	# Configure via environment
//	CREWD_SERVER_HTTP_PORT=9290 crewd serve
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/checkpoint"
	"github.com/fyrsmithlabs/crewd/internal/config"
	"github.com/fyrsmithlabs/crewd/internal/cost"
	"github.com/fyrsmithlabs/crewd/internal/events"
	"github.com/fyrsmithlabs/crewd/internal/governance"
	"github.com/fyrsmithlabs/crewd/internal/hooks"
	crewdhttp "github.com/fyrsmithlabs/crewd/internal/http"
	"github.com/fyrsmithlabs/crewd/internal/llm"
	"github.com/fyrsmithlabs/crewd/internal/logging"
	"github.com/fyrsmithlabs/crewd/internal/retry"
	"github.com/fyrsmithlabs/crewd/internal/session"
	"github.com/fyrsmithlabs/crewd/internal/telemetry"
	"github.com/fyrsmithlabs/crewd/internal/template"
	"github.com/fyrsmithlabs/crewd/internal/workflow"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "crewd",
		Short:         "Agent crew orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/crewd/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the crewd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crewd by Fyrsmith Labs\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serve installs signal handling and runs the daemon until SIGINT or
// SIGTERM arrives.
func serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return run(ctx)
}

// run starts the crewd daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Open workflow, session, and template stores
//  4. Wire the event emitter (NATS or in-process bus)
//  5. Build the hook runner, workflow engine, and governance gate
//  6. Build the provider-backed session loop if an API key is configured
//  7. Start the HTTP server and the template watcher
//  8. Shut down gracefully on context cancellation
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(logging.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx = logging.WithLogger(ctx, logger)

	logger.Info(ctx, "starting crewd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir))

	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Endpoint = cfg.Observability.OTLPEndpoint

	tel, err := telemetry.New(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()
	if tel.IsDegraded() {
		logger.Warn(ctx, "telemetry running degraded, exports disabled")
	}

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	srv, err := crewdhttp.NewServer(svcs.engine, deps.sessions, deps.templates, logger.Underlying(), &crewdhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	watcher, err := template.NewWatcher(deps.templates)
	if err != nil {
		logger.Warn(ctx, "template watcher unavailable", zap.Error(err))
	} else {
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("api_prefix", "/api/v1"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logger.Info(ctx, "shutdown complete")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// dependencies holds infrastructure the services build on.
type dependencies struct {
	emitter   events.Emitter
	workflows *workflow.Store
	sessions  *session.Store
	templates *template.Store
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.emitter != nil {
		_ = d.emitter.Close()
	}
}

// services holds the wired business services.
type services struct {
	engine *workflow.Engine
	loop   *session.Loop
}

// initDependencies opens the on-disk stores and connects the event
// emitter. A configured NATS URL selects the NATS emitter; otherwise
// events stay on the in-process bus.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	workflows, err := workflow.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow store: %w", err)
	}
	sessions, err := session.NewStore(cfg.Storage.DataDir + "/sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	templates, err := template.NewStore(cfg.Storage.DataDir + "/templates")
	if err != nil {
		return nil, fmt.Errorf("failed to open template store: %w", err)
	}

	var emitter events.Emitter
	if cfg.Events.NATSURL != "" {
		natsEmitter, err := events.NewNATSEmitter(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event emitter: %w", err)
		}
		logger.Info(ctx, "connected to NATS",
			zap.String("url", cfg.Events.NATSURL),
			zap.String("subject", cfg.Events.Subject))
		emitter = natsEmitter
	} else {
		emitter = events.NewBus()
		logger.Info(ctx, "using in-process event bus")
	}

	return &dependencies{
		emitter:   emitter,
		workflows: workflows,
		sessions:  sessions,
		templates: templates,
	}, nil
}

// initServices wires the workflow engine, governance gate, and session
// loop. The hook runner's message poster and agent spawner are bound
// after their targets exist; the hook runner only holds pointers, so the
// late binding is visible to it.
func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *logging.Logger) (*services, error) {
	poster := &auditPoster{}
	spawner := &session.HookSpawner{Model: cfg.Provider.Model}
	shell := &hooks.ShellRunner{}

	runner := hooks.NewRunner(hooks.Collaborators{
		Commands: shell,
		Messages: poster,
		Events:   deps.emitter,
		Spawner:  spawner,
	})

	engine, err := workflow.NewEngine(deps.workflows, deps.templates, runner, nil, shell)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow engine: %w", err)
	}
	poster.engine = engine

	svcs := &services{engine: engine}

	if !cfg.Provider.APIKey.IsSet() {
		logger.Warn(ctx, "provider api key not set, agent sessions disabled")
		return svcs, nil
	}

	provider, err := llm.NewAnthropicClient(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	registry, err := governance.NewRegistry(governance.DefaultToolDescriptors()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool registry: %w", err)
	}
	gate, err := governance.NewGate(registry, governance.DefaultPathPolicy(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create governance gate: %w", err)
	}

	// No interactive approver ships with the daemon yet, so sensitive
	// actions are rejected rather than waved through.
	checkpoints, err := checkpoint.NewHandler(&checkpoint.Config{
		SensitiveActions: checkpoint.DefaultConfig().SensitiveActions,
		ApprovalTimeout:  cfg.Session.ApprovalTimeout.Duration(),
	}, rejectingApprover{})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint handler: %w", err)
	}

	retries := retry.NewExecutor(&retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Duration(),
	})

	pricing := make(map[string]cost.Rate, len(cfg.Budget.Pricing))
	for model, rate := range cfg.Budget.Pricing {
		pricing[model] = cost.Rate{
			InputPerMTok:  rate.InputPerMTok,
			OutputPerMTok: rate.OutputPerMTok,
		}
	}

	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}

	loop, err := session.NewLoop(provider, gate, checkpoints, retries, deps.sessions, &auditTrail{engine: engine}, session.Config{
		MaxIterations: cfg.Session.MaxIterations,
		MaxDepth:      cfg.Session.MaxDepth,
		DryRun:        cfg.Session.DryRun,
		Budget: cost.Budget{
			MaxTokens:  cfg.Budget.MaxTokens,
			MaxCostUSD: cfg.Budget.MaxCostUSD,
		},
		Pricing: pricing,
		WorkDir: workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session loop: %w", err)
	}
	spawner.Loop = loop
	svcs.loop = loop

	logger.Info(ctx, "session loop ready",
		zap.String("model", cfg.Provider.Model),
		zap.Int("max_iterations", cfg.Session.MaxIterations),
		zap.Bool("dry_run", cfg.Session.DryRun))

	return svcs, nil
}

// auditPoster adapts the workflow engine to the hook runner's message
// collaborator. Hook messages land in the audit trail as system entries.
type auditPoster struct {
	engine *workflow.Engine
}

func (p *auditPoster) PostMessage(ctx context.Context, workflowID, content string) error {
	if p.engine == nil {
		return fmt.Errorf("workflow engine is not bound")
	}
	_, err := p.engine.AddMessage(ctx, workflowID, "system", content)
	return err
}

// auditTrail adapts the workflow engine to the session loop's auditor.
type auditTrail struct {
	engine *workflow.Engine
}

func (a *auditTrail) PostMessage(ctx context.Context, workflowID, author, content string) error {
	_, err := a.engine.AddMessage(ctx, workflowID, author, content)
	return err
}

// rejectingApprover denies every sensitive action until a real approval
// surface exists.
type rejectingApprover struct{}

func (rejectingApprover) Approve(ctx context.Context, req *checkpoint.Request) (*checkpoint.Response, error) {
	return &checkpoint.Response{
		Approved: false,
		Reason:   "no interactive approver is configured",
		Actor:    "system",
	}, nil
}
