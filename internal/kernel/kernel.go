// Package kernel wires the shared infrastructure behind every codeagent
// command: the checkpoint store, the generation service client, metrics,
// tracing, the event log, and the session manager.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"codeagent/internal/embeds/scripts"
	"codeagent/pkg/agent"
	"codeagent/pkg/agent/llm"
	llmmetrics "codeagent/pkg/agent/middleware/metrics"
	"codeagent/pkg/coder"
	"codeagent/pkg/config"
	"codeagent/pkg/eventlog"
	"codeagent/pkg/exec"
	"codeagent/pkg/logx"
	"codeagent/pkg/metrics"
	"codeagent/pkg/planner"
	"codeagent/pkg/proto"
	"codeagent/pkg/session"
	"codeagent/pkg/state"
	"codeagent/pkg/telemetry"
)

// stateChangeBuffer sizes the transition notification channel.
const stateChangeBuffer = 64

// Overrides replace pieces of the wiring, mostly for tests.
type Overrides struct {
	// Client is used instead of a provider client built by the LLM factory.
	// It is still wrapped in the middleware chain.
	Client llm.LLMClient
	// Launch replaces the python interpreter launcher.
	Launch session.KernelLauncher
	// Store replaces the configured checkpoint backend.
	Store state.Store
	// Observer receives turn events in addition to the event log.
	Observer coder.Observer
	// TraceWriter receives stdout spans. Nil writes them to the log directory.
	TraceWriter io.Writer
}

// Kernel owns the infrastructure shared by all sessions of one process.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store        state.Store
	LLMFactory   *agent.LLMClientFactory
	Planner      *planner.Planner
	Sessions     *session.Manager
	Events       *eventlog.Writer
	Registry     *prometheus.Registry
	Recorder     *metrics.AgentRecorder
	StateChanges chan *proto.StateChangeNotification

	overrides     Overrides
	metricsServer *metrics.Server
	metricsAddr   string
	traceFile     *os.File
	stopTracing   telemetry.ShutdownFunc
	running       bool
}

// NewKernel builds every service without starting background work.
func NewKernel(parent context.Context, cfg *config.Config, overrides Overrides) (*Kernel, error) {
	if cfg == nil {
		return nil, errors.New("kernel: config is required")
	}
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:          ctx,
		cancel:       cancel,
		Config:       cfg,
		Logger:       logx.NewLogger("kernel"),
		StateChanges: make(chan *proto.StateChangeNotification, stateChangeBuffer),
		overrides:    overrides,
	}

	if err := k.initializeServices(); err != nil {
		if k.Events != nil {
			_ = k.Events.Close()
		}
		_ = k.closeStore()
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	var err error

	store, err := k.openStore()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	k.Store = store

	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	k.Recorder = metrics.NewAgentRecorder(k.Registry)
	llmRecorder := llmmetrics.NewPrometheusRecorder(k.Registry)

	k.LLMFactory = agent.NewLLMClientFactory(k.Config.LLM, llmRecorder, logx.NewLogger("llm"))
	var client llm.LLMClient
	if k.overrides.Client != nil {
		client = k.LLMFactory.Wrap(k.overrides.Client)
	} else {
		client, err = k.LLMFactory.CreateClient()
		if err != nil {
			return fmt.Errorf("failed to create LLM client: %w", err)
		}
	}

	pcfg := planner.DefaultConfig()
	pcfg.MaxTokens = k.Config.LLM.MaxTokens
	pcfg.Temperature = k.Config.LLM.Temperature
	pcfg.HistoryTokenBudget = k.Config.Agent.HistoryTokenBudget
	k.Planner, err = planner.New(client, pcfg, logx.NewLogger("planner"))
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}

	k.Events, err = eventlog.NewWriter(k.Config.Telemetry.EventLogDir)
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}

	launch := k.overrides.Launch
	if launch == nil {
		launch = k.launchPython
	}
	observers := coder.Observers{k.Events}
	if k.overrides.Observer != nil {
		observers = append(observers, k.overrides.Observer)
	}
	k.Sessions, err = session.NewManager(session.Options{
		Store:              k.Store,
		Planner:            k.Planner,
		Launch:             launch,
		Coder:              coder.ConfigFrom(k.Config.Agent),
		Observer:           observers,
		Recorder:           k.Recorder,
		Logger:             logx.NewLogger("session"),
		NotebookPath:       k.Config.Notebook.Path,
		LeaseTTL:           k.Config.Store.LeaseTTL,
		ShutdownTimeout:    k.Config.Kernel.ShutdownGrace + 3*time.Second,
		StateNotifications: k.StateChanges,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	k.Logger.Info("Kernel services initialized (store=%s, provider=%s, model=%s)",
		k.Config.Store.Backend, k.Config.LLM.Provider, k.Config.LLM.Model)
	return nil
}

// openStore builds the configured checkpoint backend.
func (k *Kernel) openStore() (state.Store, error) {
	if k.overrides.Store != nil {
		return k.overrides.Store, nil
	}
	return OpenStore(k.ctx, k.Config.Store)
}

// OpenStore builds a checkpoint backend from its configuration. Commands that
// only inspect stored sessions use it without a full kernel.
func OpenStore(ctx context.Context, s config.StoreConfig) (state.Store, error) {
	switch s.Backend {
	case config.StoreMemory:
		return state.NewMemoryStore(), nil
	case config.StoreFile:
		return state.NewFileStore(s.Path)
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return state.NewSQLiteStore(s.Path)
	case config.StoreRedis:
		return state.NewRedisStore(ctx, state.RedisConfig{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
		})
	}
	return nil, fmt.Errorf("unsupported store backend %q", s.Backend)
}

// launchPython starts the embedded bridge under the configured interpreter.
func (k *Kernel) launchPython(ctx context.Context) (exec.Kernel, error) {
	kc := k.Config.Kernel
	spec := exec.PythonSpec(kc.Python, scripts.KernelBridgePy, kc.WorkDir)
	startCtx, cancel := context.WithTimeout(ctx, kc.StartupTimeout)
	defer cancel()
	client, err := exec.StartKernel(startCtx, spec, exec.Options{
		StartupTimeout: kc.StartupTimeout,
		MessageTimeout: kc.MessageTimeout,
		ShutdownGrace:  kc.ShutdownGrace,
	}, logx.NewLogger("exec"))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Start brings up tracing and, when configured, the metrics endpoint.
func (k *Kernel) Start() error {
	if k.running {
		return errors.New("kernel already running")
	}

	if err := k.startTracing(); err != nil {
		return err
	}

	if addr := k.Config.Telemetry.MetricsAddr; addr != "" {
		srv, bound, err := metrics.Start(k.ctx, addr, k.Registry, logx.NewLogger("metrics"))
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		k.metricsServer = srv
		k.metricsAddr = bound
	}

	k.running = true
	k.Logger.Info("Kernel services started")
	return nil
}

func (k *Kernel) startTracing() error {
	opts := telemetry.Options{Exporter: k.Config.Telemetry.Tracing}
	if opts.Exporter == config.TracingStdout {
		w := k.overrides.TraceWriter
		if w == nil {
			dir := filepath.Dir(k.Config.Telemetry.EventLogDir)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create trace directory: %w", err)
			}
			f, err := os.OpenFile(filepath.Join(dir, "traces.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open trace file: %w", err)
			}
			k.traceFile = f
			w = f
		}
		opts.Writer = w
	}

	stop, err := telemetry.Setup(k.ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	k.stopTracing = stop
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (k *Kernel) MetricsAddr() string {
	return k.metricsAddr
}

// Context returns the kernel lifecycle context.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Stop ends every open session, then releases shared services. It is safe
// to call more than once.
func (k *Kernel) Stop() error {
	var errs []error

	if k.Sessions != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := k.Sessions.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		cancel()
	}

	// Cancel after sessions so producers are done before shared sinks close.
	k.cancel()

	if k.metricsServer != nil {
		k.metricsServer.Shutdown()
		k.metricsServer = nil
	}

	if k.stopTracing != nil {
		if err := k.stopTracing(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("stop tracing: %w", err))
		}
		k.stopTracing = nil
	}
	if k.traceFile != nil {
		_ = k.traceFile.Close()
		k.traceFile = nil
	}

	if k.Events != nil {
		if err := k.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event log: %w", err))
		}
	}

	if err := k.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return errors.Join(errs...)
}

func (k *Kernel) closeStore() error {
	if k.Store == nil || k.overrides.Store != nil {
		return nil
	}
	err := k.Store.Close()
	k.Store = nil
	return err
}
