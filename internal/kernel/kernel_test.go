package kernel

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.opentelemetry.io/otel"

	"codeagent/pkg/config"
	"codeagent/pkg/eventlog"
	"codeagent/pkg/exec"
	"codeagent/pkg/planner"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
	"codeagent/pkg/testkit"
)

// createTestConfig returns defaults pointed at temp directories with an in-memory store.
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Backend = config.StoreMemory
	cfg.Notebook.Path = filepath.Join(dir, "agent.ipynb")
	cfg.Telemetry.EventLogDir = filepath.Join(dir, "events")
	return cfg
}

type fakeLauncher struct {
	mu      sync.Mutex
	kernels []*testkit.FakeKernel
	results []*exec.Result
}

func (f *fakeLauncher) launch(context.Context) (exec.Kernel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := testkit.NewFakeKernel(f.results...)
	f.kernels = append(f.kernels, k)
	return k, nil
}

func simpleTaskLLM() *testkit.FakeLLM {
	return testkit.NewFakeLLM().
		OnJSON(planner.StepRoute, map[string]string{"destination": "simple_task", "task_expertise": "general"}).
		OnJSON(planner.StepGenerate, map[string]string{"code": "print(42)", "reasoning": "print"})
}

func newTestKernel(t *testing.T, cfg *config.Config, llm *testkit.FakeLLM, launcher *fakeLauncher) *Kernel {
	t.Helper()
	k, err := NewKernel(context.Background(), cfg, Overrides{Client: llm, Launch: launcher.launch})
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestNewKernel(t *testing.T) {
	k := newTestKernel(t, createTestConfig(t), simpleTaskLLM(), &fakeLauncher{})

	if k.Store == nil {
		t.Error("Kernel store is nil")
	}
	if k.LLMFactory == nil {
		t.Error("Kernel LLM factory is nil")
	}
	if k.Planner == nil {
		t.Error("Kernel planner is nil")
	}
	if k.Sessions == nil {
		t.Error("Kernel session manager is nil")
	}
	if k.Events == nil {
		t.Error("Kernel event log is nil")
	}
	if k.Registry == nil || k.Recorder == nil {
		t.Error("Kernel metrics are not initialized")
	}
}

func TestNewKernelRequiresConfig(t *testing.T) {
	if _, err := NewKernel(context.Background(), nil, Overrides{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestKernelLifecycle(t *testing.T) {
	k := newTestKernel(t, createTestConfig(t), simpleTaskLLM(), &fakeLauncher{})

	if err := k.Start(); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}
	if !k.running {
		t.Error("Kernel should be in running state after Start()")
	}
	if err := k.Start(); err == nil {
		t.Error("Kernel.Start() should fail when already running")
	}

	if err := k.Stop(); err != nil {
		t.Errorf("Kernel.Stop() failed: %v", err)
	}
	if k.running {
		t.Error("Kernel should not be in running state after Stop()")
	}
	select {
	case <-k.Context().Done():
	default:
		t.Error("Kernel context should be done after Stop()")
	}
	if err := k.Stop(); err != nil {
		t.Errorf("Kernel.Stop() should be safe to call multiple times: %v", err)
	}
}

func TestKernelRunsATurn(t *testing.T) {
	launcher := &fakeLauncher{results: []*exec.Result{testkit.Ok("42\n")}}
	cfg := createTestConfig(t)
	k := newTestKernel(t, cfg, simpleTaskLLM(), launcher)
	ctx := context.Background()

	s, err := k.Sessions.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, err := s.Submit(ctx, "print the answer")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Outcome != state.OutcomeCompleted {
		t.Errorf("expected completed, got %s", res.Outcome)
	}

	var transitions []proto.State
	for len(k.StateChanges) > 0 {
		transitions = append(transitions, (<-k.StateChanges).ToState)
	}
	want := []proto.State{proto.StateRoute, proto.StateGenerate, proto.StateExecute, proto.StateTerminated}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}

	events, err := eventlog.ReadSession(cfg.Telemetry.EventLogDir, s.ID())
	if err != nil {
		t.Fatalf("ReadSession failed: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != proto.EventTerminal {
		t.Errorf("expected event log to end with a terminal event, got %d events", len(events))
	}

	if err := k.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := launcher.kernels[0].Shutdowns(); got != 1 {
		t.Errorf("expected interpreter shutdown once, got %d", got)
	}
}

func TestKernelServesMetrics(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Telemetry.MetricsAddr = "127.0.0.1:0"
	k := newTestKernel(t, cfg, simpleTaskLLM(), &fakeLauncher{})

	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	k.Recorder.ObserveTurn(state.OutcomeCompleted)

	resp, err := http.Get("http://" + k.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"go_goroutines", `codeagent_turns_total{outcome="completed"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestKernelStdoutTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := createTestConfig(t)
	cfg.Telemetry.Tracing = config.TracingStdout
	launcher := &fakeLauncher{results: []*exec.Result{testkit.Ok("42\n")}}
	k, err := NewKernel(context.Background(), cfg, Overrides{Client: simpleTaskLLM(), Launch: launcher.launch, TraceWriter: &buf})
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s, err := k.Sessions.Create(context.Background())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Submit(context.Background(), "print the answer"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := k.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if !strings.Contains(buf.String(), `"Name":"coder.turn"`) {
		t.Errorf("expected coder.turn span in trace output")
	}
}

func TestOpenStoreBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		store   config.StoreConfig
		wantErr bool
	}{
		{name: "memory", store: config.StoreConfig{Backend: config.StoreMemory}},
		{name: "file", store: config.StoreConfig{Backend: config.StoreFile, Path: filepath.Join(dir, "sessions")}},
		{name: "sqlite", store: config.StoreConfig{Backend: config.StoreSQLite, Path: filepath.Join(dir, "db", "sessions.db")}},
		{name: "redis", store: config.StoreConfig{Backend: config.StoreRedis, RedisAddr: mr.Addr(), RedisPrefix: "test:"}},
		{name: "unknown", store: config.StoreConfig{Backend: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &Kernel{ctx: context.Background(), Config: &config.Config{Store: tt.store}}
			store, err := k.openStore()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openStore failed: %v", err)
			}
			defer store.Close()

			ctx := context.Background()
			if _, err := store.Initialize(ctx, "s1", state.StepOutput{Task: state.Ref("t")}); err != nil {
				t.Fatalf("Initialize failed: %v", err)
			}
			st, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if st.Task != "t" {
				t.Errorf("expected task t, got %q", st.Task)
			}
		})
	}
}
