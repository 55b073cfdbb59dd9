package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/conductor/pkg/agent"
	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/registry"
)

type stubPlanner struct {
	plan    *Plan
	planErr error
	summary string
	sumErr  error
}

func (s *stubPlanner) CreatePlan(ctx context.Context, query string, roster []AgentDescriptor) (*Plan, error) {
	return s.plan, s.planErr
}

func (s *stubPlanner) Summarize(ctx context.Context, query string, summaries []string) (string, error) {
	if s.sumErr != nil {
		return "", s.sumErr
	}
	return s.summary, nil
}

func newHarness(t *testing.T) (*bus.Bus, *registry.Registry) {
	t.Helper()
	b := bus.New(0, core.NewDefaultLogger())
	return b, registry.New(b, registry.DefaultSweepInterval, core.NewDefaultLogger())
}

func registerEcho(t *testing.T, r *registry.Registry, id, domain string) {
	t.Helper()
	a := agent.NewFunc(id, domain, nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		return &agent.Result{
			Records:    []map[string]interface{}{{"agent": id, "task": task}},
			Summary:    id + " finished",
			Confidence: 0.8,
		}, nil
	})
	if err := r.Register(context.Background(), a); err != nil {
		t.Fatalf("register %s failed: %v", id, err)
	}
}

func TestFallbackPlanWithoutPlanner(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "solo", "finance")

	o := New(b, r, nil, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "total revenue", "u1", "sess1", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(result.Agents) != 1 || result.Agents[0] != "solo" {
		t.Errorf("expected solo agent, got %v", result.Agents)
	}
	if result.Summary != "solo finished" {
		t.Errorf("single summary should pass through, got %q", result.Summary)
	}
	if len(result.Records) != 1 || result.Records[0].Data["task"] != "total revenue" {
		t.Errorf("expected raw query as fallback task, got %+v", result.Records)
	}
	if o.Health().ActiveQueries != 0 {
		t.Error("query bookkeeping leaked")
	}
}

func TestPlannerFailureFallsBackToSingleStep(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "solo", "finance")

	o := New(b, r, &stubPlanner{planErr: errors.New("planner down")}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "total revenue", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("planner failure must not fail the query: %v", err)
	}
	if len(result.Agents) != 1 || result.Agents[0] != "solo" {
		t.Errorf("expected fallback to solo, got %v", result.Agents)
	}
}

func TestUnusablePlanFallsBack(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "solo", "finance")

	// A plan with a step missing its agent is unusable.
	p := &Plan{InvolvedAgents: []string{"solo"}, Steps: []Step{{ID: "s1", Task: "x"}}}
	o := New(b, r, &stubPlanner{plan: p}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "total revenue", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("unusable plan must not fail the query: %v", err)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("fallback plan should have succeeded, failed steps: %v", result.FailedSteps)
	}
}

func TestNoAgentsOnlineIsFatal(t *testing.T) {
	b, r := newHarness(t)

	o := New(b, r, nil, core.NewDefaultLogger())
	_, err := o.ProcessQuery(context.Background(), "anything", "", "", bus.PriorityNormal)
	if !errors.Is(err, core.ErrNoAgents) {
		t.Fatalf("expected ErrNoAgents, got %v", err)
	}
}

func TestInvolvedAgentOfflineIsFatal(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")

	p := &Plan{
		InvolvedAgents: []string{"alpha", "ghost"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},
			{ID: "s2", AgentID: "ghost", Task: "b"},
		},
	}
	o := New(b, r, &stubPlanner{plan: p}, core.NewDefaultLogger())
	_, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected fatal offline-involved-agent error, got %v", err)
	}
}

func TestOfflineStepTargetReassigned(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")
	registerEcho(t, r, "beta", "people")

	// Involved agents are online but one step targets an unknown agent.
	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},
			{ID: "s2", AgentID: "ghost", Task: "b"},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("no summarizer")}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("reassigned step should have run, failed: %v", result.FailedSteps)
	}
	for _, out := range result.Outcomes {
		if out.StepID == "s2" && out.AgentID != "alpha" {
			t.Errorf("expected s2 reassigned to alpha, got %s", out.AgentID)
		}
	}
}

func TestCircularDependencyFatalBeforeAnyStepRuns(t *testing.T) {
	b, r := newHarness(t)

	var executed atomic.Int32
	a := agent.NewFunc("alpha", "finance", nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		executed.Add(1)
		return &agent.Result{}, nil
	})
	if err := r.Register(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	registerEcho(t, r, "beta", "people")

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "x", AgentID: "alpha", Task: "a", DependsOn: []string{"y"}},
			{ID: "y", AgentID: "beta", Task: "b", DependsOn: []string{"x"}},
		},
	}
	o := New(b, r, &stubPlanner{plan: p}, core.NewDefaultLogger())
	_, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
	if executed.Load() != 0 {
		t.Errorf("cyclic plan must not execute any step, ran %d", executed.Load())
	}
}

func TestWaveFailureDoesNotBlockDependents(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")
	registerEcho(t, r, "gamma", "people")

	failing := agent.NewFunc("beta", "broken", nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		return nil, errors.New("beta cannot cope")
	})
	if err := r.Register(context.Background(), failing); err != nil {
		t.Fatal(err)
	}

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta", "gamma"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},
			{ID: "s2", AgentID: "beta", Task: "b", DependsOn: []string{"s1"}},
			{ID: "s3", AgentID: "gamma", Task: "c", DependsOn: []string{"s2"}},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("step failure must not fail the query: %v", err)
	}

	if len(result.FailedSteps) != 1 || result.FailedSteps[0] != "s2" {
		t.Fatalf("expected only s2 failed, got %v", result.FailedSteps)
	}
	ranS3 := false
	for _, out := range result.Outcomes {
		if out.StepID == "s3" {
			ranS3 = true
			if out.Failed() {
				t.Errorf("s3 failed: %s", out.Err)
			}
		}
	}
	if !ranS3 {
		t.Error("s3 never ran; completion, not success, gates dependents")
	}
}

func TestSequentialOrderingRespectsDependencies(t *testing.T) {
	b, r := newHarness(t)

	var mu sync.Mutex
	var order []string
	mk := func(id string) agent.Agent {
		return agent.NewFunc(id, id+"-domain", nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return &agent.Result{Summary: id}, nil
		})
	}
	for _, id := range []string{"alpha", "beta"} {
		if err := r.Register(context.Background(), mk(id)); err != nil {
			t.Fatal(err)
		}
	}

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "s2", AgentID: "beta", Task: "second", DependsOn: []string{"s1"}},
			{ID: "s1", AgentID: "alpha", Task: "first"},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger())
	if _, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "alpha" || order[1] != "beta" {
		t.Errorf("expected alpha before beta, got %v", order)
	}
}

func TestParallelModeIgnoresDependencies(t *testing.T) {
	b, r := newHarness(t)

	gate := make(chan struct{})
	blocker := agent.NewFunc("alpha", "finance", nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		<-gate
		return &agent.Result{Summary: "alpha"}, nil
	})
	release := agent.NewFunc("beta", "people", nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		close(gate)
		return &agent.Result{Summary: "beta"}, nil
	})
	if err := r.Register(context.Background(), blocker); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(context.Background(), release); err != nil {
		t.Fatal(err)
	}

	// Sequentially s2 could never run before s1 finished; in parallel
	// mode both are dispatched at once, so beta can unblock alpha.
	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Parallel:       true,
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},
			{ID: "s2", AgentID: "beta", Task: "b", DependsOn: []string{"s1"}},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("parallel steps failed: %v", result.FailedSteps)
	}
}

func TestStepTimeoutScopedToStep(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "fast", "finance")

	slow := agent.NewFunc("slow", "people", nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		time.Sleep(300 * time.Millisecond)
		return &agent.Result{}, nil
	})
	if err := r.Register(context.Background(), slow); err != nil {
		t.Fatal(err)
	}

	p := &Plan{
		InvolvedAgents: []string{"slow", "fast"},
		Steps: []Step{
			{ID: "s1", AgentID: "slow", Task: "a", Timeout: 50 * time.Millisecond},
			{ID: "s2", AgentID: "fast", Task: "b", DependsOn: []string{"s1"}},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("timeout must not fail the query: %v", err)
	}
	if len(result.FailedSteps) != 1 || result.FailedSteps[0] != "s1" {
		t.Errorf("expected only slow step to fail, got %v", result.FailedSteps)
	}
}

func TestInvalidStepTimeoutDefaulted(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")
	registerEcho(t, r, "beta", "people")

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},             // zero timeout
			{ID: "s2", AgentID: "beta", Task: "b", Timeout: -1}, // negative timeout
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger(), WithStepTimeout(time.Second))
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("defaulted timeouts should execute cleanly, failed: %v", result.FailedSteps)
	}
}

func TestMergeTagsRecordsAndNamespacesVisuals(t *testing.T) {
	b, r := newHarness(t)

	charting := agent.NewFunc("viz", "charts", nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		return &agent.Result{
			Records: []map[string]interface{}{{"v": 1}},
			Visuals: []agent.Visual{{ID: "bar", Kind: "chart"}},
			Summary: "one chart",
		}, nil
	})
	if err := r.Register(context.Background(), charting); err != nil {
		t.Fatal(err)
	}
	registerEcho(t, r, "alpha", "finance")

	p := &Plan{
		InvolvedAgents: []string{"viz", "alpha"},
		Steps: []Step{
			{ID: "s1", AgentID: "viz", Task: "plot"},
			{ID: "s2", AgentID: "alpha", Task: "fetch"},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(result.Records) != 2 {
		t.Fatalf("expected 2 merged records, got %d", len(result.Records))
	}
	for _, rec := range result.Records {
		if rec.StepID == "" || rec.AgentID == "" {
			t.Errorf("record missing provenance tags: %+v", rec)
		}
	}
	if len(result.Visuals) != 1 || result.Visuals[0].ID != "s1:bar" {
		t.Errorf("expected visual namespaced as s1:bar, got %+v", result.Visuals)
	}
	if result.Summary != "Combined results from 2 agents." {
		t.Errorf("expected scripted fallback summary, got %q", result.Summary)
	}
}

func TestSummarizerUsedWhenAvailable(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")
	registerEcho(t, r, "beta", "people")

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},
			{ID: "s2", AgentID: "beta", Task: "b"},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, summary: "both agents agree"}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Summary != "both agents agree" {
		t.Errorf("expected summarizer output, got %q", result.Summary)
	}
	// Confidence averaged over both successful steps.
	if result.Confidence < 0.79 || result.Confidence > 0.81 {
		t.Errorf("expected averaged confidence 0.8, got %f", result.Confidence)
	}
}

func TestQueryStatusOverBus(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")
	New(b, r, nil, core.NewDefaultLogger())

	req := bus.NewRequest("caller", ID, bus.ActionQueryStatus, &bus.QueryStatusRequest{QueryID: "nope"})
	req.Timeout = time.Second
	resp, err := b.RequestMessage(context.Background(), req)
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	qs, ok := resp.Payload.(*bus.QueryStatus)
	if !ok {
		t.Fatalf("expected QueryStatus, got %T", resp.Payload)
	}
	if qs.Active {
		t.Error("unknown query reported active")
	}
}

func TestConcurrentWaveStepsShareContextSafely(t *testing.T) {
	b, r := newHarness(t)

	// Both agents land in the same wave and hammer the shared context.
	contributor := func(id string) {
		a := agent.NewFunc(id, id, nil, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
			for i := 0; i < 200; i++ {
				sc.Contribute(fmt.Sprintf("%s-%d", id, i), i)
			}
			sc.Visit(id)
			return &agent.Result{Summary: id + " done", Confidence: 0.7}, nil
		})
		if err := r.Register(context.Background(), a); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}
	contributor("alpha")
	contributor("beta")

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},
			{ID: "s2", AgentID: "beta", Task: "b"},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("concurrent contributions should not fail steps: %v", result.FailedSteps)
	}
	if len(result.Agents) != 2 {
		t.Errorf("expected both agents to complete, got %v", result.Agents)
	}
}

func TestStepTimeoutAboveBusCapDefaulted(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")
	registerEcho(t, r, "beta", "people")

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a", Timeout: 10 * time.Minute},
			{ID: "s2", AgentID: "beta", Task: "b", Timeout: time.Second},
		},
	}
	o := New(b, r, &stubPlanner{plan: p, sumErr: errors.New("down")}, core.NewDefaultLogger(), WithStepTimeout(time.Second))
	result, err := o.ProcessQuery(context.Background(), "q", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("over-cap timeout should be defaulted, not rejected at send: %v", result.FailedSteps)
	}
	if len(result.Agents) != 2 {
		t.Errorf("expected both steps to run, got agents %v", result.Agents)
	}
}

func TestDuplicateStepIDsFallBackToSingleStep(t *testing.T) {
	b, r := newHarness(t)
	registerEcho(t, r, "alpha", "finance")
	registerEcho(t, r, "beta", "people")

	p := &Plan{
		InvolvedAgents: []string{"alpha", "beta"},
		Steps: []Step{
			{ID: "s1", AgentID: "alpha", Task: "a"},
			{ID: "s1", AgentID: "beta", Task: "b", DependsOn: []string{"s1"}},
		},
	}
	o := New(b, r, &stubPlanner{plan: p}, core.NewDefaultLogger())
	result, err := o.ProcessQuery(context.Background(), "total revenue", "", "", bus.PriorityNormal)
	if err != nil {
		t.Fatalf("duplicate step ids must recover, not fail: %v", err)
	}
	if len(result.Outcomes) != 1 {
		t.Fatalf("expected single-step fallback, got %d outcomes", len(result.Outcomes))
	}
	if result.Agents[0] != "alpha" {
		t.Errorf("fallback should target the first online agent, got %v", result.Agents)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("fallback should succeed, failed: %v", result.FailedSteps)
	}
}
