// Package orchestrator builds a directed step plan for a query, executes
// it against registered agents via the bus and merges the results.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/conductor/pkg/agent"
	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/core/failfast"
	obs "github.com/fluxorio/conductor/pkg/observability/prometheus"
	"github.com/fluxorio/conductor/pkg/registry"
)

// ID is the orchestrator's reserved bus participant id.
const ID = "orchestrator"

// DefaultStartingConfidence seeds the shared context of a new query.
const DefaultStartingConfidence = 0.5

// ErrCircularDependency is the fatal error for plans whose steps cannot be
// ordered; nothing in such a plan executes.
var ErrCircularDependency = &core.Error{Code: "CIRCULAR_DEPENDENCY", Message: "plan has a circular step dependency"}

// Planner is the external planner/summarizer contract. Failures are
// tolerated: plan failures fall back to a synthesized single-step plan and
// summarizer failures fall back to a scripted message.
type Planner interface {
	CreatePlan(ctx context.Context, query string, roster []AgentDescriptor) (*Plan, error)
	Summarize(ctx context.Context, query string, summaries []string) (string, error)
}

// Snapshot is a point-in-time health view of the orchestrator.
type Snapshot struct {
	ActiveQueries int `json:"activeQueries"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStepTimeout overrides the default applied to invalid step timeouts.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithStartingConfidence overrides the confidence seeded into new query
// contexts.
func WithStartingConfidence(c float64) Option {
	return func(o *Orchestrator) { o.startConfidence = c }
}

// Orchestrator coordinates multi-agent query execution.
//
// Per-query bookkeeping (active plan, active context, partial results) is
// cleaned up on every exit path, success or failure.
type Orchestrator struct {
	b       *bus.Bus
	reg     *registry.Registry
	planner Planner
	logger  core.Logger
	metrics *obs.Metrics

	stepTimeout     time.Duration
	startConfidence float64

	mu             sync.Mutex
	activePlans    map[string]*Plan
	activeContexts map[string]*bus.SharedContext
	partialResults map[string][]StepOutcome
}

// New creates an orchestrator on the given bus and registry. planner may
// be nil, in which case every query uses the single-step fallback plan.
func New(b *bus.Bus, reg *registry.Registry, planner Planner, logger core.Logger, opts ...Option) *Orchestrator {
	failfast.NotNil(b, "bus")
	failfast.NotNil(reg, "registry")
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	o := &Orchestrator{
		b:               b,
		reg:             reg,
		planner:         planner,
		logger:          logger,
		metrics:         obs.GetMetrics(),
		stepTimeout:     DefaultStepTimeout,
		startConfidence: DefaultStartingConfidence,
		activePlans:     make(map[string]*Plan),
		activeContexts:  make(map[string]*bus.SharedContext),
		partialResults:  make(map[string][]StepOutcome),
	}
	for _, opt := range opts {
		opt(o)
	}
	b.Subscribe(ID, []string{bus.ActionQueryStatus, bus.ActionHealthCheck}, o.handleControl, bus.PriorityNormal)
	return o
}

func (o *Orchestrator) handleControl(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	switch msg.Action {
	case bus.ActionHealthCheck:
		return bus.NewResponse(msg, ID, &bus.HealthStatus{AgentID: ID, Status: "online"}), nil
	case bus.ActionQueryStatus:
		req, ok := msg.Payload.(*bus.QueryStatusRequest)
		if !ok {
			return nil, core.Errorf("BAD_PAYLOAD", "query status payload must be *bus.QueryStatusRequest, got %T", msg.Payload)
		}
		o.mu.Lock()
		plan, active := o.activePlans[req.QueryID]
		var agents []string
		if active {
			agents = append(agents, plan.InvolvedAgents...)
		}
		o.mu.Unlock()
		return bus.NewResponse(msg, ID, &bus.QueryStatus{QueryID: req.QueryID, Active: active, Agents: agents}), nil
	}
	return nil, nil
}

// Health returns a point-in-time snapshot of orchestrator state.
func (o *Orchestrator) Health() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{ActiveQueries: len(o.activePlans)}
}

// ProcessQuery plans and executes a query against the online agents. Only
// fatal conditions (no agents online, a circular dependency, an offline
// involved agent) surface as errors; everything else degrades into partial
// or substituted results.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query, userID, sessionID string, prio bus.Priority) (*QueryResult, error) {
	queryID := core.NewID()
	sc := &bus.SharedContext{
		OriginalQuery: query,
		UserID:        userID,
		SessionID:     sessionID,
		RelatedData:   make(map[string]interface{}),
		Confidence:    o.startConfidence,
		ExecutionPath: []string{ID},
	}

	defer o.cleanup(queryID)

	online := o.reg.Online()
	if len(online) == 0 {
		o.metrics.PlansTotal.WithLabelValues("failed").Inc()
		return nil, core.ErrNoAgents
	}
	roster := descriptors(online)

	plan := o.buildPlan(ctx, query, roster)
	if err := o.validatePlan(plan, online); err != nil {
		o.metrics.PlansTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	o.mu.Lock()
	o.activePlans[queryID] = plan
	o.activeContexts[queryID] = sc
	o.mu.Unlock()

	var outcomes []StepOutcome
	if len(plan.InvolvedAgents) == 1 {
		outcomes = []StepOutcome{o.executeStep(ctx, queryID, sc, &plan.Steps[0], prio)}
	} else if plan.Parallel {
		outcomes = o.executeParallel(ctx, queryID, sc, plan, prio)
	} else {
		var err error
		outcomes, err = o.executeSequential(ctx, queryID, sc, plan, prio)
		if err != nil {
			o.metrics.PlansTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	result := o.merge(ctx, queryID, query, sc, outcomes)
	o.metrics.PlansTotal.WithLabelValues("completed").Inc()
	return result, nil
}

func (o *Orchestrator) cleanup(queryID string) {
	o.mu.Lock()
	delete(o.activePlans, queryID)
	delete(o.activeContexts, queryID)
	delete(o.partialResults, queryID)
	o.mu.Unlock()
}

// buildPlan asks the external planner for a plan; an unreachable planner
// or an unusable plan is recovered by synthesizing a single-step plan
// targeting the first online agent with the raw query text.
func (o *Orchestrator) buildPlan(ctx context.Context, query string, roster []AgentDescriptor) *Plan {
	if o.planner != nil {
		plan, err := o.planner.CreatePlan(ctx, query, roster)
		if err == nil && usable(plan) {
			if plan.ID == "" {
				plan.ID = core.NewID()
			}
			return plan
		}
		if err != nil {
			o.logger.Warnf("planner failed, falling back to single-step plan: %v", err)
		} else {
			o.logger.Warn("planner returned an unusable plan, falling back to single-step plan")
		}
	}

	o.metrics.FallbackPlans.Inc()
	target := roster[0].ID
	return &Plan{
		ID:             core.NewID(),
		InvolvedAgents: []string{target},
		Steps: []Step{{
			ID:      "s1",
			AgentID: target,
			Task:    query,
			Timeout: o.stepTimeout,
		}},
	}
}

func usable(p *Plan) bool {
	if p == nil || len(p.Steps) == 0 || len(p.InvolvedAgents) == 0 {
		return false
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		// Duplicate step ids would make dependency resolution ambiguous.
		if s.AgentID == "" || seen[s.ID] {
			return false
		}
		seen[s.ID] = true
	}
	return true
}

// validatePlan enforces the plan invariants before execution: every
// involved agent must be online (fatal otherwise), offline step targets
// are reassigned to the first available agent, step timeouts outside the
// bus's accepted range are defaulted, and step dependencies must be
// acyclic.
func (o *Orchestrator) validatePlan(plan *Plan, online []registry.Registration) error {
	onlineSet := make(map[string]bool, len(online))
	for _, reg := range online {
		onlineSet[reg.AgentID] = true
	}

	for _, id := range plan.InvolvedAgents {
		if !onlineSet[id] {
			return core.Errorf("AGENT_UNAVAILABLE", "involved agent %s is not online", id)
		}
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if !onlineSet[step.AgentID] {
			// Degraded-mode substitution rather than failing the plan.
			fallback := online[0].AgentID
			o.logger.Warnf("step %s target %s is offline, reassigning to %s", step.ID, step.AgentID, fallback)
			step.AgentID = fallback
		}
		if step.Timeout <= 0 || step.Timeout > core.MaxTimeout {
			step.Timeout = o.stepTimeout
		}
	}

	return checkAcyclic(plan.Steps)
}

// checkAcyclic simulates wave formation over step ids; if steps remain
// but no wave can be formed the dependencies are circular. Detecting this
// up front guarantees that no step of a cyclic plan ever runs.
func checkAcyclic(steps []Step) error {
	done := make(map[string]bool, len(steps))
	for len(done) < len(steps) {
		progressed := false
		for _, s := range steps {
			if done[s.ID] {
				continue
			}
			if depsSatisfied(s.DependsOn, done) {
				done[s.ID] = true
				progressed = true
			}
		}
		if !progressed {
			return ErrCircularDependency
		}
	}
	return nil
}

func depsSatisfied(deps []string, done map[string]bool) bool {
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

// executeSequential runs the plan in waves: every not-yet-executed step
// whose dependencies have all completed forms the next wave, and the wave
// runs concurrently. A step's failure never blocks siblings or dependents;
// completion, not success, is the gate.
func (o *Orchestrator) executeSequential(ctx context.Context, queryID string, sc *bus.SharedContext, plan *Plan, prio bus.Priority) ([]StepOutcome, error) {
	executed := make(map[string]bool, len(plan.Steps))
	var outcomes []StepOutcome

	for len(executed) < len(plan.Steps) {
		var wave []*Step
		for i := range plan.Steps {
			step := &plan.Steps[i]
			if !executed[step.ID] && depsSatisfied(step.DependsOn, executed) {
				wave = append(wave, step)
			}
		}
		if len(wave) == 0 {
			// Unreachable after checkAcyclic, kept as a guard.
			return nil, ErrCircularDependency
		}

		results := make([]StepOutcome, len(wave))
		var wg sync.WaitGroup
		for i, step := range wave {
			wg.Add(1)
			go func(i int, step *Step) {
				defer wg.Done()
				results[i] = o.executeStep(ctx, queryID, sc, step, prio)
			}(i, step)
		}
		wg.Wait()

		for i, step := range wave {
			executed[step.ID] = true
			outcomes = append(outcomes, results[i])
		}
		o.recordPartial(queryID, sc, results)
	}
	return outcomes, nil
}

// executeParallel dispatches every step concurrently regardless of
// declared dependencies and waits for all to settle.
func (o *Orchestrator) executeParallel(ctx context.Context, queryID string, sc *bus.SharedContext, plan *Plan, prio bus.Priority) []StepOutcome {
	results := make([]StepOutcome, len(plan.Steps))
	var wg sync.WaitGroup
	for i := range plan.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.executeStep(ctx, queryID, sc, &plan.Steps[i], prio)
		}(i)
	}
	wg.Wait()
	o.recordPartial(queryID, sc, results)
	return results
}

// executeStep sends one task request over the bus, honoring the step's
// timeout. Any failure (timeout, missing handler, handler error) becomes a
// failure record scoped to this step only.
func (o *Orchestrator) executeStep(ctx context.Context, queryID string, sc *bus.SharedContext, step *Step, prio bus.Priority) StepOutcome {
	start := time.Now()
	out := StepOutcome{StepID: step.ID, AgentID: step.AgentID}

	req := bus.NewRequest(ID, step.AgentID, bus.ActionProcessTask, &bus.TaskRequest{
		StepID: step.ID,
		Task:   step.Task,
		Params: step.Params,
	})
	req.Priority = prio
	req.Timeout = step.Timeout
	req.Context = sc

	reply, err := o.b.RequestMessage(ctx, req)
	out.Duration = time.Since(start)
	o.metrics.StepDuration.WithLabelValues(step.AgentID).Observe(out.Duration.Seconds())

	if err != nil {
		out.Err = err.Error()
		o.metrics.StepFailures.WithLabelValues(step.AgentID).Inc()
		return out
	}

	switch p := reply.Payload.(type) {
	case *agent.Result:
		out.Result = p
	case *bus.ErrorPayload:
		out.Err = p.Message
		o.metrics.StepFailures.WithLabelValues(step.AgentID).Inc()
	default:
		out.Err = fmt.Sprintf("unexpected reply payload %T from %s", reply.Payload, step.AgentID)
		o.metrics.StepFailures.WithLabelValues(step.AgentID).Inc()
	}
	return out
}

// recordPartial folds a settled wave into the per-query bookkeeping and
// the shared context. A timed-out step's handler may still be running
// and writing the context, so mutation goes through its guarded methods.
func (o *Orchestrator) recordPartial(queryID string, sc *bus.SharedContext, results []StepOutcome) {
	o.mu.Lock()
	o.partialResults[queryID] = append(o.partialResults[queryID], results...)
	o.mu.Unlock()

	for _, res := range results {
		sc.Visit(res.AgentID)
		if res.Result != nil && len(res.Result.Records) > 0 {
			sc.Contribute(res.StepID, res.Result.Records)
		}
	}
}

// merge concatenates every step's records tagged with step and agent ids,
// folds the per-step summaries via the external summarizer (scripted
// fallback on failure) and namespaces contributed visuals by step id.
func (o *Orchestrator) merge(ctx context.Context, queryID, query string, sc *bus.SharedContext, outcomes []StepOutcome) *QueryResult {
	result := &QueryResult{
		QueryID:  queryID,
		Query:    query,
		Outcomes: outcomes,
	}

	var summaries []string
	var confSum float64
	var confN int
	seen := make(map[string]bool)

	for _, out := range outcomes {
		if !seen[out.AgentID] {
			seen[out.AgentID] = true
			result.Agents = append(result.Agents, out.AgentID)
		}
		if out.Failed() {
			result.FailedSteps = append(result.FailedSteps, out.StepID)
			continue
		}
		if out.Result == nil {
			continue
		}
		for _, rec := range out.Result.Records {
			result.Records = append(result.Records, TaggedRecord{StepID: out.StepID, AgentID: out.AgentID, Data: rec})
		}
		if out.Result.Summary != "" {
			summaries = append(summaries, out.Result.Summary)
		}
		for _, v := range out.Result.Visuals {
			v.ID = out.StepID + ":" + v.ID
			result.Visuals = append(result.Visuals, v)
		}
		if out.Result.Confidence > 0 {
			confSum += out.Result.Confidence
			confN++
		}
	}

	if confN > 0 {
		sc.SetConfidence(confSum / float64(confN))
	}
	result.Confidence = sc.CurrentConfidence()

	result.Summary = o.summarize(ctx, query, summaries, len(result.Agents))
	return result
}

func (o *Orchestrator) summarize(ctx context.Context, query string, summaries []string, agentCount int) string {
	if o.planner != nil && len(summaries) > 0 {
		if s, err := o.planner.Summarize(ctx, query, summaries); err == nil && s != "" {
			return s
		} else if err != nil {
			o.logger.Warnf("summarizer failed, using scripted fallback: %v", err)
		}
	}
	if len(summaries) == 1 {
		return summaries[0]
	}
	return fmt.Sprintf("Combined results from %d agents.", agentCount)
}

func descriptors(regs []registry.Registration) []AgentDescriptor {
	out := make([]AgentDescriptor, 0, len(regs))
	for _, r := range regs {
		out = append(out, AgentDescriptor{
			ID:           r.AgentID,
			Domain:       r.Domain,
			Capabilities: r.Capabilities,
			Keywords:     r.Keywords,
		})
	}
	return out
}
