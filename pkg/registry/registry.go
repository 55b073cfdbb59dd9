// Package registry tracks which agents exist, their health, and resolves
// free-text queries to a target agent via prioritized routing rules plus
// heartbeat-based liveness.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxorio/conductor/pkg/agent"
	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/core/failfast"
	obs "github.com/fluxorio/conductor/pkg/observability/prometheus"
)

// ID is the registry's reserved bus participant id.
const ID = "registry"

// DefaultSweepInterval is the liveness sweep cadence. A registration is
// forced offline when its heartbeat is older than 3x this interval.
const DefaultSweepInterval = 30 * time.Second

// Status is an agent's registration status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Registration is the registry's record of one agent.
type Registration struct {
	AgentID       string                 `json:"agentId"`
	Domain        string                 `json:"domain"`
	Status        Status                 `json:"status"`
	Capabilities  []string               `json:"capabilities,omitempty"`
	Keywords      []string               `json:"keywords,omitempty"`
	LastHeartbeat time.Time              `json:"lastHeartbeat"`
	Priority      int                    `json:"priority"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Snapshot is a point-in-time health view of the registry.
type Snapshot struct {
	AgentsByStatus map[Status]int `json:"agentsByStatus"`
	Domains        []string       `json:"domains"`
	RoutingRules   int            `json:"routingRules"`
}

// Registry tracks registrations and routing rules.
//
// The registration table and rule list are the registry's only shared
// mutable state; both sit behind mu because Register, Route and the sweep
// run concurrently with in-flight plan steps.
type Registry struct {
	b       *bus.Bus
	logger  core.Logger
	metrics *obs.Metrics

	mu     sync.RWMutex
	agents map[string]*Registration
	rules  []*Rule

	sweepInterval time.Duration
	cancelSweep   context.CancelFunc
}

// New creates a registry on the given bus and makes it addressable under
// the reserved id: it answers health checks and route queries itself.
func New(b *bus.Bus, sweepInterval time.Duration, logger core.Logger) *Registry {
	failfast.NotNil(b, "bus")
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	r := &Registry{
		b:             b,
		logger:        logger,
		metrics:       obs.GetMetrics(),
		agents:        make(map[string]*Registration),
		sweepInterval: sweepInterval,
	}
	b.Subscribe(ID, []string{bus.ActionHealthCheck, bus.ActionRouteQuery}, r.handleControl, bus.PriorityNormal)
	return r
}

func (r *Registry) handleControl(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	switch msg.Action {
	case bus.ActionRouteQuery:
		rq, ok := msg.Payload.(*bus.RouteQuery)
		if !ok {
			return nil, core.Errorf("BAD_PAYLOAD", "route query payload must be *bus.RouteQuery, got %T", msg.Payload)
		}
		target, err := r.Route(rq.Query, rq.Context)
		if err != nil {
			return nil, err
		}
		return bus.NewResponse(msg, ID, &bus.RouteResult{AgentID: target}), nil
	case bus.ActionHealthCheck:
		return bus.NewResponse(msg, ID, &bus.HealthStatus{AgentID: ID, Status: "online"}), nil
	}
	return nil, nil
}

// Register builds a registration from the agent's self-description,
// subscribes it on the bus for the reserved control actions at low
// priority, installs the derived routing rules and broadcasts that the
// agent is online.
func (r *Registry) Register(ctx context.Context, a agent.Agent) error {
	failfast.NotNil(a, "agent")
	if err := core.ValidateParticipantID(a.ID()); err != nil {
		return err
	}

	reg := &Registration{
		AgentID:       a.ID(),
		Domain:        a.Domain(),
		Status:        StatusOnline,
		Capabilities:  a.Capabilities(),
		Keywords:      a.Keywords(),
		LastHeartbeat: time.Now(),
		Metadata:      make(map[string]interface{}),
	}

	derived := deriveRules(a.ID(), a.Domain(), a.Keywords())
	for _, rule := range derived {
		if err := rule.compile(); err != nil {
			return core.Errorf("BAD_RULE", "derived rule %q for %s: %v", rule.Pattern, a.ID(), err)
		}
	}

	r.mu.Lock()
	r.agents[a.ID()] = reg
	for _, rule := range derived {
		r.insertRuleLocked(rule)
	}
	r.mu.Unlock()
	r.updateGauges()

	controlActions := []string{
		bus.ActionHealthCheck,
		bus.ActionCapability,
		bus.ActionRouteQuery,
		bus.ActionCollaborate,
		bus.ActionProcessTask,
	}
	r.b.Subscribe(a.ID(), controlActions, r.agentControlHandler(a), bus.PriorityLow)

	if _, err := r.b.Send(ctx, bus.NewBroadcast(ID, bus.ActionAgentOnline, &bus.StatusNotice{
		AgentID: a.ID(), Domain: a.Domain(), Status: string(StatusOnline),
	})); err != nil {
		r.logger.Warnf("online broadcast for %s: %v", a.ID(), err)
	}
	r.logger.Infof("registered agent %s (domain %s, %d rules)", a.ID(), a.Domain(), len(derived))
	return nil
}

// agentControlHandler answers the reserved control actions on behalf of a
// registered agent: health and capability queries are served from the
// registration, task actions run ProcessQuery, and everything else is
// forwarded to the agent's own HandleMessage.
func (r *Registry) agentControlHandler(a agent.Agent) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		switch msg.Action {
		case bus.ActionHealthCheck:
			reg, ok := r.Get(a.ID())
			status := string(StatusOffline)
			var hb int64
			if ok {
				status = string(reg.Status)
				hb = reg.LastHeartbeat.Unix()
			}
			return bus.NewResponse(msg, a.ID(), &bus.HealthStatus{AgentID: a.ID(), Status: status, LastHeartbeat: hb}), nil

		case bus.ActionCapability:
			return bus.NewResponse(msg, a.ID(), &bus.CapabilityInfo{
				AgentID:      a.ID(),
				Domain:       a.Domain(),
				Capabilities: a.Capabilities(),
				Keywords:     a.Keywords(),
			}), nil

		case bus.ActionProcessTask, bus.ActionCollaborate:
			task, ok := msg.Payload.(*bus.TaskRequest)
			if !ok {
				return nil, core.Errorf("BAD_PAYLOAD", "task payload must be *bus.TaskRequest, got %T", msg.Payload)
			}
			res, err := a.ProcessQuery(ctx, task.Task, msg.Context)
			if err != nil {
				return nil, err
			}
			return bus.NewResponse(msg, a.ID(), res), nil
		}
		return a.HandleMessage(ctx, msg)
	}
}

// Unregister marks the agent offline, removes its bus subscriptions,
// strips every routing rule targeting it, broadcasts that it went offline
// and deletes the registration.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return core.Errorf("NOT_REGISTERED", "agent %s is not registered", agentID)
	}
	reg.Status = StatusOffline
	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.Target != agentID {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
	delete(r.agents, agentID)
	r.mu.Unlock()
	r.updateGauges()

	r.b.Unsubscribe(agentID)
	if _, err := r.b.Send(ctx, bus.NewBroadcast(ID, bus.ActionAgentOffline, &bus.StatusNotice{
		AgentID: agentID, Status: string(StatusOffline),
	})); err != nil {
		r.logger.Warnf("offline broadcast for %s: %v", agentID, err)
	}
	r.logger.Infof("unregistered agent %s", agentID)
	return nil
}

// AddRule installs a manual routing rule.
func (r *Registry) AddRule(rule *Rule) error {
	failfast.NotNil(rule, "rule")
	if err := rule.compile(); err != nil {
		return core.Errorf("BAD_RULE", "rule %q: %v", rule.Pattern, err)
	}
	r.mu.Lock()
	r.insertRuleLocked(rule)
	r.mu.Unlock()
	r.updateGauges()
	return nil
}

// RemoveRules removes every rule whose pattern and target both match.
func (r *Registry) RemoveRules(pattern, target string) {
	r.mu.Lock()
	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.Pattern == pattern && rule.Target == target {
			continue
		}
		kept = append(kept, rule)
	}
	r.rules = kept
	r.mu.Unlock()
	r.updateGauges()
}

// insertRuleLocked keeps the rule list sorted by descending priority with
// insertion order preserved among equal priorities.
func (r *Registry) insertRuleLocked(rule *Rule) {
	pos := len(r.rules)
	for i, existing := range r.rules {
		if existing.Priority < rule.Priority {
			pos = i
			break
		}
	}
	r.rules = append(r.rules, nil)
	copy(r.rules[pos+1:], r.rules[pos:])
	r.rules[pos] = rule
}

// Route resolves a query to an online agent: first matching rule in
// descending priority order, then a case-insensitive domain/keyword scan,
// then the first online agent as a last resort. It fails only when zero
// agents are online.
func (r *Registry) Route(query string, sc *bus.SharedContext) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		reg, ok := r.agents[rule.Target]
		if !ok || reg.Status == StatusOffline {
			continue
		}
		if rule.Predicate != nil && !rule.Predicate(query, sc) {
			continue
		}
		if rule.matches(query) {
			r.metrics.RegistryRouteTotal.WithLabelValues("rule").Inc()
			return rule.Target, nil
		}
	}

	lower := strings.ToLower(query)
	var first string
	for _, reg := range r.sortedLocked() {
		if reg.Status == StatusOffline {
			continue
		}
		if first == "" {
			first = reg.AgentID
		}
		if reg.Domain != "" && strings.Contains(lower, strings.ToLower(reg.Domain)) {
			r.metrics.RegistryRouteTotal.WithLabelValues("scan").Inc()
			return reg.AgentID, nil
		}
		for _, kw := range reg.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				r.metrics.RegistryRouteTotal.WithLabelValues("scan").Inc()
				return reg.AgentID, nil
			}
		}
	}

	if first != "" {
		r.metrics.RegistryRouteTotal.WithLabelValues("default").Inc()
		return first, nil
	}
	r.metrics.RegistryRouteTotal.WithLabelValues("none").Inc()
	return "", core.ErrNoAgents
}

// Heartbeat refreshes only the last-heartbeat timestamp. It never changes
// status; going online or busy requires an explicit UpdateStatus.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return core.Errorf("NOT_REGISTERED", "agent %s is not registered", agentID)
	}
	reg.LastHeartbeat = time.Now()
	return nil
}

// UpdateStatus sets status and heartbeat together and broadcasts a
// status-change notification only when the status actually changed.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status Status) error {
	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return core.Errorf("NOT_REGISTERED", "agent %s is not registered", agentID)
	}
	changed := reg.Status != status
	reg.Status = status
	reg.LastHeartbeat = time.Now()
	r.mu.Unlock()
	r.updateGauges()

	if changed {
		if _, err := r.b.Send(ctx, bus.NewBroadcast(ID, bus.ActionStatusChanged, &bus.StatusNotice{
			AgentID: agentID, Status: string(status),
		})); err != nil {
			r.logger.Warnf("status broadcast for %s: %v", agentID, err)
		}
	}
	return nil
}

// Start runs the liveness sweep until Stop or ctx cancellation. Any
// online or busy registration whose heartbeat is older than 3x the sweep
// interval is forced offline; this is the only status change without an
// explicit caller action.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelSweep = cancel
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the liveness sweep.
func (r *Registry) Stop() {
	if r.cancelSweep != nil {
		r.cancelSweep()
	}
}

func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-3 * r.sweepInterval)
	var stale []string
	r.mu.Lock()
	for id, reg := range r.agents {
		if (reg.Status == StatusOnline || reg.Status == StatusBusy) && reg.LastHeartbeat.Before(cutoff) {
			reg.Status = StatusOffline
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	r.updateGauges()

	for _, id := range stale {
		r.logger.Warnf("agent %s heartbeat stale, forcing offline", id)
		if _, err := r.b.Send(ctx, bus.NewBroadcast(ID, bus.ActionStatusChanged, &bus.StatusNotice{
			AgentID: id, Status: string(StatusOffline),
		})); err != nil {
			r.logger.Warnf("stale broadcast for %s: %v", id, err)
		}
	}
}

// Get returns a copy of one registration.
func (r *Registry) Get(agentID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// List returns copies of all registrations sorted by agent id.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.agents))
	for _, reg := range r.sortedLocked() {
		out = append(out, *reg)
	}
	return out
}

// ListByDomain returns registrations advertising the given domain.
func (r *Registry) ListByDomain(domain string) []Registration {
	var out []Registration
	for _, reg := range r.List() {
		if strings.EqualFold(reg.Domain, domain) {
			out = append(out, reg)
		}
	}
	return out
}

// Online returns registrations not currently offline.
func (r *Registry) Online() []Registration {
	var out []Registration
	for _, reg := range r.List() {
		if reg.Status != StatusOffline {
			out = append(out, reg)
		}
	}
	return out
}

// Health returns counts by status, distinct domains and rule count.
func (r *Registry) Health() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[Status]int{StatusOnline: 0, StatusBusy: 0, StatusOffline: 0}
	domains := make(map[string]struct{})
	for _, reg := range r.agents {
		counts[reg.Status]++
		if reg.Domain != "" {
			domains[reg.Domain] = struct{}{}
		}
	}
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)
	return Snapshot{AgentsByStatus: counts, Domains: names, RoutingRules: len(r.rules)}
}

// RuleCount returns the number of installed routing rules.
func (r *Registry) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// sortedLocked returns registrations ordered by descending routing
// priority then agent id, for deterministic scans and defaults.
func (r *Registry) sortedLocked() []*Registration {
	regs := make([]*Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority > regs[j].Priority
		}
		return regs[i].AgentID < regs[j].AgentID
	})
	return regs
}

func (r *Registry) updateGauges() {
	snap := r.Health()
	for status, n := range snap.AgentsByStatus {
		r.metrics.RegistryAgents.WithLabelValues(string(status)).Set(float64(n))
	}
	r.metrics.RegistryRoutingRules.Set(float64(snap.RoutingRules))
}
