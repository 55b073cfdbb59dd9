package orchestrator

import (
	"time"

	"github.com/fluxorio/conductor/pkg/agent"
)

// DefaultStepTimeout is applied to any step with a missing or
// non-positive timeout.
const DefaultStepTimeout = 30 * time.Second

// Step is one unit of work in a plan, executed by a single agent.
type Step struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent"`
	Task           string                 `json:"task"`
	Params         map[string]interface{} `json:"params,omitempty"`
	DependsOn      []string               `json:"dependsOn,omitempty"`
	ExpectedOutput string                 `json:"expectedOutput,omitempty"`
	Timeout        time.Duration          `json:"timeout,omitempty"`
}

// Plan is a directed step plan for one query. Parallel plans are expected
// to be dependency-free and dispatch every step at once; sequential plans
// execute in dependency-ordered waves.
type Plan struct {
	ID             string        `json:"id"`
	InvolvedAgents []string      `json:"involvedAgents"`
	Steps          []Step        `json:"steps"`
	Parallel       bool          `json:"parallel,omitempty"`
	EstimatedTime  time.Duration `json:"estimatedTime,omitempty"`
}

// AgentDescriptor describes an online agent to the external planner.
type AgentDescriptor struct {
	ID           string   `json:"id"`
	Domain       string   `json:"domain"`
	Capabilities []string `json:"capabilities,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// StepOutcome records one step's success or synthesized failure. A failed
// step never blocks siblings; completion, not success, gates dependents.
type StepOutcome struct {
	StepID   string        `json:"stepId"`
	AgentID  string        `json:"agentId"`
	Result   *agent.Result `json:"result,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the step produced a failure record.
func (s *StepOutcome) Failed() bool { return s.Err != "" }

// TaggedRecord is a merged output record tagged with its originating step
// and agent.
type TaggedRecord struct {
	StepID  string                 `json:"stepId"`
	AgentID string                 `json:"agentId"`
	Data    map[string]interface{} `json:"data"`
}

// QueryResult is the merged outcome of an orchestrated query.
type QueryResult struct {
	QueryID     string             `json:"queryId"`
	Query       string             `json:"query"`
	Records     []TaggedRecord     `json:"records,omitempty"`
	Summary     string             `json:"summary"`
	Visuals     []agent.Visual     `json:"visuals,omitempty"`
	Agents      []string           `json:"agents"`
	FailedSteps []string           `json:"failedSteps,omitempty"`
	Confidence  float64            `json:"confidence"`
	Outcomes    []StepOutcome      `json:"outcomes,omitempty"`
}
