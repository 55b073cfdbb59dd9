// Package agent defines the capability contract every registrable
// participant implements. The core never inspects an agent beyond this
// contract.
package agent

import (
	"context"

	"github.com/fluxorio/conductor/pkg/bus"
)

// Agent is the worker capability interface: task processing, message
// handling and static self-description. Concrete agents compose BaseAgent
// rather than subclassing anything.
type Agent interface {
	// ID returns the agent's bus participant id.
	ID() string

	// Domain returns the named category of responsibility used for routing.
	Domain() string

	// Capabilities lists what the agent can do.
	Capabilities() []string

	// Keywords returns routing hints matched against free-text queries.
	Keywords() []string

	// ProcessQuery executes a task and returns its result.
	ProcessQuery(ctx context.Context, task string, sc *bus.SharedContext) (*Result, error)

	// HandleMessage handles a bus message outside the reserved control set.
	// A non-nil reply is returned to a direct sender.
	HandleMessage(ctx context.Context, msg *bus.Message) (*bus.Message, error)
}

// Visual is a UI element contributed by an agent's result.
type Visual struct {
	ID   string                 `json:"id"`
	Kind string                 `json:"kind"`
	Spec map[string]interface{} `json:"spec,omitempty"`
}

// Result is the outcome of a processed task.
type Result struct {
	Records    []map[string]interface{} `json:"records,omitempty"`
	Summary    string                   `json:"summary,omitempty"`
	Visuals    []Visual                 `json:"visuals,omitempty"`
	Confidence float64                  `json:"confidence,omitempty"`
}

// BaseAgent supplies self-description from plain fields so concrete agents
// only implement ProcessQuery and, when needed, HandleMessage.
type BaseAgent struct {
	AgentID     string
	AgentDomain string
	Caps        []string
	Hints       []string
}

func (b *BaseAgent) ID() string             { return b.AgentID }
func (b *BaseAgent) Domain() string         { return b.AgentDomain }
func (b *BaseAgent) Capabilities() []string { return b.Caps }
func (b *BaseAgent) Keywords() []string     { return b.Hints }

// HandleMessage is a default that recognizes nothing; embedders override it
// for domain actions.
func (b *BaseAgent) HandleMessage(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	return nil, nil
}

// Func adapts a plain function into an Agent for tests and simple workers.
type Func struct {
	BaseAgent
	Process func(ctx context.Context, task string, sc *bus.SharedContext) (*Result, error)
}

// NewFunc builds a function-backed agent.
func NewFunc(id, domain string, keywords []string, process func(ctx context.Context, task string, sc *bus.SharedContext) (*Result, error)) *Func {
	return &Func{
		BaseAgent: BaseAgent{AgentID: id, AgentDomain: domain, Caps: []string{"query"}, Hints: keywords},
		Process:   process,
	}
}

func (f *Func) ProcessQuery(ctx context.Context, task string, sc *bus.SharedContext) (*Result, error) {
	if f.Process == nil {
		return &Result{}, nil
	}
	return f.Process(ctx, task, sc)
}
