// Package bus implements the in-process coordination bus: subscriptions,
// direct and broadcast delivery, and a correlation-id request/response
// protocol with timeouts. The bus is a coordination primitive, not a
// network transport; messages are never persisted.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxorio/conductor/pkg/core"
)

// Broadcast is the reserved recipient that fans a message out to every
// matching subscriber except the sender.
const Broadcast = "*"

// Wildcard matches any action when used in a subscription's action set.
const Wildcard = "*"

// Kind categorizes a message for routing and diagnostics.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindBroadcast    Kind = "broadcast"
)

// Priority is an advisory message priority. Subscriptions also carry a
// priority, which decides the single consumer for direct delivery.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// Reserved actions answered by the registry, the orchestrator and every
// registered agent's control subscription.
const (
	ActionHealthCheck = "health.check"
	ActionCapability  = "capability.query"
	ActionRouteQuery  = "route.query"
	ActionCollaborate = "collaboration.request"
	ActionProcessTask = "task.process"
	ActionQueryStatus = "query.status"

	ActionAgentOnline   = "agent.online"
	ActionAgentOffline  = "agent.offline"
	ActionStatusChanged = "agent.status"
)

// SharedContext is a bag of state carried with a message through an
// orchestrated query. Participants in concurrent steps share one
// instance, so mutation goes through Contribute, Visit and
// SetConfidence rather than the fields.
type SharedContext struct {
	OriginalQuery string                 `json:"originalQuery"`
	UserID        string                 `json:"userId,omitempty"`
	SessionID     string                 `json:"sessionId,omitempty"`
	RelatedData   map[string]interface{} `json:"relatedData,omitempty"`
	Confidence    float64                `json:"confidence"`
	ExecutionPath []string               `json:"executionPath,omitempty"`

	mu sync.Mutex
}

// Contribute records data under key for later participants and the merge.
func (sc *SharedContext) Contribute(key string, value interface{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.RelatedData == nil {
		sc.RelatedData = make(map[string]interface{})
	}
	sc.RelatedData[key] = value
}

// Related returns the data contributed under key.
func (sc *SharedContext) Related(key string) (interface{}, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	v, ok := sc.RelatedData[key]
	return v, ok
}

// Visit appends participant to the execution path.
func (sc *SharedContext) Visit(participant string) {
	sc.mu.Lock()
	sc.ExecutionPath = append(sc.ExecutionPath, participant)
	sc.mu.Unlock()
}

// SetConfidence replaces the running confidence estimate.
func (sc *SharedContext) SetConfidence(c float64) {
	sc.mu.Lock()
	sc.Confidence = c
	sc.mu.Unlock()
}

// CurrentConfidence reads the running confidence estimate.
func (sc *SharedContext) CurrentConfidence() float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Confidence
}

// MarshalJSON snapshots the context under the lock so encoding (history
// endpoints, the trace bridge) never races an in-flight contribution.
func (sc *SharedContext) MarshalJSON() ([]byte, error) {
	sc.mu.Lock()
	snap := struct {
		OriginalQuery string                 `json:"originalQuery"`
		UserID        string                 `json:"userId,omitempty"`
		SessionID     string                 `json:"sessionId,omitempty"`
		RelatedData   map[string]interface{} `json:"relatedData,omitempty"`
		Confidence    float64                `json:"confidence"`
		ExecutionPath []string               `json:"executionPath,omitempty"`
	}{
		OriginalQuery: sc.OriginalQuery,
		UserID:        sc.UserID,
		SessionID:     sc.SessionID,
		Confidence:    sc.Confidence,
		ExecutionPath: append([]string(nil), sc.ExecutionPath...),
	}
	if len(sc.RelatedData) > 0 {
		snap.RelatedData = make(map[string]interface{}, len(sc.RelatedData))
		for k, v := range sc.RelatedData {
			snap.RelatedData[k] = v
		}
	}
	sc.mu.Unlock()
	return json.Marshal(snap)
}

// Metadata carries delivery bookkeeping for retried or re-routed messages.
type Metadata struct {
	RetryCount     int      `json:"retryCount,omitempty"`
	OriginalSender string   `json:"originalSender,omitempty"`
	RoutingPath    []string `json:"routingPath,omitempty"`
}

// Message is the unit of communication on the bus.
type Message struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Kind             Kind           `json:"kind"`
	Action           string         `json:"action"`
	Payload          interface{}    `json:"payload,omitempty"`
	Priority         Priority       `json:"priority"`
	Timestamp        time.Time      `json:"timestamp"`
	Timeout          time.Duration  `json:"timeout,omitempty"`
	RequiresResponse bool           `json:"requiresResponse,omitempty"`
	CorrelationID    string         `json:"correlationId,omitempty"`
	Context          *SharedContext `json:"context,omitempty"`
	Metadata         *Metadata      `json:"metadata,omitempty"`
}

// NewRequest builds a request message with a fresh id. The correlation id
// defaults to the message's own id.
func NewRequest(from, to, action string, payload interface{}) *Message {
	id := core.NewID()
	return &Message{
		ID:            id,
		From:          from,
		To:            to,
		Kind:          KindRequest,
		Action:        action,
		Payload:       payload,
		Priority:      PriorityNormal,
		Timestamp:     time.Now(),
		CorrelationID: id,
	}
}

// NewResponse builds a response to original, reusing its correlation id so
// the waiting requester can be settled.
func NewResponse(original *Message, from string, payload interface{}) *Message {
	corr := original.CorrelationID
	if corr == "" {
		corr = original.ID
	}
	return &Message{
		ID:            core.NewID(),
		From:          from,
		To:            original.From,
		Kind:          KindResponse,
		Action:        original.Action,
		Payload:       payload,
		Priority:      original.Priority,
		Timestamp:     time.Now(),
		CorrelationID: corr,
	}
}

// NewNotification builds a fire-and-forget message to a single recipient.
func NewNotification(from, to, action string, payload interface{}) *Message {
	return &Message{
		ID:        core.NewID(),
		From:      from,
		To:        to,
		Kind:      KindNotification,
		Action:    action,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
	}
}

// NewBroadcast builds a message fanned out to every matching subscriber.
func NewBroadcast(from, action string, payload interface{}) *Message {
	return &Message{
		ID:        core.NewID(),
		From:      from,
		To:        Broadcast,
		Kind:      KindBroadcast,
		Action:    action,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
	}
}
