package bus

import (
	"context"
	"errors"
	"time"

	"sync"

	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/core/failfast"
	obs "github.com/fluxorio/conductor/pkg/observability/prometheus"
)

// DefaultHistoryCapacity bounds the diagnostic message ring.
const DefaultHistoryCapacity = 1000

// Handler processes a delivered message. A non-nil reply settles the
// sender's pending request synchronously.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Subscription binds an owner to a set of recognized actions. A Wildcard
// entry matches any action. Multiple subscriptions per owner are allowed
// and direct delivery picks only the highest-priority match.
type Subscription struct {
	AgentID  string
	Actions  map[string]struct{}
	Handler  Handler
	Priority Priority
}

// Matches reports whether the subscription recognizes the action.
func (s *Subscription) Matches(action string) bool {
	if _, ok := s.Actions[Wildcard]; ok {
		return true
	}
	_, ok := s.Actions[action]
	return ok
}

// Tap observes every message recorded by the bus. Taps are diagnostics
// only and never influence delivery.
type Tap func(msg *Message)

// Snapshot is a point-in-time health view of the bus.
type Snapshot struct {
	Subscribers      int `json:"subscribers"`
	Subscriptions    int `json:"subscriptions"`
	PendingResponses int `json:"pendingResponses"`
	HistorySize      int `json:"historySize"`
}

// Bus delivers direct and broadcast messages between in-process
// participants and correlates responses back to waiting requesters.
//
// Thread-safety:
//   - mu protects the subscription table
//   - pendMu protects the pending-response map
//   - histMu protects the history ring
//
// All three are touched concurrently by in-flight plan steps.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription

	pendMu  sync.Mutex
	pending map[string]chan *Message

	histMu  sync.Mutex
	history []*Message
	histCap int

	tapMu sync.RWMutex
	taps  []Tap

	logger  core.Logger
	metrics *obs.Metrics
}

// New creates a bus with the given history capacity (DefaultHistoryCapacity
// if non-positive).
func New(historyCapacity int, logger core.Logger) *Bus {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Bus{
		subs:    make(map[string][]*Subscription),
		pending: make(map[string]chan *Message),
		histCap: historyCapacity,
		logger:  logger,
		metrics: obs.GetMetrics(),
	}
}

// Subscribe registers a handler for the owner. Re-subscribing with the same
// priority and action set replaces the previous handler instead of stacking
// a duplicate. Subscriptions are kept sorted by descending priority; ties
// preserve insertion order.
func (b *Bus) Subscribe(agentID string, actions []string, h Handler, prio Priority) *Subscription {
	failfast.NotNil(h, "handler")
	failfast.If(agentID != "", "agentID must not be empty")

	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	sub := &Subscription{AgentID: agentID, Actions: set, Handler: h, Priority: prio}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[agentID]
	for i, existing := range list {
		if existing.Priority == prio && sameActions(existing.Actions, set) {
			list[i] = sub
			return sub
		}
	}

	// Stable insert before the first lower-priority entry.
	pos := len(list)
	for i, existing := range list {
		if existing.Priority < prio {
			pos = i
			break
		}
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = sub
	b.subs[agentID] = list
	return sub
}

// Unsubscribe removes every subscription owned by agentID.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	delete(b.subs, agentID)
	b.mu.Unlock()
}

// Send delivers a message. Broadcast recipients fan out concurrently to
// every matching subscriber except the sender; handler failures are logged
// and never fail the sender. Direct recipients get single-consumer
// semantics: only the highest-priority matching subscription is invoked,
// and its reply (if any) is returned. A direct handler failure is returned
// as a response message carrying an ErrorPayload, not as a transport error.
func (b *Bus) Send(ctx context.Context, msg *Message) (*Message, error) {
	if err := b.prepare(msg); err != nil {
		return nil, err
	}
	b.record(msg)

	if msg.To == Broadcast {
		b.broadcast(ctx, msg)
		return nil, nil
	}

	b.mu.RLock()
	var target *Subscription
	for _, sub := range b.subs[msg.To] {
		if sub.Matches(msg.Action) {
			target = sub
			break
		}
	}
	b.mu.RUnlock()

	if target == nil {
		return nil, core.ErrNoHandlers
	}

	reply, err := invoke(ctx, target, msg)
	if err != nil {
		b.logger.Warnf("handler error for %s on %s: %v", msg.Action, msg.To, err)
		errResp := NewResponse(msg, msg.To, &ErrorPayload{Code: "HANDLER_ERROR", Message: err.Error()})
		b.record(errResp)
		return errResp, nil
	}
	if reply != nil {
		b.record(reply)
	}
	return reply, nil
}

func (b *Bus) broadcast(ctx context.Context, msg *Message) {
	b.mu.RLock()
	var targets []*Subscription
	for owner, list := range b.subs {
		if owner == msg.From {
			continue
		}
		for _, sub := range list {
			if sub.Matches(msg.Action) {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go func(sub *Subscription) {
			if _, err := invoke(ctx, sub, msg); err != nil {
				b.metrics.BusBroadcastErrors.Inc()
				b.logger.Warnf("broadcast handler error for %s on %s: %v", msg.Action, sub.AgentID, err)
			}
		}(sub)
	}
}

// Request sends a request and waits for a matching response or the timeout,
// whichever happens first. The pending-response entry is consumed exactly
// once and removed on every exit path.
func (b *Bus) Request(ctx context.Context, from, to, action string, payload interface{}, timeout time.Duration) (*Message, error) {
	msg := NewRequest(from, to, action, payload)
	msg.Timeout = timeout
	msg.RequiresResponse = true
	return b.RequestMessage(ctx, msg)
}

// RequestMessage is Request for a caller-built message; msg.Timeout bounds
// the wait. Useful when the request carries a shared context.
func (b *Bus) RequestMessage(ctx context.Context, msg *Message) (*Message, error) {
	if err := core.ValidateTimeout(msg.Timeout); err != nil {
		return nil, err
	}
	msg.Kind = KindRequest
	msg.RequiresResponse = true
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}

	start := time.Now()
	ch := make(chan *Message, 1)
	b.pendMu.Lock()
	b.pending[msg.CorrelationID] = ch
	b.metrics.BusPendingResponses.Set(float64(len(b.pending)))
	b.pendMu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, msg.Timeout)
	defer cancel()

	// Dispatch off the waiting goroutine so a slow synchronous handler is
	// still bounded by the timeout. A synchronous reply settles the pending
	// entry exactly like an asynchronous Respond would.
	errCh := make(chan error, 1)
	go func() {
		reply, err := b.Send(waitCtx, msg)
		if err != nil {
			errCh <- err
			return
		}
		if reply != nil {
			if settle, ok := b.takePending(msg.CorrelationID); ok {
				settle <- reply
			}
		}
	}()

	select {
	case resp := <-ch:
		b.metrics.BusRequestDuration.WithLabelValues(msg.Action).Observe(time.Since(start).Seconds())
		return resp, nil
	case err := <-errCh:
		b.removePending(msg.CorrelationID)
		return nil, err
	case <-waitCtx.Done():
		b.removePending(msg.CorrelationID)
		// A response may have been delivered between expiry and removal.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			b.metrics.BusTimeouts.Inc()
			return nil, core.ErrTimeout
		}
		return nil, waitCtx.Err()
	}
}

// Respond sends a response for original. If a pending-response entry is
// live for the correlation id it is settled directly, bypassing dispatch;
// otherwise the response falls back to ordinary delivery (unsolicited or
// already-timed-out responses).
func (b *Bus) Respond(ctx context.Context, original *Message, from string, payload interface{}) error {
	resp := NewResponse(original, from, payload)
	if ch, ok := b.takePending(resp.CorrelationID); ok {
		b.record(resp)
		ch <- resp
		return nil
	}
	_, err := b.Send(ctx, resp)
	if errors.Is(err, core.ErrNoHandlers) {
		// Requester is gone; nothing left to settle.
		b.logger.Debugf("dropping late response for correlation %s", resp.CorrelationID)
		return nil
	}
	return err
}

// AddTap registers a diagnostic observer for recorded messages.
func (b *Bus) AddTap(t Tap) {
	failfast.NotNil(t, "tap")
	b.tapMu.Lock()
	b.taps = append(b.taps, t)
	b.tapMu.Unlock()
}

// History returns up to limit recorded messages involving participant
// (most recent last). An empty participant matches every message.
func (b *Bus) History(participant string, limit int) []*Message {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var out []*Message
	for _, m := range b.history {
		if participant == "" || m.From == participant || m.To == participant {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// PendingCount returns the number of live pending-response entries.
func (b *Bus) PendingCount() int {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	return len(b.pending)
}

// Health returns a point-in-time snapshot of bus state.
func (b *Bus) Health() Snapshot {
	b.mu.RLock()
	owners := len(b.subs)
	subs := 0
	for _, list := range b.subs {
		subs += len(list)
	}
	b.mu.RUnlock()

	b.histMu.Lock()
	hist := len(b.history)
	b.histMu.Unlock()

	return Snapshot{
		Subscribers:      owners,
		Subscriptions:    subs,
		PendingResponses: b.PendingCount(),
		HistorySize:      hist,
	}
}

func (b *Bus) prepare(msg *Message) error {
	failfast.NotNil(msg, "message")
	if err := core.ValidateParticipantID(msg.From); err != nil {
		return err
	}
	if err := core.ValidateParticipantID(msg.To); err != nil {
		return err
	}
	if err := core.ValidateAction(msg.Action); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Kind == "" {
		if msg.To == Broadcast {
			msg.Kind = KindBroadcast
		} else {
			msg.Kind = KindNotification
		}
	}
	return nil
}

// record appends to the bounded history ring; on overflow the oldest 20%
// is dropped. Taps and metrics observe every recorded message.
func (b *Bus) record(msg *Message) {
	b.histMu.Lock()
	if len(b.history) >= b.histCap {
		drop := b.histCap / 5
		if drop < 1 {
			drop = 1
		}
		b.history = append(b.history[:0], b.history[drop:]...)
	}
	b.history = append(b.history, msg)
	b.histMu.Unlock()

	b.metrics.BusMessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	b.tapMu.RLock()
	taps := b.taps
	b.tapMu.RUnlock()
	for _, t := range taps {
		t(msg)
	}
}

func (b *Bus) removePending(correlationID string) {
	b.pendMu.Lock()
	delete(b.pending, correlationID)
	b.metrics.BusPendingResponses.Set(float64(len(b.pending)))
	b.pendMu.Unlock()
}

func (b *Bus) takePending(correlationID string) (chan *Message, bool) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	ch, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
		b.metrics.BusPendingResponses.Set(float64(len(b.pending)))
	}
	return ch, ok
}

// invoke calls a handler with panic isolation: a panicking handler is
// reported as an ordinary handler error.
func invoke(ctx context.Context, sub *Subscription, msg *Message) (reply *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = core.Errorf("HANDLER_PANIC", "handler panic for %s on %s: %v", msg.Action, sub.AgentID, r)
		}
	}()
	return sub.Handler(ctx, msg)
}

func sameActions(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
