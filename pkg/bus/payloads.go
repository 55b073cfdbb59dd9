package bus

// Typed payloads for the reserved actions. Handlers type-switch on these
// instead of digging through open dictionaries; domain agents may still
// attach their own payload types for domain actions.

// HealthCheck asks a participant to report its status.
type HealthCheck struct {
	Requester string `json:"requester"`
}

// HealthStatus is the reply to a HealthCheck.
type HealthStatus struct {
	AgentID       string `json:"agentId"`
	Status        string `json:"status"`
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

// CapabilityQuery asks a participant to describe itself.
type CapabilityQuery struct {
	Requester string `json:"requester"`
}

// CapabilityInfo is the reply to a CapabilityQuery.
type CapabilityInfo struct {
	AgentID      string   `json:"agentId"`
	Domain       string   `json:"domain"`
	Capabilities []string `json:"capabilities"`
	Keywords     []string `json:"keywords,omitempty"`
}

// RouteQuery asks the registry to resolve a free-text query to a target.
type RouteQuery struct {
	Query   string         `json:"query"`
	Context *SharedContext `json:"context,omitempty"`
}

// RouteResult is the reply to a RouteQuery.
type RouteResult struct {
	AgentID string `json:"agentId"`
}

// TaskRequest asks an agent to process a task as part of a plan step or a
// collaboration request.
type TaskRequest struct {
	StepID string                 `json:"stepId,omitempty"`
	Task   string                 `json:"task"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// StatusNotice announces an agent lifecycle or status transition.
type StatusNotice struct {
	AgentID string `json:"agentId"`
	Domain  string `json:"domain,omitempty"`
	Status  string `json:"status"`
}

// QueryStatusRequest asks the orchestrator about an in-flight query.
type QueryStatusRequest struct {
	QueryID string `json:"queryId"`
}

// QueryStatus is the reply to a QueryStatusRequest.
type QueryStatus struct {
	QueryID string   `json:"queryId"`
	Active  bool     `json:"active"`
	Agents  []string `json:"agents,omitempty"`
}

// ErrorPayload carries a handler failure back to a direct requester as an
// ordinary response rather than a transport error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
