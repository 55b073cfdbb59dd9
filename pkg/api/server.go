// Package api exposes the conductor's observability and query surface
// over fasthttp.
package api

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/core/failfast"
	obsprom "github.com/fluxorio/conductor/pkg/observability/prometheus"
	"github.com/fluxorio/conductor/pkg/orchestrator"
	"github.com/fluxorio/conductor/pkg/registry"
)

// Server serves the HTTP API.
type Server struct {
	bus    *bus.Bus
	reg    *registry.Registry
	orch   *orchestrator.Orchestrator
	logger core.Logger

	addr   string
	router *router
	srv    *fasthttp.Server
}

// New builds a server wired to the given bus, registry and orchestrator.
func New(addr string, b *bus.Bus, reg *registry.Registry, orch *orchestrator.Orchestrator, logger core.Logger) *Server {
	failfast.NotNil(b, "bus")
	failfast.NotNil(reg, "registry")
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	s := &Server{
		bus:    b,
		reg:    reg,
		orch:   orch,
		logger: logger,
		addr:   addr,
		router: newRouter(),
	}
	s.registerRoutes()

	s.srv = &fasthttp.Server{
		Handler:               s.router.Handler(),
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		NoDefaultServerHeader: true,
	}
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/agents", s.handleAgents)
	r.GET("/agents/online", s.handleAgentsOnline)
	r.GET("/agents/domain/:domain", s.handleAgentsByDomain)
	r.GET("/agents/:id", s.handleAgent)
	r.GET("/history", s.handleHistory)
	r.POST("/query", s.handleQuery)

	metrics := obsprom.Handler()
	r.GET("/metrics", func(c *Ctx) error {
		metrics(c.RequestCtx)
		return nil
	})
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.router.Handler()
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Infof("api listening on %s", s.addr)
	return s.srv.ListenAndServe(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *Ctx) error {
	resp := map[string]interface{}{
		"status": "up",
		"bus":    s.bus.Health(),
		"agents": s.reg.Health(),
	}
	if s.orch != nil {
		resp["orchestrator"] = s.orch.Health()
	}
	return c.JSON(fasthttp.StatusOK, resp)
}

func (s *Server) handleAgents(c *Ctx) error {
	return c.JSON(fasthttp.StatusOK, s.reg.List())
}

func (s *Server) handleAgentsOnline(c *Ctx) error {
	return c.JSON(fasthttp.StatusOK, s.reg.Online())
}

func (s *Server) handleAgentsByDomain(c *Ctx) error {
	return c.JSON(fasthttp.StatusOK, s.reg.ListByDomain(c.Param("domain")))
}

func (s *Server) handleAgent(c *Ctx) error {
	reg, ok := s.reg.Get(c.Param("id"))
	if !ok {
		c.Error("agent not found", fasthttp.StatusNotFound)
		return nil
	}
	return c.JSON(fasthttp.StatusOK, reg)
}

func (s *Server) handleHistory(c *Ctx) error {
	participant := c.QueryParam("participant")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.Error("invalid limit", fasthttp.StatusBadRequest)
			return nil
		}
		limit = n
	}
	return c.JSON(fasthttp.StatusOK, s.bus.History(participant, limit))
}

// QueryRequest is the POST /query body.
type QueryRequest struct {
	Query     string `json:"query"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Priority  string `json:"priority"`
}

func (s *Server) handleQuery(c *Ctx) error {
	if s.orch == nil {
		c.Error("orchestrator not available", fasthttp.StatusServiceUnavailable)
		return nil
	}

	var req QueryRequest
	if err := json.Unmarshal(c.PostBody(), &req); err != nil {
		c.Error("invalid request body", fasthttp.StatusBadRequest)
		return nil
	}
	if req.Query == "" {
		c.Error("query must not be empty", fasthttp.StatusBadRequest)
		return nil
	}

	prio := bus.PriorityNormal
	switch req.Priority {
	case "low":
		prio = bus.PriorityLow
	case "high":
		prio = bus.PriorityHigh
	case "urgent":
		prio = bus.PriorityUrgent
	}

	result, err := s.orch.ProcessQuery(c.RequestCtx, req.Query, req.UserID, req.SessionID, prio)
	if err != nil {
		s.logger.Errorf("query failed: %v", err)
		c.SetStatusCode(fasthttp.StatusBadGateway)
		c.SetContentType("application/json")
		body, _ := jsonEncode(map[string]string{"error": err.Error()})
		c.RequestCtx.Write(body)
		return nil
	}
	return c.JSON(fasthttp.StatusOK, result)
}

func jsonEncode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
