// Package api exposes the gateway's management surface over HTTP: tool
// request submission, confirmation resolution, policy inspection and
// reload, audit search, and aggregate status.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/request"
	"github.com/toolgate/toolgate/internal/safety"
	"github.com/toolgate/toolgate/internal/types"
)

var log = logger.New("api")

// Server is the management API bound to one safety manager.
type Server struct {
	manager *safety.Manager
	router  *gin.Engine
	http    *http.Server
}

// Options configure the server.
type Options struct {
	// Addr is the listen address (host:port).
	Addr string
	// Token, when non-empty, is required as a bearer token on every request.
	Token string
}

// NewServer builds the router and handlers. Call Start to begin serving.
func NewServer(manager *safety.Manager, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(SecurityHeadersMiddleware())
	router.Use(BodySizeLimitMiddleware(MaxBodySize))
	router.Use(BearerAuthMiddleware(opts.Token))

	s := &Server{
		manager: manager,
		router:  router,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. Blocks; run in a goroutine.
func (s *Server) Start() error {
	log.Info("Management API listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.POST("/tools/execute", s.handleExecute)

		confirmations := apiGroup.Group("/confirmations")
		{
			confirmations.GET("", s.handlePendingConfirmations)
			confirmations.GET("/:id", s.handleGetConfirmation)
			confirmations.POST("/:id", s.handleResolveConfirmation)
			confirmations.DELETE("/:id", s.handleCancelConfirmation)
		}

		policies := apiGroup.Group("/policies")
		{
			policies.GET("", s.handleListPolicies)
			policies.GET("/:tool", s.handleGetPolicy)
			policies.POST("/reload", s.handleReloadPolicies)
		}

		auditGroup := apiGroup.Group("/audit")
		{
			auditGroup.GET("/search", s.handleAuditSearch)
			auditGroup.GET("/stats", s.handleAuditStats)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleStatus(c *gin.Context) {
	Success(c, s.manager.GetSafetyStatus())
}

// ExecuteRequest is the wire form of a tool invocation. The confirmation
// bypass is deliberately absent from this surface: HTTP callers prove an
// approval with confirmation_id, never with a bare flag.
type ExecuteRequest struct {
	ToolName       string                   `json:"tool_name" binding:"required"`
	Operation      string                   `json:"operation" binding:"required"`
	Parameters     map[string]any           `json:"parameters"`
	TargetPath     string                   `json:"target_path"`
	UserID         string                   `json:"user_id"`
	SessionID      string                   `json:"session_id"`
	ConfirmationID string                   `json:"confirmation_id"`
	Context        *request.SecurityContext `json:"context"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var body ExecuteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		Error(c, http.StatusBadRequest, err.Error())
		return
	}

	req := request.New(body.ToolName, types.Operation(body.Operation))
	req.Parameters = body.Parameters
	req.TargetPath = body.TargetPath
	req.UserID = body.UserID
	req.SessionID = body.SessionID

	secCtx := body.Context
	if secCtx != nil {
		secCtx.IPAddress = c.ClientIP()
		secCtx.UserAgent = c.Request.UserAgent()
	}

	res := s.manager.EvaluateAndExecuteTool(c.Request.Context(), &req, safety.CallOptions{
		UserID:         body.UserID,
		SessionID:      body.SessionID,
		Context:        secCtx,
		ConfirmationID: body.ConfirmationID,
	})

	status := http.StatusOK
	switch {
	case res.RequiresConfirmation:
		status = http.StatusAccepted
	case !res.Success:
		status = http.StatusForbidden
		if res.RateLimit != nil {
			status = http.StatusTooManyRequests
		}
	}
	c.JSON(status, res)
}

func (s *Server) handlePendingConfirmations(c *gin.Context) {
	Success(c, s.manager.Confirmations().Pending())
}

func (s *Server) handleGetConfirmation(c *gin.Context) {
	record, ok := s.manager.Confirmations().Get(c.Param("id"))
	if !ok {
		Error(c, http.StatusNotFound, "no such confirmation")
		return
	}
	Success(c, record)
}

// ResolveRequest is the approver's answer.
type ResolveRequest struct {
	Confirmed bool   `json:"confirmed"`
	UserID    string `json:"user_id"`
}

func (s *Server) handleResolveConfirmation(c *gin.Context) {
	var body ResolveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		Error(c, http.StatusBadRequest, err.Error())
		return
	}

	id := c.Param("id")
	if !s.manager.ConfirmOperation(id, body.Confirmed, body.UserID) {
		record, ok := s.manager.Confirmations().Get(id)
		if !ok {
			Error(c, http.StatusNotFound, "no such confirmation")
			return
		}
		// Known record in a terminal state: the answer did not land.
		Conflict(c, "confirmation already resolved", record.Status)
		return
	}

	record, _ := s.manager.Confirmations().Get(id)
	Success(c, record)
}

func (s *Server) handleCancelConfirmation(c *gin.Context) {
	id := c.Param("id")
	if !s.manager.Confirmations().Cancel(id) {
		Error(c, http.StatusNotFound, "no pending confirmation with that id")
		return
	}
	record, _ := s.manager.Confirmations().Get(id)
	Success(c, record)
}

func (s *Server) handleListPolicies(c *gin.Context) {
	Success(c, s.manager.Policies().ListPolicies())
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	p := s.manager.Policies().GetPolicy(c.Param("tool"))
	if p == nil {
		Error(c, http.StatusNotFound, "no policy for that tool (deny-by-default)")
		return
	}
	Success(c, p)
}

func (s *Server) handleReloadPolicies(c *gin.Context) {
	err := s.manager.ReloadPolicies()
	resp := gin.H{"policies": s.manager.Policies().PolicyCount()}
	if err != nil {
		// Partial result: well-formed files loaded, the rest fell back to
		// deny-by-default.
		resp["problems"] = err.Error()
		c.JSON(http.StatusMultiStatus, resp)
		return
	}
	Success(c, resp)
}

// AuditQuery holds the search filter as query parameters.
type AuditQuery struct {
	Stream    string `form:"stream" binding:"omitempty,oneof=audit security performance error"`
	EventType string `form:"event_type"`
	Tool      string `form:"tool"`
	UserID    string `form:"user_id"`
	SessionID string `form:"session_id"`
	Decision  string `form:"decision"`
	Since     string `form:"since"`
	Until     string `form:"until"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (s *Server) handleAuditSearch(c *gin.Context) {
	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		Error(c, http.StatusBadRequest, err.Error())
		return
	}

	f := audit.Filter{
		Stream:    audit.Stream(q.Stream),
		EventType: audit.EventType(q.EventType),
		ToolName:  q.Tool,
		UserID:    q.UserID,
		SessionID: q.SessionID,
		Decision:  types.Decision(q.Decision),
		Limit:     q.Limit,
	}
	var err error
	if q.Since != "" {
		if f.Since, err = time.Parse(time.RFC3339, q.Since); err != nil {
			Error(c, http.StatusBadRequest, "since: expected RFC3339 timestamp")
			return
		}
	}
	if q.Until != "" {
		if f.Until, err = time.Parse(time.RFC3339, q.Until); err != nil {
			Error(c, http.StatusBadRequest, "until: expected RFC3339 timestamp")
			return
		}
	}

	entries, err := s.manager.Audit().SearchLogs(f)
	if err != nil {
		if errors.Is(err, audit.ErrNoIndex) {
			Error(c, http.StatusNotImplemented, "audit index not configured")
			return
		}
		log.Error("Audit search failed: %v", err)
		Error(c, http.StatusInternalServerError, "audit search failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	Success(c, entries)
}

func (s *Server) handleAuditStats(c *gin.Context) {
	Success(c, s.manager.Audit().GetStats())
}
