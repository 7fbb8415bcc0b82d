// Package api exposes the HTTP surface of the engine: SLA clocks, incident
// timelines, the realtime websocket and operational endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terminal-bench/slaengine/internal/logger"
	"github.com/terminal-bench/slaengine/internal/sla"
	"github.com/terminal-bench/slaengine/internal/timeline"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	healthCheckTimeout  = 2 * time.Second
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config wires the server to the engine components.
type Config struct {
	Timers   sla.Repository
	Timeline timeline.Log
	// Realtime serves GET /ws; nil leaves the route unregistered.
	Realtime http.Handler
	Checks   map[string]HealthCheck
	Now      func() time.Time
}

// Server is the HTTP API.
type Server struct {
	router   *gin.Engine
	timers   sla.Repository
	timeline timeline.Log
	checks   map[string]HealthCheck
	now      func() time.Time
}

// NewServer builds the router. Both Timers and Timeline are required.
func NewServer(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		router:   gin.New(),
		timers:   cfg.Timers,
		timeline: cfg.Timeline,
		checks:   cfg.Checks,
		now:      now,
	}

	s.setupRoutes(cfg.Realtime)
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(realtime http.Handler) {
	s.router.Use(gin.Recovery())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if realtime != nil {
		s.router.GET("/ws", gin.WrapH(realtime))
	}

	v1 := s.router.Group("/api/v1")
	{
		incidents := v1.Group("/incidents/:id")
		incidents.POST("/timers", s.createTimer)
		incidents.GET("/timers", s.listTimers)
		incidents.GET("/timeline", s.getTimeline)
		incidents.POST("/events", s.addEvent)
	}
}

// Middleware

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(headerCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Header(headerCorrelationID, correlationID)
		ctx := logger.With(c.Request.Context(), "correlation_id", correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.DebugKV(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Handlers

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := gin.H{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	body := gin.H{"status": "healthy", "checks": results}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// CreateTimerRequest starts an SLA clock. Exactly one of Deadline (RFC 3339)
// and Within (a Go duration such as "15m") is required.
type CreateTimerRequest struct {
	Kind     string `json:"kind" binding:"required"`
	Deadline string `json:"deadline"`
	Within   string `json:"within"`
}

func (r CreateTimerRequest) deadline(now time.Time) (time.Time, error) {
	switch {
	case r.Deadline != "" && r.Within != "":
		return time.Time{}, errors.New("deadline and within are mutually exclusive")
	case r.Deadline != "":
		t, err := time.Parse(time.RFC3339, r.Deadline)
		if err != nil {
			return time.Time{}, errors.New("deadline must be RFC 3339")
		}
		return t, nil
	case r.Within != "":
		d, err := time.ParseDuration(r.Within)
		if err != nil || d <= 0 {
			return time.Time{}, errors.New("within must be a positive duration")
		}
		return now.Add(d), nil
	default:
		return time.Time{}, errors.New("deadline or within is required")
	}
}

func (s *Server) createTimer(c *gin.Context) {
	ctx := c.Request.Context()
	incidentID := c.Param("id")

	var req CreateTimerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	now := s.now()
	deadline, err := req.deadline(now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timer := sla.NewTimer(incidentID, req.Kind, deadline, now)
	if err := s.timers.Create(ctx, timer); err != nil {
		s.writeError(c, "create timer", err)
		return
	}

	detail := gin.H{"timerId": timer.ID, "kind": timer.Kind, "deadline": timer.Deadline}
	if _, err := s.timeline.Append(ctx, incidentID, timeline.TypeSLAStarted, detail); err != nil {
		// The clock is running regardless; the started event is informational.
		logger.WarnKV(ctx, "sla_started event not recorded",
			"incident_id", incidentID, "timer_id", timer.ID, "error", err)
	}

	c.JSON(http.StatusCreated, timer)
}

func (s *Server) listTimers(c *gin.Context) {
	timers, err := s.timers.ListByIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "list timers", err)
		return
	}
	if timers == nil {
		timers = []sla.Timer{}
	}

	c.JSON(http.StatusOK, gin.H{"timers": timers})
}

func (s *Server) getTimeline(c *gin.Context) {
	events, err := s.timeline.Read(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "read timeline", err)
		return
	}
	if events == nil {
		events = []timeline.Event{}
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// AddEventRequest records a free-form timeline event.
type AddEventRequest struct {
	Type   string         `json:"type" binding:"required"`
	Detail map[string]any `json:"detail"`
}

func (s *Server) addEvent(c *gin.Context) {
	var req AddEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	// SLA events are written only by the engine.
	if req.Type == timeline.TypeSLAStarted || req.Type == timeline.TypeSLABreach {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event type " + req.Type + " is reserved"})
		return
	}

	event, err := s.timeline.Append(c.Request.Context(), c.Param("id"), req.Type, req.Detail)
	if err != nil {
		s.writeError(c, "append event", err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

func (s *Server) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, sla.ErrInvalidTimer), errors.Is(err, timeline.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, sla.ErrTimerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "timer not found"})
	case errors.Is(err, sla.ErrStoreUnavailable), errors.Is(err, timeline.ErrUnavailable):
		logger.WarnKV(c.Request.Context(), op+" failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	default:
		logger.ErrorKV(c.Request.Context(), op+" failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}
