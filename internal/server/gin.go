package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sevir/agentrelay/internal/agent"
	"github.com/sevir/agentrelay/internal/orchestrator"
	"github.com/sevir/agentrelay/internal/relay"
	"github.com/sevir/agentrelay/internal/store"
	"github.com/sevir/agentrelay/pkg/models"
)

const sseKeepAlive = 15 * time.Second

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/status", s.handleAPIStatus)

		api.POST("/prompt", s.handleAPIPrompt)
		api.POST("/steer", s.handleAPISteer)
		api.POST("/follow_up", s.handleAPIFollowUp)
		api.POST("/abort", s.handleAPIAbort)
		api.POST("/new_session", s.handleAPINewSession)
		api.POST("/compact", s.handleAPICompact)
		api.POST("/restart", s.handleAPIRestart)
		api.POST("/heartbeat", s.handleAPIHeartbeat)

		api.GET("/state", s.handleAPIState)
		api.GET("/messages", s.handleAPIMessages)

		api.GET("/turns", s.handleAPITurnsList)
		api.GET("/turns/:id", s.handleAPITurnGet)

		api.GET("/events", s.handleAPIEvents)
		api.GET("/channels/:channel/stream", s.handleAPIChannelStream)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.service.Status()
	status := "healthy"
	if st.Agent.State != models.ProcessRunning {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"agent":  st.Agent.State,
		"turns":  st.Turns,
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

// handleAPIEvents streams every agent event as SSE.
func (s *Server) handleAPIEvents(c *gin.Context) {
	sub, unregister := s.hub.register("", false, true)
	defer unregister()
	s.stream(c, sub)
}

// handleAPIChannelStream streams the chunks delivered to one channel as SSE.
func (s *Server) handleAPIChannelStream(c *gin.Context) {
	sub, unregister := s.hub.register(c.Param("channel"), true, false)
	defer unregister()
	s.stream(c, sub)
}

func (s *Server) stream(c *gin.Context, sub *client) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"channel": sub.channel})
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.Done():
			return
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().Unix()})
		case f := <-sub.send:
			switch f.Type {
			case "event":
				c.SSEvent("event", string(f.Event))
			default:
				c.SSEvent(f.Type, f)
			}
		}
		c.Writer.Flush()
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var rpcErr *agent.RPCError
	switch {
	case errors.Is(err, orchestrator.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, relay.ErrUnknownTurn):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, relay.ErrInterceptorBusy),
		errors.Is(err, relay.ErrDuplicateTurn):
		return http.StatusConflict
	case errors.Is(err, agent.ErrNotRunning), errors.Is(err, agent.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrRPCTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func parseStatusQuery(c *gin.Context) ([]models.TurnStatus, error) {
	raw := c.QueryArray("status")
	if len(raw) == 1 {
		// Also accept a comma-separated list.
		raw = strings.Split(raw[0], ",")
	}

	var statuses []models.TurnStatus
	for _, part := range raw {
		st := models.TurnStatus(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		if !models.ValidTurnStatus(st) {
			return nil, &apiError{msg: "invalid status: " + string(st)}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func parseIntQuery(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &apiError{msg: "invalid " + name}
	}
	return v, nil
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }
