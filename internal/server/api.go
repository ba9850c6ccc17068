package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sevir/agentrelay/pkg/models"
)

type apiTextRequest struct {
	Text string `json:"text"`
}

type apiCompactRequest struct {
	Instructions string `json:"instructions"`
}

type apiTurnListItem struct {
	models.TurnSummary
	Origin    string `json:"origin,omitempty"`
	Heartbeat bool   `json:"heartbeat,omitempty"`
}

func (s *Server) handleAPIStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  s.service.Status(),
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleAPIPrompt(c *gin.Context) {
	var req models.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Origin == "" {
		req.Origin = "api"
	}

	turn, err := s.service.Prompt(c.Request.Context(), req)
	if err != nil {
		body := gin.H{"error": err.Error()}
		if turn != nil {
			body["turn"] = turn
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"turn": turn})
}

func (s *Server) handleAPISteer(c *gin.Context) {
	s.handleText(c, s.service.Steer)
}

func (s *Server) handleAPIFollowUp(c *gin.Context) {
	s.handleText(c, s.service.FollowUp)
}

func (s *Server) handleText(c *gin.Context, send func(context.Context, string) error) {
	var req apiTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := send(c.Request.Context(), req.Text); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (s *Server) handleAPIAbort(c *gin.Context) {
	if err := s.service.Abort(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleAPINewSession(c *gin.Context) {
	s.passthrough(c, s.service.NewSession)
}

func (s *Server) handleAPICompact(c *gin.Context) {
	var req apiCompactRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.passthrough(c, func(ctx context.Context) (json.RawMessage, error) {
		return s.service.Compact(ctx, req.Instructions)
	})
}

func (s *Server) handleAPIState(c *gin.Context) {
	s.passthrough(c, s.service.State)
}

func (s *Server) handleAPIMessages(c *gin.Context) {
	s.passthrough(c, s.service.Messages)
}

// passthrough returns the agent's response document unchanged.
func (s *Server) passthrough(c *gin.Context, call func(context.Context) (json.RawMessage, error)) {
	doc, err := call(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
}

func (s *Server) handleAPIRestart(c *gin.Context) {
	if err := s.service.Restart(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "agent": s.service.Status().Agent})
}

func (s *Server) handleAPIHeartbeat(c *gin.Context) {
	if s.heartbeat == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "heartbeat disabled"})
		return
	}
	res, err := s.heartbeat.Run(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"heartbeat": res})
}

func (s *Server) handleAPITurnsList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseIntQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, err := parseIntQuery(c, "offset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	turns, err := s.service.ListTurns(models.ListRequest{
		Status:  statuses,
		Channel: c.Query("channel"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	items := make([]apiTurnListItem, 0, len(turns))
	for _, t := range turns {
		items = append(items, apiTurnListItem{
			TurnSummary: t.ToSummary(),
			Origin:      t.Origin,
			Heartbeat:   t.Heartbeat,
		})
	}
	c.JSON(http.StatusOK, gin.H{"turns": items})
}

func (s *Server) handleAPITurnGet(c *gin.Context) {
	turn, err := s.service.GetTurn(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turn": turn})
}
