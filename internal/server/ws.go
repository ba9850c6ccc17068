package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sevir/agentrelay/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 8 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsCommand is a frame sent by a WebSocket client.
type wsCommand struct {
	ID     string                `json:"id,omitempty"`
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Images []models.ImageContent `json:"images,omitempty"`
}

// handleWebSocket bridges one client: events and the chunks for its channel
// are pushed, command frames are executed against the service. The channel
// comes from the query string, or a generated one is assigned.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	channel := c.Query("channel")
	if channel == "" {
		channel = "ws-" + uuid.New().String()[:8]
	}
	events := c.Query("events") != "false"

	sub, unregister := s.hub.register(channel, true, events)
	defer unregister()

	s.logger.Info("websocket connected", "channel", channel, "remote", c.Request.RemoteAddr)
	defer s.logger.Info("websocket disconnected", "channel", channel)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go s.wsWritePump(ctx, conn, sub)

	s.hub.reply(sub, Frame{Type: "connected", Data: gin.H{"channel": channel}})
	s.wsReadPump(ctx, conn, sub, channel)
}

func (s *Server) wsReadPump(ctx context.Context, conn *websocket.Conn, sub *client, channel string) {
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "channel", channel, "error", err)
			}
			return
		}
		s.hub.reply(sub, s.execute(ctx, cmd, channel))
	}
}

// wsWritePump owns all writes to conn.
func (s *Server) wsWritePump(ctx context.Context, conn *websocket.Conn, sub *client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case <-s.hub.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case f := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// execute runs one client command and builds the response frame.
func (s *Server) execute(ctx context.Context, cmd wsCommand, channel string) Frame {
	var (
		data any
		err  error
	)
	switch cmd.Type {
	case models.CommandPrompt:
		var turn *models.TurnRecord
		turn, err = s.service.Prompt(ctx, models.PromptRequest{
			TurnID:  cmd.ID,
			Channel: channel,
			Origin:  "ws",
			Text:    cmd.Text,
			Images:  cmd.Images,
		})
		if turn != nil {
			data = turn
		}
	case models.CommandSteer:
		err = s.service.Steer(ctx, cmd.Text)
	case models.CommandFollowUp:
		err = s.service.FollowUp(ctx, cmd.Text)
	case models.CommandAbort:
		err = s.service.Abort(ctx)
	case models.CommandGetState:
		var doc json.RawMessage
		doc, err = s.service.State(ctx)
		if err == nil {
			data = doc
		}
	default:
		err = fmt.Errorf("unsupported command: %q", cmd.Type)
	}

	ok := err == nil
	f := Frame{Type: "response", Command: cmd.Type, Success: &ok, Data: data}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}
