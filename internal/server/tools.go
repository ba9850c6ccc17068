package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sevir/agentrelay/pkg/models"
)

const (
	defaultWaitTimeout = 5 * time.Minute
	waitPollInterval   = 100 * time.Millisecond
)

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func (s *Server) registerTools() {
	s.tools["agent_prompt"] = s.toolPrompt
	s.tools["agent_steer"] = s.toolSteer
	s.tools["agent_abort"] = s.toolAbort
	s.tools["agent_restart"] = s.toolRestart
	s.tools["agent_state"] = s.toolState
	s.tools["list_turns"] = s.toolListTurns
	s.tools["get_turn"] = s.toolGetTurn
}

func toolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "agent_prompt",
			Description: "Send a prompt to the supervised agent. Output is streamed to the channel's consumers; with wait=true the call blocks until the turn finishes and returns the full response.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{
						"type":        "string",
						"description": "The prompt text",
					},
					"channel": map[string]interface{}{
						"type":        "string",
						"description": "Channel that receives the output. Defaults to 'mcp'",
					},
					"wait": map[string]interface{}{
						"type":        "boolean",
						"description": "Block until the turn finishes. Default: false",
						"default":     false,
					},
					"timeout": map[string]interface{}{
						"type":        "string",
						"description": "Maximum wait when wait=true (e.g., '30s', '5m'). Default: 5m",
					},
				},
				"required": []string{"text"},
			},
		},
		{
			Name:        "agent_steer",
			Description: "Interrupt the agent's current run with new input",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{
						"type":        "string",
						"description": "The steering message",
					},
				},
				"required": []string{"text"},
			},
		},
		{
			Name:        "agent_abort",
			Description: "Abort the agent's current run",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "agent_restart",
			Description: "Restart the agent process. Pending turns are closed as interrupted",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "agent_state",
			Description: "Get the agent's session state and the supervisor status",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "list_turns",
			Description: "List recorded turns, newest first, with optional filtering",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]interface{}{
						"type":        "array",
						"items":       map[string]string{"type": "string"},
						"description": "Filter by status: pending, completed, aborted, interrupted, failed",
					},
					"channel": map[string]interface{}{
						"type":        "string",
						"description": "Filter by channel",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of turns to return",
					},
				},
			},
		},
		{
			Name:        "get_turn",
			Description: "Get a recorded turn including its prompt, response and timing",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"turn_id": map[string]interface{}{
						"type":        "string",
						"description": "The turn ID to retrieve",
					},
				},
				"required": []string{"turn_id"},
			},
		},
	}
}

func (s *Server) toolPrompt(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args struct {
		Text    string `json:"text"`
		Channel string `json:"channel"`
		Wait    bool   `json:"wait"`
		Timeout string `json:"timeout"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Channel == "" {
		args.Channel = "mcp"
	}

	timeout := defaultWaitTimeout
	if args.Timeout != "" {
		d, err := time.ParseDuration(args.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = d
	}

	turn, err := s.service.Prompt(ctx, models.PromptRequest{
		Channel: args.Channel,
		Origin:  "mcp",
		Text:    args.Text,
	})
	if err != nil {
		return nil, err
	}
	if !args.Wait {
		return turn.ToSummary(), nil
	}
	return s.waitTurn(ctx, turn.ID, timeout)
}

// waitTurn polls the store until the turn leaves pending.
func (s *Server) waitTurn(ctx context.Context, id string, timeout time.Duration) (*models.TurnRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		turn, err := s.service.GetTurn(id)
		if err != nil {
			return nil, err
		}
		if turn.IsTerminal() {
			return turn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("turn %s still pending: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Server) toolSteer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.service.Steer(ctx, args.Text); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) toolAbort(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if err := s.service.Abort(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) toolRestart(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if err := s.service.Restart(ctx); err != nil {
		return nil, err
	}
	return s.service.Status().Agent, nil
}

func (s *Server) toolState(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	out := map[string]interface{}{"status": s.service.Status()}
	doc, err := s.service.State(ctx)
	if err != nil {
		out["state_error"] = err.Error()
	} else {
		out["state"] = doc
	}
	return out, nil
}

func (s *Server) toolListTurns(_ context.Context, params json.RawMessage) (interface{}, error) {
	var args struct {
		Status  []string `json:"status"`
		Channel string   `json:"channel"`
		Limit   int      `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	req := models.ListRequest{Channel: args.Channel, Limit: args.Limit}
	for _, st := range args.Status {
		status := models.TurnStatus(st)
		if !models.ValidTurnStatus(status) {
			return nil, fmt.Errorf("invalid status: %s", st)
		}
		req.Status = append(req.Status, status)
	}

	turns, err := s.service.ListTurns(req)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.TurnSummary, 0, len(turns))
	for _, t := range turns {
		summaries = append(summaries, t.ToSummary())
	}
	return map[string]interface{}{
		"turns": summaries,
		"total": len(summaries),
	}, nil
}

func (s *Server) toolGetTurn(_ context.Context, params json.RawMessage) (interface{}, error) {
	var args struct {
		TurnID string `json:"turn_id"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.TurnID == "" {
		return nil, fmt.Errorf("turn_id is required")
	}
	return s.service.GetTurn(args.TurnID)
}
