// Package server exposes the relay over HTTP: a REST API, SSE streams, a
// WebSocket bridge and an MCP endpoint speaking JSON-RPC.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/sevir/agentrelay/internal/heartbeat"
	"github.com/sevir/agentrelay/internal/orchestrator"
	"github.com/sevir/agentrelay/internal/relay"
	"github.com/sevir/agentrelay/pkg/models"
)

const (
	jsonRPCVersion = "2.0"
	mcpVersion     = "2024-11-05"
)

// Service is the orchestrator surface the server drives.
type Service interface {
	Prompt(ctx context.Context, req models.PromptRequest) (*models.TurnRecord, error)
	Steer(ctx context.Context, text string) error
	FollowUp(ctx context.Context, text string) error
	Abort(ctx context.Context) error
	NewSession(ctx context.Context) (json.RawMessage, error)
	Compact(ctx context.Context, instructions string) (json.RawMessage, error)
	State(ctx context.Context) (json.RawMessage, error)
	Messages(ctx context.Context) (json.RawMessage, error)
	Restart(ctx context.Context) error
	Subscribe(h relay.Handler) (unsubscribe func())
	GetTurn(id string) (*models.TurnRecord, error)
	ListTurns(req models.ListRequest) ([]*models.TurnRecord, error)
	Status() orchestrator.Status
}

// Heartbeater triggers a heartbeat on demand.
type Heartbeater interface {
	Run(ctx context.Context) (heartbeat.Result, error)
}

// Server is the HTTP front end of the relay.
type Server struct {
	service    Service
	heartbeat  Heartbeater
	hub        *Hub
	addr       string
	version    string
	commit     string
	logger     *log.Logger
	httpServer *http.Server
	tools      map[string]ToolHandler
	unsub      func()

	sessions  map[string]*Session
	sessionMu sync.RWMutex
}

// Session represents an MCP session.
type Session struct {
	ID        string
	CreatedAt time.Time
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ToolHandler handles a tool call.
type ToolHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Config holds server configuration.
type Config struct {
	Addr      string
	Service   Service
	Hub       *Hub
	Heartbeat Heartbeater
	Version   string
	Commit    string
	Logger    *log.Logger
}

// New creates the server and subscribes its hub to agent events.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(relay.DefaultMaxChunk, logger)
	}

	s := &Server{
		service:   cfg.Service,
		heartbeat: cfg.Heartbeat,
		hub:       hub,
		addr:      cfg.Addr,
		version:   cfg.Version,
		commit:    cfg.Commit,
		logger:    logger.WithPrefix("server"),
		tools:     make(map[string]ToolHandler),
		sessions:  make(map[string]*Session),
	}
	s.registerTools()
	s.unsub = cfg.Service.Subscribe(hub.Publish)

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.Handle("/", s.newGinEngine())

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.corsMiddleware(mux),
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE and WebSocket connections are long lived.
		WriteTimeout: 0,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the fan-out hub used for deliveries.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes streaming clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsub()
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	s.sessionMu.Lock()
	if _, exists := s.sessions[sessionID]; !exists {
		s.sessions[sessionID] = &Session{ID: sessionID, CreatedAt: time.Now()}
	}
	s.sessionMu.Unlock()

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, -32700, "Parse error", err.Error())
		return
	}

	w.Header().Set("Mcp-Session-Id", sessionID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.handleRequest(r.Context(), &req))
}

func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.result(req, map[string]interface{}{
			"protocolVersion": mcpVersion,
			"serverInfo": map[string]string{
				"name":    "agentrelay",
				"version": s.version,
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
		})
	case "initialized", "notifications/initialized", "ping":
		return s.result(req, map[string]interface{}{})
	case "tools/list":
		return s.result(req, map[string]interface{}{"tools": toolDefinitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error:   &JSONRPCError{Code: -32601, Message: "Method not found"},
		}
	}
}

func (s *Server) result(req *JSONRPCRequest, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result}
}

func (s *Server) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error:   &JSONRPCError{Code: -32602, Message: "Invalid params", Data: err.Error()},
		}
	}

	handler, exists := s.tools[params.Name]
	if !exists {
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error:   &JSONRPCError{Code: -32602, Message: fmt.Sprintf("Unknown tool: %s", params.Name)},
		}
	}

	out, err := handler(ctx, params.Arguments)
	if err != nil {
		return s.result(req, map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": fmt.Sprintf("Error: %s", err.Error())},
			},
			"isError": true,
		})
	}

	text, _ := json.MarshalIndent(out, "", "  ")
	return s.result(req, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message, data string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	})
}
