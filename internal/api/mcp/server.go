package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/importer"
	"github.com/scrypster/memento/internal/indexer"
	"github.com/scrypster/memento/internal/jobs"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/normalize"
	"github.com/scrypster/memento/internal/query"
	"github.com/scrypster/memento/internal/storage"
	syncpkg "github.com/scrypster/memento/internal/sync"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// serverVersion identifies this build in initialize responses.
const serverVersion = "1.0.0"

// toolHandler executes one tool call. Arguments have already passed schema
// validation when the handler runs.
type toolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// toolDef is one registry entry: name -> (handler, input_schema,
// description).
type toolDef struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     toolHandler
}

// Deps is the context struct injected alongside every tool call:
// references to the MemoryManager, QueryEngine, stores, embedding service,
// Indexer, Normalizer, and JobRegistry.
type Deps struct {
	Manager    *memory.Manager
	Engine     *query.Engine
	Vec        storage.VectorStore
	Graph      storage.GraphStore
	Embedder   *embedding.Service
	Cache      *embedding.Cache
	Indexer    *indexer.Indexer
	Normalizer *normalize.Normalizer
	Jobs       *jobs.Registry
	Sync       *syncpkg.Layer
	Exchange   *importer.Exchange
}

// Server exposes the memory service's tool surface (C11) over JSON-RPC 2.0.
type Server struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	tools     map[string]toolDef
	toolOrder []string
	sessionID string
}

// ServerOption configures optional Server behavior.
type ServerOption func(*Server)

// WithLogger overrides the default slog logger. The transport contract
// requires all diagnostics to stay off stdout.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer builds the tool surface over the injected capabilities.
func NewServer(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       slog.Default(),
		tools:     make(map[string]toolDef),
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

func (s *Server) register(def toolDef) {
	s.tools[def.Name] = def
	s.toolOrder = append(s.toolOrder, def.Name)
}

// HandleRequest processes one JSON-RPC 2.0 request frame and returns the
// response frame. This is the single entry point used by both transports.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", nil)
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	switch req.Method {
	case "initialize":
		return s.successResponse(req.ID, s.initializeResult())
	case "initialized":
		// Notification; no response body required, return an empty object.
		return s.successResponse(req.ID, map[string]interface{}{})
	case "tools/list":
		return s.successResponse(req.ID, MCPToolsListResult{Tools: s.buildToolsList()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "shutdown":
		return s.successResponse(req.ID, map[string]interface{}{"status": "ok"})
	}

	// Direct dispatch: each registered tool is also callable as a plain
	// JSON-RPC method with its arguments as params, for callers that don't
	// speak the MCP envelope.
	if def, ok := s.tools[req.Method]; ok {
		args, err := paramsToArgs(req.Params)
		if err != nil {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
		}
		result, err := s.callTool(ctx, def, args)
		if err != nil {
			code, data := errorCode(err)
			return s.errorResponse(req.ID, code, err.Error(), data)
		}
		return s.successResponse(req.ID, result)
	}

	return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
}

func (s *Server) initializeResult() MCPInitializeResult {
	return MCPInitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools: MCPToolsCapability{ListChanged: false},
		},
		ServerInfo: MCPServerInfo{
			Name:      "memento",
			Version:   serverVersion,
			ProjectID: s.cfg.Project.ProjectID,
		},
	}
}

func (s *Server) buildToolsList() []MCPTool {
	out := make([]MCPTool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		def := s.tools[name]
		out = append(out, MCPTool{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema})
	}
	return out
}

func (s *Server) handleToolsCall(ctx context.Context, req JSONRPCRequest) ([]byte, error) {
	var p MCPToolCallParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
	}
	def, ok := s.tools[p.Name]
	if !ok {
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("unknown tool: %s", p.Name), nil)
	}
	args := p.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := s.callTool(ctx, def, args)
	if err != nil {
		code, data := errorCode(err)
		return s.errorResponse(req.ID, code, err.Error(), data)
	}

	text, err := json.Marshal(result)
	if err != nil {
		return s.errorResponse(req.ID, ErrCodeInternalError, fmt.Sprintf("failed to marshal result: %v", err), nil)
	}
	return s.successResponse(req.ID, MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	})
}

// callTool validates args against the tool's schema, runs the handler, and
// meters duration and status.
func (s *Server) callTool(ctx context.Context, def toolDef, args map[string]interface{}) (interface{}, error) {
	start := time.Now()
	if err := validateArgs(def.InputSchema, args); err != nil {
		s.log.Warn("tool_call", "tool", def.Name, "status", "invalid_params", "error", err.Error())
		return nil, err
	}
	result, err := def.Handler(ctx, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	s.log.Info("tool_call", "tool", def.Name, "status", status, "duration_ms", time.Since(start).Milliseconds())
	return result, err
}

// errorCode maps a failure to its JSON-RPC code, attaching a retryable
// marker for transient storage failures.
func errorCode(err error) (int, interface{}) {
	if ce, ok := corerr.As(err); ok {
		switch ce.Kind {
		case corerr.KindValidation:
			return ErrCodeInvalidParams, errData(ce)
		default:
			return ErrCodeInternalError, errData(ce)
		}
	}
	return ErrCodeInternalError, nil
}

func errData(ce *corerr.Error) interface{} {
	data := map[string]interface{}{"kind": string(ce.Kind)}
	if ce.Retryable() {
		data["retryable"] = true
	}
	if ce.Field != "" {
		data["field"] = ce.Field
	}
	if ce.EntityID != "" {
		data["entity_id"] = ce.EntityID
	}
	return data
}

// containedPath validates that path, once absolute, stays inside the
// configured project root, returning the
// cleaned absolute path.
func (s *Server) containedPath(path string) (string, error) {
	if path == "" {
		return "", corerr.Field("path", "must not be empty")
	}
	root, err := filepath.Abs(s.cfg.Project.ProjectPath)
	if err != nil {
		return "", corerr.Wrap(corerr.KindInternal, err, "resolve project root")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", corerr.Field("path", fmt.Sprintf("%q escapes the project root", path))
	}
	return abs, nil
}

func paramsToArgs(params interface{}) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := params.(map[string]interface{})
	if !ok {
		return nil, errors.New("params must be an object")
	}
	return args, nil
}

func unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
