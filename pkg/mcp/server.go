// Package mcp serves read-only campaign introspection as MCP tools over a
// line-delimited JSON-RPC 2.0 stream.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/taskstore"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Request is a JSON-RPC 2.0 request. Requests without an ID are notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolDefinition describes a tool in tools/list.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a text block in a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// QuotaReporter reports the current quota windows.
type QuotaReporter interface {
	Status(ctx context.Context) ([]models.QuotaStatus, error)
}

// AttemptSearcher queries the attempt journal.
type AttemptSearcher interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AttemptEntry, error)
}

// Server answers MCP requests from the task store, ledger and journal.
// The journal is optional.
type Server struct {
	tasks   taskstore.Store
	quota   QuotaReporter
	journal AttemptSearcher
	version string
	log     *slog.Logger
}

// New creates a Server. journal may be nil.
func New(tasks taskstore.Store, quota QuotaReporter, journal AttemptSearcher, version string) *Server {
	return &Server{
		tasks:   tasks,
		quota:   quota,
		journal: journal,
		version: version,
		log:     slog.Default().With("component", "mcp"),
	}
}

// Run reads requests from r line by line and writes responses to w until r
// is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, *failure(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return success(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": "chainfetch", "version": s.version},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return success(req.ID, map[string]any{"tools": tools})
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return failure(req.ID, CodeInvalidParams, "invalid params")
		}
		handler, ok := handlers[params.Name]
		if !ok {
			return success(req.ID, errorResult("unknown tool: "+params.Name))
		}
		s.log.Debug("tool call", "tool", params.Name)
		return success(req.ID, handler(ctx, s, params.Arguments))
	default:
		return failure(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func success(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func failure(id json.RawMessage, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", "error", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.log.Error("write response", "error", err)
	}
}
