// Package mcp – transport.go provides the StdioTransport that wires the
// Server to an MCP client via line-delimited JSON-RPC 2.0 over stdin/stdout.
//
// Protocol rules (must be followed exactly):
//   - Each JSON-RPC request arrives as a single newline-terminated line on
//     stdin.
//   - Each JSON-RPC response is written as a single newline-terminated line
//     to stdout.
//   - ALL diagnostic output (logging, errors) MUST go to stderr only. Any
//     stray bytes on stdout will corrupt the protocol framing.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from an
// io.Reader and writes responses to an io.Writer. It is the bridge between
// the raw stdio streams and the Server.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	log    *slog.Logger
}

// NewStdioTransport constructs a StdioTransport that reads from in and
// writes to out. Diagnostics go to a stderr slog handler so the stdout
// stream stays clean for JSON-RPC framing.
//
// Usage with real stdio:
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		log:    slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "stdio"),
	}
}

// Serve processes JSON-RPC 2.0 requests until stdin is closed or ctx is
// cancelled. Each request is handled synchronously in arrival order; the
// protocol does not require concurrent processing at the transport level.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)

	// Large bulk-add and import frames need headroom beyond the default
	// 64 KB scanner buffer.
	const maxBuf = 4 * 1024 * 1024
	scanner.Buffer(make([]byte, maxBuf), maxBuf)

	for {
		select {
		case <-ctx.Done():
			t.log.Info("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				t.log.Error("stdin scanner error", "error", err)
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.log.Info("stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			// HandleRequest produces a JSON-RPC error frame for every normal
			// failure; an error here means even that could not be built, so
			// synthesize one to keep the framing alive.
			t.log.Error("handler error", "error", err)
			resp = internalErrorResponse(line, err)
		}

		if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
			t.log.Error("write error", "error", err)
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// internalErrorResponse builds a best-effort JSON-RPC error frame when the
// server returned an unexpected error, recovering the request id from the
// raw bytes so the caller can still correlate the response.
func internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: handlerErr.Error(),
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
