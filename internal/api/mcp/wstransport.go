package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

// WebSocketTransport serves the same JSON-RPC surface as StdioTransport over
// a websocket endpoint, one request per text frame and one response per text
// frame. It exists for clients that can't spawn a stdio subprocess (editor
// plugins, remote dashboards); the stdio transport remains the primary
// interface.
type WebSocketTransport struct {
	server *Server
	log    *slog.Logger
}

func NewWebSocketTransport(srv *Server, log *slog.Logger) *WebSocketTransport {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketTransport{server: srv, log: log.With("component", "websocket")}
}

// ServeHTTP upgrades the connection and pumps request frames through the
// Server until the client disconnects or the request context ends.
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil) //nolint:staticcheck
	if err != nil {
		t.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed") //nolint:staticcheck

	ctx := r.Context()
	t.log.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			t.log.Info("websocket client disconnected", "error", err)
			return
		}
		if msgType != websocket.MessageText || len(data) == 0 { //nolint:staticcheck
			continue
		}

		resp, err := t.server.HandleRequest(ctx, data)
		if err != nil {
			resp = internalErrorResponse(data, err)
		}
		if err := conn.Write(ctx, websocket.MessageText, resp); err != nil { //nolint:staticcheck
			t.log.Warn("websocket write failed", "error", err)
			return
		}
	}
}

// ListenAndServe runs an HTTP server exposing the transport at /rpc until
// ctx is cancelled.
func (t *WebSocketTransport) ListenAndServe(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/rpc", t)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
