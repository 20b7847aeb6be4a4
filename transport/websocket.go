// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/creachadair/pipeline"
)

// DialWebSocket returns a Dialer that connects to a WebSocket endpoint at url
// and exchanges one JSON message per text frame. Use it with NewPersistent.
func DialWebSocket(url string, opts *websocket.DialOptions) Dialer {
	return func(ctx context.Context) (pipeline.Transport, error) {
		c, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return WebSocket(c), nil
	}
}

// WebSocketHandler returns an HTTP handler that upgrades each request to a
// WebSocket connection and passes it to serve, typically the ServeConn method
// of a pipeline.Dispatcher. The connection is closed when serve returns.
func WebSocketHandler(serve func(context.Context, pipeline.Transport) error, opts *websocket.AcceptOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, opts)
		if err != nil {
			return // Accept has already written an error response
		}
		t := WebSocket(c)
		defer t.Close()
		if err := serve(r.Context(), t); err != nil {
			log.Printf("[websocket] serve %s: %v", r.RemoteAddr, err)
		}
	})
}

// WebSocket constructs a transport that exchanges one JSON message per frame
// on c. Closing the transport closes c with a normal closure status.
func WebSocket(c *websocket.Conn) *WebSocketTransport {
	c.SetReadLimit(MaxFrameBytes)
	return &WebSocketTransport{c: c}
}

// A WebSocketTransport sends and receives messages on a WebSocket connection.
type WebSocketTransport struct {
	c *websocket.Conn
}

// Send implements a method of the [pipeline.Transport] interface.
func (w *WebSocketTransport) Send(msg *pipeline.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.c.Write(context.Background(), websocket.MessageText, data)
}

// Recv implements a method of the [pipeline.Transport] interface. A normal
// closure by the remote peer is reported as io.EOF.
func (w *WebSocketTransport) Recv() (*pipeline.Message, error) {
	_, data, err := w.c.Read(context.Background())
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return decodeFrame(data)
}

// Close implements a method of the [pipeline.Transport] interface.
func (w *WebSocketTransport) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
