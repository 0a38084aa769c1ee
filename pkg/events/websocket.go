package events

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSink streams events as JSON text frames to a websocket endpoint.
// The connection is dialed lazily and re-dialed after a write failure.
type WebSocketSink struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink for url
func NewWebSocketSink(url string, header http.Header) *WebSocketSink {
	return &WebSocketSink{
		URL:          url,
		Header:       header,
		WriteTimeout: 10 * time.Second,
		Dialer:       websocket.DefaultDialer,
	}
}

// Deliver implements Sink
func (w *WebSocketSink) Deliver(ctx context.Context, ev *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		conn, resp, err := w.Dialer.DialContext(ctx, w.URL, w.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("websocket dial %s: %w", w.URL, err)
		}
		w.conn = conn
	}

	if w.WriteTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout))
	}
	if err := w.conn.WriteJSON(ev); err != nil {
		_ = w.conn.Close()
		w.conn = nil
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and drops the connection
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}
