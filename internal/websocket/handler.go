// Package websocket streams job progress events over WebSocket connections.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PentesterFlow/qadocgen/internal/events"
	"github.com/PentesterFlow/qadocgen/internal/logger"
)

// Handler upgrades HTTP requests and writes a job's events as JSON text
// frames. The connection is closed normally after the job's final event.
type Handler struct {
	upgrader     websocket.Upgrader
	hub          *events.Hub
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *logger.Logger
}

// NewHandler creates a handler streaming from hub.
func NewHandler(hub *events.Hub, log *logger.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hub:          hub,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
		logger:       logger.OrNop(log).WithComponent("websocket"),
	}
}

// SetPingInterval sets how often idle connections are pinged.
func (h *Handler) SetPingInterval(d time.Duration) {
	h.pingInterval = d
}

// Serve streams jobID's events on the connection upgraded from r. It
// returns when the job finishes, the client goes away, or r's context is
// done.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, jobID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	defer conn.Close()

	log := h.logger.WithJob(jobID)
	log.Debug("event stream opened")

	sub := h.hub.Subscribe(jobID)
	defer sub.Close()

	// Reads only drain control frames and notice the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-gone:
			log.Debug("client closed event stream")
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case e, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
				return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return err
			}
		}
	}
}

// Client follows a remote event stream.
type Client struct {
	mu      sync.RWMutex
	dialer  *websocket.Dialer
	headers http.Header
}

// NewClient creates a client.
func NewClient() *Client {
	return &Client{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		headers: make(http.Header),
	}
}

// SetHeaders sets headers sent with the handshake.
func (c *Client) SetHeaders(headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range headers {
		c.headers.Set(k, v)
	}
}

// Follow connects to rawURL and calls fn for every event until the server
// closes the stream, fn returns an error, or ctx is done. A normal close
// returns nil.
func (c *Client) Follow(ctx context.Context, rawURL string, fn func(events.Event) error) error {
	wsURL, err := toWebSocketURL(rawURL)
	if err != nil {
		return err
	}

	c.mu.RLock()
	headers := c.headers.Clone()
	c.mu.RUnlock()

	conn, _, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// ErrStop may be returned by a Follow callback to end the stream early
// without an error.
var ErrStop = errors.New("stop following")

// toWebSocketURL rewrites http(s) URLs to ws(s).
func toWebSocketURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid websocket URL %q", rawURL)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "wss"
	}
	return parsed.String(), nil
}
