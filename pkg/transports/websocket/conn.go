// Package websocket carries the protocol over a WebSocket. Each protocol
// line travels as one text message.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/simtree/simtree/pkg/memauthority"
)

const (
	// DefaultWriteTimeout bounds a single message write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// maxMessageSize limits one incoming message.
	maxMessageSize = 4 << 20
)

// Conn adapts a WebSocket connection to a byte stream.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps ws. writeTimeout of zero uses DefaultWriteTimeout.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// Read reads message payloads back to back. A normal close from the peer
// reads as io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.TextMessage {
				log.Debug().Int("type", messageType).Msg("skipping non-text message")
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one text message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Dial opens a protocol stream to a WebSocket endpoint such as
// ws://host:7400/simtree.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(ws, 0), nil
}

// Handler serves the protocol to each WebSocket client.
type Handler struct {
	server   atomic.Pointer[memauthority.Server]
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler returns an http.Handler that upgrades requests and serves
// them with server.
func NewHandler(server *memauthority.Server, logger zerolog.Logger) *Handler {
	h := &Handler{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
	h.server.Store(server)
	return h
}

// Swap makes server answer every connection accepted from now on.
// Connections already open keep their server.
func (h *Handler) Swap(server *memauthority.Server) {
	h.server.Store(server)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	if err := h.server.Load().ServeConn(r.Context(), NewConn(ws, 0)); err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("connection ended with error")
		return
	}
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
}
