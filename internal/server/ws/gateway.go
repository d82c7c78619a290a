/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ws provides a WebSocket gateway for excalmq.
//
// The gateway lets browsers and other WebSocket clients speak MTP. After the
// upgrade the connection is treated as a byte stream: every binary message
// carries MTP frame bytes, and every response frame is sent as one binary
// message. A frame may span several messages. The stream is served by the
// same connection loop as TCP clients, so sessions, limits and error
// handling are identical.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"excalmq/internal/logging"
	"excalmq/internal/transport"
)

// Default configuration values for the WebSocket gateway
const (
	DefaultPath            = "/mtp"
	DefaultReadBufferSize  = 4096
	DefaultWriteBufferSize = 4096
	DefaultPingInterval    = 30 * time.Second
	DefaultPongTimeout     = 10 * time.Second
	controlTimeout         = 5 * time.Second
)

// ConnHandler serves one MTP byte stream until it ends.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn transport.Conn, kind string)
}

// Config configures the gateway.
type Config struct {
	Addr           string
	Path           string
	AllowedOrigins []string
	PingInterval   time.Duration
}

func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Not a browser.
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
}

// wsConn adapts a websocket.Conn to transport.Conn.
type wsConn struct {
	conn *websocket.Conn
	r    io.Reader
	rio  sync.Mutex
	wio  sync.Mutex

	lastPong atomic.Int64
	done     chan struct{}
	once     sync.Once
}

func newWSConn(conn *websocket.Conn, pingInterval time.Duration) *wsConn {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	c.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	if pingInterval > 0 {
		go c.pingLoop(pingInterval)
	}
	return c
}

// pingLoop sends ping frames and closes connections whose peer stopped
// answering them.
func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > interval+DefaultPongTimeout {
				c.conn.Close()
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTimeout)); err != nil {
				return
			}
		}
	}
}

// Read reads the payload of the current message, moving on to the next
// message at its end. A normal close reads as io.EOF.
func (c *wsConn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (c *wsConn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }

// Gateway accepts WebSocket connections and hands them to a ConnHandler.
type Gateway struct {
	cfg      Config
	handler  ConnHandler
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// NewGateway creates a gateway. Empty fields of cfg take their defaults.
func NewGateway(cfg Config, h ConnHandler) *Gateway {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return &Gateway{
		cfg:      cfg,
		handler:  h,
		upgrader: createUpgrader(cfg.AllowedOrigins),
		logger:   logging.NewLogger("ws"),
	}
}

// Handler returns the HTTP handler serving the gateway path.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, g.handleWebSocket)
	return mux
}

// Run serves the gateway on cfg.Addr until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("WebSocket gateway listening", "addr", g.cfg.Addr, "path", g.cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("websocket gateway: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Failed to upgrade to WebSocket", "remote", logging.MaskIP(r.RemoteAddr), "error", err)
		return
	}
	g.handler.ServeConn(r.Context(), newWSConn(conn, g.cfg.PingInterval), "websocket")
}
