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

/*
Package server implements the excalmq connection server.

ARCHITECTURE OVERVIEW:
======================
The server consumes a stream of accepted connections and runs one goroutine
per connection. Each goroutine owns a broker session:

	transport.Accept ──▶ Serve ──▶ ServeConn (one per connection)
	                                 │
	                                 ├── protocol.ReadPayload
	                                 ├── rate limiter
	                                 ├── broker.Session.Handle
	                                 └── transport.Send (with timeout)

ERRORS ON THE WIRE:
===================
  - A frame that cannot be decoded but was read completely gets an Error1
    response and the connection carries on.
  - A stream that cannot be framed (bad magic, unsupported version) gets
    one Error1 response and is closed.
  - A response that cannot be sent in time closes the connection. Registry
    state is left untouched until the session is closed.

SHUTDOWN:
=========
When the serve context ends the listener closes, open connections drain
for up to ShutdownTimeout, and whatever remains is closed. Every session
is closed before its goroutine exits, which removes the client from its
queues.
*/
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"excalmq/internal/broker"
	"excalmq/internal/logging"
	"excalmq/internal/protocol"
	"excalmq/internal/transport"
)

// ErrShutdownTimeout is returned by Serve when connections did not drain in
// time.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the connection-level settings of the server.
type Config struct {
	// Limits bounds the header and body sections of inbound frames.
	Limits protocol.Limits
	// SendTimeout bounds writing one response. Zero means no bound.
	SendTimeout time.Duration
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
	// RateLimit is the sustained number of requests per second allowed on
	// one connection. Zero disables rate limiting.
	RateLimit float64
	// RateBurst is the number of requests a connection may send at once.
	RateBurst int
	// MaxConnections caps concurrent connections. Zero means no cap.
	MaxConnections int
	// ShutdownTimeout bounds connection draining on shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Limits:          protocol.DefaultLimits(),
		SendTimeout:     5 * time.Second,
		IdleTimeout:     5 * time.Minute,
		RateLimit:       1000,
		RateBurst:       100,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server serves MTP connections.
type Server struct {
	cfg    Config
	engine *broker.Engine

	logger     *logging.Logger
	connLogger *logging.ConnectionLogger

	active atomic.Int64
}

// New creates a server that hands requests to engine.
func New(cfg Config, engine *broker.Engine) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	logger := logging.NewLogger("server")
	return &Server{
		cfg:        cfg,
		engine:     engine,
		logger:     logger,
		connLogger: logging.NewConnectionLogger(logger),
	}
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Serve accepts connections from l until ctx ends or l fails. It returns
// after every connection has finished.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	s.logger.Info("Server started", "addr", l.Addr().String())

	// Connections outlive ctx while they drain.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var g errgroup.Group
	if s.cfg.MaxConnections > 0 {
		g.SetLimit(s.cfg.MaxConnections)
	}

	var acceptErr error
	for a := range transport.Accept(ctx, l) {
		if a.Err != nil {
			acceptErr = a.Err
			s.logger.Error("Accept failed", "error", a.Err)
			break
		}
		conn := a.Conn
		started := g.TryGo(func() error {
			s.ServeConn(connCtx, conn, "tcp")
			return nil
		})
		if !started {
			s.reject(conn)
		}
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Server stopped")
		return acceptErr
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("Shutdown timeout exceeded, closing connections", "active", s.ActiveConnections())
		cancel()
		<-done
		return ErrShutdownTimeout
	}
}

// reject turns away a connection over the connection cap.
func (s *Server) reject(conn transport.Conn) {
	defer conn.Close()
	err := protocol.NewError(protocol.KindServiceUnavailable, "connection limit reached")
	s.reply(conn, protocol.ErrorResponse(err, nil))
	s.logger.Warn("Connection rejected", "remote", logging.MaskIP(remoteAddr(conn)))
}

// ServeConn runs the request loop of one connection and returns when the
// connection ends. kind names the transport in logs. ServeConn closes conn.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn, kind string) {
	s.active.Add(1)
	defer s.active.Add(-1)

	id := uuid.NewString()
	remote := remoteAddr(conn)
	start := time.Now()
	var requests uint64
	reason := "client_disconnect"

	s.connLogger.LogNewConnection(id, kind, remote)
	session := s.engine.NewSession(remote)

	defer func() {
		s.connLogger.LogConnectionClosed(id, reason, requests, time.Since(start))
	}()
	defer session.Close()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
	}

	r := bufio.NewReader(conn)
	for {
		if s.cfg.IdleTimeout > 0 {
			if d, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
				d.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			}
		}

		p, err := protocol.ReadPayload(r, s.cfg.Limits)
		if err != nil {
			var (
				se *protocol.StreamError
				pe *protocol.ProtocolError
			)
			switch {
			case errors.As(err, &se):
				reason = "protocol_error"
				s.reply(conn, protocol.ErrorResponse(se.Err, nil))
				return
			case errors.As(err, &pe):
				requests++
				if err := s.reply(conn, protocol.ErrorResponse(pe, nil)); err != nil {
					reason = sendFailure(err)
					return
				}
				continue
			case ctx.Err() != nil:
				reason = "shutdown"
			case isTimeout(err):
				reason = "idle_timeout"
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				reason = "read_error"
				s.logger.Debug("Read failed", "conn", id, "error", err)
			}
			return
		}
		requests++

		var resp *protocol.Response
		if limiter != nil && !limiter.Allow() {
			err := protocol.NewError(protocol.KindTooManyRequests, "request rate exceeded")
			resp = protocol.ErrorResponse(err, p.Headers.Without(protocol.UnitAuthentication))
		} else {
			resp = session.Handle(ctx, p)
		}

		if err := s.reply(conn, resp); err != nil {
			reason = sendFailure(err)
			return
		}
	}
}

// reply encodes and sends resp.
func (s *Server) reply(conn transport.Conn, resp *protocol.Response) error {
	b, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		b, err = protocol.EncodeResponse(protocol.ErrorResponse(err, nil))
		if err != nil {
			return err
		}
	}
	return transport.Send(conn, b, s.cfg.SendTimeout)
}

func sendFailure(err error) string {
	if errors.Is(err, transport.ErrTimeout) {
		return "send_timeout"
	}
	return "send_failed"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func remoteAddr(conn transport.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
