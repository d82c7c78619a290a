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

// Package transport abstracts the byte streams MTP frames travel on.
//
// A Conn is anything that reads and writes bytes and knows its peer: a TCP
// connection, one end of net.Pipe, or a WebSocket adapted by the gateway.
// Accept turns a Listener into a channel of connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// ErrTimeout is returned by Send when the peer did not take the bytes in
// time. It wraps os.ErrDeadlineExceeded.
var ErrTimeout = errors.New("send timed out")

// Conn is a bidirectional byte stream.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// Listener yields inbound connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

type netListener struct {
	net.Listener
}

func (l netListener) Accept() (Conn, error) {
	return l.Listener.Accept()
}

// FromNet adapts a net.Listener.
func FromNet(l net.Listener) Listener {
	return netListener{Listener: l}
}

// Listen opens a TCP listener on addr with address reuse enabled where
// the platform supports it.
func Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{Control: control}
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return FromNet(l), nil
}

// Send writes b to conn. A positive timeout bounds the write; when it
// expires Send returns an error matching ErrTimeout.
func Send(conn Conn, b []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}

	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

// Accepted is one element of an Accept stream. Err is set only on the last
// element, when the listener failed.
type Accepted struct {
	Conn Conn
	Err  error
}

// Accept streams connections from l until ctx ends or l fails, then closes
// the channel. Accept owns l and closes it when ctx ends. Temporary accept
// errors are retried with backoff.
func Accept(ctx context.Context, l Listener) <-chan Accepted {
	out := make(chan Accepted)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	go func() {
		defer close(out)
		var delay time.Duration
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					delay = backoff(delay)
					select {
					case <-time.After(delay):
						continue
					case <-ctx.Done():
						return
					}
				}
				select {
				case out <- Accepted{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			delay = 0

			select {
			case out <- Accepted{Conn: conn}:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()
	return out
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}
