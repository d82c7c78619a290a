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

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"excalmq/internal/broker"
	"excalmq/internal/protocol"
	"excalmq/internal/registry"
	"excalmq/internal/transport"
)

func newTestServer(cfg Config) (*Server, *registry.Registry) {
	reg := registry.New(registry.DefaultOptions())
	engine := broker.NewEngine(reg, nil, broker.Options{Address: "test:7878"})
	return New(cfg, engine), reg
}

// pipe starts ServeConn on one end of a pipe and returns the other end
// with a channel closed when ServeConn returns.
func pipe(t *testing.T, s *Server) (net.Conn, <-chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeConn(context.Background(), server, "pipe")
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func roundTrip(t *testing.T, conn net.Conn, p *protocol.Payload) *protocol.Response {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WritePayload(conn, p); err != nil {
		t.Fatalf("WritePayload() error: %v", err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse() error: %v", err)
	}
	return resp
}

func ping() *protocol.Payload {
	return &protocol.Payload{Request: protocol.RequestPing}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection loop did not end")
	}
}

func TestServeConnPing(t *testing.T) {
	s, _ := newTestServer(DefaultConfig())
	conn, _ := pipe(t, s)

	resp := roundTrip(t, conn, ping())
	if !resp.Status().IsSuccess() {
		t.Fatalf("status = %v", resp.Status())
	}
	if src, ok := resp.Headers().LastSource(); !ok || src.Address != "test:7878" {
		t.Errorf("Source = %+v", src)
	}
}

func TestServeConnMalformedFrameKeepsConnection(t *testing.T) {
	s, _ := newTestServer(DefaultConfig())
	conn, _ := pipe(t, s)

	frame, err := protocol.Encode(ping())
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	frame[2] = 0x42

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse() error: %v", err)
	}
	if !protocol.IsKind(resp.Err(), protocol.KindBadRequest) {
		t.Fatalf("error = %v, want BadRequest", resp.Err())
	}

	if resp := roundTrip(t, conn, ping()); !resp.Status().IsSuccess() {
		t.Errorf("ping after malformed frame: %v", resp.Status())
	}
}

func TestServeConnUnframeableStream(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  protocol.ErrorKind
	}{
		{"bad magic", []byte{0x00, protocol.ProtocolVersion, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0}, protocol.KindBadRequest},
		{"bad version", []byte{protocol.MagicByte, 0x7f, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0}, protocol.KindMTPVersionNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(DefaultConfig())
			conn, done := pipe(t, s)

			conn.SetDeadline(time.Now().Add(2 * time.Second))
			if _, err := conn.Write(tt.frame); err != nil {
				t.Fatalf("Write() error: %v", err)
			}
			resp, err := protocol.ReadResponse(conn)
			if err != nil {
				t.Fatalf("ReadResponse() error: %v", err)
			}
			if !protocol.IsKind(resp.Err(), tt.want) {
				t.Errorf("error = %v, want %s", resp.Err(), tt.want)
			}
			if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
				t.Errorf("Read() after stream error = %v, want EOF", err)
			}
			waitDone(t, done)
		})
	}
}

func TestServeConnRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	s, _ := newTestServer(cfg)
	conn, _ := pipe(t, s)

	if resp := roundTrip(t, conn, ping()); !resp.Status().IsSuccess() {
		t.Fatalf("first ping: %v", resp.Status())
	}
	resp := roundTrip(t, conn, ping())
	if !protocol.IsKind(resp.Err(), protocol.KindTooManyRequests) {
		t.Errorf("second ping error = %v, want TooManyRequests", resp.Err())
	}
}

func TestServeConnDisconnectLeavesQueues(t *testing.T) {
	s, reg := newTestServer(DefaultConfig())
	conn, done := pipe(t, s)

	resp := roundTrip(t, conn, &protocol.Payload{
		Request: protocol.RequestSubscribe,
		Headers: protocol.Headers{protocol.QueueSelector{Queue: "events"}},
	})
	if !resp.Status().IsSuccess() {
		t.Fatalf("subscribe: %v", resp.Err())
	}
	if s.ActiveConnections() != 1 {
		t.Errorf("ActiveConnections() = %d, want 1", s.ActiveConnections())
	}

	conn.Close()
	waitDone(t, done)

	snap, err := reg.Roster("events")
	if err != nil {
		t.Fatalf("Roster() error: %v", err)
	}
	if len(snap.Members) != 0 {
		t.Errorf("members after disconnect = %v", snap.Members)
	}
	if s.ActiveConnections() != 0 {
		t.Errorf("ActiveConnections() = %d after disconnect", s.ActiveConnections())
	}
}

func TestServeConnSendTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendTimeout = 50 * time.Millisecond
	s, _ := newTestServer(cfg)
	conn, done := pipe(t, s)

	// The response is never read, so sending it times out.
	if err := protocol.WritePayload(conn, ping()); err != nil {
		t.Fatalf("WritePayload() error: %v", err)
	}
	waitDone(t, done)
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, _ := newTestServer(DefaultConfig())
	l, err := transport.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if resp := roundTrip(t, conn, ping()); !resp.Status().IsSuccess() {
		t.Fatalf("ping: %v", resp.Status())
	}

	cancel()
	conn.Close()

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeShutdownTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	s, _ := newTestServer(cfg)
	l, err := transport.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, ping())

	// The client stays connected, so draining times out.
	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Serve() error = %v, want ErrShutdownTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
