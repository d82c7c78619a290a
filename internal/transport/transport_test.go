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

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"
)

func TestSend(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		if err := Send(client, []byte("hello"), time.Second); err != nil {
			t.Errorf("Send() error: %v", err)
		}
	}()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("ReadFull() error: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("received %q", buf)
	}
}

func TestSendTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Nobody reads from server, so the write blocks until the deadline.
	err := Send(client, []byte("stuck"), 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send() error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Send() error = %v does not wrap os.ErrDeadlineExceeded", err)
	}
}

func TestAccept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	stream := Accept(ctx, l)

	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		defer c.Close()

		select {
		case a := <-stream:
			if a.Err != nil || a.Conn == nil {
				t.Fatalf("accepted %+v", a)
			}
			a.Conn.Close()
		case <-time.After(2 * time.Second):
			t.Fatal("no connection accepted")
		}
	}

	cancel()
	select {
	case a, ok := <-stream:
		if ok {
			t.Errorf("stream yielded %+v after cancel", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

type failingListener struct {
	err error
}

func (f failingListener) Accept() (Conn, error) { return nil, f.err }
func (f failingListener) Close() error          { return nil }
func (f failingListener) Addr() net.Addr        { return &net.TCPAddr{} }

func TestAcceptListenerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("listener broke")
	stream := Accept(ctx, failingListener{err: boom})

	a, ok := <-stream
	if !ok || !errors.Is(a.Err, boom) {
		t.Fatalf("first element = %+v, %v", a, ok)
	}
	if _, ok := <-stream; ok {
		t.Error("stream not closed after failure")
	}
}
