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
Package client provides the excalmq Go client library.

QUICK START:
============

	// Connect with a local token
	c, err := client.Dial(ctx, "localhost:7878", client.WithToken("alice", "s3cret"))
	defer c.Close()

	// Join a queue, creating it if needed
	sub, err := c.Subscribe(ctx, "orders", client.SubscribeOptions{Create: true})

	// Publish to everyone in the queue
	receipt, err := c.Publish(ctx, "orders", client.Outgoing{Body: `{"id":42}`})

	// Pull the next message from this client's mailbox
	msg, err := c.Pull(ctx, "orders")
	if msg != nil {
	    fmt.Println(msg.From, msg.Body)
	}

PENDING SUBSCRIPTIONS:
======================
Subscribing to a private queue returns a Subscription with Pending set until
a moderator authorizes the client. Pull fails with Forbidden until then.

ERRORS:
=======
Error responses are returned as *protocol.ProtocolError. Use
protocol.IsKind to branch on the error kind.

THREAD SAFETY:
==============
The client is safe for concurrent use by multiple goroutines. Requests on
one client are serialized; open several clients for parallel requests.
*/
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"excalmq/internal/protocol"

	"github.com/google/uuid"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("client: connection closed")

// Options configures a client.
type Options struct {
	// ConnectTimeout bounds Dial when the context has no deadline.
	ConnectTimeout time.Duration
	// RequestTimeout bounds each request when the context has no deadline.
	RequestTimeout time.Duration
	// Auth is attached to requests until the server accepts it.
	Auth *protocol.Authentication
}

// Option modifies Options.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// WithToken authenticates with a local token.
func WithToken(clientID, secret string) Option {
	return WithCredential(protocol.AuthMethod{Kind: protocol.AuthLocalToken}, clientID+":"+secret)
}

// WithBasicAuth authenticates with an Authorization credential using the
// Basic scheme.
func WithBasicAuth(clientID, secret string) Option {
	cred := base64.StdEncoding.EncodeToString([]byte(clientID + ":" + secret))
	return WithCredential(protocol.AuthMethod{Kind: protocol.AuthAuthorization, Scheme: protocol.SchemeBasic}, cred)
}

// WithCredential authenticates with an arbitrary method and credential.
func WithCredential(method protocol.AuthMethod, credential string) Option {
	return func(o *Options) {
		o.Auth = &protocol.Authentication{Method: method, Credential: credential}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

// Client is one MTP connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	opts   Options
	authed bool
	closed bool
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dialer := &net.Dialer{}
	if _, ok := ctx.Deadline(); !ok && o.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.ConnectTimeout)
		defer cancel()
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return newClient(conn, o), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(conn, o)
}

func newClient(conn net.Conn, o Options) *Client {
	return &Client{conn: conn, opts: o}
}

// Close closes the connection. The server releases every queue membership
// of an anonymous client on disconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Do sends a raw request and returns the server's response. Error
// responses are returned as responses, not errors; err is set only when
// the exchange itself failed. A failed exchange closes the client.
func (c *Client) Do(ctx context.Context, p *protocol.Payload) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	req := *p
	attached := false
	if c.opts.Auth != nil && !c.authed {
		if _, ok := req.Headers.LastAuthentication(); !ok {
			req.Headers = append(append(protocol.Headers(nil), req.Headers...), *c.opts.Auth)
			attached = true
		}
	}

	// Frames the broker would refuse never reach the wire, so the
	// connection stays usable.
	frame, err := protocol.Encode(&req)
	if err != nil {
		return nil, err
	}

	resp, err := c.exchange(ctx, req.Request, frame)
	if err != nil {
		c.closed = true
		c.conn.Close()
		return nil, err
	}
	if attached && !protocol.IsKind(resp.Err(), protocol.KindUnauthorized) {
		c.authed = true
	}
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, op protocol.RequestType, frame []byte) (*protocol.Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok && c.opts.RequestTimeout > 0 {
		deadline = time.Now().Add(c.opts.RequestTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := c.conn.Write(frame); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("failed to send %s request: %w", op, err))
	}
	resp, err := protocol.ReadResponse(c.conn)
	if err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("failed to read %s response: %w", op, err))
	}
	return resp, nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// call is Do with error responses turned into errors.
func (c *Client) call(ctx context.Context, p *protocol.Payload) (*protocol.Response, error) {
	resp, err := c.Do(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping checks the connection and returns the server's advertised address.
// When the client carries credentials, Ping also authenticates.
func (c *Client) Ping(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, &protocol.Payload{Request: protocol.RequestPing})
	if err != nil {
		return "", err
	}
	src, _ := resp.Headers().LastSource()
	return src.Address, nil
}

// SubscribeOptions controls Subscribe.
type SubscribeOptions struct {
	// Role is the role asked for. RoleNone lets the server choose.
	Role protocol.QueueRole
	// Create creates the queue with the given Access and makes the client
	// its moderator. The request fails with Conflict if the queue exists.
	Create bool
	Access protocol.QueueAccess
}

// Subscription is the result of Subscribe.
type Subscription struct {
	Queue   string
	Role    protocol.QueueRole
	Created bool
	// Pending is set when admission waits for a moderator.
	Pending bool
}

// Subscribe joins queue.
func (c *Client) Subscribe(ctx context.Context, queue string, opts SubscribeOptions) (Subscription, error) {
	h := protocol.Headers{protocol.QueueSelector{Queue: queue}}
	if opts.Role != protocol.RoleNone {
		h = append(h, protocol.RoleRequest{Role: opts.Role})
	}
	if opts.Create {
		h = append(h, protocol.QueueCreation{Access: opts.Access})
	}

	resp, err := c.call(ctx, &protocol.Payload{Request: protocol.RequestSubscribe, Headers: h})
	if err != nil {
		return Subscription{}, err
	}
	st := resp.Storage()
	sub := Subscription{Queue: queue, Pending: resp.Status().IsPending()}
	if v, ok := st.Get("queue"); ok {
		sub.Queue = v
	}
	if v, ok := st.Get("role"); ok {
		if role, err := protocol.ParseQueueRole(v); err == nil {
			sub.Role = role
		}
	}
	if v, ok := st.Get("created"); ok {
		sub.Created, _ = strconv.ParseBool(v)
	}
	return sub, nil
}

// Unsubscribe leaves queue.
func (c *Client) Unsubscribe(ctx context.Context, queue string) error {
	_, err := c.call(ctx, &protocol.Payload{
		Request: protocol.RequestUnsubscribe,
		Headers: protocol.Headers{protocol.QueueSelector{Queue: queue}},
	})
	return err
}

// Outgoing is a message to publish.
type Outgoing struct {
	// ID identifies the message. A random UUID is used when empty.
	ID          string
	Body        string
	Priority    protocol.Priority
	Category    protocol.Category
	ContentType protocol.ContentType
	// Target addresses the message. The zero value publishes to every
	// other subscriber of the queue.
	Target protocol.Publish
}

// Receipt reports where a published message went.
type Receipt struct {
	ID        string
	Delivered []string
	Dropped   []string
}

// Publish sends msg to queue.
func (c *Client) Publish(ctx context.Context, queue string, msg Outgoing) (Receipt, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	target := msg.Target
	if !target.Mode.Valid() {
		target = protocol.PublishAll()
	}
	now := time.Now().UTC()
	p := &protocol.Payload{
		Request:   protocol.RequestPublish,
		Timestamp: &now,
		Headers: protocol.Headers{
			protocol.PublishTarget{Queue: queue, Target: target},
			protocol.MessageMeta{
				ID:          id,
				Timestamp:   &now,
				Priority:    msg.Priority,
				Category:    msg.Category,
				ContentType: msg.ContentType,
			},
		},
		Message: &protocol.Message{
			ContentType: msg.ContentType,
			Priority:    msg.Priority,
			Category:    msg.Category,
			Publish:     target,
			Body:        msg.Body,
		},
	}

	resp, err := c.call(ctx, p)
	if err != nil {
		return Receipt{}, err
	}
	st := resp.Storage()
	r := Receipt{ID: id}
	if v, ok := st.Get("id"); ok {
		r.ID = v
	}
	r.Delivered = splitList(st, "delivered")
	r.Dropped = splitList(st, "dropped")
	return r, nil
}

// Incoming is a pulled message.
type Incoming struct {
	ID          string
	Queue       string
	From        string
	Body        string
	Priority    protocol.Priority
	Category    protocol.Category
	ContentType protocol.ContentType
	Published   time.Time
}

// Pull takes the next message from this client's mailbox in queue. It
// returns nil without error when the mailbox is empty.
func (c *Client) Pull(ctx context.Context, queue string) (*Incoming, error) {
	resp, err := c.call(ctx, &protocol.Payload{
		Request: protocol.RequestPull,
		Headers: protocol.Headers{protocol.QueueSelector{Queue: queue}},
	})
	if err != nil {
		return nil, err
	}
	st := resp.Storage()
	if n, _ := st.Get("messages"); n != "1" {
		return nil, nil
	}

	in := &Incoming{}
	in.ID, _ = st.Get("id")
	in.Queue, _ = st.Get("queue")
	in.From, _ = st.Get("from")
	in.Body, _ = st.Get("body")
	if meta, ok := resp.Headers().LastMessageMeta(); ok {
		in.Priority = meta.Priority
		in.Category = meta.Category
		in.ContentType = meta.ContentType
		if meta.Timestamp != nil {
			in.Published = *meta.Timestamp
		}
	}
	return in, nil
}

// ManageResult reports the outcome of Manage.
type ManageResult struct {
	// Queue is the queue name after any rename.
	Queue    string
	Affected []string
}

// Manage applies actions to queue in order. The server stops at the first
// failing action; earlier actions stay applied.
func (c *Client) Manage(ctx context.Context, queue string, actions ...protocol.ManagerAction) (ManageResult, error) {
	h := protocol.Headers{protocol.QueueSelector{Queue: queue}}
	for _, a := range actions {
		h = append(h, protocol.Administration{Action: a})
	}
	resp, err := c.call(ctx, &protocol.Payload{Request: protocol.RequestManage, Headers: h})
	if err != nil {
		return ManageResult{}, err
	}
	st := resp.Storage()
	res := ManageResult{Queue: queue, Affected: splitList(st, "affected")}
	if v, ok := st.Get("queue"); ok {
		res.Queue = v
	}
	return res, nil
}

func splitList(st protocol.Storage, key string) []string {
	v, ok := st.Get(key)
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
