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

package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"excalmq/internal/logging"
	"excalmq/internal/protocol"
	"excalmq/internal/registry"
	"excalmq/internal/router"
)

// State is the lifecycle state of a session.
type State uint8

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateIdle
	StateProcessing
	StateClosed
)

var stateNames = [...]string{"Unauthenticated", "Authenticated", "Idle", "Processing", "Closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Storage keys written by the engine.
const (
	KeyQueue       = "queue"
	KeyRole        = "role"
	KeyCreated     = "created"
	KeyDelivered   = "delivered"
	KeyDropped     = "dropped"
	KeyMessages    = "messages"
	KeyID          = "id"
	KeyFrom        = "from"
	KeyPriority    = "priority"
	KeyCategory    = "category"
	KeyContentType = "content_type"
	KeyBody        = "body"
	KeyAffected    = "affected"
)

// Session serves the requests of one connection. Requests are handled one
// at a time.
type Session struct {
	engine *Engine
	remote string
	logger *logging.Logger

	mu        sync.Mutex
	state     State
	principal string
	verified  bool
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Principal returns the identity the session acts as, or "" before the
// first request that needed one.
func (s *Session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Handle processes one request and returns its response. It never returns
// nil.
func (s *Session) Handle(ctx context.Context, p *protocol.Payload) (resp *protocol.Response) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var headers protocol.Headers
	if p != nil {
		headers = p.Headers.Without(protocol.UnitAuthentication)
	}

	if s.state == StateClosed {
		return protocol.ErrorResponse(protocol.NewError(protocol.KindGone, "session closed"), headers)
	}

	wasVerified := s.verified
	s.state = StateProcessing
	defer func() {
		if r := recover(); r != nil {
			s.engine.errs.LogRecovery(r, string(debug.Stack()), "handle")
			resp = protocol.ErrorResponse(protocol.Errorf(protocol.KindInternalServerError, "panic: %v", r), headers)
		}
		switch {
		case s.verified && !wasVerified:
			s.state = StateAuthenticated
		case s.verified:
			s.state = StateIdle
		default:
			s.state = StateUnauthenticated
		}
		if p != nil {
			s.engine.observer.RequestHandled(p.Request, resp.Status(), time.Since(start))
		}
	}()

	if p == nil {
		return protocol.ErrorResponse(protocol.NewError(protocol.KindBadRequest, "empty request"), nil)
	}
	resp = s.handle(ctx, p, headers)
	s.logger.Debug("Request handled",
		"request", p.Request,
		"principal", s.principal,
		"status", resp.Status())
	return resp
}

func (s *Session) handle(ctx context.Context, p *protocol.Payload, headers protocol.Headers) *protocol.Response {
	if err := s.authenticate(ctx, p.Headers); err != nil {
		return protocol.ErrorResponse(err, headers)
	}

	if p.Request == protocol.RequestPing {
		return protocol.NewResponse(protocol.Success(),
			protocol.Headers{protocol.Source{Address: s.engine.opts.Address}}, nil)
	}

	if s.engine.opts.RequireAuth && !s.verified {
		return protocol.ErrorResponse(protocol.NewError(protocol.KindUnauthorized, "authentication required"), headers)
	}
	if err := validate(p); err != nil {
		return protocol.ErrorResponse(err, headers)
	}
	if s.principal == "" {
		s.principal = "anon-" + uuid.NewString()
	}

	var (
		status  = protocol.Success()
		storage protocol.Storage
		extra   protocol.Headers
		err     error
	)
	switch p.Request {
	case protocol.RequestSubscribe:
		status, storage, err = s.subscribe(p.Headers)
	case protocol.RequestUnsubscribe:
		storage, err = s.unsubscribe(p.Headers)
	case protocol.RequestPublish:
		storage, err = s.publish(p)
	case protocol.RequestPull:
		storage, extra, err = s.pull(p.Headers)
	case protocol.RequestManage:
		storage, err = s.manage(p.Headers)
	default:
		err = protocol.Errorf(protocol.KindMethodNotAllowed, "request %s", p.Request)
	}
	if err != nil {
		return protocol.ErrorResponse(err, headers)
	}
	return protocol.NewResponse(status, append(headers, extra...), storage)
}

// authenticate applies the last Authentication unit of h.
func (s *Session) authenticate(ctx context.Context, h protocol.Headers) error {
	unit, ok := h.LastAuthentication()
	if !ok {
		return nil
	}
	if s.engine.verifier == nil {
		s.engine.security.LogAuthentication(s.principal, unit.Method.String(), false, "no verifier")
		return protocol.NewError(protocol.KindUnauthorized, "authentication is not available")
	}

	principal, err := s.engine.verifier.Verify(ctx, unit.Method, unit.Credential)
	if err != nil {
		s.engine.security.LogAuthentication("", unit.Method.String(), false, err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			return protocol.AsProtocolError(err)
		}
		return protocol.Errorf(protocol.KindUnauthorized, "authentication failed: %v", err)
	}

	if s.verified {
		if principal.ID != s.principal {
			return protocol.Errorf(protocol.KindConflict, "session is bound to another principal")
		}
		return nil
	}

	// An anonymous identity is released when the session authenticates.
	if s.principal != "" {
		s.engine.registry.UnsubscribeAll(s.principal)
	}
	s.principal = principal.ID
	s.verified = true
	s.logger = s.logger.With("principal", principal.ID)
	s.engine.security.LogAuthentication(principal.ID, unit.Method.String(), true, "")
	return nil
}

// validate checks the headers each request type needs.
func validate(p *protocol.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	switch p.Request {
	case protocol.RequestSubscribe, protocol.RequestUnsubscribe, protocol.RequestPull:
		if p.Headers.Queue() == "" {
			return protocol.Errorf(protocol.KindBadRequest, "%s needs a queue name", p.Request)
		}
	case protocol.RequestManage:
		if p.Headers.Queue() == "" {
			return protocol.NewError(protocol.KindBadRequest, "Manage needs a queue name")
		}
		if len(p.Headers.Administration()) == 0 {
			return protocol.NewError(protocol.KindBadRequest, "Manage needs at least one Administration unit")
		}
	case protocol.RequestPublish:
		t, ok := p.Headers.LastPublishTarget()
		if !ok || t.Queue == "" {
			return protocol.NewError(protocol.KindBadRequest, "Publish needs a PublishTarget unit")
		}
		if !utf8.ValidString(p.Message.Body) {
			return protocol.NewError(protocol.KindUnprocessableContent, "message body is not valid UTF-8")
		}
	}
	return nil
}

func (s *Session) subscribe(h protocol.Headers) (protocol.Status, protocol.Storage, error) {
	name := h.Queue()
	reg := s.engine.registry

	if c, ok := h.LastQueueCreation(); ok {
		if err := reg.Create(name, s.principal, c.Access); err != nil {
			return protocol.Status{}, nil, err
		}
		return protocol.Success(), protocol.Storage{
			{Key: KeyQueue, Value: name},
			{Key: KeyRole, Value: protocol.RoleModerator.String()},
			{Key: KeyCreated, Value: "true"},
		}, nil
	}

	var role protocol.QueueRole
	if r, ok := h.LastRoleRequest(); ok {
		role = r.Role
	}
	sub, err := reg.Subscribe(name, s.principal, role, s.verified)
	if err != nil {
		return protocol.Status{}, nil, err
	}

	storage := protocol.Storage{
		{Key: KeyQueue, Value: name},
		{Key: KeyRole, Value: sub.Role.String()},
	}
	if sub.Outcome == registry.AwaitingApproval {
		return protocol.Pending(), storage, nil
	}
	storage.Set(KeyCreated, strconv.FormatBool(sub.Created))
	return protocol.Success(), storage, nil
}

func (s *Session) unsubscribe(h protocol.Headers) (protocol.Storage, error) {
	name := h.Queue()
	if err := s.engine.registry.Unsubscribe(name, s.principal); err != nil {
		return nil, err
	}
	return protocol.Storage{{Key: KeyQueue, Value: name}}, nil
}

func (s *Session) publish(p *protocol.Payload) (protocol.Storage, error) {
	t, _ := p.Headers.LastPublishTarget()
	target := t.Target
	if !target.Mode.Valid() {
		target = p.Message.Publish
	}

	env := registry.Envelope{
		ID:        uuid.NewString(),
		Message:   *p.Message,
		Published: time.Now().UTC(),
	}
	if meta, ok := p.Headers.LastMessageMeta(); ok && meta.ID != "" {
		env.ID = meta.ID
	}
	if p.Timestamp != nil {
		env.Published = *p.Timestamp
	}
	env.Message.Publish = target

	d, err := router.Route(s.engine.registry, t.Queue, s.principal, target, env)
	if err != nil {
		return nil, err
	}
	s.engine.observer.MessageRouted(t.Queue, len(d.Delivered), len(d.Dropped))

	return protocol.Storage{
		{Key: KeyQueue, Value: t.Queue},
		{Key: KeyID, Value: env.ID},
		{Key: KeyDelivered, Value: strings.Join(d.Delivered, ",")},
		{Key: KeyDropped, Value: strings.Join(d.Dropped, ",")},
	}, nil
}

func (s *Session) pull(h protocol.Headers) (protocol.Storage, protocol.Headers, error) {
	name := h.Queue()
	env, err := s.engine.registry.Dequeue(name, s.principal)
	if err != nil {
		return nil, nil, err
	}
	if env == nil {
		return protocol.Storage{{Key: KeyMessages, Value: "0"}}, nil, nil
	}

	m := env.Message
	published := env.Published
	storage := protocol.Storage{
		{Key: KeyMessages, Value: "1"},
		{Key: KeyID, Value: env.ID},
		{Key: KeyQueue, Value: env.Queue},
		{Key: KeyFrom, Value: env.From},
		{Key: KeyPriority, Value: m.Priority.String()},
		{Key: KeyCategory, Value: m.Category.String()},
		{Key: KeyContentType, Value: m.ContentType.String()},
		{Key: KeyBody, Value: m.Body},
	}
	meta := protocol.MessageMeta{
		ID:          env.ID,
		Timestamp:   &published,
		Priority:    m.Priority,
		Category:    m.Category,
		ContentType: m.ContentType,
	}
	return storage, protocol.Headers{meta}, nil
}

// manage applies the Administration units in order and stops at the first
// failing one. Actions applied before it stay applied.
func (s *Session) manage(h protocol.Headers) (protocol.Storage, error) {
	name := h.Queue()
	var affected []string
	for i, action := range h.Administration() {
		res, err := s.engine.registry.ApplyManagerAction(name, s.principal, action)
		if err != nil {
			pe := protocol.AsProtocolError(err)
			return nil, protocol.Errorf(pe.Kind, "action %d (%s): %s", i+1, action.Kind, pe.Info)
		}
		name = res.Queue
		affected = append(affected, res.Affected...)
	}
	return protocol.Storage{
		{Key: KeyQueue, Value: name},
		{Key: KeyAffected, Value: strings.Join(affected, ",")},
	}, nil
}

// Close ends the session and removes its principal from every queue. It
// is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.principal != "" {
		left := s.engine.registry.UnsubscribeAll(s.principal)
		if len(left) > 0 {
			s.logger.Debug("Session left queues", "queues", fmt.Sprint(left))
		}
	}
	s.engine.observer.SessionClosed()
}
