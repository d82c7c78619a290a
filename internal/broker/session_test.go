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
	"sync"
	"testing"
	"time"

	"excalmq/internal/auth"
	"excalmq/internal/protocol"
	"excalmq/internal/registry"
)

var ctx = context.Background()

func newTestEngine(t *testing.T, opts Options, clients ...string) *Engine {
	t.Helper()
	store := auth.NewTokenStore("")
	for _, id := range clients {
		if err := store.CreateClient(id, "pw-"+id); err != nil {
			t.Fatalf("CreateClient(%s) error: %v", id, err)
		}
	}
	return NewEngine(registry.New(registry.DefaultOptions()), auth.NewMethodVerifier(store, auth.ClaimVerifier{}), opts)
}

func login(id string) protocol.Authentication {
	return protocol.Authentication{
		Method:     protocol.AuthMethod{Kind: protocol.AuthLocalToken},
		Credential: id + ":pw-" + id,
	}
}

// loggedIn opens a session bound to the local client id.
func loggedIn(t *testing.T, e *Engine, id string) *Session {
	t.Helper()
	s := e.NewSession("127.0.0.1:50000")
	resp := s.Handle(ctx, &protocol.Payload{Request: protocol.RequestPing, Headers: protocol.Headers{login(id)}})
	if !resp.Status().IsSuccess() {
		t.Fatalf("login %s: %v", id, resp.Err())
	}
	return s
}

func request(req protocol.RequestType, units ...protocol.HeaderUnit) *protocol.Payload {
	return &protocol.Payload{Request: req, Headers: units}
}

func publishReq(queue string, target protocol.Publish, p protocol.Priority, body string) *protocol.Payload {
	return &protocol.Payload{
		Request: protocol.RequestPublish,
		Headers: protocol.Headers{protocol.PublishTarget{Queue: queue, Target: target}},
		Message: &protocol.Message{Priority: p, Category: protocol.CategoryEvent, Publish: target, Body: body},
	}
}

func mustSucceed(t *testing.T, resp *protocol.Response) *protocol.Response {
	t.Helper()
	if !resp.Status().IsSuccess() {
		t.Fatalf("status = %v (%v), want Success0", resp.Status(), resp.Err())
	}
	return resp
}

func wantKind(t *testing.T, resp *protocol.Response, kind protocol.ErrorKind) {
	t.Helper()
	if !protocol.IsKind(resp.Err(), kind) {
		t.Fatalf("response error = %v, want %s", resp.Err(), kind)
	}
}

func cell(t *testing.T, resp *protocol.Response, key string) string {
	t.Helper()
	v, ok := resp.Storage().Get(key)
	if !ok {
		t.Fatalf("storage has no %q cell: %v", key, resp.Storage())
	}
	return v
}

func TestPing(t *testing.T) {
	e := newTestEngine(t, Options{Address: "broker.local:7878"})
	s := e.NewSession("10.0.0.1:1234")

	resp := mustSucceed(t, s.Handle(ctx, request(protocol.RequestPing, protocol.QueueSelector{Queue: "ignored"})))

	h := resp.Headers()
	if len(h) != 1 {
		t.Fatalf("Ping headers = %v, want one Source unit", h)
	}
	src, ok := h.LastSource()
	if !ok || src.Address != "broker.local:7878" {
		t.Errorf("Source = %+v", src)
	}
	if s.Principal() != "" {
		t.Errorf("Ping bound principal %q", s.Principal())
	}
	if len(e.Registry().Queues()) != 0 {
		t.Error("Ping touched the registry")
	}
}

func TestPublishAndPull(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice", "bob")
	alice := loggedIn(t, e, "alice")
	bob := loggedIn(t, e, "bob")

	resp := mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "orders"})))
	if cell(t, resp, KeyRole) != "Moderator" || cell(t, resp, KeyCreated) != "true" {
		t.Errorf("creator storage = %v", resp.Storage())
	}
	mustSucceed(t, bob.Handle(ctx, request(protocol.RequestSubscribe,
		protocol.QueueSelector{Queue: "orders"}, protocol.RoleRequest{Role: protocol.RoleConsumer})))

	mustSucceed(t, alice.Handle(ctx, publishReq("orders", protocol.PublishAll(), protocol.PriorityLow, "low")))
	resp = mustSucceed(t, alice.Handle(ctx, publishReq("orders", protocol.PublishAll(), protocol.PriorityCritical, "critical")))
	if got := cell(t, resp, KeyDelivered); got != "bob" {
		t.Errorf("delivered = %q, want bob", got)
	}

	resp = mustSucceed(t, bob.Handle(ctx, request(protocol.RequestPull, protocol.QueueSelector{Queue: "orders"})))
	if cell(t, resp, KeyMessages) != "1" || cell(t, resp, KeyBody) != "critical" || cell(t, resp, KeyFrom) != "alice" {
		t.Errorf("first pull storage = %v", resp.Storage())
	}
	if cell(t, resp, KeyPriority) != "Critical" || cell(t, resp, KeyCategory) != "EVENT" || cell(t, resp, KeyContentType) != "JSON" {
		t.Errorf("first pull metadata = %v", resp.Storage())
	}
	meta, ok := resp.Headers().LastMessageMeta()
	if !ok || meta.ID != cell(t, resp, KeyID) || meta.Priority != protocol.PriorityCritical {
		t.Errorf("MessageMeta = %+v", meta)
	}

	resp = mustSucceed(t, bob.Handle(ctx, request(protocol.RequestPull, protocol.QueueSelector{Queue: "orders"})))
	if cell(t, resp, KeyBody) != "low" {
		t.Errorf("second pull body = %q", cell(t, resp, KeyBody))
	}
	resp = mustSucceed(t, bob.Handle(ctx, request(protocol.RequestPull, protocol.QueueSelector{Queue: "orders"})))
	if cell(t, resp, KeyMessages) != "0" {
		t.Errorf("empty pull storage = %v", resp.Storage())
	}
}

func TestPublishGroupReportsDropped(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice", "bob")
	alice := loggedIn(t, e, "alice")
	bob := loggedIn(t, e, "bob")
	mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "q"})))
	mustSucceed(t, bob.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "q"})))

	resp := mustSucceed(t, alice.Handle(ctx, publishReq("q", protocol.PublishGroup("bob", "carol"), protocol.PriorityMedium, "hi")))
	if cell(t, resp, KeyDelivered) != "bob" || cell(t, resp, KeyDropped) != "carol" {
		t.Errorf("storage = %v", resp.Storage())
	}

	wantKind(t, alice.Handle(ctx, publishReq("q", protocol.PublishTo("carol"), protocol.PriorityMedium, "hi")), protocol.KindNotFound)
}

func TestResponseHeadersOmitAuthentication(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice")
	s := e.NewSession("127.0.0.1:1")

	resp := mustSucceed(t, s.Handle(ctx, request(protocol.RequestSubscribe,
		login("alice"), protocol.QueueSelector{Queue: "q"}, protocol.Source{Address: "client-1"})))

	h := resp.Headers()
	if _, ok := h.LastAuthentication(); ok {
		t.Error("response echoes the Authentication unit")
	}
	if len(h) != 2 {
		t.Errorf("response headers = %v, want selector and source", h)
	}
}

func TestAuthentication(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice", "bob")

	t.Run("bad token", func(t *testing.T) {
		s := e.NewSession("127.0.0.1:1")
		bad := protocol.Authentication{Method: protocol.AuthMethod{Kind: protocol.AuthLocalToken}, Credential: "alice:nope"}
		wantKind(t, s.Handle(ctx, request(protocol.RequestPing, bad)), protocol.KindUnauthorized)
		if s.State() != StateUnauthenticated {
			t.Errorf("state = %v", s.State())
		}
	})

	t.Run("rebinding", func(t *testing.T) {
		s := loggedIn(t, e, "alice")
		if s.State() != StateAuthenticated {
			t.Errorf("state after login = %v, want Authenticated", s.State())
		}
		mustSucceed(t, s.Handle(ctx, request(protocol.RequestPing, login("alice"))))
		if s.State() != StateIdle {
			t.Errorf("state = %v, want Idle", s.State())
		}
		wantKind(t, s.Handle(ctx, request(protocol.RequestPing, login("bob"))), protocol.KindConflict)
		if s.Principal() != "alice" {
			t.Errorf("principal = %q after conflict", s.Principal())
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		s := e.NewSession("127.0.0.1:1")
		mustSucceed(t, s.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "anon"})))
		anon := s.Principal()
		if len(anon) < 5 || anon[:5] != "anon-" {
			t.Fatalf("anonymous principal = %q", anon)
		}

		mustSucceed(t, s.Handle(ctx, request(protocol.RequestPing, login("bob"))))
		snap, err := e.Registry().Roster("anon")
		if err == nil {
			if _, ok := snap.Members[anon]; ok {
				t.Error("anonymous identity still a member after login")
			}
		}
	})
}

func TestRequireAuth(t *testing.T) {
	e := newTestEngine(t, Options{RequireAuth: true}, "alice")
	s := e.NewSession("127.0.0.1:1")

	mustSucceed(t, s.Handle(ctx, request(protocol.RequestPing)))
	wantKind(t, s.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "q"})), protocol.KindUnauthorized)

	mustSucceed(t, s.Handle(ctx, request(protocol.RequestSubscribe, login("alice"), protocol.QueueSelector{Queue: "q"})))
}

func TestPrivateQueueFlow(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice", "carol")
	alice := loggedIn(t, e, "alice")
	carol := loggedIn(t, e, "carol")

	mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe,
		protocol.QueueSelector{Queue: "vault"}, protocol.QueueCreation{Access: protocol.AccessPrivate})))

	resp := carol.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "vault"}))
	if !resp.Status().IsPending() {
		t.Fatalf("private subscribe status = %v, want Pending2", resp.Status())
	}

	wantKind(t, carol.Handle(ctx, request(protocol.RequestManage,
		protocol.QueueSelector{Queue: "vault"}, protocol.Administration{Action: protocol.Authorize("carol")})), protocol.KindForbidden)

	resp = mustSucceed(t, alice.Handle(ctx, request(protocol.RequestManage,
		protocol.QueueSelector{Queue: "vault"}, protocol.Administration{Action: protocol.Authorize("carol")})))
	if cell(t, resp, KeyAffected) != "carol" {
		t.Errorf("affected = %q", cell(t, resp, KeyAffected))
	}

	snap, err := e.Registry().Roster("vault")
	if err != nil {
		t.Fatalf("Roster() error: %v", err)
	}
	if snap.Role("carol") != protocol.RoleConsumer {
		t.Errorf("carol role = %v, want Consumer", snap.Role("carol"))
	}
}

func TestQueueCreationConflict(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice", "bob")
	alice := loggedIn(t, e, "alice")
	bob := loggedIn(t, e, "bob")

	mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe,
		protocol.QueueSelector{Queue: "q"}, protocol.QueueCreation{Access: protocol.AccessPublic})))
	wantKind(t, bob.Handle(ctx, request(protocol.RequestSubscribe,
		protocol.QueueSelector{Queue: "q"}, protocol.QueueCreation{Access: protocol.AccessPublic})), protocol.KindConflict)
}

func TestManageAppliesInOrder(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice")
	alice := loggedIn(t, e, "alice")
	mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "old"})))

	resp := mustSucceed(t, alice.Handle(ctx, request(protocol.RequestManage,
		protocol.QueueSelector{Queue: "old"},
		protocol.Administration{Action: protocol.Rename("new")},
		protocol.Administration{Action: protocol.AccessorModify(protocol.AccessPrivate)})))
	if cell(t, resp, KeyQueue) != "new" {
		t.Errorf("queue = %q, want new", cell(t, resp, KeyQueue))
	}
	snap, err := e.Registry().Roster("new")
	if err != nil || snap.Access != protocol.AccessPrivate {
		t.Fatalf("Roster(new) = %+v, %v", snap, err)
	}

	resp = alice.Handle(ctx, request(protocol.RequestManage,
		protocol.QueueSelector{Queue: "new"},
		protocol.Administration{Action: protocol.Rename("newer")},
		protocol.Administration{Action: protocol.Dispose("ghost")}))
	wantKind(t, resp, protocol.KindNotFound)
	if _, err := e.Registry().Roster("newer"); err != nil {
		t.Errorf("rename before the failing action was not applied: %v", err)
	}
}

func TestValidation(t *testing.T) {
	e := newTestEngine(t, Options{})
	s := e.NewSession("127.0.0.1:1")

	badBody := publishReq("q", protocol.PublishAll(), protocol.PriorityLow, "\xff\xfe")
	noTarget := publishReq("q", protocol.PublishAll(), protocol.PriorityLow, "x")
	noTarget.Headers = nil

	tests := []struct {
		name string
		req  *protocol.Payload
		want protocol.ErrorKind
	}{
		{"subscribe without queue", request(protocol.RequestSubscribe), protocol.KindBadRequest},
		{"pull without queue", request(protocol.RequestPull), protocol.KindBadRequest},
		{"manage without actions", request(protocol.RequestManage, protocol.QueueSelector{Queue: "q"}), protocol.KindBadRequest},
		{"publish without message", request(protocol.RequestPublish, protocol.PublishTarget{Queue: "q", Target: protocol.PublishAll()}), protocol.KindBadRequest},
		{"publish without target", noTarget, protocol.KindBadRequest},
		{"publish with invalid utf-8", badBody, protocol.KindUnprocessableContent},
		{"unknown request", request(protocol.RequestType(0x42)), protocol.KindBadRequest},
		{"pull from missing queue", request(protocol.RequestPull, protocol.QueueSelector{Queue: "missing"}), protocol.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantKind(t, s.Handle(ctx, tt.req), tt.want)
		})
	}
}

func TestAdministrationIgnoredOutsideManage(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice")
	alice := loggedIn(t, e, "alice")

	mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe,
		protocol.QueueSelector{Queue: "q"}, protocol.Administration{Action: protocol.Rename("other")})))
	if _, err := e.Registry().Roster("q"); err != nil {
		t.Errorf("queue was renamed by a Subscribe request: %v", err)
	}
}

func TestPanicRecovery(t *testing.T) {
	verifier := auth.VerifierFunc(func(context.Context, protocol.AuthMethod, string) (auth.Principal, error) {
		panic("verifier exploded")
	})
	e := NewEngine(registry.New(registry.DefaultOptions()), verifier, Options{})
	s := e.NewSession("127.0.0.1:1")

	wantKind(t, s.Handle(ctx, request(protocol.RequestPing, login("alice"))), protocol.KindInternalServerError)
	mustSucceed(t, s.Handle(ctx, request(protocol.RequestPing)))
}

func TestCloseLeavesQueues(t *testing.T) {
	e := newTestEngine(t, Options{}, "alice", "bob")
	alice := loggedIn(t, e, "alice")
	bob := loggedIn(t, e, "bob")
	mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "q"})))
	mustSucceed(t, bob.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "q"})))

	bob.Close()
	bob.Close()

	snap, err := e.Registry().Roster("q")
	if err != nil {
		t.Fatalf("Roster() error: %v", err)
	}
	if _, ok := snap.Members["bob"]; ok {
		t.Error("bob is still a member after Close")
	}
	if bob.State() != StateClosed {
		t.Errorf("state = %v", bob.State())
	}
	wantKind(t, bob.Handle(ctx, request(protocol.RequestPing)), protocol.KindGone)
}

type countingObserver struct {
	mu       sync.Mutex
	requests map[protocol.RequestType]int
	routed   int
	open     int
}

func (o *countingObserver) RequestHandled(req protocol.RequestType, _ protocol.Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests[req]++
}

func (o *countingObserver) MessageRouted(_ string, delivered, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routed += delivered
}

func (o *countingObserver) SessionOpened() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open++
}

func (o *countingObserver) SessionClosed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open--
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{requests: make(map[protocol.RequestType]int)}
	e := newTestEngine(t, Options{Observer: obs}, "alice", "bob")
	alice := loggedIn(t, e, "alice")
	bob := loggedIn(t, e, "bob")
	mustSucceed(t, alice.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "q"})))
	mustSucceed(t, bob.Handle(ctx, request(protocol.RequestSubscribe, protocol.QueueSelector{Queue: "q"})))
	mustSucceed(t, alice.Handle(ctx, publishReq("q", protocol.PublishAll(), protocol.PriorityLow, "x")))
	alice.Close()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.requests[protocol.RequestPing] != 2 || obs.requests[protocol.RequestSubscribe] != 2 {
		t.Errorf("requests = %v", obs.requests)
	}
	if obs.routed != 1 || obs.open != 1 {
		t.Errorf("routed = %d, open = %d", obs.routed, obs.open)
	}
}
