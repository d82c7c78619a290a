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

package registry

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"excalmq/internal/protocol"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *time.Time) {
	t.Helper()
	r := New(opts)
	now := epoch
	r.now = func() time.Time { return now }
	return r, &now
}

func msg(p protocol.Priority, body string) Envelope {
	return Envelope{ID: body, Message: protocol.Message{Priority: p, Publish: protocol.PublishAll(), Body: body}}
}

func mustSubscribe(t *testing.T, r *Registry, queue, client string, role protocol.QueueRole) Subscription {
	t.Helper()
	sub, err := r.Subscribe(queue, client, role, true)
	if err != nil {
		t.Fatalf("Subscribe(%s, %s) error: %v", queue, client, err)
	}
	return sub
}

func TestSubscribeCreatesQueue(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())

	sub := mustSubscribe(t, r, "orders", "alice", protocol.RoleConsumer)
	if !sub.Created || sub.Role != protocol.RoleModerator || sub.Outcome != Subscribed {
		t.Fatalf("first Subscribe = %+v, want created moderator", sub)
	}

	sub = mustSubscribe(t, r, "orders", "bob", protocol.RoleConsumer)
	if sub.Created || sub.Role != protocol.RoleConsumer || sub.Outcome != Subscribed {
		t.Fatalf("second Subscribe = %+v, want subscribed consumer", sub)
	}

	// Subscribing twice keeps the existing role.
	sub = mustSubscribe(t, r, "orders", "bob", protocol.RoleProducer)
	if sub.Role != protocol.RoleConsumer {
		t.Errorf("repeated Subscribe role = %s, want Consumer", sub.Role)
	}

	snap, err := r.Roster("orders")
	if err != nil {
		t.Fatalf("Roster() error: %v", err)
	}
	want := map[string]protocol.QueueRole{"alice": protocol.RoleModerator, "bob": protocol.RoleConsumer}
	if !reflect.DeepEqual(snap.Members, want) {
		t.Errorf("Roster().Members = %v, want %v", snap.Members, want)
	}
}

func TestCreateConflict(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	if err := r.Create("orders", "alice", protocol.AccessPrivate); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := r.Create("orders", "bob", protocol.AccessPublic); !protocol.IsKind(err, protocol.KindConflict) {
		t.Errorf("second Create() error = %v, want Conflict", err)
	}
	if err := r.Create("", "bob", protocol.AccessPublic); !protocol.IsKind(err, protocol.KindBadRequest) {
		t.Errorf("Create(\"\") error = %v, want BadRequest", err)
	}
}

func TestPrivateQueueApproval(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	if err := r.Create("vault", "alice", protocol.AccessPrivate); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sub := mustSubscribe(t, r, "vault", "bob", protocol.RoleConsumer)
	if sub.Outcome != AwaitingApproval {
		t.Fatalf("Subscribe on private queue = %+v, want AwaitingApproval", sub)
	}
	if snap, _ := r.Roster("vault"); snap.Role("bob") != protocol.RoleNone {
		t.Fatalf("pending client must not be on the roster")
	}

	res, err := r.ApplyManagerAction("vault", "alice", protocol.Authorize("bob"))
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if !reflect.DeepEqual(res.Affected, []string{"bob"}) {
		t.Errorf("Authorize affected = %v", res.Affected)
	}
	if snap, _ := r.Roster("vault"); snap.Role("bob") != protocol.RoleConsumer {
		t.Errorf("bob role after Authorize = %s, want Consumer", snap.Role("bob"))
	}

	// Pre-authorized clients are admitted directly.
	if _, err := r.ApplyManagerAction("vault", "alice", protocol.Authorize("carol")); err != nil {
		t.Fatalf("Authorize(carol) error: %v", err)
	}
	if sub := mustSubscribe(t, r, "vault", "carol", protocol.RoleProducer); sub.Outcome != Subscribed {
		t.Errorf("invited Subscribe = %+v, want Subscribed", sub)
	}
}

func TestRejectAndOpenQueue(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	if err := r.Create("vault", "alice", protocol.AccessPrivate); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for _, c := range []string{"bob", "carol", "dave"} {
		mustSubscribe(t, r, "vault", c, protocol.RoleConsumer)
	}

	if _, err := r.ApplyManagerAction("vault", "alice", protocol.Reject("dave")); err != nil {
		t.Fatalf("Reject(dave) error: %v", err)
	}
	if _, err := r.ApplyManagerAction("vault", "alice", protocol.Reject("dave")); !protocol.IsKind(err, protocol.KindNotFound) {
		t.Errorf("second Reject(dave) error = %v, want NotFound", err)
	}

	mustSubscribe(t, r, "vault", "erin", protocol.RoleManager)
	res, err := r.ApplyManagerAction("vault", "alice", protocol.AccessorModify(protocol.AccessPublic))
	if err != nil {
		t.Fatalf("AccessorModify error: %v", err)
	}
	if !reflect.DeepEqual(res.Affected, []string{"bob", "carol"}) {
		t.Errorf("AccessorModify admitted %v, want [bob carol]", res.Affected)
	}

	snap, _ := r.Roster("vault")
	if snap.Access != protocol.AccessPublic {
		t.Errorf("access = %s, want Public", snap.Access)
	}
	if _, waiting := snap.Pending["erin"]; !waiting {
		t.Errorf("manager request should stay pending")
	}

	res, err = r.ApplyManagerAction("vault", "alice", protocol.Reject(""))
	if err != nil {
		t.Fatalf("Reject(all) error: %v", err)
	}
	if !reflect.DeepEqual(res.Affected, []string{"erin"}) {
		t.Errorf("Reject(all) affected = %v", res.Affected)
	}
}

func TestProtectedQueueRefusesAnonymous(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	if err := r.Create("ops", "alice", protocol.AccessProtected); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := r.Subscribe("ops", "anon-1", protocol.RoleConsumer, false); !protocol.IsKind(err, protocol.KindUnauthorized) {
		t.Errorf("anonymous Subscribe error = %v, want Unauthorized", err)
	}
	if sub := mustSubscribe(t, r, "ops", "bob", protocol.RoleConsumer); sub.Outcome != Subscribed {
		t.Errorf("authenticated Subscribe = %+v", sub)
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	mustSubscribe(t, r, "orders", "alice", protocol.RoleConsumer)
	mustSubscribe(t, r, "orders", "bob", protocol.RoleConsumer)

	for _, e := range []Envelope{
		msg(protocol.PriorityLow, "low-1"),
		msg(protocol.PriorityCritical, "crit-1"),
		msg(protocol.PriorityMedium, "med-1"),
		msg(protocol.PriorityLow, "low-2"),
		msg(protocol.PriorityCritical, "crit-2"),
		msg(protocol.PriorityHigh, "high-1"),
	} {
		if _, err := r.Enqueue("orders", "alice", []string{"bob"}, e); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	var got []string
	for {
		e, err := r.Dequeue("orders", "bob")
		if err != nil {
			t.Fatalf("Dequeue() error: %v", err)
		}
		if e == nil {
			break
		}
		if e.From != "alice" || e.Queue != "orders" {
			t.Errorf("envelope from=%q queue=%q", e.From, e.Queue)
		}
		got = append(got, e.Message.Body)
	}

	want := []string{"crit-1", "crit-2", "high-1", "med-1", "low-1", "low-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dequeue order = %v, want %v", got, want)
	}
}

func TestEnqueueChecks(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBacklog = 2
	r, _ := newTestRegistry(t, opts)
	mustSubscribe(t, r, "orders", "alice", protocol.RoleConsumer)
	mustSubscribe(t, r, "orders", "bob", protocol.RoleConsumer)
	mustSubscribe(t, r, "orders", "carol", protocol.RoleConsumer)

	delivered, err := r.Enqueue("orders", "alice", []string{"bob", "ghost", "bob"}, msg(protocol.PriorityLow, "m"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if !reflect.DeepEqual(delivered, []string{"bob"}) {
		t.Errorf("delivered = %v, want [bob]", delivered)
	}

	if _, err := r.Enqueue("orders", "carol", []string{"bob"}, msg(protocol.PriorityLow, "m")); !protocol.IsKind(err, protocol.KindForbidden) {
		t.Errorf("consumer Enqueue error = %v, want Forbidden", err)
	}

	if _, err := r.Enqueue("orders", "alice", []string{"bob"}, msg(protocol.PriorityLow, "m")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	_, err = r.Enqueue("orders", "alice", []string{"carol", "bob"}, msg(protocol.PriorityLow, "m"))
	if !protocol.IsKind(err, protocol.KindInsufficientStorage) {
		t.Fatalf("Enqueue() on full mailbox error = %v, want InsufficientStorage", err)
	}
	// Nothing was delivered to carol either.
	if e, _ := r.Dequeue("orders", "carol"); e != nil {
		t.Errorf("carol received %q from a refused enqueue", e.Message.Body)
	}

	if _, err := r.Enqueue("missing", "alice", nil, msg(protocol.PriorityLow, "m")); !protocol.IsKind(err, protocol.KindNotFound) {
		t.Errorf("Enqueue on missing queue error = %v, want NotFound", err)
	}
}

func TestEnqueueSkipsMembersThatCannotPull(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBacklog = 1
	r, _ := newTestRegistry(t, opts)
	if err := r.Create("vault", "alice", protocol.AccessPrivate); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for _, c := range []string{"prod", "cons"} {
		if _, err := r.ApplyManagerAction("vault", "alice", protocol.Authorize(c)); err != nil {
			t.Fatalf("Authorize(%s) error: %v", c, err)
		}
	}
	mustSubscribe(t, r, "vault", "prod", protocol.RoleProducer)
	mustSubscribe(t, r, "vault", "cons", protocol.RoleConsumer)

	for i := 0; i < 3; i++ {
		delivered, err := r.Enqueue("vault", "alice", []string{"cons", "prod"}, msg(protocol.PriorityLow, "m"))
		if err != nil {
			t.Fatalf("Enqueue %d error: %v", i, err)
		}
		if !reflect.DeepEqual(delivered, []string{"cons"}) {
			t.Fatalf("Enqueue %d delivered = %v, want [cons]", i, delivered)
		}
		if e, err := r.Dequeue("vault", "cons"); err != nil || e == nil {
			t.Fatalf("Dequeue %d = %v, %v", i, e, err)
		}
	}
}

func TestDispose(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	mustSubscribe(t, r, "orders", "alice", protocol.RoleConsumer)
	mustSubscribe(t, r, "orders", "bob", protocol.RoleConsumer)

	if _, err := r.ApplyManagerAction("orders", "bob", protocol.Dispose("alice")); !protocol.IsKind(err, protocol.KindForbidden) {
		t.Errorf("consumer Dispose error = %v, want Forbidden", err)
	}
	if _, err := r.ApplyManagerAction("orders", "alice", protocol.Dispose("alice")); !protocol.IsKind(err, protocol.KindForbidden) {
		t.Errorf("self Dispose error = %v, want Forbidden", err)
	}
	if _, err := r.ApplyManagerAction("orders", "alice", protocol.Dispose("bob")); err != nil {
		t.Fatalf("Dispose(bob) error: %v", err)
	}
	if snap, _ := r.Roster("orders"); snap.Role("bob") != protocol.RoleNone {
		t.Errorf("bob still on roster after Dispose")
	}
	if _, err := r.ApplyManagerAction("orders", "alice", protocol.Dispose("bob")); !protocol.IsKind(err, protocol.KindNotFound) {
		t.Errorf("Dispose of non-member error = %v, want NotFound", err)
	}
}

func TestRename(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	mustSubscribe(t, r, "orders", "alice", protocol.RoleConsumer)
	mustSubscribe(t, r, "orders", "bob", protocol.RoleConsumer)
	mustSubscribe(t, r, "taken", "carol", protocol.RoleConsumer)

	if _, err := r.ApplyManagerAction("orders", "bob", protocol.Rename("x")); !protocol.IsKind(err, protocol.KindForbidden) {
		t.Errorf("consumer Rename error = %v, want Forbidden", err)
	}
	if _, err := r.ApplyManagerAction("orders", "alice", protocol.Rename("taken")); !protocol.IsKind(err, protocol.KindConflict) {
		t.Errorf("Rename onto existing queue error = %v, want Conflict", err)
	}

	res, err := r.ApplyManagerAction("orders", "alice", protocol.Rename("orders-v2"))
	if err != nil {
		t.Fatalf("Rename error: %v", err)
	}
	if res.Queue != "orders-v2" {
		t.Errorf("Rename result queue = %q", res.Queue)
	}
	if _, err := r.Roster("orders"); !protocol.IsKind(err, protocol.KindNotFound) {
		t.Errorf("Roster(old name) error = %v, want NotFound", err)
	}
	if snap, err := r.Roster("orders-v2"); err != nil || snap.Role("bob") != protocol.RoleConsumer {
		t.Errorf("Roster(new name) = %+v, %v", snap, err)
	}
}

func TestRemovedQueueIsGone(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	mustSubscribe(t, r, "orders", "alice", protocol.RoleConsumer)

	// Simulate a removal that happened while a caller waited on the lock.
	r.mu.RLock()
	q := r.queues["orders"]
	r.mu.RUnlock()
	q.mu.Lock()
	q.removed = true
	q.mu.Unlock()

	if _, err := r.Dequeue("orders", "alice"); !protocol.IsKind(err, protocol.KindGone) {
		t.Errorf("Dequeue on removed queue error = %v, want Gone", err)
	}
}

func TestDisconnectRetainsRoleAndBacklog(t *testing.T) {
	r, now := newTestRegistry(t, DefaultOptions())
	if err := r.Create("vault", "alice", protocol.AccessPrivate); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := r.ApplyManagerAction("vault", "alice", protocol.Authorize("bob")); err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	mustSubscribe(t, r, "vault", "bob", protocol.RoleConsumer)
	if _, err := r.Enqueue("vault", "alice", []string{"bob"}, msg(protocol.PriorityHigh, "kept")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if left := r.UnsubscribeAll("bob"); !reflect.DeepEqual(left, []string{"vault"}) {
		t.Fatalf("UnsubscribeAll() = %v, want [vault]", left)
	}
	if snap, _ := r.Roster("vault"); snap.Role("bob") != protocol.RoleNone {
		t.Fatalf("bob still on roster after disconnect")
	}

	*now = now.Add(time.Minute)
	if sub := mustSubscribe(t, r, "vault", "bob", protocol.RoleConsumer); sub.Outcome != Subscribed {
		t.Fatalf("reconnect Subscribe = %+v, want Subscribed without approval", sub)
	}
	e, err := r.Dequeue("vault", "bob")
	if err != nil || e == nil || e.Message.Body != "kept" {
		t.Fatalf("Dequeue after reconnect = %v, %v; want kept message", e, err)
	}
}

func TestExplicitUnsubscribeDropsRole(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	if err := r.Create("vault", "alice", protocol.AccessPrivate); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := r.ApplyManagerAction("vault", "alice", protocol.Authorize("bob")); err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	mustSubscribe(t, r, "vault", "bob", protocol.RoleConsumer)

	if err := r.Unsubscribe("vault", "bob"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	if err := r.Unsubscribe("vault", "bob"); !protocol.IsKind(err, protocol.KindNotFound) {
		t.Errorf("second Unsubscribe() error = %v, want NotFound", err)
	}
	if sub := mustSubscribe(t, r, "vault", "bob", protocol.RoleConsumer); sub.Outcome != AwaitingApproval {
		t.Errorf("Subscribe after Unsubscribe = %+v, want AwaitingApproval", sub)
	}
}

func TestSweep(t *testing.T) {
	opts := DefaultOptions()
	opts.GCGrace = time.Minute
	opts.DepartedRetention = 5 * time.Minute
	r, now := newTestRegistry(t, opts)

	mustSubscribe(t, r, "short", "alice", protocol.RoleConsumer)
	mustSubscribe(t, r, "long", "alice", protocol.RoleConsumer)
	mustSubscribe(t, r, "long", "bob", protocol.RoleConsumer)
	if _, err := r.Enqueue("long", "alice", []string{"bob"}, msg(protocol.PriorityLow, "m")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if err := r.Unsubscribe("short", "alice"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	if err := r.Unsubscribe("long", "alice"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	if err := r.Unsubscribe("long", "bob"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}

	if removed := r.Sweep(now.Add(30 * time.Second)); len(removed) != 0 {
		t.Errorf("Sweep within grace removed %v", removed)
	}
	if removed := r.Sweep(now.Add(61 * time.Second)); !reflect.DeepEqual(removed, []string{"short"}) {
		t.Errorf("Sweep after grace removed %v, want [short]", removed)
	}
	// bob's retained mailbox keeps "long" alive until it expires.
	if removed := r.Sweep(now.Add(5 * time.Minute)); !reflect.DeepEqual(removed, []string{"long"}) {
		t.Errorf("Sweep after retention removed %v, want [long]", removed)
	}
	if qs := r.Queues(); len(qs) != 0 {
		t.Errorf("Queues() = %v, want none", qs)
	}
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultOptions())
	mustSubscribe(t, r, "busy", "owner", protocol.RoleConsumer)

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := fmt.Sprintf("c%02d", i)
			if _, err := r.Subscribe("busy", client, protocol.RoleCouple, true); err != nil {
				errs <- err
				return
			}
			if i%2 == 0 {
				if err := r.Unsubscribe("busy", client); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation failed: %v", err)
	}

	snap, err := r.Roster("busy")
	if err != nil {
		t.Fatalf("Roster() error: %v", err)
	}
	if len(snap.Members) != n/2+1 {
		t.Errorf("roster has %d members, want %d", len(snap.Members), n/2+1)
	}
	for i := 1; i < n; i += 2 {
		if snap.Role(fmt.Sprintf("c%02d", i)) != protocol.RoleCouple {
			t.Errorf("c%02d missing from roster", i)
		}
	}
}
