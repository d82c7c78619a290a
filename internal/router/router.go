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
Package router computes the recipients of a publish and hands the message
to the registry.

ADDRESSING:
===========
  ALL        every member except the publisher
  TO(id)     exactly that member, NotFound103 when it is not one
  GROUP(ids) the members among ids, in the given order; absent ids are
             dropped and reported, not treated as an error

Only members allowed to pull are recipients. On Private and Protected
queues a Producer never receives: ALL skips it, GROUP reports it as
dropped and TO fails with Forbidden102.

Recipients are computed from a roster snapshot. The registry re-checks
membership when it enqueues, so a member that left in between is reported
as dropped rather than receiving the message.

The router performs no network I/O. Delivery ends in the recipients'
mailboxes; clients collect messages with Pull.
*/
package router

import (
	"sort"

	"excalmq/internal/acl"
	"excalmq/internal/protocol"
	"excalmq/internal/registry"
)

// Registry is the part of the queue registry the router needs.
type Registry interface {
	Roster(name string) (registry.Snapshot, error)
	Enqueue(name, from string, recipients []string, env registry.Envelope) ([]string, error)
}

// Delivery reports the outcome of a publish.
type Delivery struct {
	// Delivered lists the recipients whose mailbox got the message.
	Delivered []string
	// Dropped lists addressed clients that did not get it.
	Dropped []string
}

// Route delivers env from publisher on queue according to target.
func Route(reg Registry, queue, publisher string, target protocol.Publish, env registry.Envelope) (Delivery, error) {
	snap, err := reg.Roster(queue)
	if err != nil {
		return Delivery{}, err
	}
	if d := acl.Evaluate(snap.View(publisher), acl.ActionPublish); !d.Allowed() {
		return Delivery{}, d.Err
	}

	recipients, err := Recipients(snap, publisher, target)
	if err != nil {
		return Delivery{}, err
	}

	delivered, err := reg.Enqueue(queue, publisher, recipients, env)
	if err != nil {
		return Delivery{}, err
	}
	if target.Mode == protocol.PublishModeTo && len(delivered) == 0 {
		return Delivery{}, protocol.Errorf(protocol.KindNotFound, "%q left queue %q", recipients[0], queue)
	}

	return Delivery{Delivered: delivered, Dropped: dropped(target, delivered)}, nil
}

// Recipients computes the recipient list of target on a roster snapshot.
func Recipients(snap registry.Snapshot, publisher string, target protocol.Publish) ([]string, error) {
	switch target.Mode {
	case protocol.PublishModeAll:
		out := make([]string, 0, len(snap.Members))
		for c := range snap.Members {
			if c != publisher && receives(snap, c) {
				out = append(out, c)
			}
		}
		sort.Strings(out)
		return out, nil

	case protocol.PublishModeTo:
		if len(target.Clients) != 1 || target.Clients[0] == "" {
			return nil, protocol.NewError(protocol.KindBadRequest, "TO needs exactly one client")
		}
		c := target.Clients[0]
		if snap.Role(c) == protocol.RoleNone {
			return nil, protocol.Errorf(protocol.KindNotFound, "%q is not a member of %q", c, snap.Name)
		}
		if !receives(snap, c) {
			return nil, protocol.Errorf(protocol.KindForbidden, "role %s of %q cannot pull from %q", snap.Role(c), c, snap.Name)
		}
		return []string{c}, nil

	case protocol.PublishModeGroup:
		seen := make(map[string]struct{}, len(target.Clients))
		out := make([]string, 0, len(target.Clients))
		for _, c := range target.Clients {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if snap.Role(c) != protocol.RoleNone && receives(snap, c) {
				out = append(out, c)
			}
		}
		return out, nil

	default:
		return nil, protocol.Errorf(protocol.KindBadRequest, "unknown publish mode %d", target.Mode)
	}
}

// receives reports whether member c may collect messages from the queue.
func receives(snap registry.Snapshot, c string) bool {
	return acl.Evaluate(snap.View(c), acl.ActionPull).Allowed()
}

// dropped lists the explicitly addressed clients missing from delivered.
func dropped(target protocol.Publish, delivered []string) []string {
	if target.Mode == protocol.PublishModeAll {
		return nil
	}
	got := make(map[string]struct{}, len(delivered))
	for _, c := range delivered {
		got[c] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{}, len(target.Clients))
	for _, c := range target.Clients {
		if _, ok := got[c]; ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
