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

package protocol

import "time"

// UnitKind tags a header unit on the wire.
type UnitKind uint8

const (
	UnitAuthentication UnitKind = iota + 1
	UnitAdministration
	UnitSource
	UnitMessageMeta
	UnitPublishTarget
	UnitQueueCreation
	UnitQueueSelector
	UnitRoleRequest
)

var unitKindText = enumText{"", "Authentication", "Administration", "Source", "MessageMeta", "PublishTarget", "QueueCreation", "QueueSelector", "RoleRequest"}

func (k UnitKind) String() string { return unitKindText.name(int(k)) }
func (k UnitKind) Valid() bool    { return unitKindText.valid(int(k)) }

// HeaderUnit is one typed header record. The concrete types below are the
// only implementations.
type HeaderUnit interface {
	Kind() UnitKind
}

// Authentication carries a credential claim.
type Authentication struct {
	Method     AuthMethod
	Credential string
}

// Administration carries one manager action. Only Manage requests apply
// administration units; on other requests they are ignored.
type Administration struct {
	Action ManagerAction
}

// Source names the sender address.
type Source struct {
	Address string
}

// MessageMeta describes a message outside of its body.
type MessageMeta struct {
	ID          string
	Timestamp   *time.Time
	Priority    Priority
	Category    Category
	ContentType ContentType
}

// PublishTarget names the queue and the addressing of a publish.
type PublishTarget struct {
	Queue  string
	Target Publish
}

// QueueCreation asks for the queue to be created with the given access.
type QueueCreation struct {
	Access QueueAccess
}

// QueueSelector names the queue a Subscribe, Unsubscribe, Pull or Manage
// request operates on.
type QueueSelector struct {
	Queue string
}

// RoleRequest is the role a subscriber asks for.
type RoleRequest struct {
	Role QueueRole
}

func (Authentication) Kind() UnitKind { return UnitAuthentication }
func (Administration) Kind() UnitKind { return UnitAdministration }
func (Source) Kind() UnitKind         { return UnitSource }
func (MessageMeta) Kind() UnitKind    { return UnitMessageMeta }
func (PublishTarget) Kind() UnitKind  { return UnitPublishTarget }
func (QueueCreation) Kind() UnitKind  { return UnitQueueCreation }
func (QueueSelector) Kind() UnitKind  { return UnitQueueSelector }
func (RoleRequest) Kind() UnitKind    { return UnitRoleRequest }

// Headers is the ordered list of header units of a payload or response.
//
// A payload may carry several units of the same kind. For every kind except
// Administration the last occurrence is authoritative and earlier ones are
// ignored. Administration units accumulate and apply in order.
type Headers []HeaderUnit

func last[T HeaderUnit](h Headers) (T, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if u, ok := h[i].(T); ok {
			return u, true
		}
	}
	var zero T
	return zero, false
}

func (h Headers) LastAuthentication() (Authentication, bool) { return last[Authentication](h) }
func (h Headers) LastSource() (Source, bool)                 { return last[Source](h) }
func (h Headers) LastMessageMeta() (MessageMeta, bool)       { return last[MessageMeta](h) }
func (h Headers) LastPublishTarget() (PublishTarget, bool)   { return last[PublishTarget](h) }
func (h Headers) LastQueueCreation() (QueueCreation, bool)   { return last[QueueCreation](h) }
func (h Headers) LastQueueSelector() (QueueSelector, bool)   { return last[QueueSelector](h) }
func (h Headers) LastRoleRequest() (RoleRequest, bool)       { return last[RoleRequest](h) }

// Administration returns the manager actions in the order they appear.
func (h Headers) Administration() []ManagerAction {
	var actions []ManagerAction
	for _, u := range h {
		if a, ok := u.(Administration); ok {
			actions = append(actions, a.Action)
		}
	}
	return actions
}

// Queue returns the queue the headers address: the last QueueSelector, or
// the last PublishTarget when no selector is present.
func (h Headers) Queue() string {
	if s, ok := h.LastQueueSelector(); ok {
		return s.Queue
	}
	if t, ok := h.LastPublishTarget(); ok {
		return t.Queue
	}
	return ""
}

// Without returns a copy of h with every unit of the given kind removed.
func (h Headers) Without(kind UnitKind) Headers {
	var out Headers
	for _, u := range h {
		if u.Kind() != kind {
			out = append(out, u)
		}
	}
	return out
}
