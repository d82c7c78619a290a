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

import (
	"fmt"
	"time"
)

// enumText holds the wire names of a small enum, indexed by value.
type enumText []string

func (t enumText) name(v int) string {
	if v < 0 || v >= len(t) || t[v] == "" {
		return fmt.Sprintf("Unknown(%d)", v)
	}
	return t[v]
}

func (t enumText) valid(v int) bool {
	return v >= 0 && v < len(t) && t[v] != ""
}

func (t enumText) parse(what string, s []byte) (int, error) {
	for i, n := range t {
		if n != "" && n == string(s) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", what, s)
}

// ============================================================================
// Request types
// ============================================================================

// RequestType is the operation a request frame asks for. It is carried in
// the op byte of the frame header.
type RequestType byte

const (
	RequestSubscribe   RequestType = 0x01
	RequestUnsubscribe RequestType = 0x02
	RequestPublish     RequestType = 0x03
	RequestPull        RequestType = 0x04
	RequestPing        RequestType = 0x05
	RequestManage      RequestType = 0x06
)

var requestTypeText = enumText{"", "Subscribe", "Unsubscribe", "Publish", "Pull", "Ping", "Manage"}

func (r RequestType) String() string { return requestTypeText.name(int(r)) }

// Valid reports whether r is a known request type.
func (r RequestType) Valid() bool { return requestTypeText.valid(int(r)) }

// ============================================================================
// Message model
// ============================================================================

// ContentType selects the body serialization of a message.
type ContentType uint8

const (
	ContentJSON ContentType = iota
	ContentXML
)

var contentTypeText = enumText{"JSON", "XML"}

func (c ContentType) String() string { return contentTypeText.name(int(c)) }
func (c ContentType) Valid() bool    { return contentTypeText.valid(int(c)) }

func (c ContentType) MarshalText() ([]byte, error) { return marshalEnum(contentTypeText, int(c), "content type") }

func (c *ContentType) UnmarshalText(b []byte) error {
	v, err := contentTypeText.parse("content type", b)
	*c = ContentType(v)
	return err
}

// Priority orders delivery. Higher priorities are dequeued first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityText = enumText{"Low", "Medium", "High", "Critical"}

func (p Priority) String() string { return priorityText.name(int(p)) }
func (p Priority) Valid() bool    { return priorityText.valid(int(p)) }

func (p Priority) MarshalText() ([]byte, error) { return marshalEnum(priorityText, int(p), "priority") }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := priorityText.parse("priority", b)
	*p = Priority(v)
	return err
}

// Category describes the purpose of a message.
type Category uint8

const (
	CategoryEvent Category = iota
	CategoryCommand
	CategoryRequest
	CategoryResponse
	CategoryAcknowledgement
	CategoryError
	CategoryNotification
	CategoryStatus
)

var categoryText = enumText{"EVENT", "COMMAND", "REQUEST", "RESPONSE", "ACKNOWLEDGEMENT", "ERROR", "NOTIFICATION", "STATUS"}

func (c Category) String() string { return categoryText.name(int(c)) }
func (c Category) Valid() bool    { return categoryText.valid(int(c)) }

func (c Category) MarshalText() ([]byte, error) { return marshalEnum(categoryText, int(c), "category") }

func (c *Category) UnmarshalText(b []byte) error {
	v, err := categoryText.parse("category", b)
	*c = Category(v)
	return err
}

// PublishMode is the addressing mode of a publish.
type PublishMode uint8

const (
	PublishModeAll PublishMode = iota + 1
	PublishModeTo
	PublishModeGroup
)

var publishModeText = enumText{"", "ALL", "TO", "GROUP"}

func (m PublishMode) String() string { return publishModeText.name(int(m)) }
func (m PublishMode) Valid() bool    { return publishModeText.valid(int(m)) }

func (m PublishMode) MarshalText() ([]byte, error) { return marshalEnum(publishModeText, int(m), "publish mode") }

func (m *PublishMode) UnmarshalText(b []byte) error {
	v, err := publishModeText.parse("publish mode", b)
	*m = PublishMode(v)
	return err
}

// Publish addresses a message: every subscriber but the publisher (ALL),
// one subscriber (TO) or a set of subscribers (GROUP).
type Publish struct {
	Mode    PublishMode `json:"mode" xml:"mode,attr"`
	Clients []string    `json:"clients,omitempty" xml:"client,omitempty"`
}

// PublishAll addresses every subscriber of the queue except the publisher.
func PublishAll() Publish { return Publish{Mode: PublishModeAll} }

// PublishTo addresses exactly one subscriber.
func PublishTo(client string) Publish {
	return Publish{Mode: PublishModeTo, Clients: []string{client}}
}

// PublishGroup addresses a set of subscribers.
func PublishGroup(clients ...string) Publish {
	p := Publish{Mode: PublishModeGroup}
	if len(clients) > 0 {
		p.Clients = append([]string(nil), clients...)
	}
	return p
}

func (p Publish) String() string {
	switch p.Mode {
	case PublishModeTo:
		if len(p.Clients) == 1 {
			return "TO(" + p.Clients[0] + ")"
		}
	case PublishModeGroup:
		return fmt.Sprintf("GROUP%v", p.Clients)
	}
	return p.Mode.String()
}

// Message is the body of a protocol message. It is serialized as JSON or XML
// according to ContentType.
type Message struct {
	ContentType ContentType `json:"content_type" xml:"content_type"`
	Priority    Priority    `json:"priority" xml:"priority"`
	Category    Category    `json:"category" xml:"category"`
	Publish     Publish     `json:"publish" xml:"publish"`
	Body        string      `json:"body" xml:"body"`
}

// ============================================================================
// Queues
// ============================================================================

// QueueAccess is the admission policy of a queue.
type QueueAccess uint8

const (
	// AccessPublic admits any subscriber immediately.
	AccessPublic QueueAccess = iota
	// AccessPrivate admits only subscribers authorized by a moderator.
	AccessPrivate
	// AccessProtected admits authenticated subscribers and refuses
	// anonymous ones.
	AccessProtected
)

var queueAccessText = enumText{"Public", "Private", "Protected"}

func (a QueueAccess) String() string { return queueAccessText.name(int(a)) }
func (a QueueAccess) Valid() bool    { return queueAccessText.valid(int(a)) }

// ParseQueueAccess parses an access mode name.
func ParseQueueAccess(s string) (QueueAccess, error) {
	v, err := queueAccessText.parse("queue access", []byte(s))
	return QueueAccess(v), err
}

// QueueRole is the capability a client holds on one queue.
type QueueRole uint8

const (
	RoleNone QueueRole = iota
	RoleModerator
	RoleManager
	RoleProducer
	RoleConsumer
	RoleCouple // producer and consumer
)

var queueRoleText = enumText{"None", "Moderator", "Manager", "Producer", "Consumer", "Couple"}

func (r QueueRole) String() string { return queueRoleText.name(int(r)) }
func (r QueueRole) Valid() bool    { return queueRoleText.valid(int(r)) }

// ParseQueueRole parses a role name.
func ParseQueueRole(s string) (QueueRole, error) {
	v, err := queueRoleText.parse("queue role", []byte(s))
	return QueueRole(v), err
}

// ============================================================================
// Authentication and administration
// ============================================================================

// AuthMethodKind is the kind of credential presented by a client.
type AuthMethodKind uint8

const (
	AuthExternalToken AuthMethodKind = iota + 1
	AuthLocalToken
	AuthAuthorization
	AuthCookie
)

var authMethodText = enumText{"", "ExternalToken", "LocalToken", "Authorization", "Cookie"}

func (k AuthMethodKind) String() string { return authMethodText.name(int(k)) }
func (k AuthMethodKind) Valid() bool    { return authMethodText.valid(int(k)) }

// AuthScheme qualifies an Authorization credential.
type AuthScheme uint8

const (
	SchemeNone AuthScheme = iota
	SchemeBearer
	SchemeBasic
)

var authSchemeText = enumText{"None", "Bearer", "Basic"}

func (s AuthScheme) String() string { return authSchemeText.name(int(s)) }
func (s AuthScheme) Valid() bool    { return authSchemeText.valid(int(s)) }

// AuthMethod describes how a credential should be interpreted. Scheme is
// only meaningful for AuthAuthorization.
type AuthMethod struct {
	Kind   AuthMethodKind
	Scheme AuthScheme
}

func (m AuthMethod) String() string {
	if m.Kind == AuthAuthorization {
		return m.Kind.String() + "(" + m.Scheme.String() + ")"
	}
	return m.Kind.String()
}

// ManagerActionKind is an administrative action on a queue.
type ManagerActionKind uint8

const (
	ActionRename ManagerActionKind = iota + 1
	ActionAuthorize
	ActionReject
	ActionDispose
	ActionAccessorModify
)

var managerActionText = enumText{"", "Rename", "Authorize", "Reject", "Dispose", "AccessorModify"}

func (k ManagerActionKind) String() string { return managerActionText.name(int(k)) }
func (k ManagerActionKind) Valid() bool    { return managerActionText.valid(int(k)) }

// ManagerAction is one administrative action. Name is used by Rename,
// Client by Authorize, Reject and Dispose, Access by AccessorModify.
// A Reject with an empty Client rejects every pending approval.
type ManagerAction struct {
	Kind   ManagerActionKind
	Name   string
	Client string
	Access QueueAccess
}

func Rename(name string) ManagerAction { return ManagerAction{Kind: ActionRename, Name: name} }

func Authorize(client string) ManagerAction {
	return ManagerAction{Kind: ActionAuthorize, Client: client}
}

func Reject(client string) ManagerAction { return ManagerAction{Kind: ActionReject, Client: client} }

func Dispose(client string) ManagerAction { return ManagerAction{Kind: ActionDispose, Client: client} }

func AccessorModify(access QueueAccess) ManagerAction {
	return ManagerAction{Kind: ActionAccessorModify, Access: access}
}

func (a ManagerAction) String() string {
	switch a.Kind {
	case ActionRename:
		return "Rename(" + a.Name + ")"
	case ActionAccessorModify:
		return "AccessorModify(" + a.Access.String() + ")"
	default:
		return a.Kind.String() + "(" + a.Client + ")"
	}
}

func marshalEnum(t enumText, v int, what string) ([]byte, error) {
	if !t.valid(v) {
		return nil, fmt.Errorf("invalid %s %d", what, v)
	}
	return []byte(t[v]), nil
}

// ============================================================================
// Payload
// ============================================================================

// Payload is one decoded request frame.
type Payload struct {
	Headers   Headers
	Message   *Message
	Request   RequestType
	Timestamp *time.Time
}

// Validate checks the structural invariants every payload must satisfy.
func (p *Payload) Validate() error {
	if !p.Request.Valid() {
		return Errorf(KindBadRequest, "unknown request type 0x%02x", byte(p.Request))
	}
	if p.Request == RequestPublish && p.Message == nil {
		return NewError(KindBadRequest, "publish request without message")
	}
	if p.Message != nil {
		if err := p.Message.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) validate() error {
	switch {
	case !m.ContentType.Valid():
		return Errorf(KindBadRequest, "invalid content type %d", m.ContentType)
	case !m.Priority.Valid():
		return Errorf(KindBadRequest, "invalid priority %d", m.Priority)
	case !m.Category.Valid():
		return Errorf(KindBadRequest, "invalid category %d", m.Category)
	case !m.Publish.Mode.Valid():
		return Errorf(KindBadRequest, "invalid publish mode %d", m.Publish.Mode)
	}
	return nil
}
