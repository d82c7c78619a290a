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
Package acl decides whether a client may perform an action on a queue.

The evaluator is a pure function of a View: a snapshot of the queue and of
the acting client's standing on it, taken by the registry under the queue
lock. It never touches queue state itself.

DECISIONS:
==========
  Allow    the action proceeds
  Deny     the action fails with the attached protocol error
  Pending  the action waits for a moderator (private queue admission,
           Manager role requests)

ROLE RANKS:
===========
  Moderator > Manager > Producer, Consumer, Couple

A client may only dispose of clients it strictly outranks, so a Moderator
cannot dispose of itself and a Manager cannot dispose of another Manager.
*/
package acl

import (
	"excalmq/internal/protocol"
)

// Action is a queue-level operation subject to access control.
type Action uint8

const (
	ActionSubscribe Action = iota + 1
	ActionUnsubscribe
	ActionPublish
	ActionPull
	ActionManage
)

func (a Action) String() string {
	switch a {
	case ActionSubscribe:
		return "subscribe"
	case ActionUnsubscribe:
		return "unsubscribe"
	case ActionPublish:
		return "publish"
	case ActionPull:
		return "pull"
	case ActionManage:
		return "manage"
	default:
		return "unknown"
	}
}

// Outcome is the class of a decision.
type Outcome uint8

const (
	Allow Outcome = iota
	Deny
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "pending"
	}
}

// Decision is the result of an evaluation. Err is set for Deny.
type Decision struct {
	Outcome Outcome
	Err     *protocol.ProtocolError
}

func allow() Decision   { return Decision{Outcome: Allow} }
func pending() Decision { return Decision{Outcome: Pending} }

func deny(kind protocol.ErrorKind, format string, args ...interface{}) Decision {
	return Decision{Outcome: Deny, Err: protocol.Errorf(kind, format, args...)}
}

// Allowed reports whether the decision is Allow.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

// View is what the evaluator knows about a queue and the acting client.
type View struct {
	Queue  string
	Exists bool
	Access protocol.QueueAccess

	// Role is the client's current role, RoleNone when not a member.
	Role protocol.QueueRole
	// Requested is the role asked for by a Subscribe.
	Requested protocol.QueueRole
	// Pending is set while the client waits for approval.
	Pending bool
	// Invited is set when a moderator authorized the client in advance.
	Invited bool
	// Authenticated is false for anonymous sessions.
	Authenticated bool
}

// Member reports whether the client is on the roster.
func (v View) Member() bool { return v.Role != protocol.RoleNone }

// Evaluate decides whether the client described by v may perform a.
func Evaluate(v View, a Action) Decision {
	if !v.Exists {
		if a == ActionSubscribe {
			// The registry creates the queue with the client as Moderator.
			return allow()
		}
		return deny(protocol.KindNotFound, "queue %q does not exist", v.Queue)
	}

	switch a {
	case ActionSubscribe:
		return evaluateSubscribe(v)
	case ActionUnsubscribe:
		if v.Member() || v.Pending {
			return allow()
		}
		return deny(protocol.KindNotFound, "not subscribed to %q", v.Queue)
	case ActionPublish:
		if CanProduce(v.Role) {
			return allow()
		}
		return deny(protocol.KindForbidden, "role %s cannot publish to %q", v.Role, v.Queue)
	case ActionPull:
		if CanConsume(v.Role) || v.Access == protocol.AccessPublic {
			return allow()
		}
		return deny(protocol.KindForbidden, "role %s cannot pull from %q", v.Role, v.Queue)
	case ActionManage:
		if CanManage(v.Role) {
			return allow()
		}
		return deny(protocol.KindForbidden, "role %s cannot manage %q", v.Role, v.Queue)
	default:
		return deny(protocol.KindMethodNotAllowed, "unknown action %d", a)
	}
}

func evaluateSubscribe(v View) Decision {
	if v.Member() {
		return allow()
	}
	switch v.Requested {
	case protocol.RoleModerator:
		return deny(protocol.KindForbidden, "queue %q already has a moderator", v.Queue)
	case protocol.RoleNone:
		return deny(protocol.KindBadRequest, "no role requested")
	}
	if v.Access == protocol.AccessProtected && !v.Authenticated {
		return deny(protocol.KindUnauthorized, "queue %q requires an authenticated client", v.Queue)
	}
	if v.Invited {
		return allow()
	}
	if v.Requested == protocol.RoleManager || v.Access == protocol.AccessPrivate {
		return pending()
	}
	return allow()
}

// Target describes the client a manager action applies to.
type Target struct {
	Client    string
	Role      protocol.QueueRole // RoleNone when not a member
	Pending   bool
	Requested protocol.QueueRole // role asked for while pending
}

// EvaluateManagerAction decides whether a client holding actor may apply
// action to target. Membership checks on the target that do not depend on
// the actor's authority are left to the registry.
func EvaluateManagerAction(actor protocol.QueueRole, action protocol.ManagerAction, target Target) Decision {
	if !CanManage(actor) {
		return deny(protocol.KindForbidden, "role %s cannot manage queues", actor)
	}

	switch action.Kind {
	case protocol.ActionRename, protocol.ActionAccessorModify:
		if actor != protocol.RoleModerator {
			return deny(protocol.KindForbidden, "%s requires the moderator", action.Kind)
		}
		return allow()
	case protocol.ActionAuthorize:
		if actor == protocol.RoleManager && target.Pending && target.Requested == protocol.RoleManager {
			return deny(protocol.KindForbidden, "a manager cannot grant the manager role")
		}
		return allow()
	case protocol.ActionReject:
		return allow()
	case protocol.ActionDispose:
		if Rank(actor) <= Rank(target.Role) {
			return deny(protocol.KindForbidden, "%s cannot dispose %s %q", actor, target.Role, target.Client)
		}
		return allow()
	default:
		return deny(protocol.KindBadRequest, "unknown manager action %d", action.Kind)
	}
}

// Rank orders roles by authority.
func Rank(r protocol.QueueRole) int {
	switch r {
	case protocol.RoleModerator:
		return 2
	case protocol.RoleManager:
		return 1
	default:
		return 0
	}
}

// CanProduce reports whether r may publish.
func CanProduce(r protocol.QueueRole) bool {
	switch r {
	case protocol.RoleProducer, protocol.RoleModerator, protocol.RoleManager, protocol.RoleCouple:
		return true
	}
	return false
}

// CanConsume reports whether r may pull.
func CanConsume(r protocol.QueueRole) bool {
	switch r {
	case protocol.RoleConsumer, protocol.RoleModerator, protocol.RoleManager, protocol.RoleCouple:
		return true
	}
	return false
}

// CanManage reports whether r may issue manager actions.
func CanManage(r protocol.QueueRole) bool {
	return r == protocol.RoleModerator || r == protocol.RoleManager
}
