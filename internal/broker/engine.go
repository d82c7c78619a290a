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
Package broker implements the MTP request engine.

ARCHITECTURE OVERVIEW:
======================
The engine sits between the frame codec and the queue registry. Every
connection owns a Session; all sessions share one Engine.

	Engine
	 ├── Registry  (queues, rosters, mailboxes)
	 ├── Verifier  (credential checks)
	 └── Observer  (metrics hooks)
	Session (one per connection)
	 └── principal, state

REQUEST FLOW:
=============
 1. The last Authentication unit, if any, is verified and binds the
    session principal. Rebinding to another principal is a conflict.
 2. Ping is answered without touching queues.
 3. Required headers are checked per request type.
 4. The operation runs against the registry and the publish router.
 5. The response echoes the request headers minus Authentication units.

A panic while handling a request is recovered and reported as an
InternalServerError; the session stays usable.

SESSION STATES:
===============

	Unauthenticated ──auth──▶ Authenticated ──▶ Idle ⇄ Processing
	        │                                           │
	        └──────────────────── Close ────────────────┴──▶ Closed

Closing a session removes its principal from every queue.
*/
package broker

import (
	"time"

	"excalmq/internal/auth"
	"excalmq/internal/logging"
	"excalmq/internal/protocol"
	"excalmq/internal/registry"
)

// Observer receives request and routing events. Implementations must be
// safe for concurrent use.
type Observer interface {
	RequestHandled(req protocol.RequestType, status protocol.Status, elapsed time.Duration)
	MessageRouted(queue string, delivered, dropped int)
	SessionOpened()
	SessionClosed()
}

type nopObserver struct{}

func (nopObserver) RequestHandled(protocol.RequestType, protocol.Status, time.Duration) {}
func (nopObserver) MessageRouted(string, int, int)                                      {}
func (nopObserver) SessionOpened()                                                      {}
func (nopObserver) SessionClosed()                                                      {}

// Options configures an Engine.
type Options struct {
	// RequireAuth rejects every request but Ping from sessions without a
	// verified principal.
	RequireAuth bool
	// Address is reported in the Source unit of Ping responses.
	Address string
	// Observer receives metrics events. Nil disables them.
	Observer Observer
}

// Engine is the state shared by all sessions.
type Engine struct {
	registry *registry.Registry
	verifier auth.Verifier
	opts     Options
	observer Observer

	logger   *logging.Logger
	security *logging.SecurityLogger
	errs     *logging.ErrorLogger
}

// NewEngine creates an engine over reg. A nil verifier refuses every
// Authentication unit.
func NewEngine(reg *registry.Registry, verifier auth.Verifier, opts Options) *Engine {
	logger := logging.NewLogger("broker")
	e := &Engine{
		registry: reg,
		verifier: verifier,
		opts:     opts,
		observer: opts.Observer,
		logger:   logger,
		security: logging.NewSecurityLogger(logger),
		errs:     logging.NewErrorLogger(logger),
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	return e
}

// Registry returns the queue registry the engine works on.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// NewSession opens a session for a connection from remote.
func (e *Engine) NewSession(remote string) *Session {
	e.observer.SessionOpened()
	return &Session{
		engine: e,
		remote: remote,
		state:  StateUnauthenticated,
		logger: e.logger.With("remote", logging.MaskIP(remote)),
	}
}
