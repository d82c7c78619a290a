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
Package registry owns the live queues of the broker.

ARENA:
======
Queues live in a map indexed by name. The map has its own RWMutex and every
queue has its own mutex, so operations on different queues never contend on
a queue lock. Within one queue, subscribe, unsubscribe, enqueue, dequeue and
manager actions are serialized by the queue mutex.

Lock order is always map lock, then queue lock. Operations that only need
one queue release the map lock before taking the queue lock; a queue that
was removed or renamed in between reports Gone109.

MAILBOXES:
==========
Every member has a mailbox (a stable priority queue). A member that leaves
while its mailbox still holds messages keeps the mailbox for the departed
retention period. A member that disconnects (rather than unsubscribing)
also keeps its role for that period, so a client that reconnects gets its
place and its backlog back without a new approval round.

GARBAGE COLLECTION:
===================
A queue is not destroyed on the last unsubscribe. The sweeper removes it
once it has no members, no pending approvals and no retained mailboxes, and
has stayed that way for the grace period.
*/
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"excalmq/internal/acl"
	"excalmq/internal/logging"
	"excalmq/internal/protocol"
)

// Options tunes capacity and garbage collection.
type Options struct {
	// MaxBacklog caps the messages a single mailbox may hold.
	MaxBacklog int
	// GCInterval is the period of the background sweeper.
	GCInterval time.Duration
	// GCGrace is how long an empty queue survives before removal.
	GCGrace time.Duration
	// DepartedRetention is how long a departed member's mailbox is kept.
	DepartedRetention time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxBacklog:        10000,
		GCInterval:        30 * time.Second,
		GCGrace:           time.Minute,
		DepartedRetention: 5 * time.Minute,
	}
}

// Registry is the set of live queues.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*queue

	opts   Options
	now    func() time.Time
	logger *logging.Logger
	events *logging.QueueLogger
}

type queue struct {
	mu sync.Mutex

	name    string
	access  protocol.QueueAccess
	removed bool

	roster  map[string]protocol.QueueRole
	pending map[string]protocol.QueueRole
	// invited maps pre-authorized clients to the role of whoever invited them.
	invited map[string]protocol.QueueRole

	mailboxes map[string]*mailbox
	departed  map[string]departure

	idleSince time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = DefaultOptions().MaxBacklog
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultOptions().GCInterval
	}
	logger := logging.NewLogger("registry")
	return &Registry{
		queues: make(map[string]*queue),
		opts:   opts,
		now:    time.Now,
		logger: logger,
		events: logging.NewQueueLogger(logger),
	}
}

// departure records a member that left. role is RoleNone when the member
// unsubscribed on purpose.
type departure struct {
	at   time.Time
	role protocol.QueueRole
}

func newQueue(name string, access protocol.QueueAccess, moderator string) *queue {
	return &queue{
		name:      name,
		access:    access,
		roster:    map[string]protocol.QueueRole{moderator: protocol.RoleModerator},
		pending:   make(map[string]protocol.QueueRole),
		invited:   make(map[string]protocol.QueueRole),
		mailboxes: map[string]*mailbox{moderator: {}},
		departed:  make(map[string]departure),
	}
}

func notFound(name string) error {
	return protocol.Errorf(protocol.KindNotFound, "queue %q does not exist", name)
}

func validName(name string) error {
	if name == "" {
		return protocol.NewError(protocol.KindBadRequest, "empty queue name")
	}
	return nil
}

// lock returns the named queue with its mutex held.
func (r *Registry) lock(name string) (*queue, error) {
	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(name)
	}

	q.mu.Lock()
	if q.removed || q.name != name {
		q.mu.Unlock()
		return nil, protocol.Errorf(protocol.KindGone, "queue %q was removed or renamed", name)
	}
	return q, nil
}

// Create creates a queue with creator as its Moderator. It fails with
// Conflict108 if the name is taken.
func (r *Registry) Create(name, creator string, access protocol.QueueAccess) error {
	created, err := r.GetOrCreate(name, creator, access)
	if err != nil {
		return err
	}
	if !created {
		return protocol.Errorf(protocol.KindConflict, "queue %q already exists", name)
	}
	return nil
}

// GetOrCreate creates the queue when it does not exist and reports whether
// it did.
func (r *Registry) GetOrCreate(name, creator string, access protocol.QueueAccess) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	if !access.Valid() {
		return false, protocol.Errorf(protocol.KindBadRequest, "invalid queue access %d", access)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[name]; ok {
		return false, nil
	}
	r.queues[name] = newQueue(name, access, creator)
	r.events.LogQueueCreated(name, access.String(), creator)
	return true, nil
}

// SubscribeOutcome tells an admitted subscriber from one awaiting approval.
type SubscribeOutcome uint8

const (
	Subscribed SubscribeOutcome = iota
	AwaitingApproval
)

// Subscription is the result of Subscribe.
type Subscription struct {
	Outcome SubscribeOutcome
	Role    protocol.QueueRole
	Created bool
}

// Subscribe adds client to the named queue with the requested role,
// creating the queue with client as Moderator when it does not exist.
// RoleNone requests the Consumer role.
func (r *Registry) Subscribe(name, client string, role protocol.QueueRole, authenticated bool) (Subscription, error) {
	if role == protocol.RoleNone {
		role = protocol.RoleConsumer
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var created bool
		created, err = r.GetOrCreate(name, client, protocol.AccessPublic)
		if err != nil {
			return Subscription{}, err
		}
		if created {
			return Subscription{Outcome: Subscribed, Role: protocol.RoleModerator, Created: true}, nil
		}

		var sub Subscription
		sub, err = r.subscribeExisting(name, client, role, authenticated)
		if err == nil {
			return sub, nil
		}
		// The sweeper may have removed the queue between the two steps.
		if !protocol.IsKind(err, protocol.KindGone) {
			return Subscription{}, err
		}
	}
	return Subscription{}, err
}

func (r *Registry) subscribeExisting(name, client string, role protocol.QueueRole, authenticated bool) (Subscription, error) {
	q, err := r.lock(name)
	if err != nil {
		return Subscription{}, err
	}
	defer q.mu.Unlock()

	if current, ok := q.roster[client]; ok {
		return Subscription{Outcome: Subscribed, Role: current}, nil
	}
	if dep, ok := q.departed[client]; ok && dep.role != protocol.RoleNone {
		q.admit(client, dep.role)
		r.events.LogMemberJoined(name, client, dep.role.String())
		return Subscription{Outcome: Subscribed, Role: dep.role}, nil
	}

	d := acl.Evaluate(q.view(client, role, authenticated), acl.ActionSubscribe)
	switch d.Outcome {
	case acl.Deny:
		return Subscription{}, d.Err
	case acl.Pending:
		q.pending[client] = role
		r.events.LogMemberPending(name, client, role.String())
		return Subscription{Outcome: AwaitingApproval, Role: role}, nil
	}

	q.admit(client, role)
	r.events.LogMemberJoined(name, client, role.String())
	return Subscription{Outcome: Subscribed, Role: role}, nil
}

func (q *queue) view(client string, requested protocol.QueueRole, authenticated bool) acl.View {
	_, pending := q.pending[client]
	inviter, invited := q.invited[client]
	if invited && requested == protocol.RoleManager && inviter != protocol.RoleModerator {
		invited = false
	}
	return acl.View{
		Queue:         q.name,
		Exists:        true,
		Access:        q.access,
		Role:          q.roster[client],
		Requested:     requested,
		Pending:       pending,
		Invited:       invited,
		Authenticated: authenticated,
	}
}

func (q *queue) admit(client string, role protocol.QueueRole) {
	q.roster[client] = role
	delete(q.pending, client)
	delete(q.invited, client)
	delete(q.departed, client)
	if q.mailboxes[client] == nil {
		q.mailboxes[client] = &mailbox{}
	}
}

// leave removes client from the roster and pending set, retaining a
// non-empty mailbox and, when keepRole is set, the member's role. It
// returns the number of retained messages.
func (q *queue) leave(client string, now time.Time, keepRole bool) int {
	dep := departure{at: now}
	if keepRole {
		dep.role = q.roster[client]
	}
	delete(q.roster, client)
	delete(q.pending, client)

	retained := q.mailboxes[client].len()
	if retained == 0 {
		delete(q.mailboxes, client)
	}
	if retained > 0 || dep.role != protocol.RoleNone {
		q.departed[client] = dep
	} else {
		delete(q.departed, client)
	}
	q.touch(now)
	return retained
}

// touch starts the idle clock when the queue lost its last member.
func (q *queue) touch(now time.Time) {
	if len(q.roster) == 0 && len(q.pending) == 0 {
		q.idleSince = now
	}
}

func (q *queue) idle() bool {
	return len(q.roster) == 0 && len(q.pending) == 0 && len(q.mailboxes) == 0 && len(q.departed) == 0
}

// Unsubscribe removes client from the named queue. Pending approvals are
// withdrawn as well.
func (r *Registry) Unsubscribe(name, client string) error {
	q, err := r.lock(name)
	if err != nil {
		return err
	}
	defer q.mu.Unlock()

	d := acl.Evaluate(q.view(client, protocol.RoleNone, false), acl.ActionUnsubscribe)
	if !d.Allowed() {
		return d.Err
	}
	retained := q.leave(client, r.now(), false)
	r.events.LogMemberLeft(name, client, retained)
	return nil
}

// UnsubscribeAll removes client from every queue it is a member of or
// waiting on, and returns the names of those queues. It is the disconnect
// path: roles are kept for the departed retention period.
func (r *Registry) UnsubscribeAll(client string) []string {
	r.mu.RLock()
	queues := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	now := r.now()
	var left []string
	for _, q := range queues {
		q.mu.Lock()
		_, member := q.roster[client]
		_, pending := q.pending[client]
		if !q.removed && (member || pending) {
			retained := q.leave(client, now, true)
			left = append(left, q.name)
			r.events.LogMemberLeft(q.name, client, retained)
		}
		q.mu.Unlock()
	}
	sort.Strings(left)
	return left
}

// Snapshot is a consistent copy of a queue's roster.
type Snapshot struct {
	Name    string
	Access  protocol.QueueAccess
	Members map[string]protocol.QueueRole
	Pending map[string]protocol.QueueRole
}

// Role returns the role of client, RoleNone when not a member.
func (s Snapshot) Role(client string) protocol.QueueRole {
	return s.Members[client]
}

// View returns the access-control view of client on the snapshot.
func (s Snapshot) View(client string) acl.View {
	_, pending := s.Pending[client]
	return acl.View{
		Queue:   s.Name,
		Exists:  true,
		Access:  s.Access,
		Role:    s.Members[client],
		Pending: pending,
	}
}

// Roster returns a snapshot of the named queue taken under its lock.
func (r *Registry) Roster(name string) (Snapshot, error) {
	q, err := r.lock(name)
	if err != nil {
		return Snapshot{}, err
	}
	defer q.mu.Unlock()

	s := Snapshot{
		Name:    q.name,
		Access:  q.access,
		Members: make(map[string]protocol.QueueRole, len(q.roster)),
		Pending: make(map[string]protocol.QueueRole, len(q.pending)),
	}
	for c, role := range q.roster {
		s.Members[c] = role
	}
	for c, role := range q.pending {
		s.Pending[c] = role
	}
	return s, nil
}

// Enqueue appends env to the mailbox of every recipient that is still a
// member allowed to pull, after checking that from may publish. It returns the recipients
// that got the message, in the order given. Either every member recipient
// gets the message or, when a mailbox is full, none does.
func (r *Registry) Enqueue(name, from string, recipients []string, env Envelope) ([]string, error) {
	q, err := r.lock(name)
	if err != nil {
		return nil, err
	}
	defer q.mu.Unlock()

	d := acl.Evaluate(q.view(from, protocol.RoleNone, false), acl.ActionPublish)
	if !d.Allowed() {
		return nil, d.Err
	}

	seen := make(map[string]struct{}, len(recipients))
	targets := make([]string, 0, len(recipients))
	for _, c := range recipients {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if _, member := q.roster[c]; !member {
			continue
		}
		if !acl.Evaluate(q.view(c, protocol.RoleNone, false), acl.ActionPull).Allowed() {
			continue
		}
		if q.mailboxes[c].len() >= r.opts.MaxBacklog {
			return nil, protocol.Errorf(protocol.KindInsufficientStorage,
				"mailbox of %q on %q holds %d messages", c, name, r.opts.MaxBacklog)
		}
		targets = append(targets, c)
	}

	env.Queue = q.name
	env.From = from
	for _, c := range targets {
		e := env
		q.mailboxes[c].push(&e)
	}
	return targets, nil
}

// Dequeue pops the highest priority, oldest message from client's mailbox.
// It returns nil when the mailbox is empty.
func (r *Registry) Dequeue(name, client string) (*Envelope, error) {
	q, err := r.lock(name)
	if err != nil {
		return nil, err
	}
	defer q.mu.Unlock()

	d := acl.Evaluate(q.view(client, protocol.RoleNone, false), acl.ActionPull)
	if !d.Allowed() {
		return nil, d.Err
	}

	mb := q.mailboxes[client]
	if mb == nil {
		return nil, nil
	}
	e := mb.pop()
	if dep, departed := q.departed[client]; departed && mb.len() == 0 {
		delete(q.mailboxes, client)
		if dep.role == protocol.RoleNone {
			delete(q.departed, client)
		}
	}
	return e, nil
}

// ActionResult describes the effect of a manager action.
type ActionResult struct {
	// Queue is the queue name after the action.
	Queue string
	// Affected lists the clients the action changed, sorted.
	Affected []string
}

// ApplyManagerAction applies one administrative action requested by
// requester. Actions on the same queue apply in the order they are
// received.
func (r *Registry) ApplyManagerAction(name, requester string, action protocol.ManagerAction) (ActionResult, error) {
	if action.Kind == protocol.ActionRename {
		return r.rename(name, requester, action.Name)
	}

	q, err := r.lock(name)
	if err != nil {
		return ActionResult{}, err
	}
	defer q.mu.Unlock()

	target := acl.Target{Client: action.Client, Role: q.roster[action.Client]}
	if target.Role == protocol.RoleNone {
		// A disconnected member can still be disposed of while its role
		// is retained.
		target.Role = q.departed[action.Client].role
	}
	target.Requested, target.Pending = q.pending[action.Client]
	actor := q.roster[requester]
	if d := acl.EvaluateManagerAction(actor, action, target); !d.Allowed() {
		return ActionResult{}, d.Err
	}

	res := ActionResult{Queue: q.name}
	now := r.now()
	switch action.Kind {
	case protocol.ActionAuthorize:
		if action.Client == "" {
			return ActionResult{}, protocol.NewError(protocol.KindBadRequest, "authorize without client")
		}
		switch {
		case target.Pending:
			q.admit(action.Client, target.Requested)
			r.events.LogMemberJoined(q.name, action.Client, target.Requested.String())
		case q.roster[action.Client] != protocol.RoleNone:
			// Already a member.
		default:
			q.invited[action.Client] = actor
		}
		res.Affected = []string{action.Client}

	case protocol.ActionReject:
		if action.Client == "" {
			for c := range q.pending {
				res.Affected = append(res.Affected, c)
			}
			sort.Strings(res.Affected)
			q.pending = make(map[string]protocol.QueueRole)
		} else {
			_, invited := q.invited[action.Client]
			if !target.Pending && !invited {
				return ActionResult{}, protocol.Errorf(protocol.KindNotFound, "%q has no pending approval on %q", action.Client, q.name)
			}
			delete(q.pending, action.Client)
			delete(q.invited, action.Client)
			res.Affected = []string{action.Client}
		}
		q.touch(now)

	case protocol.ActionDispose:
		if target.Role == protocol.RoleNone {
			return ActionResult{}, protocol.Errorf(protocol.KindNotFound, "%q is not a member of %q", action.Client, q.name)
		}
		delete(q.roster, action.Client)
		delete(q.mailboxes, action.Client)
		delete(q.departed, action.Client)
		delete(q.invited, action.Client)
		q.touch(now)
		res.Affected = []string{action.Client}
		r.events.LogMemberDisposed(q.name, action.Client, requester)

	case protocol.ActionAccessorModify:
		if !action.Access.Valid() {
			return ActionResult{}, protocol.Errorf(protocol.KindBadRequest, "invalid queue access %d", action.Access)
		}
		q.access = action.Access
		if q.access == protocol.AccessPublic {
			// Opening the queue admits everyone waiting, except Manager
			// requests which always need an explicit decision.
			for c, role := range q.pending {
				if role != protocol.RoleManager {
					q.admit(c, role)
					res.Affected = append(res.Affected, c)
				}
			}
			sort.Strings(res.Affected)
		}
		r.events.LogAccessChanged(q.name, q.access.String(), requester)
	}
	return res, nil
}

func (r *Registry) rename(name, requester, newName string) (ActionResult, error) {
	if err := validName(newName); err != nil {
		return ActionResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		return ActionResult{}, notFound(name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if d := acl.EvaluateManagerAction(q.roster[requester], protocol.Rename(newName), acl.Target{}); !d.Allowed() {
		return ActionResult{}, d.Err
	}
	if newName == name {
		return ActionResult{Queue: name}, nil
	}
	if _, taken := r.queues[newName]; taken {
		return ActionResult{}, protocol.Errorf(protocol.KindConflict, "queue %q already exists", newName)
	}

	delete(r.queues, name)
	r.queues[newName] = q
	q.name = newName
	r.events.LogQueueRenamed(name, newName, requester)
	return ActionResult{Queue: newName}, nil
}

// QueueInfo summarizes one queue.
type QueueInfo struct {
	Name    string
	Access  protocol.QueueAccess
	Members int
	Pending int
	Backlog int
}

// Queues returns a summary of every live queue, sorted by name.
func (r *Registry) Queues() []QueueInfo {
	r.mu.RLock()
	queues := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	infos := make([]QueueInfo, 0, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		if !q.removed {
			info := QueueInfo{Name: q.name, Access: q.access, Members: len(q.roster), Pending: len(q.pending)}
			for _, mb := range q.mailboxes {
				info.Backlog += mb.len()
			}
			infos = append(infos, info)
		}
		q.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Sweep expires departed mailboxes and removes queues that stayed idle for
// the grace period. It returns the names of removed queues.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, q := range r.queues {
		q.mu.Lock()
		for c, dep := range q.departed {
			if now.Sub(dep.at) >= r.opts.DepartedRetention {
				delete(q.departed, c)
				delete(q.mailboxes, c)
			}
		}
		if q.idle() && now.Sub(q.idleSince) >= r.opts.GCGrace {
			q.removed = true
			delete(r.queues, name)
			removed = append(removed, name)
			r.events.LogQueueRemoved(name, now.Sub(q.idleSince))
		}
		q.mu.Unlock()
	}
	sort.Strings(removed)
	return removed
}

// Run sweeps the registry every GCInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.GCInterval)
	defer ticker.Stop()

	r.logger.Info("Queue sweeper started", "interval", r.opts.GCInterval, "grace", r.opts.GCGrace)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := r.Sweep(r.now()); len(removed) > 0 {
				r.logger.Debug("Sweep finished", "removed", len(removed))
			}
		}
	}
}
