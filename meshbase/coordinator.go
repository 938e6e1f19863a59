package meshbase

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
	"context"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/proxy"
)

type Replicable interface {
	ID() ObjectID
	ProxyPartners() []string
	IsReplicatedElsewhere() bool
}

// Lockable is implemented by replicas whose update rights can move between
// stores. Exactly one replica of an object holds the lock at any quiescent
// point.
type Lockable interface {
	HasLock() bool
	LockPartner() string
	TryObtainLock(ctx context.Context) (bool, error)
	TryPushLock(ctx context.Context, partner string) (bool, error)
	ForceLockRecovery() error
	SetWillGiveUpLock(willGiveUp bool) error
}

// HomeHolding is implemented by replicas whose home role can move between
// stores.
type HomeHolding interface {
	IsHome() bool
	HomePartner() string
	TryObtainHomeReplica(ctx context.Context) (bool, error)
	TryPushHomeReplica(ctx context.Context, partner string) (bool, error)
	ForceHomeRecovery() error
	SetWillGiveUpHomeReplica(willGiveUp bool) error
}

// ReplicaCoordinator exposes the ownership protocol for one object of a
// mesh base.
type ReplicaCoordinator struct {
	mb *MeshBase
	id ObjectID
}

var _ Replicable = (*ReplicaCoordinator)(nil)
var _ Lockable = (*ReplicaCoordinator)(nil)
var _ HomeHolding = (*ReplicaCoordinator)(nil)

func (mb *MeshBase) Coordinator(id ObjectID) *ReplicaCoordinator {
	return &ReplicaCoordinator{mb: mb, id: id}
}

func (coordinator *ReplicaCoordinator) ID() ObjectID {
	return coordinator.id
}

func (coordinator *ReplicaCoordinator) read(fn func(r *replica)) bool {
	coordinator.mb.lock.Lock()
	defer coordinator.mb.lock.Unlock()

	r, ok := coordinator.mb.replicas[coordinator.id]

	if !ok {
		return false
	}

	fn(r)

	return true
}

func (coordinator *ReplicaCoordinator) HasLock() bool {
	held := false

	coordinator.read(func(r *replica) { held = r.lock.held })

	return held
}

func (coordinator *ReplicaCoordinator) IsHome() bool {
	held := false

	coordinator.read(func(r *replica) { held = r.home.held })

	return held
}

// LockPartner returns the partner the lock was handed to, or the empty
// string while the lock is held here.
func (coordinator *ReplicaCoordinator) LockPartner() string {
	partner := ""

	coordinator.read(func(r *replica) { partner = r.lock.proxy })

	return partner
}

func (coordinator *ReplicaCoordinator) HomePartner() string {
	partner := ""

	coordinator.read(func(r *replica) { partner = r.home.proxy })

	return partner
}

func (coordinator *ReplicaCoordinator) ProxyPartners() []string {
	partners := []string{}

	coordinator.read(func(r *replica) { partners = r.partners() })

	return partners
}

func (coordinator *ReplicaCoordinator) IsReplicatedElsewhere() bool {
	return len(coordinator.ProxyPartners()) > 0
}

func (coordinator *ReplicaCoordinator) TryObtainLock(ctx context.Context) (bool, error) {
	return coordinator.mb.tryObtain(ctx, coordinator.id, lockRight)
}

func (coordinator *ReplicaCoordinator) TryObtainHomeReplica(ctx context.Context) (bool, error) {
	return coordinator.mb.tryObtain(ctx, coordinator.id, homeRight)
}

func (coordinator *ReplicaCoordinator) TryPushLock(ctx context.Context, partner string) (bool, error) {
	return coordinator.mb.tryPush(ctx, coordinator.id, partner, lockRight)
}

func (coordinator *ReplicaCoordinator) TryPushHomeReplica(ctx context.Context, partner string) (bool, error) {
	return coordinator.mb.tryPush(ctx, coordinator.id, partner, homeRight)
}

// ForceLockRecovery takes the lock back without asking its holder. Only the
// home replica may do this.
func (coordinator *ReplicaCoordinator) ForceLockRecovery() error {
	return coordinator.mb.forceRecovery(coordinator.id, lockRight)
}

// ForceHomeRecovery makes the lock holder the home replica without asking
// the current home.
func (coordinator *ReplicaCoordinator) ForceHomeRecovery() error {
	return coordinator.mb.forceRecovery(coordinator.id, homeRight)
}

func (coordinator *ReplicaCoordinator) SetWillGiveUpLock(willGiveUp bool) error {
	return coordinator.mb.setWillGiveUp(coordinator.id, lockRight, willGiveUp)
}

func (coordinator *ReplicaCoordinator) SetWillGiveUpHomeReplica(willGiveUp bool) error {
	return coordinator.mb.setWillGiveUp(coordinator.id, homeRight, willGiveUp)
}

func (mb *MeshBase) setWillGiveUp(id ObjectID, kind rightKind, willGiveUp bool) error {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.closed {
		return EResourceTerminated
	}

	r, ok := mb.replicas[id]

	if !ok {
		return ENoSuchObject
	}

	r.right(kind).willGiveUp = willGiveUp
	mb.persistReplica(r)

	return nil
}

func (mb *MeshBase) tryObtain(ctx context.Context, id ObjectID, kind rightKind) (bool, error) {
	if !mb.lifecycle.TryRLock() {
		return false, EResourceTerminated
	}

	defer mb.lifecycle.RUnlock()

	mb.objectLocks.Lock([]byte(id))
	defer mb.objectLocks.Unlock([]byte(id))

	mb.lock.Lock()

	if mb.closed {
		mb.lock.Unlock()

		return false, EResourceTerminated
	}

	r, ok := mb.replicas[id]

	if !ok {
		mb.lock.Unlock()

		return false, ENoSuchObject
	}

	rt := r.right(kind)

	if rt.held {
		mb.lock.Unlock()

		return true, nil
	}

	if rt.busy() {
		mb.lock.Unlock()

		return false, ETransferInProgress
	}

	partner := rt.proxy

	if partner == "" {
		mb.lock.Unlock()

		return false, ENoSuchProxy
	}

	rt.requesting = partner
	p := mb.proxyFor(partner)
	mb.lock.Unlock()

	Log.Debugf("Store %s requesting %s of %s from %s", mb.id, kind, id, partner)

	reply, err := p.Request(ctx, Message{Type: kind.request(), Objects: []ObjectID{id}})

	mb.lock.Lock()

	held := false

	if r, ok := mb.replicas[id]; ok {
		rt := r.right(kind)

		if rt.requesting == partner {
			rt.requesting = ""
			mb.serveQueue(r, kind)
		}

		held = rt.held
	}

	mb.lock.Unlock()

	if err != nil {
		return false, err
	}

	if reply.Type != kind.grant() {
		Log.Debugf("Store %s was refused %s of %s by %s: %s", mb.id, kind, id, partner, reply.Reason)
	}

	return held, nil
}

func (mb *MeshBase) tryPush(ctx context.Context, id ObjectID, partner string, kind rightKind) (bool, error) {
	if !mb.lifecycle.TryRLock() {
		return false, EResourceTerminated
	}

	defer mb.lifecycle.RUnlock()

	mb.objectLocks.Lock([]byte(id))
	defer mb.objectLocks.Unlock([]byte(id))

	mb.lock.Lock()

	if mb.closed {
		mb.lock.Unlock()

		return false, EResourceTerminated
	}

	r, ok := mb.replicas[id]

	if !ok {
		mb.lock.Unlock()

		return false, ENoSuchObject
	}

	rt := r.right(kind)

	if !rt.held {
		mb.lock.Unlock()

		return false, kind.notHeld()
	}

	if partner == mb.id {
		mb.lock.Unlock()

		return true, nil
	}

	if rt.busy() {
		mb.lock.Unlock()

		return false, ETransferInProgress
	}

	p := mb.proxyFor(partner)

	if !r.proxies[partner] {
		mb.sendSnapshots(p, []*replica{r}, "")
		r.proxies[partner] = true
		mb.persistReplica(r)
	}

	rt.inTransit = partner
	epoch := rt.epoch + 1
	mb.lock.Unlock()

	Log.Debugf("Store %s pushing %s of %s to %s", mb.id, kind, id, partner)

	reply, err := p.Request(ctx, Message{Type: kind.push(), Objects: []ObjectID{id}, Epoch: epoch})

	if err != nil {
		// The transfer stays in transit until the partner answers or the
		// message is known to be lost.
		return false, err
	}

	mb.lock.Lock()

	held := true

	if r, ok := mb.replicas[id]; ok {
		held = r.right(kind).held
	}

	mb.lock.Unlock()

	return reply.Type == kind.accept() && !held, nil
}

func (mb *MeshBase) forceRecovery(id ObjectID, kind rightKind) error {
	if !mb.lifecycle.TryRLock() {
		return EResourceTerminated
	}

	defer mb.lifecycle.RUnlock()

	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.closed {
		return EResourceTerminated
	}

	r, ok := mb.replicas[id]

	if !ok {
		return ENoSuchObject
	}

	// Lock recovery is reserved to the home replica and home recovery to the
	// lock holder
	if kind == lockRight && !r.home.held {
		return ENotHome
	}

	if kind == homeRight && !r.lock.held {
		return ELockNotHeld
	}

	rt := r.right(kind)

	if rt.held {
		return nil
	}

	previous := rt.proxy
	rt.held = true
	rt.proxy = ""
	rt.requesting = ""
	rt.inTransit = ""

	if kind == lockRight {
		if r.updateEpoch > rt.epoch {
			rt.epoch = r.updateEpoch
		}

		rt.epoch++
		r.updateEpoch = rt.epoch
	} else {
		rt.epoch++
	}

	mb.persistReplica(r)

	Log.Warningf("Store %s forcibly recovered %s of %s from %s (epoch %d)", mb.id, kind, id, previous, rt.epoch)

	msgType := MsgReclaimLock

	if kind == homeRight {
		msgType = MsgReclaimHome
	}

	for _, partner := range r.partners() {
		mb.sendToPartner(partner, mb.withClaims(Message{Type: msgType, Objects: []ObjectID{id}, Epoch: rt.epoch}, r))
	}

	mb.serveQueue(r, kind)

	return nil
}

// serveQueue answers queued requests for as long as the right is not busy.
// mb.lock must be held.
func (mb *MeshBase) serveQueue(r *replica, kind rightKind) {
	rt := r.right(kind)

	for len(rt.queue) > 0 && !rt.busy() {
		q := rt.queue[0]
		rt.queue = rt.queue[1:]

		if !mb.serveRequest(r, kind, &q) {
			rt.queue = append([]queuedRequest{q}, rt.queue...)

			return
		}
	}
}

// serveRequest answers a request for a right. It returns false if the
// request has to wait, in which case the caller queues it. mb.lock must be
// held.
func (mb *MeshBase) serveRequest(r *replica, kind rightKind, q *queuedRequest) bool {
	rt := r.right(kind)

	switch {
	case rt.busy():
		// Two stores asking each other for the same right: the lower
		// identifier's request goes first
		if !rt.held && rt.requesting == q.partner && mb.id < q.partner {
			mb.reply(q, Message{Type: kind.reject(), Objects: []ObjectID{r.object.ID}, Reason: "concurrent request"})

			return true
		}

		return false
	case rt.held:
		if rt.willGiveUp || q.forwarded {
			mb.grant(r, kind, q)
		} else {
			mb.reply(q, Message{Type: kind.reject(), Objects: []ObjectID{r.object.ID}, Reason: "will not give up"})
		}

		return true
	case rt.proxy == q.partner || rt.proxy == "" || q.forwarded:
		mb.reply(q, Message{Type: kind.reject(), Objects: []ObjectID{r.object.ID}, Reason: "not held"})

		return true
	}

	q.forwarded = true
	mb.forward(r, kind)

	return false
}

func (mb *MeshBase) grant(r *replica, kind rightKind, q *queuedRequest) {
	rt := r.right(kind)
	rt.held = false
	rt.proxy = q.partner
	rt.epoch++
	r.proxies[q.partner] = true
	mb.persistReplica(r)

	Log.Debugf("Store %s granted %s of %s to %s (epoch %d)", mb.id, kind, r.object.ID, q.partner, rt.epoch)

	mb.reply(q, Message{Type: kind.grant(), Objects: []ObjectID{r.object.ID}, Epoch: rt.epoch})
}

// forward asks the store the right was handed to for it on behalf of the
// requests queued here.
func (mb *MeshBase) forward(r *replica, kind rightKind) {
	rt := r.right(kind)
	partner := rt.proxy
	id := r.object.ID
	rt.requesting = partner
	p := mb.proxyFor(partner)

	Log.Debugf("Store %s forwarding request for %s of %s to %s", mb.id, kind, id, partner)

	mb.wg.Add(1)

	go func() {
		defer mb.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), mb.config.ForwardTimeout)
		defer cancel()

		if _, err := p.Request(ctx, Message{Type: kind.request(), Objects: []ObjectID{id}}); err != nil {
			Log.Infof("Store %s forwarded request for %s of %s to %s failed: %v", mb.id, kind, id, partner, err)
		}

		mb.lock.Lock()

		if r, ok := mb.replicas[id]; ok && !mb.closed {
			rt := r.right(kind)

			if rt.requesting == partner {
				rt.requesting = ""
			}

			mb.serveQueue(r, kind)
			mb.releaseUnusedProxies()
		}

		mb.lock.Unlock()
	}()
}

func (mb *MeshBase) reply(q *queuedRequest, reply Message) {
	if err := mb.proxyFor(q.partner).Reply(q.request, reply); err != nil {
		Log.Warningf("Store %s unable to answer %s from %s: %v", mb.id, q.request.Type, q.partner, err)
	}
}

func (mb *MeshBase) sendToPartner(partner string, msg Message) {
	if err := mb.proxyFor(partner).Send(msg); err != nil {
		Log.Warningf("Store %s unable to send %s to %s: %v", mb.id, msg.Type, partner, err)
	}
}

// withClaims adds the rights this store holds for the replicas to msg.
func (mb *MeshBase) withClaims(msg Message, replicas ...*replica) Message {
	for _, r := range replicas {
		if r.lock.held {
			msg.LockClaims = append(msg.LockClaims, LockClaim{Object: r.object.ID, Epoch: r.lock.epoch})
		}

		if r.home.held {
			msg.HomeClaims = append(msg.HomeClaims, r.object.ID)
		}
	}

	return msg
}

// sendSnapshots replicates the complete state of the replicas to a partner.
func (mb *MeshBase) sendSnapshots(p *Proxy, replicas []*replica, requestID string) {
	if err := p.Send(mb.snapshotMessage(replicas, requestID)); err != nil {
		Log.Warningf("Store %s unable to replicate to %s: %v", mb.id, p.Partner(), err)
	}
}

func (mb *MeshBase) snapshotMessage(replicas []*replica, requestID string) Message {
	changeSet := NewChangeSet(mb.id)

	for _, r := range replicas {
		changeSet.Add(Change{
			Type:     ObjectReplicated,
			Object:   r.object.ID,
			Snapshot: r.object.Clone(),
			Epoch:    r.epoch(),
		})
	}

	return mb.withClaims(Message{Type: MsgReplicate, ChangeSet: changeSet, RequestID: requestID}, replicas...)
}
