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
	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/proxy"
	. "github.com/PelionIoT/meshbase/storage"
)

// HandleMessage applies a message from a partner store. Messages from one
// partner arrive in the order the partner sent them.
func (mb *MeshBase) HandleMessage(p *Proxy, msg Message) {
	fx := &effects{}

	mb.lock.Lock()

	if mb.closed {
		mb.lock.Unlock()

		return
	}

	partner := p.Partner()

	mb.resolveClaims(partner, msg, fx)

	switch msg.Type {
	case MsgReplicate:
		mb.applyReplicate(partner, msg, fx)
	case MsgRequestReplica:
		mb.serveReplicaRequest(p, msg)
	case MsgCancelReplica:
		mb.cancelReplica(partner, msg)
	case MsgRequestLock:
		mb.handleRequest(partner, msg, lockRight)
	case MsgRequestHome:
		mb.handleRequest(partner, msg, homeRight)
	case MsgGrantLock:
		mb.handleGrant(partner, msg, lockRight, fx)
	case MsgGrantHome:
		mb.handleGrant(partner, msg, homeRight, fx)
	case MsgRejectLock:
		mb.handleReject(partner, msg, lockRight)
	case MsgRejectHome:
		mb.handleReject(partner, msg, homeRight)
	case MsgPushLock:
		mb.handlePush(p, msg, lockRight)
	case MsgPushHome:
		mb.handlePush(p, msg, homeRight)
	case MsgAcceptLock:
		mb.handleAccept(partner, msg, lockRight)
	case MsgAcceptHome:
		mb.handleAccept(partner, msg, homeRight)
	case MsgRefuseLock:
		mb.handleRefuse(partner, msg, lockRight)
	case MsgRefuseHome:
		mb.handleRefuse(partner, msg, homeRight)
	case MsgReclaimLock:
		mb.handleReclaim(partner, msg, lockRight)
	case MsgReclaimHome:
		mb.handleReclaim(partner, msg, homeRight)
	default:
		Log.Warningf("Store %s received unknown message type %s from %s", mb.id, msg.Type, partner)
	}

	mb.releaseUnusedProxies()
	mb.lock.Unlock()

	mb.notify(fx)
}

// resolveClaims settles rights that both this store and the partner believe
// they hold, which happens when forced recoveries ran on both sides of a
// partition. The lowest store identifier keeps the home role. The home
// replica keeps the lock, otherwise the lowest store identifier does. A
// winner moves its lock epoch past the loser's so changes the loser made in
// the meantime read as superseded, then sends the loser its complete state.
func (mb *MeshBase) resolveClaims(partner string, msg Message, fx *effects) {
	homeAsserted := map[ObjectID]*replica{}
	lockAsserted := map[ObjectID]*replica{}
	homeClaimed := map[ObjectID]bool{}

	for _, id := range msg.HomeClaims {
		homeClaimed[id] = true
		r, ok := mb.replicas[id]

		if !ok || !r.home.held {
			continue
		}

		if mb.id < partner {
			homeAsserted[id] = r

			continue
		}

		r.home.held = false
		r.home.proxy = partner
		r.home.inTransit = ""
		r.proxies[partner] = true
		mb.persistReplica(r)
		mb.conflict(fx, id, partner, r.home.epoch, "duplicate home replica resolved in favour of "+partner)
	}

	for _, claim := range msg.LockClaims {
		r, ok := mb.replicas[claim.Object]

		if !ok || !r.lock.held {
			continue
		}

		senderWins := !r.home.held && (homeClaimed[claim.Object] || partner < mb.id)

		if !senderWins {
			if claim.Epoch >= r.lock.epoch {
				r.lock.epoch = claim.Epoch + 1
			}

			if r.lock.epoch > r.updateEpoch {
				r.updateEpoch = r.lock.epoch
			}

			mb.persistReplica(r)
			lockAsserted[claim.Object] = r

			continue
		}

		r.lock.held = false
		r.lock.proxy = partner
		r.lock.inTransit = ""
		r.lock.epoch = claim.Epoch
		r.updateEpoch = claim.Epoch
		r.proxies[partner] = true
		mb.persistReplica(r)
		mb.conflict(fx, claim.Object, partner, claim.Epoch, "lock taken over by "+partner)
	}

	for id, r := range homeAsserted {
		if _, ok := lockAsserted[id]; ok {
			continue
		}

		Log.Warningf("Store %s reasserting the home role of %s to %s", mb.id, id, partner)

		mb.sendToPartner(partner, mb.withClaims(Message{Type: MsgReclaimHome, Objects: []ObjectID{id}, Epoch: r.home.epoch}, r))
	}

	if len(lockAsserted) == 0 {
		return
	}

	replicas := make([]*replica, 0, len(lockAsserted))

	for _, r := range lockAsserted {
		replicas = append(replicas, r)
	}

	Log.Warningf("Store %s reasserting the lock of %d objects to %s", mb.id, len(replicas), partner)

	mb.sendSnapshots(mb.proxyFor(partner), replicas, "")
}

// applyReplicate applies the changes of a replicate message and relays them
// to every other partner that holds a replica of the changed objects.
func (mb *MeshBase) applyReplicate(partner string, msg Message, fx *effects) {
	changeSet := msg.ChangeSet

	if changeSet == nil || changeSet.IsEmpty() {
		return
	}

	applied := &ChangeSet{
		ID:        changeSet.ID,
		Origin:    changeSet.Origin,
		Timestamp: changeSet.Timestamp,
		Changes:   []Change{},
	}

	touched := map[ObjectID]*replica{}
	deleted := map[ObjectID]*replica{}

	for _, change := range changeSet.Changes {
		r, ok := mb.replicas[change.Object]

		if !ok {
			if _, ok := deleted[change.Object]; ok {
				continue
			}

			if change.Type == ObjectDeleted {
				continue
			}

			if change.IsSnapshot() && change.Snapshot != nil {
				r = newRemoteReplica(change.Apply(nil), partner, change.Epoch)
				mb.replicas[change.Object] = r
				touched[change.Object] = r
				applied.Changes = append(applied.Changes, change)

				Log.Debugf("Store %s created replica of %s from %s", mb.id, change.Object, partner)

				continue
			}

			// A change to an object this store has never seen starts an
			// empty replica that leads back to the sender
			r = newRemoteReplica(NewObject(change.Object, changeSet.Timestamp), partner, change.Epoch)
			mb.replicas[change.Object] = r

			Log.Debugf("Store %s created empty replica of %s from a change sent by %s", mb.id, change.Object, partner)
		}

		if change.Epoch < r.updateEpoch {
			mb.conflict(fx, change.Object, partner, change.Epoch, "superseded change")

			continue
		}

		if r.lock.held && change.Epoch >= r.lock.epoch {
			mb.conflict(fx, change.Object, partner, change.Epoch, "lock held locally")

			continue
		}

		r.object = change.Apply(r.object)
		r.proxies[partner] = true

		if change.Epoch > r.updateEpoch {
			r.updateEpoch = change.Epoch
		}

		if r.object == nil {
			delete(mb.replicas, change.Object)
			delete(touched, change.Object)
			deleted[change.Object] = r
		} else {
			touched[change.Object] = r
		}

		applied.Changes = append(applied.Changes, change)
	}

	if applied.IsEmpty() {
		return
	}

	batch := NewBatch()

	for id, r := range touched {
		batch.Put([]byte(id), r.encode())
	}

	for id := range deleted {
		batch.Delete([]byte(id))
	}

	if err := mb.replicaStore.Batch(batch); err != nil {
		Log.Errorf("Store %s unable to save changes from %s: %v", mb.id, partner, err)
	}

	if _, err := mb.journal.Append(applied); err != nil {
		Log.Errorf("Store %s unable to journal changes from %s: %v", mb.id, partner, err)
	}

	relayTo := map[ObjectID][]string{}

	for id, r := range touched {
		relayTo[id] = r.partners()
	}

	for id, r := range deleted {
		relayTo[id] = r.partners()
	}

	mb.propagate(applied, relayTo, partner)

	fx.changes = append(fx.changes, applied)
}

// propagate queues the parts of changeSet each partner holds replicas of.
// mb.lock must be held.
func (mb *MeshBase) propagate(changeSet *ChangeSet, partnersOf map[ObjectID][]string, except string) {
	objectsFor := map[string]map[ObjectID]bool{}

	for id, partners := range partnersOf {
		for _, partner := range partners {
			if partner == except || partner == changeSet.Origin || partner == mb.id {
				continue
			}

			if objectsFor[partner] == nil {
				objectsFor[partner] = map[ObjectID]bool{}
			}

			objectsFor[partner][id] = true
		}
	}

	for partner, ids := range objectsFor {
		claimed := []*replica{}

		for id := range ids {
			if r, ok := mb.replicas[id]; ok {
				claimed = append(claimed, r)
			}
		}

		mb.sendToPartner(partner, mb.withClaims(Message{Type: MsgReplicate, ChangeSet: changeSet.ForObjects(ids)}, claimed...))
	}
}

func (mb *MeshBase) serveReplicaRequest(p *Proxy, msg Message) {
	found := []*replica{}
	missing := []ObjectID{}

	for _, id := range msg.Objects {
		r, ok := mb.replicas[id]

		if !ok {
			missing = append(missing, id)

			continue
		}

		if !r.proxies[p.Partner()] {
			r.proxies[p.Partner()] = true
			mb.persistReplica(r)
		}

		found = append(found, r)
	}

	reply := mb.snapshotMessage(found, "")
	reply.Missing = missing

	if err := p.Reply(msg, reply); err != nil {
		Log.Warningf("Store %s unable to send replicas to %s: %v", mb.id, p.Partner(), err)
	}
}

func (mb *MeshBase) cancelReplica(partner string, msg Message) {
	for _, id := range msg.Objects {
		r, ok := mb.replicas[id]

		if !ok || !r.proxies[partner] {
			continue
		}

		if r.lock.proxy == partner || r.home.proxy == partner {
			Log.Warningf("Store %s keeps %s as a partner for %s since it leads to the lock or home", mb.id, partner, id)

			continue
		}

		delete(r.proxies, partner)
		mb.persistReplica(r)
	}
}

func (mb *MeshBase) handleRequest(partner string, msg Message, kind rightKind) {
	q := queuedRequest{partner: partner, request: msg}
	r, ok := mb.replicas[msg.Object()]

	if !ok {
		mb.reply(&q, Message{Type: kind.reject(), Objects: msg.Objects, Reason: "no such object"})

		return
	}

	if !mb.serveRequest(r, kind, &q) {
		rt := r.right(kind)
		rt.queue = append(rt.queue, q)
	}
}

func (mb *MeshBase) handleGrant(partner string, msg Message, kind rightKind, fx *effects) {
	id := msg.Object()
	r, ok := mb.replicas[id]

	if !ok {
		// Nobody would hold the right if it was dropped here
		Log.Warningf("Store %s was granted %s of unknown object %s by %s. Handing it back", mb.id, kind, id, partner)

		mb.sendToPartner(partner, Message{Type: kind.push(), Objects: msg.Objects, Epoch: msg.Epoch + 1})

		return
	}

	rt := r.right(kind)

	if rt.held {
		mb.conflict(fx, id, partner, msg.Epoch, "granted "+kind.String()+" that is already held")

		return
	}

	rt.held = true
	rt.proxy = ""
	rt.inTransit = ""

	if rt.requesting == partner {
		rt.requesting = ""
	}

	if msg.Epoch > rt.epoch {
		rt.epoch = msg.Epoch
	}

	r.proxies[partner] = true
	mb.persistReplica(r)

	Log.Debugf("Store %s obtained %s of %s from %s (epoch %d)", mb.id, kind, id, partner, rt.epoch)

	mb.serveQueue(r, kind)
}

func (mb *MeshBase) handleReject(partner string, msg Message, kind rightKind) {
	r, ok := mb.replicas[msg.Object()]

	if !ok {
		return
	}

	rt := r.right(kind)

	if rt.requesting == partner {
		rt.requesting = ""
	}

	mb.serveQueue(r, kind)
}

func (mb *MeshBase) handlePush(p *Proxy, msg Message, kind rightKind) {
	partner := p.Partner()
	r, ok := mb.replicas[msg.Object()]

	if !ok {
		p.Reply(msg, Message{Type: kind.refuse(), Objects: msg.Objects, Reason: "no such object"})

		return
	}

	rt := r.right(kind)

	if rt.held {
		p.Reply(msg, Message{Type: kind.refuse(), Objects: msg.Objects, Reason: "already held"})

		return
	}

	rt.held = true
	rt.proxy = ""

	if rt.requesting == partner {
		rt.requesting = ""
	}

	if msg.Epoch > rt.epoch {
		rt.epoch = msg.Epoch
	}

	r.proxies[partner] = true
	mb.persistReplica(r)

	Log.Debugf("Store %s accepted %s of %s from %s (epoch %d)", mb.id, kind, r.object.ID, partner, rt.epoch)

	if err := p.Reply(msg, Message{Type: kind.accept(), Objects: msg.Objects, Epoch: rt.epoch}); err != nil {
		Log.Warningf("Store %s unable to accept %s from %s: %v", mb.id, kind, partner, err)
	}

	mb.serveQueue(r, kind)
}

func (mb *MeshBase) handleAccept(partner string, msg Message, kind rightKind) {
	r, ok := mb.replicas[msg.Object()]

	if !ok {
		return
	}

	rt := r.right(kind)

	if rt.inTransit == partner {
		rt.inTransit = ""
	}

	if rt.held {
		rt.held = false
		rt.proxy = partner

		if msg.Epoch > rt.epoch {
			rt.epoch = msg.Epoch
		}

		mb.persistReplica(r)

		Log.Debugf("Store %s handed %s of %s to %s (epoch %d)", mb.id, kind, r.object.ID, partner, rt.epoch)
	}

	mb.serveQueue(r, kind)
}

func (mb *MeshBase) handleRefuse(partner string, msg Message, kind rightKind) {
	r, ok := mb.replicas[msg.Object()]

	if !ok {
		return
	}

	rt := r.right(kind)

	if rt.inTransit == partner {
		rt.inTransit = ""
	}

	Log.Infof("Store %s: %s refused %s of %s: %s", mb.id, partner, kind, r.object.ID, msg.Reason)

	mb.serveQueue(r, kind)
}

// handleReclaim points the right at the partner that forcibly recovered it.
// Claims were already resolved, so a right still held here was kept by the
// tie-break.
func (mb *MeshBase) handleReclaim(partner string, msg Message, kind rightKind) {
	r, ok := mb.replicas[msg.Object()]

	if !ok {
		return
	}

	rt := r.right(kind)

	if rt.held {
		return
	}

	rt.proxy = partner

	if msg.Epoch > rt.epoch {
		rt.epoch = msg.Epoch
	}

	if kind == lockRight && msg.Epoch > r.updateEpoch {
		r.updateEpoch = msg.Epoch
	}

	r.proxies[partner] = true
	mb.persistReplica(r)

	mb.serveQueue(r, kind)
}
