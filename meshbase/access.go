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
	. "github.com/PelionIoT/meshbase/storage"
)

// AccessLocally makes sure this store has a replica of the object, asking
// partner for one if necessary. partner must already have a replica.
func (mb *MeshBase) AccessLocally(ctx context.Context, partner string, id ObjectID) (*Object, error) {
	if !mb.lifecycle.TryRLock() {
		return nil, EResourceTerminated
	}

	defer mb.lifecycle.RUnlock()

	mb.lock.Lock()

	if mb.closed {
		mb.lock.Unlock()

		return nil, EResourceTerminated
	}

	if r, ok := mb.replicas[id]; ok {
		object := r.object.Clone()
		mb.lock.Unlock()

		return object, nil
	}

	if partner == mb.id {
		mb.lock.Unlock()

		return nil, ENoSuchObject
	}

	p := mb.proxyFor(partner)
	mb.receiving[partner]++
	mb.lock.Unlock()

	reply, err := p.Request(ctx, Message{Type: MsgRequestReplica, Objects: []ObjectID{id}})

	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.receiving[partner]--; mb.receiving[partner] == 0 {
		delete(mb.receiving, partner)
	}

	if err != nil {
		if !mb.closed {
			mb.releaseUnusedProxies()
		}

		return nil, err
	}

	r, ok := mb.replicas[id]

	if !ok {
		Log.Infof("Store %s: %s has no replica of %s (missing %v)", mb.id, partner, id, reply.Missing)

		mb.releaseUnusedProxies()

		return nil, ENoSuchObject
	}

	return r.object.Clone(), nil
}

// PurgeReplica drops the local replica of an object. A replica that holds
// the lock or the home role, or through which other stores reach the object,
// cannot be purged.
func (mb *MeshBase) PurgeReplica(id ObjectID) error {
	if !mb.lifecycle.TryRLock() {
		return EResourceTerminated
	}

	defer mb.lifecycle.RUnlock()

	mb.objectLocks.Lock([]byte(id))
	defer mb.objectLocks.Unlock([]byte(id))

	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.closed {
		return EResourceTerminated
	}

	r, ok := mb.replicas[id]

	if !ok {
		return ENoSuchObject
	}

	if r.lock.held || r.home.held {
		return EReplicaInUse
	}

	if r.lock.busy() || r.home.busy() || len(r.lock.queue) > 0 || len(r.home.queue) > 0 {
		return ETransferInProgress
	}

	for partner := range r.proxies {
		if partner != r.lock.proxy && partner != r.home.proxy {
			return EReplicaInUse
		}
	}

	if err := mb.replicaStore.Batch(NewBatch().Delete([]byte(id))); err != nil {
		Log.Errorf("Store %s unable to purge replica %s: %v", mb.id, id, err)

		return EStorage
	}

	delete(mb.replicas, id)

	for _, partner := range r.partners() {
		mb.sendToPartner(partner, Message{Type: MsgCancelReplica, Objects: []ObjectID{id}})
	}

	Log.Infof("Store %s purged its replica of %s", mb.id, id)

	mb.releaseUnusedProxies()

	return nil
}
