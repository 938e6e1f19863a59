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
	"sort"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/storage"
	. "github.com/PelionIoT/meshbase/util"
)

// Transaction collects the mutations of one Update call. Mutating an object
// requires this store to hold its lock.
type Transaction struct {
	mb        *MeshBase
	changeSet *ChangeSet
	objects   map[ObjectID]*Object
	created   map[ObjectID]bool
	epochs    map[ObjectID]uint64
	done      bool
}

// Update runs fn inside a transaction and commits its changes. Only one
// transaction runs at a time in a store. If fn returns an error nothing is
// committed. Coordinator operations may run inside fn but the commit fails
// with ELockNotHeld if a touched object's lock moved in the meantime.
func (mb *MeshBase) Update(ctx context.Context, fn func(tx *Transaction) error) (*ChangeSet, error) {
	if !mb.lifecycle.TryRLock() {
		return nil, EResourceTerminated
	}

	defer mb.lifecycle.RUnlock()

	select {
	case mb.txLock <- true:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	defer func() {
		<-mb.txLock
	}()

	tx := &Transaction{
		mb:        mb,
		changeSet: NewChangeSet(mb.id),
		objects:   map[ObjectID]*Object{},
		created:   map[ObjectID]bool{},
		epochs:    map[ObjectID]uint64{},
	}

	err := fn(tx)
	tx.done = true

	if err != nil {
		prometheusCommits.WithLabelValues("aborted").Inc()

		return nil, err
	}

	if tx.changeSet.IsEmpty() {
		return tx.changeSet, nil
	}

	if err := mb.commit(tx); err != nil {
		prometheusCommits.WithLabelValues("failed").Inc()

		return nil, err
	}

	prometheusCommits.WithLabelValues("committed").Inc()

	return tx.changeSet, nil
}

func (mb *MeshBase) commit(tx *Transaction) error {
	mb.lock.Lock()

	if mb.closed {
		mb.lock.Unlock()

		return EResourceTerminated
	}

	ids := make([]ObjectID, 0, len(tx.objects))

	for id := range tx.objects {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		r, ok := mb.replicas[id]

		if tx.created[id] {
			if ok {
				mb.lock.Unlock()

				return EDuplicateObject
			}

			continue
		}

		if !ok {
			mb.lock.Unlock()

			return ENoSuchObject
		}

		if !r.lock.held || r.lock.epoch != tx.epochs[id] {
			mb.lock.Unlock()

			return ELockNotHeld
		}

		if r.lock.inTransit != "" {
			mb.lock.Unlock()

			return ELockInTransit
		}
	}

	batch := NewBatch()
	next := map[ObjectID]*replica{}
	partnersOf := map[ObjectID][]string{}

	for _, id := range ids {
		object := tx.objects[id]

		if tx.created[id] {
			if object != nil {
				next[id] = newHomeReplica(object)
				batch.Put([]byte(id), next[id].encode())
			}

			continue
		}

		r := mb.replicas[id]
		partnersOf[id] = r.partners()

		if object == nil {
			next[id] = nil
			batch.Delete([]byte(id))

			continue
		}

		updated := *r
		updated.object = object

		if updated.lock.epoch > updated.updateEpoch {
			updated.updateEpoch = updated.lock.epoch
		}

		next[id] = &updated
		batch.Put([]byte(id), updated.encode())
	}

	if err := mb.replicaStore.Batch(batch); err != nil {
		mb.lock.Unlock()

		Log.Errorf("Store %s unable to commit change set %s: %v", mb.id, tx.changeSet.ID, err)

		return EStorage
	}

	for id, r := range next {
		if r == nil {
			delete(mb.replicas, id)
		} else if existing, ok := mb.replicas[id]; ok {
			existing.object = r.object
			existing.updateEpoch = r.updateEpoch
		} else {
			mb.replicas[id] = r
		}
	}

	if _, err := mb.journal.Append(tx.changeSet); err != nil {
		Log.Errorf("Store %s unable to journal change set %s: %v", mb.id, tx.changeSet.ID, err)
	}

	mb.propagate(tx.changeSet, partnersOf, "")
	mb.releaseUnusedProxies()
	mb.lock.Unlock()

	Log.Debugf("Store %s committed change set %s with %d changes", mb.id, tx.changeSet.ID, len(tx.changeSet.Changes))

	mb.notify(&effects{changes: []*ChangeSet{tx.changeSet}})

	return nil
}

func (tx *Transaction) ChangeSet() *ChangeSet {
	return tx.changeSet
}

// Get returns the object as this transaction sees it.
func (tx *Transaction) Get(id ObjectID) (*Object, error) {
	if tx.done {
		return nil, ETransactionDone
	}

	if object, ok := tx.objects[id]; ok {
		if object == nil {
			return nil, ENoSuchObject
		}

		return object.Clone(), nil
	}

	return tx.mb.Get(id)
}

// writable returns the working copy of an object this store holds the lock
// for.
func (tx *Transaction) writable(id ObjectID) (*Object, error) {
	if tx.done {
		return nil, ETransactionDone
	}

	if object, ok := tx.objects[id]; ok {
		if object == nil {
			return nil, ENoSuchObject
		}

		return object, nil
	}

	tx.mb.lock.Lock()
	defer tx.mb.lock.Unlock()

	r, ok := tx.mb.replicas[id]

	if !ok {
		return nil, ENoSuchObject
	}

	if !r.lock.held {
		return nil, ELockNotHeld
	}

	if r.lock.inTransit != "" {
		return nil, ELockInTransit
	}

	tx.objects[id] = r.object.Clone()
	tx.epochs[id] = r.lock.epoch

	return tx.objects[id], nil
}

func (tx *Transaction) record(change Change) {
	change.Epoch = tx.epochs[change.Object]
	tx.changeSet.Add(change)
}

func (tx *Transaction) touch(object *Object) {
	if tx.changeSet.Timestamp > object.Updated {
		object.Updated = tx.changeSet.Timestamp
	}
}

// CreateObject creates an object with a fresh identifier in this store. The
// new replica is home and holds the lock.
func (tx *Transaction) CreateObject(types ...string) (ObjectID, error) {
	return tx.create(NewObjectID(tx.mb.id, RandomString()), types)
}

func (tx *Transaction) CreateObjectWithID(localID string, types ...string) (ObjectID, error) {
	id := NewObjectID(tx.mb.id, localID)

	if _, err := ParseObjectID(string(id)); err != nil {
		return "", EInvalidObjectID
	}

	return tx.create(id, types)
}

func (tx *Transaction) create(id ObjectID, types []string) (ObjectID, error) {
	if tx.done {
		return "", ETransactionDone
	}

	if object, ok := tx.objects[id]; ok && object != nil {
		return "", EDuplicateObject
	}

	tx.mb.lock.Lock()
	_, exists := tx.mb.replicas[id]
	tx.mb.lock.Unlock()

	if exists {
		return "", EDuplicateObject
	}

	if registry := tx.mb.config.Schema; registry != nil {
		for _, entityType := range types {
			if err := registry.ValidateBless(entityType); err != nil {
				return "", err
			}
		}
	}

	object := NewObject(id, tx.changeSet.Timestamp)

	for _, entityType := range types {
		object.Bless(entityType)
	}

	tx.objects[id] = object
	tx.created[id] = true
	tx.epochs[id] = 1
	tx.record(Change{Type: ObjectCreated, Object: id, Snapshot: object.Clone()})

	return id, nil
}

func (tx *Transaction) Bless(id ObjectID, entityType string) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if registry := tx.mb.config.Schema; registry != nil {
		if err := registry.ValidateBless(entityType); err != nil {
			return err
		}
	}

	if object.Bless(entityType) {
		tx.touch(object)
		tx.record(Change{Type: TypeAdded, Object: id, Name: entityType})
	}

	return nil
}

func (tx *Transaction) Unbless(id ObjectID, entityType string) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.Unbless(entityType) {
		tx.touch(object)
		tx.record(Change{Type: TypeRemoved, Object: id, Name: entityType})
	}

	return nil
}

func (tx *Transaction) SetProperty(id ObjectID, name string, value PropertyValue) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if registry := tx.mb.config.Schema; registry != nil {
		if err := registry.ValidateProperty(object.Types, name, value); err != nil {
			return err
		}
	}

	if object.SetProperty(name, value) {
		tx.touch(object)
		tx.record(Change{Type: PropertyChanged, Object: id, Name: name, Value: &value})
	}

	return nil
}

func (tx *Transaction) RemoveProperty(id ObjectID, name string) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.RemoveProperty(name) {
		tx.touch(object)
		tx.record(Change{Type: PropertyRemoved, Object: id, Name: name})
	}

	return nil
}

// Relate adds neighbor to the neighbors of id.
func (tx *Transaction) Relate(id ObjectID, neighbor ObjectID) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.AddNeighbor(neighbor) {
		tx.touch(object)
		tx.record(Change{Type: NeighborAdded, Object: id, Neighbor: neighbor})
	}

	return nil
}

func (tx *Transaction) Unrelate(id ObjectID, neighbor ObjectID) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.RemoveNeighbor(neighbor) {
		tx.touch(object)
		tx.record(Change{Type: NeighborRemoved, Object: id, Neighbor: neighbor})
	}

	return nil
}

func (tx *Transaction) BlessRole(id ObjectID, neighbor ObjectID, roleType string) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if registry := tx.mb.config.Schema; registry != nil {
		if err := registry.ValidateRole(roleType); err != nil {
			return err
		}
	}

	if object.BlessRole(neighbor, roleType) {
		tx.touch(object)
		tx.record(Change{Type: RoleAdded, Object: id, Neighbor: neighbor, Name: roleType})
	}

	return nil
}

func (tx *Transaction) UnblessRole(id ObjectID, neighbor ObjectID, roleType string) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.UnblessRole(neighbor, roleType) {
		tx.touch(object)
		tx.record(Change{Type: RoleRemoved, Object: id, Neighbor: neighbor, Name: roleType})
	}

	return nil
}

func (tx *Transaction) AddEquivalent(id ObjectID, equivalent ObjectID) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.AddEquivalent(equivalent) {
		tx.touch(object)
		tx.record(Change{Type: EquivalentAdded, Object: id, Neighbor: equivalent})
	}

	return nil
}

func (tx *Transaction) RemoveEquivalent(id ObjectID, equivalent ObjectID) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.RemoveEquivalent(equivalent) {
		tx.touch(object)
		tx.record(Change{Type: EquivalentRemoved, Object: id, Neighbor: equivalent})
	}

	return nil
}

// SetExpires sets the expiry timestamp in milliseconds. Zero clears it.
func (tx *Transaction) SetExpires(id ObjectID, expires int64) error {
	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	if object.Expires != expires {
		object.Expires = expires
		tx.touch(object)
		tx.record(Change{Type: ExpiresChanged, Object: id, Time: expires})
	}

	return nil
}

// Delete removes the object from every store that has a replica of it.
func (tx *Transaction) Delete(id ObjectID) error {
	if _, err := tx.writable(id); err != nil {
		return err
	}

	tx.objects[id] = nil
	tx.record(Change{Type: ObjectDeleted, Object: id})

	return nil
}

// Put makes the object look like desired, recording only the differences.
// The object is created if it does not exist.
func (tx *Transaction) Put(desired *Object) error {
	if tx.done {
		return ETransactionDone
	}

	id := desired.ID

	if _, err := tx.Get(id); err == ENoSuchObject {
		if id.Store() != tx.mb.id {
			return EInvalidObjectID
		}

		if _, err := tx.create(id, desired.Types); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	object, err := tx.writable(id)

	if err != nil {
		return err
	}

	current := object.Clone()

	for _, entityType := range desired.Types {
		if err := tx.Bless(id, entityType); err != nil {
			return err
		}
	}

	for _, entityType := range current.Types {
		if !desired.IsBlessedBy(entityType) {
			if err := tx.Unbless(id, entityType); err != nil {
				return err
			}
		}
	}

	names := make([]string, 0, len(desired.Properties))

	for name := range desired.Properties {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if err := tx.SetProperty(id, name, desired.Properties[name]); err != nil {
			return err
		}
	}

	for name := range current.Properties {
		if _, ok := desired.Properties[name]; !ok {
			if err := tx.RemoveProperty(id, name); err != nil {
				return err
			}
		}
	}

	for _, neighbor := range desired.Neighbors {
		if err := tx.Relate(id, neighbor.ID); err != nil {
			return err
		}

		for _, roleType := range neighbor.RoleTypes {
			if err := tx.BlessRole(id, neighbor.ID, roleType); err != nil {
				return err
			}
		}

		if existing, ok := current.Neighbor(neighbor.ID); ok {
			for _, roleType := range existing.RoleTypes {
				if !containsRole(neighbor.RoleTypes, roleType) {
					if err := tx.UnblessRole(id, neighbor.ID, roleType); err != nil {
						return err
					}
				}
			}
		}
	}

	for _, neighbor := range current.Neighbors {
		if _, ok := desired.Neighbor(neighbor.ID); !ok {
			if err := tx.Unrelate(id, neighbor.ID); err != nil {
				return err
			}
		}
	}

	for _, equivalent := range desired.Equivalents {
		if err := tx.AddEquivalent(id, equivalent); err != nil {
			return err
		}
	}

	for _, equivalent := range current.Equivalents {
		if !containsEquivalent(desired.Equivalents, equivalent) {
			if err := tx.RemoveEquivalent(id, equivalent); err != nil {
				return err
			}
		}
	}

	return tx.SetExpires(id, desired.Expires)
}

func containsRole(roleTypes []string, roleType string) bool {
	for _, r := range roleTypes {
		if r == roleType {
			return true
		}
	}

	return false
}

func containsEquivalent(equivalents []ObjectID, id ObjectID) bool {
	for _, e := range equivalents {
		if e == id {
			return true
		}
	}

	return false
}
