package data

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
	"encoding/json"

	"github.com/oklog/ulid/v2"
)

type ChangeType string

const (
	ObjectCreated     ChangeType = "objectCreated"
	ObjectReplicated  ChangeType = "objectReplicated"
	ObjectDeleted     ChangeType = "objectDeleted"
	TypeAdded         ChangeType = "typeAdded"
	TypeRemoved       ChangeType = "typeRemoved"
	PropertyChanged   ChangeType = "propertyChanged"
	PropertyRemoved   ChangeType = "propertyRemoved"
	NeighborAdded     ChangeType = "neighborAdded"
	NeighborRemoved   ChangeType = "neighborRemoved"
	RoleAdded         ChangeType = "roleAdded"
	RoleRemoved       ChangeType = "roleRemoved"
	EquivalentAdded   ChangeType = "equivalentAdded"
	EquivalentRemoved ChangeType = "equivalentRemoved"
	ExpiresChanged    ChangeType = "expiresChanged"
)

// Change is a single mutation of one object. Epoch is the lock epoch of the
// replica that made the change; receivers use it to tell stale or
// conflicting changes apart from current ones.
type Change struct {
	Type      ChangeType     `json:"type"`
	Object    ObjectID       `json:"object"`
	Name      string         `json:"name,omitempty"`
	Value     *PropertyValue `json:"value,omitempty"`
	Neighbor  ObjectID       `json:"neighbor,omitempty"`
	Snapshot  *Object        `json:"snapshot,omitempty"`
	Time      int64          `json:"time,omitempty"`
	Epoch     uint64         `json:"epoch"`
	Timestamp int64          `json:"timestamp"`
}

// IsSnapshot is true for changes that carry the complete object.
func (change Change) IsSnapshot() bool {
	return change.Type == ObjectCreated || change.Type == ObjectReplicated
}

// Apply applies the change to object and returns the result. Snapshot
// changes replace the object, deletes return nil. Changes that do not modify
// the object return it unchanged.
func (change Change) Apply(object *Object) *Object {
	switch change.Type {
	case ObjectCreated, ObjectReplicated:
		return change.Snapshot.Clone()
	case ObjectDeleted:
		return nil
	}

	if object == nil {
		return nil
	}

	modified := false

	switch change.Type {
	case TypeAdded:
		modified = object.Bless(change.Name)
	case TypeRemoved:
		modified = object.Unbless(change.Name)
	case PropertyChanged:
		if change.Value != nil {
			modified = object.SetProperty(change.Name, *change.Value)
		}
	case PropertyRemoved:
		modified = object.RemoveProperty(change.Name)
	case NeighborAdded:
		modified = object.AddNeighbor(change.Neighbor)
	case NeighborRemoved:
		modified = object.RemoveNeighbor(change.Neighbor)
	case RoleAdded:
		modified = object.BlessRole(change.Neighbor, change.Name)
	case RoleRemoved:
		modified = object.UnblessRole(change.Neighbor, change.Name)
	case EquivalentAdded:
		modified = object.AddEquivalent(change.Neighbor)
	case EquivalentRemoved:
		modified = object.RemoveEquivalent(change.Neighbor)
	case ExpiresChanged:
		modified = object.Expires != change.Time
		object.Expires = change.Time
	}

	if modified && change.Timestamp > object.Updated {
		object.Updated = change.Timestamp
	}

	return object
}

// ChangeSet is the ordered list of changes made by one committed
// transaction. Identifiers sort in commit order.
type ChangeSet struct {
	ID        string   `json:"id"`
	Origin    string   `json:"origin"`
	Timestamp int64    `json:"timestamp"`
	Changes   []Change `json:"changes"`
}

func NewChangeSet(origin string) *ChangeSet {
	id := ulid.Make()

	return &ChangeSet{
		ID:        id.String(),
		Origin:    origin,
		Timestamp: int64(id.Time()),
		Changes:   []Change{},
	}
}

func (changeSet *ChangeSet) Add(change Change) {
	if change.Timestamp == 0 {
		change.Timestamp = changeSet.Timestamp
	}

	changeSet.Changes = append(changeSet.Changes, change)
}

func (changeSet *ChangeSet) IsEmpty() bool {
	return len(changeSet.Changes) == 0
}

// ObjectIDs lists every object touched by the change set in order of first
// appearance.
func (changeSet *ChangeSet) ObjectIDs() []ObjectID {
	seen := map[ObjectID]bool{}
	ids := []ObjectID{}

	for _, change := range changeSet.Changes {
		if !seen[change.Object] {
			seen[change.Object] = true
			ids = append(ids, change.Object)
		}
	}

	return ids
}

// ForObjects returns the part of the change set that touches the given
// objects. The result keeps the identifier and origin of the whole set.
func (changeSet *ChangeSet) ForObjects(ids map[ObjectID]bool) *ChangeSet {
	subset := &ChangeSet{
		ID:        changeSet.ID,
		Origin:    changeSet.Origin,
		Timestamp: changeSet.Timestamp,
		Changes:   []Change{},
	}

	for _, change := range changeSet.Changes {
		if ids[change.Object] {
			subset.Changes = append(subset.Changes, change)
		}
	}

	return subset
}

func (changeSet *ChangeSet) Encode() []byte {
	encoded, _ := json.Marshal(changeSet)

	return encoded
}

func DecodeChangeSet(encoded []byte) (*ChangeSet, error) {
	var changeSet ChangeSet

	if err := json.Unmarshal(encoded, &changeSet); err != nil {
		return nil, err
	}

	return &changeSet, nil
}
