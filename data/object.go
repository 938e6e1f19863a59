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
	"sort"
	"strings"

	. "github.com/PelionIoT/meshbase/error"
)

const objectIDSeparator = "#"

// ObjectID identifies an object across every store. It is scoped by the
// identifier of the store that created the object.
type ObjectID string

func NewObjectID(storeID string, localID string) ObjectID {
	return ObjectID(storeID + objectIDSeparator + localID)
}

func ParseObjectID(s string) (ObjectID, error) {
	parts := strings.SplitN(s, objectIDSeparator, 2)

	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return "", EInvalidObjectID
	}

	return ObjectID(s), nil
}

// Store returns the identifier of the store that created the object.
func (id ObjectID) Store() string {
	return strings.SplitN(string(id), objectIDSeparator, 2)[0]
}

func (id ObjectID) Local() string {
	parts := strings.SplitN(string(id), objectIDSeparator, 2)

	if len(parts) < 2 {
		return ""
	}

	return parts[1]
}

type Neighbor struct {
	ID        ObjectID `json:"id"`
	RoleTypes []string `json:"roles"`
}

// Object is a graph node with blessed types, typed properties, relationships
// to neighbors and a set of equivalent identifiers. Timestamps are
// milliseconds since the epoch; zero means unset.
type Object struct {
	ID          ObjectID                 `json:"id"`
	Types       []string                 `json:"types"`
	Properties  map[string]PropertyValue `json:"properties"`
	Neighbors   []Neighbor               `json:"neighbors"`
	Equivalents []ObjectID               `json:"equivalents"`
	Created     int64                    `json:"created"`
	Updated     int64                    `json:"updated"`
	Read        int64                    `json:"read"`
	Expires     int64                    `json:"expires"`
}

func NewObject(id ObjectID, timestamp int64) *Object {
	return &Object{
		ID:          id,
		Types:       []string{},
		Properties:  map[string]PropertyValue{},
		Neighbors:   []Neighbor{},
		Equivalents: []ObjectID{},
		Created:     timestamp,
		Updated:     timestamp,
	}
}

func (object *Object) Clone() *Object {
	if object == nil {
		return nil
	}

	clone := *object
	clone.Types = append([]string{}, object.Types...)
	clone.Properties = make(map[string]PropertyValue, len(object.Properties))
	clone.Neighbors = make([]Neighbor, len(object.Neighbors))
	clone.Equivalents = append([]ObjectID{}, object.Equivalents...)

	for name, value := range object.Properties {
		clone.Properties[name] = value.clone()
	}

	for i, neighbor := range object.Neighbors {
		clone.Neighbors[i] = Neighbor{ID: neighbor.ID, RoleTypes: append([]string{}, neighbor.RoleTypes...)}
	}

	return &clone
}

func (object *Object) IsBlessedBy(entityType string) bool {
	return containsString(object.Types, entityType)
}

func (object *Object) Bless(entityType string) bool {
	if object.IsBlessedBy(entityType) {
		return false
	}

	object.Types = append(object.Types, entityType)
	sort.Strings(object.Types)

	return true
}

func (object *Object) Unbless(entityType string) bool {
	var removed bool

	object.Types, removed = removeString(object.Types, entityType)

	return removed
}

func (object *Object) Property(name string) (PropertyValue, bool) {
	value, ok := object.Properties[name]

	return value, ok
}

// SetProperty returns false if the property already had the value.
func (object *Object) SetProperty(name string, value PropertyValue) bool {
	if current, ok := object.Properties[name]; ok && current.Equal(value) {
		return false
	}

	object.Properties[name] = value.clone()

	return true
}

func (object *Object) RemoveProperty(name string) bool {
	if _, ok := object.Properties[name]; !ok {
		return false
	}

	delete(object.Properties, name)

	return true
}

func (object *Object) neighborIndex(id ObjectID) int {
	for i, neighbor := range object.Neighbors {
		if neighbor.ID == id {
			return i
		}
	}

	return -1
}

func (object *Object) Neighbor(id ObjectID) (Neighbor, bool) {
	i := object.neighborIndex(id)

	if i < 0 {
		return Neighbor{}, false
	}

	return object.Neighbors[i], true
}

func (object *Object) IsRelatedTo(id ObjectID) bool {
	return object.neighborIndex(id) >= 0
}

// AddNeighbor appends a relationship. Relationships keep the order in which
// they were made.
func (object *Object) AddNeighbor(id ObjectID) bool {
	if object.IsRelatedTo(id) {
		return false
	}

	object.Neighbors = append(object.Neighbors, Neighbor{ID: id, RoleTypes: []string{}})

	return true
}

func (object *Object) RemoveNeighbor(id ObjectID) bool {
	i := object.neighborIndex(id)

	if i < 0 {
		return false
	}

	object.Neighbors = append(object.Neighbors[:i], object.Neighbors[i+1:]...)

	return true
}

func (object *Object) BlessRole(id ObjectID, roleType string) bool {
	i := object.neighborIndex(id)

	if i < 0 || containsString(object.Neighbors[i].RoleTypes, roleType) {
		return false
	}

	object.Neighbors[i].RoleTypes = append(object.Neighbors[i].RoleTypes, roleType)
	sort.Strings(object.Neighbors[i].RoleTypes)

	return true
}

func (object *Object) UnblessRole(id ObjectID, roleType string) bool {
	i := object.neighborIndex(id)

	if i < 0 {
		return false
	}

	var removed bool

	object.Neighbors[i].RoleTypes, removed = removeString(object.Neighbors[i].RoleTypes, roleType)

	return removed
}

func (object *Object) AddEquivalent(id ObjectID) bool {
	for _, equivalent := range object.Equivalents {
		if equivalent == id {
			return false
		}
	}

	object.Equivalents = append(object.Equivalents, id)

	return true
}

func (object *Object) RemoveEquivalent(id ObjectID) bool {
	for i, equivalent := range object.Equivalents {
		if equivalent == id {
			object.Equivalents = append(object.Equivalents[:i], object.Equivalents[i+1:]...)

			return true
		}
	}

	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}

	return false
}

func removeString(list []string, s string) ([]string, bool) {
	for i, item := range list {
		if item == s {
			return append(list[:i], list[i+1:]...), true
		}
	}

	return list, false
}
