package probe

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
	"strings"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
)

// NeverUpdate is returned as the next update delay by a probe whose source
// will not change again. Any negative delay has the same meaning.
const NeverUpdate = time.Duration(-1)

// ProbeState is what a probe knows about its previous run.
type ProbeState struct {
	Source  string
	StoreID string
	// Objects holds the objects the shadow currently contains, keyed by
	// their local identifier.
	Objects map[string]*Object
	LastRun time.Time
	Problem string
}

// ProbeResult lists the objects a source currently exposes. An object whose
// identifier has no store part is placed in the shadow's own namespace, and
// so is any neighbor reference without one.
type ProbeResult struct {
	Objects         []*Object
	NextUpdateDelay time.Duration
}

// Probe reads an external source. A probe returns EShadowTerminated when
// the source no longer exists. The returned next update delay is honored
// even when err is not nil.
type Probe interface {
	Run(ctx context.Context, state ProbeState) (ProbeResult, error)
}

type ProbeFunc func(ctx context.Context, state ProbeState) (ProbeResult, error)

func (probeFunc ProbeFunc) Run(ctx context.Context, state ProbeState) (ProbeResult, error) {
	return probeFunc(ctx, state)
}

// ProbeDirectory maps source prefixes such as "file://" to probes.
type ProbeDirectory struct {
	probes map[string]Probe
	lock   sync.RWMutex
}

func NewProbeDirectory() *ProbeDirectory {
	return &ProbeDirectory{
		probes: make(map[string]Probe),
	}
}

func (directory *ProbeDirectory) Register(prefix string, probe Probe) {
	directory.lock.Lock()
	defer directory.lock.Unlock()

	directory.probes[prefix] = probe
}

func (directory *ProbeDirectory) Unregister(prefix string) {
	directory.lock.Lock()
	defer directory.lock.Unlock()

	delete(directory.probes, prefix)
}

// Find returns the probe registered under the longest prefix of source.
func (directory *ProbeDirectory) Find(source string) (Probe, error) {
	directory.lock.RLock()
	defer directory.lock.RUnlock()

	var match string
	var probe Probe

	for prefix, p := range directory.probes {
		if strings.HasPrefix(source, prefix) && (probe == nil || len(prefix) > len(match)) {
			match = prefix
			probe = p
		}
	}

	if probe == nil {
		return nil, ENoProbe
	}

	return probe, nil
}

func (directory *ProbeDirectory) Prefixes() []string {
	directory.lock.RLock()
	defer directory.lock.RUnlock()

	prefixes := make([]string, 0, len(directory.probes))

	for prefix := range directory.probes {
		prefixes = append(prefixes, prefix)
	}

	sort.Strings(prefixes)

	return prefixes
}

func localize(storeID string, id ObjectID) ObjectID {
	if _, err := ParseObjectID(string(id)); err == nil {
		return id
	}

	return NewObjectID(storeID, string(id))
}

// localizeObject returns a copy of object with its identifier and neighbor
// references resolved against the shadow store.
func localizeObject(storeID string, object *Object) *Object {
	localized := object.Clone()
	localized.ID = localize(storeID, object.ID)

	if localized.Properties == nil {
		localized.Properties = map[string]PropertyValue{}
	}

	for i, neighbor := range localized.Neighbors {
		localized.Neighbors[i].ID = localize(storeID, neighbor.ID)
	}

	return localized
}
