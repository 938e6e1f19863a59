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
	"encoding/json"
	"sort"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/proxy"
)

type rightKind int

const (
	lockRight rightKind = iota
	homeRight rightKind = iota
)

func (kind rightKind) String() string {
	if kind == homeRight {
		return "home"
	}

	return "lock"
}

func (kind rightKind) request() MessageType {
	if kind == homeRight {
		return MsgRequestHome
	}

	return MsgRequestLock
}

func (kind rightKind) grant() MessageType {
	if kind == homeRight {
		return MsgGrantHome
	}

	return MsgGrantLock
}

func (kind rightKind) reject() MessageType {
	if kind == homeRight {
		return MsgRejectHome
	}

	return MsgRejectLock
}

func (kind rightKind) push() MessageType {
	if kind == homeRight {
		return MsgPushHome
	}

	return MsgPushLock
}

func (kind rightKind) accept() MessageType {
	if kind == homeRight {
		return MsgAcceptHome
	}

	return MsgAcceptLock
}

func (kind rightKind) refuse() MessageType {
	if kind == homeRight {
		return MsgRefuseHome
	}

	return MsgRefuseLock
}

func (kind rightKind) notHeld() error {
	if kind == homeRight {
		return ENotHome
	}

	return ELockNotHeld
}

type queuedRequest struct {
	partner   string
	request   Message
	forwarded bool
}

// right is one replica's view of who holds the lock or the home role for an
// object. proxy names the partner the right was handed to, or that leads to
// the holder, and is empty while the right is held here.
type right struct {
	held       bool
	willGiveUp bool
	proxy      string
	epoch      uint64
	requesting string
	inTransit  string
	queue      []queuedRequest
}

func (r *right) busy() bool {
	return r.requesting != "" || r.inTransit != ""
}

type replica struct {
	object      *Object
	lock        right
	home        right
	proxies     map[string]bool
	updateEpoch uint64
}

func newHomeReplica(object *Object) *replica {
	return &replica{
		object:      object,
		lock:        right{held: true, willGiveUp: true, epoch: 1},
		home:        right{held: true, willGiveUp: true, epoch: 1},
		proxies:     map[string]bool{},
		updateEpoch: 1,
	}
}

// newRemoteReplica creates the local replica of an object first learned
// about from partner. Both rights are assumed to be reachable through it.
func newRemoteReplica(object *Object, partner string, epoch uint64) *replica {
	return &replica{
		object:      object,
		lock:        right{proxy: partner, willGiveUp: true, epoch: epoch},
		home:        right{proxy: partner, willGiveUp: true},
		proxies:     map[string]bool{partner: true},
		updateEpoch: epoch,
	}
}

func (r *replica) right(kind rightKind) *right {
	if kind == homeRight {
		return &r.home
	}

	return &r.lock
}

// epoch is the lock epoch of the latest state this replica has seen.
func (r *replica) epoch() uint64 {
	if r.lock.held && r.lock.epoch > r.updateEpoch {
		return r.lock.epoch
	}

	return r.updateEpoch
}

func (r *replica) partners() []string {
	partners := make([]string, 0, len(r.proxies))

	for partner := range r.proxies {
		partners = append(partners, partner)
	}

	sort.Strings(partners)

	return partners
}

// referenced lists every partner this replica needs a proxy for.
func (r *replica) referenced(references map[string]bool) {
	for partner := range r.proxies {
		references[partner] = true
	}

	for _, rt := range []*right{&r.lock, &r.home} {
		if rt.proxy != "" {
			references[rt.proxy] = true
		}

		if rt.requesting != "" {
			references[rt.requesting] = true
		}

		if rt.inTransit != "" {
			references[rt.inTransit] = true
		}

		for _, q := range rt.queue {
			references[q.partner] = true
		}
	}
}

type ProxyReference struct {
	Partner     string `json:"partner"`
	IsHomeProxy bool   `json:"isHomeProxy"`
	IsLockProxy bool   `json:"isLockProxy"`
}

// ReplicaSnapshot is the persistent form of a replica.
type ReplicaSnapshot struct {
	Object         *Object          `json:"object"`
	Proxies        []ProxyReference `json:"proxies"`
	HasLock        bool             `json:"hasLock"`
	IsHome         bool             `json:"isHome"`
	WillGiveUpLock bool             `json:"willGiveUpLock"`
	WillGiveUpHome bool             `json:"willGiveUpHome"`
	LockEpoch      uint64           `json:"lockEpoch"`
	HomeEpoch      uint64           `json:"homeEpoch"`
	UpdateEpoch    uint64           `json:"updateEpoch"`
}

func (r *replica) snapshot() ReplicaSnapshot {
	references := map[string]*ProxyReference{}

	reference := func(partner string) *ProxyReference {
		if _, ok := references[partner]; !ok {
			references[partner] = &ProxyReference{Partner: partner}
		}

		return references[partner]
	}

	for partner := range r.proxies {
		reference(partner)
	}

	if r.lock.proxy != "" {
		reference(r.lock.proxy).IsLockProxy = true
	}

	if r.home.proxy != "" {
		reference(r.home.proxy).IsHomeProxy = true
	}

	proxies := make([]ProxyReference, 0, len(references))

	for _, ref := range references {
		proxies = append(proxies, *ref)
	}

	sort.Slice(proxies, func(i, j int) bool {
		return proxies[i].Partner < proxies[j].Partner
	})

	return ReplicaSnapshot{
		Object:         r.object,
		Proxies:        proxies,
		HasLock:        r.lock.held,
		IsHome:         r.home.held,
		WillGiveUpLock: r.lock.willGiveUp,
		WillGiveUpHome: r.home.willGiveUp,
		LockEpoch:      r.lock.epoch,
		HomeEpoch:      r.home.epoch,
		UpdateEpoch:    r.updateEpoch,
	}
}

func (r *replica) encode() []byte {
	encoded, _ := json.Marshal(r.snapshot())

	return encoded
}

func decodeReplica(encoded []byte) (*replica, error) {
	var snapshot ReplicaSnapshot

	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return nil, ECorrupted
	}

	if snapshot.Object == nil {
		return nil, ECorrupted
	}

	r := &replica{
		object:      snapshot.Object,
		lock:        right{held: snapshot.HasLock, willGiveUp: snapshot.WillGiveUpLock, epoch: snapshot.LockEpoch},
		home:        right{held: snapshot.IsHome, willGiveUp: snapshot.WillGiveUpHome, epoch: snapshot.HomeEpoch},
		proxies:     map[string]bool{},
		updateEpoch: snapshot.UpdateEpoch,
	}

	for _, ref := range snapshot.Proxies {
		r.proxies[ref.Partner] = true

		if ref.IsLockProxy {
			r.lock.proxy = ref.Partner
		}

		if ref.IsHomeProxy {
			r.home.proxy = ref.Partner
		}
	}

	return r, nil
}
