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
	"strings"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/executor"
	. "github.com/PelionIoT/meshbase/journal"
	. "github.com/PelionIoT/meshbase/logging"
	"github.com/PelionIoT/meshbase/pingpong"
	. "github.com/PelionIoT/meshbase/proxy"
	. "github.com/PelionIoT/meshbase/schema"
	. "github.com/PelionIoT/meshbase/storage"
	. "github.com/PelionIoT/meshbase/transport"
	. "github.com/PelionIoT/meshbase/util"
)

var (
	REPLICAS_PREFIX = []byte{'r'}
	PROXIES_PREFIX  = []byte{'p'}
	JOURNAL_PREFIX  = []byte{'j'}
)

const DefaultForwardTimeout = time.Second * 30

type MeshBaseConfig struct {
	StoreID string
	// StorageDriver must already be open. The mesh base keeps its data under
	// its own prefixes and never closes the driver.
	StorageDriver StorageDriver
	Transport     Transport
	Executor      Executor
	Endpoint      pingpong.Config
	// ForwardTimeout bounds how long a request for a right that is held
	// further down a chain of replicas is forwarded before being rejected.
	ForwardTimeout time.Duration
	JournalLimit   uint64
	Schema         *Registry
}

type ConflictListener func(conflict CoordinationConflict)
type ChangeListener func(changeSet *ChangeSet)

// MeshBase is a store of replicated objects. It talks to every partner store
// it shares replicas with through one proxy per partner and coordinates lock
// and home ownership of each object with them.
type MeshBase struct {
	id                string
	config            MeshBaseConfig
	replicaStore      StorageDriver
	proxyStore        StorageDriver
	journal           *Journal
	lock              sync.Mutex
	proxyStoreLock    sync.Mutex
	replicas          map[ObjectID]*replica
	proxies           map[string]*Proxy
	receiving         map[string]int
	txLock            chan bool
	objectLocks       *MultiLock
	lifecycle         RWTryLock
	closed            bool
	wg                sync.WaitGroup
	listenersLock     sync.Mutex
	conflictListeners []ConflictListener
	changeListeners   []ChangeListener
}

// Open loads the replicas and proxies persisted for config.StoreID and
// starts the proxies.
func Open(config MeshBaseConfig) (*MeshBase, error) {
	if config.StoreID == "" || strings.Contains(config.StoreID, "#") {
		return nil, EInvalidObjectID
	}

	if config.ForwardTimeout <= 0 {
		config.ForwardTimeout = DefaultForwardTimeout
	}

	journal, err := NewJournal(NewPrefixedStorageDriver(JOURNAL_PREFIX, config.StorageDriver), config.JournalLimit)

	if err != nil {
		return nil, err
	}

	mb := &MeshBase{
		id:           config.StoreID,
		config:       config,
		replicaStore: NewPrefixedStorageDriver(REPLICAS_PREFIX, config.StorageDriver),
		proxyStore:   NewPrefixedStorageDriver(PROXIES_PREFIX, config.StorageDriver),
		journal:      journal,
		replicas:     make(map[ObjectID]*replica),
		proxies:      make(map[string]*Proxy),
		receiving:    make(map[string]int),
		txLock:       make(chan bool, 1),
		objectLocks:  NewMultiLock(),
	}

	if err := mb.restore(); err != nil {
		return nil, err
	}

	return mb, nil
}

func (mb *MeshBase) restore() error {
	iter, err := mb.replicaStore.GetMatches([][]byte{[]byte{}})

	if err != nil {
		Log.Errorf("Store %s unable to read its replicas: %v", mb.id, err)

		return EStorage
	}

	defer iter.Release()

	for iter.Next() {
		r, err := decodeReplica(iter.Value())

		if err != nil {
			Log.Errorf("Store %s found a corrupted replica at key %s", mb.id, string(iter.Key()))

			return err
		}

		mb.replicas[r.object.ID] = r
	}

	if iter.Error() != nil {
		Log.Errorf("Store %s unable to read its replicas: %v", mb.id, iter.Error())

		return EStorage
	}

	mb.lock.Lock()
	defer mb.lock.Unlock()

	references := mb.references()

	for partner := range references {
		mb.proxyFor(partner)
	}

	Log.Infof("Store %s opened with %d replicas and %d proxies", mb.id, len(mb.replicas), len(mb.proxies))

	return nil
}

// Close stops every proxy after saving its state. Blocked coordinator
// operations return with EEndpointTerminated.
func (mb *MeshBase) Close() {
	mb.lock.Lock()

	if mb.closed {
		mb.lock.Unlock()

		return
	}

	mb.closed = true
	proxies := mb.proxies
	mb.proxies = make(map[string]*Proxy)
	mb.lock.Unlock()

	for _, p := range proxies {
		p.Stop()
		mb.persistProxy(p)
		p.Die()
	}

	mb.lifecycle.WLock()
	mb.wg.Wait()

	Log.Infof("Store %s closed", mb.id)
}

func (mb *MeshBase) ID() string {
	return mb.id
}

func (mb *MeshBase) StoreID() string {
	return mb.id
}

func (mb *MeshBase) Journal() *Journal {
	return mb.journal
}

func (mb *MeshBase) AddConflictListener(listener ConflictListener) {
	mb.listenersLock.Lock()
	defer mb.listenersLock.Unlock()

	mb.conflictListeners = append(mb.conflictListeners, listener)
}

func (mb *MeshBase) AddChangeListener(listener ChangeListener) {
	mb.listenersLock.Lock()
	defer mb.listenersLock.Unlock()

	mb.changeListeners = append(mb.changeListeners, listener)
}

// Get returns a copy of the local replica of an object.
func (mb *MeshBase) Get(id ObjectID) (*Object, error) {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.closed {
		return nil, EResourceTerminated
	}

	r, ok := mb.replicas[id]

	if !ok {
		return nil, ENoSuchObject
	}

	return r.object.Clone(), nil
}

// Objects lists the identifiers of every local replica in order.
func (mb *MeshBase) Objects() []ObjectID {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	ids := make([]ObjectID, 0, len(mb.replicas))

	for id := range mb.replicas {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	return ids
}

// IsReplicatedElsewhere is true if any object of this store has a replica in
// another store.
func (mb *MeshBase) IsReplicatedElsewhere() bool {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	for _, r := range mb.replicas {
		if len(r.proxies) > 0 {
			return true
		}
	}

	return false
}

// Proxies lists the partners this store currently has a live proxy for.
func (mb *MeshBase) Proxies() []string {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	partners := make([]string, 0, len(mb.proxies))

	for partner := range mb.proxies {
		partners = append(partners, partner)
	}

	sort.Strings(partners)

	return partners
}

type ProxyStatus struct {
	Partner           string `json:"partner"`
	LastSentToken     uint64 `json:"lastSentToken"`
	LastReceivedToken uint64 `json:"lastReceivedToken"`
	HasToken          bool   `json:"hasToken"`
	PendingTimer      string `json:"pendingTimer"`
	Queued            int    `json:"queued"`
	Outstanding       int    `json:"outstanding"`
}

func (mb *MeshBase) ProxyStatuses() []ProxyStatus {
	mb.lock.Lock()
	proxies := make([]*Proxy, 0, len(mb.proxies))

	for _, p := range mb.proxies {
		proxies = append(proxies, p)
	}

	mb.lock.Unlock()

	statuses := make([]ProxyStatus, 0, len(proxies))

	for _, p := range proxies {
		snapshot := p.Snapshot()

		statuses = append(statuses, ProxyStatus{
			Partner:           p.Partner(),
			LastSentToken:     snapshot.LastSentToken,
			LastReceivedToken: snapshot.LastReceivedToken,
			HasToken:          p.Endpoint().HasToken(),
			PendingTimer:      p.Endpoint().PendingTimer().String(),
			Queued:            len(snapshot.Outgoing),
			Outstanding:       p.Outstanding(),
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Partner < statuses[j].Partner
	})

	return statuses
}

// Deliver accepts a frame sent by the partner store's proxy. A proxy is
// created if none is live for the partner.
func (mb *MeshBase) Deliver(from string, frame []byte) error {
	mb.lock.Lock()

	if mb.closed {
		mb.lock.Unlock()

		return EResourceTerminated
	}

	p := mb.proxyFor(from)
	mb.receiving[from]++
	mb.lock.Unlock()

	err := p.Receive(frame)

	mb.lock.Lock()

	if mb.receiving[from]--; mb.receiving[from] == 0 {
		delete(mb.receiving, from)
	}

	if !mb.closed {
		mb.releaseUnusedProxies()
	}

	mb.lock.Unlock()

	return err
}

// proxyFor returns the live proxy for partner, creating and starting one if
// necessary. A proxy that died earlier is revived from its saved state so
// its token exchange carries on. mb.lock must be held.
func (mb *MeshBase) proxyFor(partner string) *Proxy {
	if p, ok := mb.proxies[partner]; ok {
		return p
	}

	p := NewProxy(mb, partner, mb.config.Transport, mb.config.Executor, mb.config.Endpoint)

	values, err := mb.proxyStore.Get([][]byte{[]byte(partner)})

	if err != nil {
		Log.Errorf("Store %s unable to read proxy state for %s: %v", mb.id, partner, err)
	} else if values[0] != nil {
		var snapshot Snapshot

		if err := json.Unmarshal(values[0], &snapshot); err != nil {
			Log.Errorf("Store %s found corrupted proxy state for %s: %v", mb.id, partner, err)
		} else if err := p.Restore(snapshot); err != nil {
			Log.Errorf("Store %s unable to restore proxy state for %s: %v", mb.id, partner, err)
		}
	}

	if err := p.Start(); err != nil {
		Log.Errorf("Store %s unable to start proxy to %s: %v", mb.id, partner, err)
	}

	mb.proxies[partner] = p

	Log.Debugf("Store %s created proxy to %s", mb.id, partner)

	return p
}

// references lists every partner some replica needs a proxy for. mb.lock
// must be held.
func (mb *MeshBase) references() map[string]bool {
	references := map[string]bool{}

	for _, r := range mb.replicas {
		r.referenced(references)
	}

	return references
}

// releaseUnusedProxies kills the proxies no replica references any more,
// provided they have nothing left to say. A partner that asked for the token
// is owed one, so its proxy stays until the token has been sent. mb.lock
// must be held.
func (mb *MeshBase) releaseUnusedProxies() {
	references := mb.references()

	for partner, p := range mb.proxies {
		if references[partner] || mb.receiving[partner] > 0 || p.Outstanding() > 0 {
			continue
		}

		if p.Endpoint().PeerWaiting() {
			continue
		}

		if len(p.Snapshot().Outgoing) > 0 {
			continue
		}

		delete(mb.proxies, partner)
		p.Die()

		Log.Debugf("Store %s released proxy to %s", mb.id, partner)
	}
}

// DieProxies kills every proxy regardless of references. The store keeps
// working and revives proxies when partners contact it again.
func (mb *MeshBase) DieProxies() {
	mb.lock.Lock()
	proxies := mb.proxies
	mb.proxies = make(map[string]*Proxy)
	mb.lock.Unlock()

	for _, p := range proxies {
		p.Die()
	}
}

func (mb *MeshBase) persistProxy(p *Proxy) {
	mb.proxyStoreLock.Lock()
	defer mb.proxyStoreLock.Unlock()

	encoded, _ := json.Marshal(p.Snapshot())

	if err := mb.proxyStore.Batch(NewBatch().Put([]byte(p.Partner()), encoded)); err != nil {
		Log.Errorf("Store %s unable to save proxy state for %s: %v", mb.id, p.Partner(), err)
	}
}

// persistReplica saves one replica. mb.lock must be held.
func (mb *MeshBase) persistReplica(r *replica) {
	if err := mb.replicaStore.Batch(NewBatch().Put([]byte(r.object.ID), r.encode())); err != nil {
		Log.Errorf("Store %s unable to save replica %s: %v", mb.id, r.object.ID, err)
	}
}

func (mb *MeshBase) ProxyStateChanged(p *Proxy) {
	if p.Dead() {
		return
	}

	mb.persistProxy(p)
}

func (mb *MeshBase) ProxyFailed(p *Proxy, msgs []Message, err error) {
	Log.Warningf("Store %s could not deliver %d messages to %s: %v", mb.id, len(msgs), p.Partner(), err)

	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.closed {
		return
	}

	// Pushes that never reached the partner leave the right here
	for _, msg := range msgs {
		var kind rightKind

		switch msg.Type {
		case MsgPushLock:
			kind = lockRight
		case MsgPushHome:
			kind = homeRight
		default:
			continue
		}

		if r, ok := mb.replicas[msg.Object()]; ok {
			rt := r.right(kind)

			if rt.inTransit == p.Partner() {
				rt.inTransit = ""
				mb.serveQueue(r, kind)
			}
		}
	}
}

type effects struct {
	conflicts []CoordinationConflict
	changes   []*ChangeSet
}

func (mb *MeshBase) conflict(fx *effects, id ObjectID, partner string, epoch uint64, reason string) {
	Log.Warningf("Store %s coordination conflict on %s with %s (epoch %d): %s", mb.id, id, partner, epoch, reason)

	prometheusConflicts.Inc()

	fx.conflicts = append(fx.conflicts, CoordinationConflict{
		Object:  string(id),
		Partner: partner,
		Epoch:   epoch,
		Reason:  reason,
	})
}

// notify runs listeners. It must be called without holding mb.lock.
func (mb *MeshBase) notify(fx *effects) {
	mb.listenersLock.Lock()
	conflictListeners := mb.conflictListeners
	changeListeners := mb.changeListeners
	mb.listenersLock.Unlock()

	for _, conflict := range fx.conflicts {
		for _, listener := range conflictListeners {
			listener(conflict)
		}
	}

	for _, changeSet := range fx.changes {
		for _, listener := range changeListeners {
			listener(changeSet)
		}
	}
}
