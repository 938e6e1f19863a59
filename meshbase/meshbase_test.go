package meshbase_test

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
	"encoding/json"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/executor"
	. "github.com/PelionIoT/meshbase/meshbase"
	"github.com/PelionIoT/meshbase/pingpong"
	. "github.com/PelionIoT/meshbase/proxy"
	. "github.com/PelionIoT/meshbase/storage"
	. "github.com/PelionIoT/meshbase/transport"
	. "github.com/PelionIoT/meshbase/util"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func testEndpointConfig() pingpong.Config {
	return pingpong.Config{
		DeltaRespondNoMessage:   time.Millisecond * 20,
		DeltaRespondWithMessage: time.Millisecond * 2,
		DeltaResend:             time.Millisecond * 10,
		DeltaRecover:            time.Millisecond * 50,
		RandomVariation:         0.1,
		MaxSendAttempts:         2,
		SendTimeout:             time.Second,
	}
}

// testCluster runs several stores over one in-memory network. Storage drivers
// outlive the stores so a store can be reopened.
type testCluster struct {
	network  *MemoryNetwork
	executor *TimerExecutor
	drivers  map[string]StorageDriver
	stores   map[string]*MeshBase

	mu        sync.Mutex
	conflicts map[string][]CoordinationConflict
	counted   map[MessageType]int
}

func newTestCluster() *testCluster {
	cluster := &testCluster{
		network:   NewMemoryNetwork(),
		executor:  NewTimerExecutor(),
		drivers:   map[string]StorageDriver{},
		stores:    map[string]*MeshBase{},
		conflicts: map[string][]CoordinationConflict{},
		counted:   map[MessageType]int{},
	}

	return cluster
}

func (cluster *testCluster) open(id string) *MeshBase {
	if _, ok := cluster.drivers[id]; !ok {
		cluster.drivers[id] = MakeNewStorageDriver()
	}

	mb, err := Open(MeshBaseConfig{
		StoreID:        id,
		StorageDriver:  cluster.drivers[id],
		Transport:      cluster.network,
		Executor:       cluster.executor,
		Endpoint:       testEndpointConfig(),
		ForwardTimeout: time.Second * 2,
	})

	Expect(err).Should(BeNil())

	mb.AddConflictListener(func(conflict CoordinationConflict) {
		cluster.mu.Lock()
		defer cluster.mu.Unlock()

		cluster.conflicts[id] = append(cluster.conflicts[id], conflict)
	})

	cluster.network.Register(id, mb)
	cluster.stores[id] = mb

	return mb
}

func (cluster *testCluster) close(id string) {
	cluster.network.Unregister(id)
	cluster.stores[id].Close()
	delete(cluster.stores, id)
}

func (cluster *testCluster) shutdown() {
	for id := range cluster.stores {
		cluster.close(id)
	}

	cluster.executor.Shutdown()

	for _, driver := range cluster.drivers {
		driver.Close()
	}
}

func (cluster *testCluster) Conflicts(id string) []CoordinationConflict {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	return append([]CoordinationConflict{}, cluster.conflicts[id]...)
}

func (cluster *testCluster) partition() {
	cluster.network.SetFilter(func(from string, to string, frame []byte) FilterAction {
		return FilterDrop
	})
}

func (cluster *testCluster) heal() {
	cluster.network.SetFilter(nil)
}

// countMessages counts the domain messages carried by delivered frames.
func (cluster *testCluster) countMessages() {
	cluster.network.SetFilter(func(from string, to string, frame []byte) FilterAction {
		var decoded struct {
			Payloads [][]byte `json:"p"`
		}

		if err := json.Unmarshal(frame, &decoded); err != nil {
			return FilterPass
		}

		cluster.mu.Lock()
		defer cluster.mu.Unlock()

		for _, payload := range decoded.Payloads {
			if msg, err := DecodeMessage(payload); err == nil {
				cluster.counted[msg.Type]++
			}
		}

		return FilterPass
	})
}

func (cluster *testCluster) Counted(msgType MessageType) int {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	return cluster.counted[msgType]
}

// carries reports whether a frame holds a message of the given type.
func carries(frame []byte, msgType MessageType) bool {
	var decoded struct {
		Payloads [][]byte `json:"p"`
	}

	if err := json.Unmarshal(frame, &decoded); err != nil {
		return false
	}

	for _, payload := range decoded.Payloads {
		if msg, err := DecodeMessage(payload); err == nil && msg.Type == msgType {
			return true
		}
	}

	return false
}

type handFrame struct {
	Token    uint64   `json:"t"`
	Payloads [][]byte `json:"p,omitempty"`
	Grab     bool     `json:"g,omitempty"`
}

// handStore joins the network under its own identifier and writes frames by
// hand, so a test decides exactly which messages a store sees and when.
type handStore struct {
	id      string
	network *MemoryNetwork

	mu       sync.Mutex
	token    uint64
	seen     map[uint64]bool
	received []Message
}

func (cluster *testCluster) openHandStore(id string) *handStore {
	store := &handStore{id: id, network: cluster.network, seen: map[uint64]bool{}}

	cluster.network.Register(id, store)

	return store
}

func (store *handStore) Deliver(from string, frame []byte) error {
	var f handFrame

	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}

	if f.Grab {
		go store.send(from)

		return nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	// Resent tokens repeat what was already recorded
	if store.seen[f.Token] {
		return nil
	}

	store.seen[f.Token] = true

	if f.Token > store.token {
		store.token = f.Token
	}

	for _, payload := range f.Payloads {
		if msg, err := DecodeMessage(payload); err == nil {
			store.received = append(store.received, msg)
		}
	}

	return nil
}

func (store *handStore) send(to string, msgs ...Message) error {
	store.mu.Lock()
	store.token++
	token := store.token
	store.mu.Unlock()

	payloads := [][]byte{}

	for _, msg := range msgs {
		payloads = append(payloads, msg.Encode())
	}

	frame, _ := json.Marshal(handFrame{Token: token, Payloads: payloads})

	return store.network.Deliver(store.id, to, frame)
}

func (store *handStore) Received(msgType MessageType) []Message {
	store.mu.Lock()
	defer store.mu.Unlock()

	msgs := []Message{}

	for _, msg := range store.received {
		if msg.Type == msgType {
			msgs = append(msgs, msg)
		}
	}

	return msgs
}

// replicateTo sends a snapshot of a new object owned by the hand store.
func (store *handStore) replicateTo(to string, local string) ObjectID {
	id := NewObjectID(store.id, local)
	object := NewObject(id, 1)

	Expect(store.send(to, Message{Type: MsgReplicate, ChangeSet: &ChangeSet{
		ID:        RandomString(),
		Origin:    store.id,
		Timestamp: 1,
		Changes:   []Change{{Type: ObjectCreated, Object: id, Snapshot: object, Epoch: 1, Timestamp: 1}},
	}})).Should(BeNil())

	return id
}

func withTimeout(timeout time.Duration) context.Context {
	ctx, _ := context.WithTimeout(context.Background(), timeout)

	return ctx
}

func createObject(mb *MeshBase, name string) ObjectID {
	var id ObjectID

	_, err := mb.Update(context.Background(), func(tx *Transaction) error {
		var err error

		id, err = tx.CreateObject("device")

		if err != nil {
			return err
		}

		return tx.SetProperty(id, "name", StringValue(name))
	})

	Expect(err).Should(BeNil())

	return id
}

func setName(mb *MeshBase, id ObjectID, name string) error {
	_, err := mb.Update(context.Background(), func(tx *Transaction) error {
		return tx.SetProperty(id, "name", StringValue(name))
	})

	return err
}

func nameOf(mb *MeshBase, id ObjectID) string {
	object, err := mb.Get(id)

	if err != nil {
		return ""
	}

	value, _ := object.Property("name")
	name, _ := value.AsString()

	return name
}

var _ = Describe("MeshBase", func() {
	var cluster *testCluster

	BeforeEach(func() {
		cluster = newTestCluster()
	})

	AfterEach(func() {
		cluster.shutdown()
	})

	Describe("#Open", func() {
		It("Should reject store identifiers that cannot prefix an object identifier", func() {
			_, err := Open(MeshBaseConfig{StoreID: "a#b", StorageDriver: MakeNewStorageDriver()})

			Expect(err).Should(Equal(EInvalidObjectID))

			_, err = Open(MeshBaseConfig{StoreID: "", StorageDriver: MakeNewStorageDriver()})

			Expect(err).Should(Equal(EInvalidObjectID))
		})

		It("Should restore replicas, rights and proxy state after a restart", func() {
			a := cluster.open("a")
			b := cluster.open("b")
			id := createObject(a, "sensor")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())
			Expect(a.Coordinator(id).SetWillGiveUpLock(true)).Should(BeNil())

			held, err := b.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())
			Expect(held).Should(BeTrue())

			cluster.close("b")
			cluster.close("a")

			a = cluster.open("a")
			b = cluster.open("b")

			Expect(b.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(b.Coordinator(id).IsHome()).Should(BeFalse())
			Expect(a.Coordinator(id).HasLock()).Should(BeFalse())
			Expect(a.Coordinator(id).IsHome()).Should(BeTrue())
			Expect(a.Coordinator(id).LockPartner()).Should(Equal("b"))
			Expect(a.Proxies()).Should(Equal([]string{"b"}))

			Expect(setName(b, id, "renamed")).Should(BeNil())
			Eventually(func() string { return nameOf(a, id) }, time.Second*5).Should(Equal("renamed"))
		})
	})

	Describe("#Close", func() {
		It("Should refuse operations once closed", func() {
			a := cluster.open("a")
			id := createObject(a, "sensor")

			cluster.close("a")

			_, err := a.Get(id)

			Expect(err).Should(Equal(EResourceTerminated))

			_, err = a.Update(context.Background(), func(tx *Transaction) error { return nil })

			Expect(err).Should(Equal(EResourceTerminated))

			_, err = a.Coordinator(id).TryObtainLock(context.Background())

			Expect(err).Should(Equal(EResourceTerminated))
			Expect(a.Deliver("b", []byte("{}"))).Should(Equal(EResourceTerminated))
		})
	})

	Describe("#AccessLocally", func() {
		It("Should create a replica that points back at the partner", func() {
			a := cluster.open("a")
			b := cluster.open("b")
			id := createObject(a, "sensor")

			object, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())
			Expect(object.ID).Should(Equal(id))
			Expect(b.Objects()).Should(Equal([]ObjectID{id}))
			Expect(nameOf(b, id)).Should(Equal("sensor"))
			Expect(b.Coordinator(id).HasLock()).Should(BeFalse())
			Expect(b.Coordinator(id).IsHome()).Should(BeFalse())
			Expect(b.Coordinator(id).LockPartner()).Should(Equal("a"))
			Expect(b.Coordinator(id).HomePartner()).Should(Equal("a"))
			Expect(a.Coordinator(id).ProxyPartners()).Should(Equal([]string{"b"}))
			Expect(a.IsReplicatedElsewhere()).Should(BeTrue())
		})

		Context("When the partner has a lower identifier and has never heard of this store", func() {
			It("Should get the token from the partner and the replica with it", func() {
				a := cluster.open("a")
				b := cluster.open("b")
				id := createObject(a, "sensor")

				Expect(a.Proxies()).Should(BeEmpty())

				object, err := b.AccessLocally(withTimeout(time.Second), "a", id)

				Expect(err).Should(BeNil())
				Expect(object.ID).Should(Equal(id))
				Expect(a.Proxies()).Should(Equal([]string{"b"}))
			})

			It("Should keep the proxy of a partner that asked for the token", func() {
				a := cluster.open("a")

				Expect(a.Deliver("z", []byte(`{"g":true}`))).Should(BeNil())
				Expect(a.Proxies()).Should(Equal([]string{"z"}))
			})
		})

		It("Should return ENoSuchObject if the partner has no replica", func() {
			cluster.open("a")
			b := cluster.open("b")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", NewObjectID("a", "missing"))

			Expect(err).Should(Equal(ENoSuchObject))
			Eventually(b.Proxies, time.Second*2).Should(BeEmpty())
		})

		It("Should return ERemoteTimeout if the partner does not answer", func() {
			a := cluster.open("a")
			b := cluster.open("b")
			id := createObject(a, "sensor")

			cluster.partition()

			_, err := b.AccessLocally(withTimeout(time.Millisecond*200), "a", id)

			Expect(err).Should(Equal(ERemoteTimeout))
		})
	})

	Describe("#Deliver", func() {
		Context("When a change arrives for an object this store has never seen", func() {
			It("Should create a replica that leads back to the sender and apply the change", func() {
				a := cluster.open("a")
				z := cluster.openHandStore("z")
				id := NewObjectID("z", "thermostat")
				name := StringValue("hall")

				Expect(z.send("a", Message{Type: MsgReplicate, ChangeSet: &ChangeSet{
					ID:        RandomString(),
					Origin:    "z",
					Timestamp: 5,
					Changes:   []Change{{Type: PropertyChanged, Object: id, Name: "name", Value: &name, Epoch: 3, Timestamp: 5}},
				}})).Should(BeNil())

				Expect(nameOf(a, id)).Should(Equal("hall"))
				Expect(a.Coordinator(id).HasLock()).Should(BeFalse())
				Expect(a.Coordinator(id).IsHome()).Should(BeFalse())
				Expect(a.Coordinator(id).LockPartner()).Should(Equal("z"))
				Expect(a.Coordinator(id).HomePartner()).Should(Equal("z"))
				Expect(a.Proxies()).Should(Equal([]string{"z"}))
				Consistently(func() int { return len(z.Received(MsgCancelReplica)) }, time.Millisecond*200).Should(Equal(0))
			})

			It("Should ignore its deletion", func() {
				a := cluster.open("a")
				z := cluster.openHandStore("z")
				id := NewObjectID("z", "gone")

				Expect(z.send("a", Message{Type: MsgReplicate, ChangeSet: &ChangeSet{
					ID:        RandomString(),
					Origin:    "z",
					Timestamp: 5,
					Changes:   []Change{{Type: ObjectDeleted, Object: id, Epoch: 3, Timestamp: 5}},
				}})).Should(BeNil())

				_, err := a.Get(id)

				Expect(err).Should(Equal(ENoSuchObject))
			})
		})
	})

	Describe("#PurgeReplica", func() {
		It("Should drop a replica nobody depends on and tell its partners", func() {
			a := cluster.open("a")
			b := cluster.open("b")
			id := createObject(a, "sensor")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())
			Expect(b.PurgeReplica(id)).Should(BeNil())

			_, err = b.Get(id)

			Expect(err).Should(Equal(ENoSuchObject))
			Eventually(a.Coordinator(id).ProxyPartners, time.Second*2).Should(BeEmpty())
			Eventually(a.Proxies, time.Second*2).Should(BeEmpty())
		})

		It("Should refuse to purge a replica that holds a right or that others reach the object through", func() {
			a := cluster.open("a")
			b := cluster.open("b")
			c := cluster.open("c")
			id := createObject(a, "sensor")

			Expect(a.PurgeReplica(id)).Should(Equal(EReplicaInUse))

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())

			_, err = c.AccessLocally(withTimeout(time.Second*5), "b", id)

			Expect(err).Should(BeNil())
			Expect(b.PurgeReplica(id)).Should(Equal(EReplicaInUse))
			Expect(c.PurgeReplica(id)).Should(BeNil())
			Eventually(func() error { return b.PurgeReplica(id) }, time.Second*2).Should(BeNil())
		})
	})

	Describe("#ProxyStatuses", func() {
		It("Should report the token state of every live proxy", func() {
			a := cluster.open("a")
			b := cluster.open("b")
			id := createObject(a, "sensor")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())

			statuses := b.ProxyStatuses()

			Expect(len(statuses)).Should(Equal(1))
			Expect(statuses[0].Partner).Should(Equal("a"))
			Expect(statuses[0].LastReceivedToken).Should(BeNumerically(">", 0))
		})
	})

	Describe("#DieProxies", func() {
		It("Should revive proxies from their saved state when partners talk again", func() {
			a := cluster.open("a")
			b := cluster.open("b")
			id := createObject(a, "sensor")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())

			a.DieProxies()
			b.DieProxies()

			Expect(setName(a, id, "after")).Should(BeNil())
			Eventually(func() string { return nameOf(b, id) }, time.Second*5).Should(Equal("after"))
		})
	})
})
