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
	"sync/atomic"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/meshbase"
	. "github.com/PelionIoT/meshbase/proxy"
	. "github.com/PelionIoT/meshbase/transport"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ReplicaCoordinator", func() {
	var cluster *testCluster
	var a *MeshBase
	var b *MeshBase
	var id ObjectID

	BeforeEach(func() {
		cluster = newTestCluster()
		a = cluster.open("a")
		b = cluster.open("b")
		id = createObject(a, "sensor")

		_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

		Expect(err).Should(BeNil())
	})

	AfterEach(func() {
		cluster.shutdown()
	})

	Describe("#TryObtainLock", func() {
		It("Should move the lock to the requester since holders give it up unless told otherwise", func() {
			Expect(a.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(a.Coordinator(id).IsHome()).Should(BeTrue())

			held, err := b.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())
			Expect(held).Should(BeTrue())
			Expect(b.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(b.Coordinator(id).LockPartner()).Should(Equal(""))
			Expect(a.Coordinator(id).HasLock()).Should(BeFalse())
			Expect(a.Coordinator(id).LockPartner()).Should(Equal("b"))
			Expect(a.Coordinator(id).IsHome()).Should(BeTrue())
			Expect(b.Coordinator(id).IsHome()).Should(BeFalse())
		})

		It("Should return true without sending anything when the lock is already held", func() {
			cluster.countMessages()

			held, err := a.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())
			Expect(held).Should(BeTrue())
			Consistently(func() int { return cluster.Counted(MsgRequestLock) }, time.Millisecond*200).Should(Equal(0))
		})

		It("Should return false when the holder will not give up the lock", func() {
			Expect(a.Coordinator(id).SetWillGiveUpLock(false)).Should(BeNil())

			held, err := b.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())
			Expect(held).Should(BeFalse())
			Expect(a.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(b.Coordinator(id).HasLock()).Should(BeFalse())
			Expect(b.Coordinator(id).LockPartner()).Should(Equal("a"))
		})

		It("Should return ERemoteTimeout and leave the rights alone when the holder does not answer", func() {
			Expect(a.Coordinator(id).SetWillGiveUpLock(true)).Should(BeNil())

			cluster.partition()

			held, err := b.Coordinator(id).TryObtainLock(withTimeout(time.Millisecond * 200))

			Expect(err).Should(Equal(ERemoteTimeout))
			Expect(held).Should(BeFalse())
			Expect(a.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(b.Coordinator(id).HasLock()).Should(BeFalse())
			Expect(b.Coordinator(id).LockPartner()).Should(Equal("a"))
		})

		It("Should forward the request along the chain of replicas that leads to the holder", func() {
			c := cluster.open("c")

			_, err := c.AccessLocally(withTimeout(time.Second*5), "b", id)

			Expect(err).Should(BeNil())
			Expect(c.Coordinator(id).LockPartner()).Should(Equal("b"))
			Expect(a.Coordinator(id).SetWillGiveUpLock(true)).Should(BeNil())

			held, err := c.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())
			Expect(held).Should(BeTrue())
			Expect(a.Coordinator(id).LockPartner()).Should(Equal("b"))
			Expect(b.Coordinator(id).HasLock()).Should(BeFalse())
			Expect(b.Coordinator(id).LockPartner()).Should(Equal("c"))
		})

		It("Should return ENoSuchObject for objects without a local replica", func() {
			_, err := b.Coordinator(NewObjectID("a", "missing")).TryObtainLock(withTimeout(time.Second))

			Expect(err).Should(Equal(ENoSuchObject))
		})

		Context("When a request arrives while the replica is asking a third store for the same lock", func() {
			It("Should queue the request and serve it once its own request is settled", func() {
				c := cluster.open("c")

				_, err := c.AccessLocally(withTimeout(time.Second*5), "b", id)

				Expect(err).Should(BeNil())

				release := make(chan struct{})
				stalled := make(chan struct{}, 1)
				var asked int32
				var answered int32

				cluster.network.SetFilter(func(from string, to string, frame []byte) FilterAction {
					switch {
					case from == "b" && to == "a" && carries(frame, MsgRequestLock):
						select {
						case stalled <- struct{}{}:
						default:
						}

						<-release
					case from == "c" && to == "b" && carries(frame, MsgRequestLock):
						atomic.StoreInt32(&asked, 1)
					case from == "b" && to == "c" && (carries(frame, MsgGrantLock) || carries(frame, MsgRejectLock)):
						atomic.StoreInt32(&answered, 1)
					}

					return FilterPass
				})

				fromB := make(chan error, 1)
				fromC := make(chan bool, 1)

				go func() {
					_, err := b.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))
					fromB <- err
				}()

				Eventually(stalled, time.Second*2).Should(Receive())

				go func() {
					held, _ := c.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))
					fromC <- held
				}()

				Eventually(func() int32 { return atomic.LoadInt32(&asked) }, time.Second*2).Should(Equal(int32(1)))
				Consistently(func() int32 { return atomic.LoadInt32(&answered) }, time.Millisecond*200).Should(Equal(int32(0)))

				close(release)

				Eventually(fromC, time.Second*5).Should(Receive(BeTrue()))
				Eventually(fromB, time.Second*5).Should(Receive(BeNil()))
				Expect(c.Coordinator(id).HasLock()).Should(BeTrue())
				Expect(b.Coordinator(id).LockPartner()).Should(Equal("c"))
				Expect(a.Coordinator(id).LockPartner()).Should(Equal("b"))
			})
		})
	})

	Describe("#TryPushLock", func() {
		It("Should fail with ELockNotHeld without sending anything when the lock is not held", func() {
			cluster.countMessages()

			held, err := b.Coordinator(id).TryPushLock(withTimeout(time.Second), "a")

			Expect(err).Should(Equal(ELockNotHeld))
			Expect(held).Should(BeFalse())
			Consistently(func() int { return cluster.Counted(MsgPushLock) }, time.Millisecond*200).Should(Equal(0))
		})

		It("Should hand the lock to the partner", func() {
			pushed, err := a.Coordinator(id).TryPushLock(withTimeout(time.Second*5), "b")

			Expect(err).Should(BeNil())
			Expect(pushed).Should(BeTrue())
			Expect(a.Coordinator(id).HasLock()).Should(BeFalse())
			Expect(a.Coordinator(id).LockPartner()).Should(Equal("b"))
			Expect(b.Coordinator(id).HasLock()).Should(BeTrue())
		})

		It("Should replicate the object to a partner that has none before pushing", func() {
			c := cluster.open("c")

			pushed, err := a.Coordinator(id).TryPushLock(withTimeout(time.Second*5), "c")

			Expect(err).Should(BeNil())
			Expect(pushed).Should(BeTrue())
			Expect(c.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(c.Coordinator(id).HomePartner()).Should(Equal("a"))
			Expect(nameOf(c, id)).Should(Equal("sensor"))
		})

		It("Should let the lock holder update the object afterwards", func() {
			_, err := a.Coordinator(id).TryPushLock(withTimeout(time.Second*5), "b")

			Expect(err).Should(BeNil())
			Expect(setName(a, id, "from a")).Should(Equal(ELockNotHeld))
			Expect(setName(b, id, "from b")).Should(BeNil())
			Eventually(func() string { return nameOf(a, id) }, time.Second*5).Should(Equal("from b"))
		})
	})

	Describe("#TryObtainHomeReplica", func() {
		It("Should move the home role independently of the lock", func() {
			Expect(a.Coordinator(id).SetWillGiveUpHomeReplica(true)).Should(BeNil())

			home, err := b.Coordinator(id).TryObtainHomeReplica(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())
			Expect(home).Should(BeTrue())
			Expect(b.Coordinator(id).IsHome()).Should(BeTrue())
			Expect(a.Coordinator(id).IsHome()).Should(BeFalse())
			Expect(a.Coordinator(id).HomePartner()).Should(Equal("b"))
			Expect(a.Coordinator(id).HasLock()).Should(BeTrue())
		})
	})

	Describe("#TryPushHomeReplica", func() {
		It("Should fail with ENotHome on a replica that is not home", func() {
			_, err := b.Coordinator(id).TryPushHomeReplica(withTimeout(time.Second), "a")

			Expect(err).Should(Equal(ENotHome))
		})

		It("Should hand the home role to the partner", func() {
			pushed, err := a.Coordinator(id).TryPushHomeReplica(withTimeout(time.Second*5), "b")

			Expect(err).Should(BeNil())
			Expect(pushed).Should(BeTrue())
			Expect(b.Coordinator(id).IsHome()).Should(BeTrue())
			Expect(a.Coordinator(id).HomePartner()).Should(Equal("b"))
		})
	})

	Describe("#ForceLockRecovery", func() {
		It("Should fail with ENotHome on a replica that is not home", func() {
			Expect(b.Coordinator(id).ForceLockRecovery()).Should(Equal(ENotHome))
		})

		It("Should take the lock back from an unreachable holder", func() {
			Expect(a.Coordinator(id).SetWillGiveUpLock(true)).Should(BeNil())

			_, err := b.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())

			cluster.partition()

			Expect(a.Coordinator(id).ForceLockRecovery()).Should(BeNil())
			Expect(a.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(setName(a, id, "recovered")).Should(BeNil())

			cluster.heal()

			Eventually(b.Coordinator(id).HasLock, time.Second*5).Should(BeFalse())
			Eventually(func() string { return nameOf(b, id) }, time.Second*5).Should(Equal("recovered"))
			Expect(b.Coordinator(id).LockPartner()).Should(Equal("a"))
		})

		It("Should surface changes made by the old holder during the partition as conflicts", func() {
			Expect(a.Coordinator(id).SetWillGiveUpLock(true)).Should(BeNil())

			_, err := b.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))

			Expect(err).Should(BeNil())

			cluster.partition()

			Expect(a.Coordinator(id).ForceLockRecovery()).Should(BeNil())
			Expect(setName(a, id, "home wins")).Should(BeNil())
			Expect(setName(b, id, "stale")).Should(BeNil())

			cluster.heal()

			Eventually(func() int { return len(cluster.Conflicts("a")) }, time.Second*5).Should(BeNumerically(">", 0))
			Eventually(func() int { return len(cluster.Conflicts("b")) }, time.Second*5).Should(BeNumerically(">", 0))
			Eventually(func() string { return nameOf(b, id) }, time.Second*5).Should(Equal("home wins"))
			Expect(nameOf(a, id)).Should(Equal("home wins"))
			Expect(b.Coordinator(id).HasLock()).Should(BeFalse())
		})
	})

	Describe("#ForceHomeRecovery", func() {
		It("Should fail with ELockNotHeld on a replica without the lock", func() {
			Expect(b.Coordinator(id).ForceHomeRecovery()).Should(Equal(ELockNotHeld))
		})
	})
})

// Forced recoveries on both sides of a partition leave two home replicas.
// Once the stores talk again the lowest store identifier keeps the home role
// and the lock follows it.
func mergeAfterDualHome(homeID string, otherID string) {
	cluster := newTestCluster()
	defer cluster.shutdown()

	home := cluster.open(homeID)
	other := cluster.open(otherID)
	id := createObject(home, "sensor")

	_, err := other.AccessLocally(withTimeout(time.Second*5), homeID, id)

	Expect(err).Should(BeNil())

	pushed, err := home.Coordinator(id).TryPushLock(withTimeout(time.Second*5), otherID)

	Expect(err).Should(BeNil())
	Expect(pushed).Should(BeTrue())

	cluster.partition()

	Expect(home.Coordinator(id).ForceLockRecovery()).Should(BeNil())
	Expect(other.Coordinator(id).ForceHomeRecovery()).Should(BeNil())
	Expect(home.Coordinator(id).IsHome()).Should(BeTrue())
	Expect(other.Coordinator(id).IsHome()).Should(BeTrue())

	cluster.heal()

	winner, loser := home, other

	if otherID < homeID {
		winner, loser = other, home
	}

	Eventually(loser.Coordinator(id).IsHome, time.Second*5).Should(BeFalse())
	Eventually(loser.Coordinator(id).HasLock, time.Second*5).Should(BeFalse())
	Expect(winner.Coordinator(id).IsHome()).Should(BeTrue())
	Expect(winner.Coordinator(id).HasLock()).Should(BeTrue())
	Expect(loser.Coordinator(id).HomePartner()).Should(Equal(winner.ID()))
	Expect(loser.Coordinator(id).LockPartner()).Should(Equal(winner.ID()))
	Expect(len(cluster.Conflicts(loser.ID()))).Should(BeNumerically(">", 0))
	Consistently(winner.Coordinator(id).IsHome, time.Millisecond*300).Should(BeTrue())
}

var _ = Describe("Duplicate home replicas", func() {
	It("Should be resolved in favour of the original home when its identifier is lower", func() {
		mergeAfterDualHome("a", "b")
	})

	It("Should be resolved in favour of the other replica when its identifier is lower", func() {
		mergeAfterDualHome("z", "m")
	})
})

// Two replicas that each believe the other leads to the lock can ask each
// other for it at the same time. The request of the lower store identifier
// goes first.
var _ = Describe("Symmetric lock requests", func() {
	var cluster *testCluster

	BeforeEach(func() {
		cluster = newTestCluster()
	})

	AfterEach(func() {
		cluster.shutdown()
	})

	It("Should be rejected by the store with the lower identifier", func() {
		a := cluster.open("a")
		z := cluster.openHandStore("z")
		id := z.replicateTo("a", "valve")

		Expect(a.Coordinator(id).LockPartner()).Should(Equal("z"))

		fromA := make(chan bool, 1)

		go func() {
			held, _ := a.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))
			fromA <- held
		}()

		Eventually(func() int { return len(z.Received(MsgRequestLock)) }, time.Second*2).Should(Equal(1))

		Expect(z.send("a", Message{Type: MsgRequestLock, RequestID: "from-z", Objects: []ObjectID{id}})).Should(BeNil())

		Eventually(func() []Message { return z.Received(MsgRejectLock) }, time.Second*2).Should(HaveLen(1))

		reject := z.Received(MsgRejectLock)[0]

		Expect(reject.RequestID).Should(Equal("from-z"))
		Expect(reject.Reason).Should(Equal("concurrent request"))

		request := z.Received(MsgRequestLock)[0]

		Expect(z.send("a", Message{Type: MsgGrantLock, RequestID: request.RequestID, Objects: []ObjectID{id}, Epoch: 2})).Should(BeNil())

		Eventually(fromA, time.Second*5).Should(Receive(BeTrue()))
		Expect(a.Coordinator(id).HasLock()).Should(BeTrue())
	})

	It("Should be queued by the store with the higher identifier until its own request is answered", func() {
		m := cluster.open("m")
		a := cluster.openHandStore("a")
		id := a.replicateTo("m", "valve")

		Expect(m.Coordinator(id).LockPartner()).Should(Equal("a"))

		fromM := make(chan bool, 1)

		go func() {
			held, _ := m.Coordinator(id).TryObtainLock(withTimeout(time.Second * 5))
			fromM <- held
		}()

		Eventually(func() int { return len(a.Received(MsgRequestLock)) }, time.Second*2).Should(Equal(1))

		Expect(a.send("m", Message{Type: MsgRequestLock, RequestID: "from-a", Objects: []ObjectID{id}})).Should(BeNil())

		Consistently(func() int { return len(a.Received(MsgRejectLock)) + len(a.Received(MsgGrantLock)) }, time.Millisecond*200).Should(Equal(0))

		request := a.Received(MsgRequestLock)[0]

		Expect(a.send("m", Message{Type: MsgGrantLock, RequestID: request.RequestID, Objects: []ObjectID{id}, Epoch: 2})).Should(BeNil())

		Eventually(func() []Message { return a.Received(MsgGrantLock) }, time.Second*2).Should(HaveLen(1))
		Expect(a.Received(MsgGrantLock)[0].RequestID).Should(Equal("from-a"))
		Eventually(fromM, time.Second*5).Should(Receive(BeFalse()))
		Expect(m.Coordinator(id).HasLock()).Should(BeFalse())
		Expect(m.Coordinator(id).LockPartner()).Should(Equal("a"))
	})
})
