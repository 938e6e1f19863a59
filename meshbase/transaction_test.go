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
	"errors"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/journal"
	. "github.com/PelionIoT/meshbase/meshbase"
	. "github.com/PelionIoT/meshbase/schema"
	. "github.com/PelionIoT/meshbase/util"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const deviceSchema = `
entityTypes:
  device:
    properties:
      name:
        type: string
      temperature:
        type: float
        optional: true
roleTypes:
  connectedTo:
    source: device
    destination: device
`

var _ = Describe("Transaction", func() {
	var cluster *testCluster
	var a *MeshBase

	BeforeEach(func() {
		cluster = newTestCluster()
		a = cluster.open("a")
	})

	AfterEach(func() {
		cluster.shutdown()
	})

	Describe("#CreateObject", func() {
		It("Should create objects that are home and hold the lock", func() {
			id := createObject(a, "sensor")

			Expect(id.Store()).Should(Equal("a"))
			Expect(a.Coordinator(id).HasLock()).Should(BeTrue())
			Expect(a.Coordinator(id).IsHome()).Should(BeTrue())
			Expect(a.IsReplicatedElsewhere()).Should(BeFalse())

			object, err := a.Get(id)

			Expect(err).Should(BeNil())
			Expect(object.IsBlessedBy("device")).Should(BeTrue())
			Expect(nameOf(a, id)).Should(Equal("sensor"))
		})

		It("Should refuse to create an object twice", func() {
			_, err := a.Update(context.Background(), func(tx *Transaction) error {
				_, err := tx.CreateObjectWithID("thermostat", "device")

				return err
			})

			Expect(err).Should(BeNil())

			_, err = a.Update(context.Background(), func(tx *Transaction) error {
				_, err := tx.CreateObjectWithID("thermostat", "device")

				return err
			})

			Expect(err).Should(Equal(EDuplicateObject))

			_, err = a.Update(context.Background(), func(tx *Transaction) error {
				_, err := tx.CreateObjectWithID("", "device")

				return err
			})

			Expect(err).Should(Equal(EInvalidObjectID))
		})
	})

	Describe("#Update", func() {
		It("Should record only changes that modify an object", func() {
			id := createObject(a, "sensor")

			changeSet, err := a.Update(context.Background(), func(tx *Transaction) error {
				if err := tx.SetProperty(id, "name", StringValue("sensor")); err != nil {
					return err
				}

				if err := tx.SetProperty(id, "floor", IntegerValue(3)); err != nil {
					return err
				}

				return tx.Bless(id, "device")
			})

			Expect(err).Should(BeNil())
			Expect(len(changeSet.Changes)).Should(Equal(1))
			Expect(changeSet.Changes[0].Type).Should(Equal(PropertyChanged))
			Expect(changeSet.Changes[0].Name).Should(Equal("floor"))
			Expect(changeSet.Changes[0].Epoch).Should(Equal(uint64(1)))
			Expect(changeSet.Origin).Should(Equal("a"))
		})

		It("Should apply every kind of mutation", func() {
			id := createObject(a, "sensor")
			other := createObject(a, "gateway")

			_, err := a.Update(context.Background(), func(tx *Transaction) error {
				Expect(tx.Bless(id, "thermometer")).Should(BeNil())
				Expect(tx.Unbless(id, "device")).Should(BeNil())
				Expect(tx.SetProperty(id, "floor", IntegerValue(2))).Should(BeNil())
				Expect(tx.RemoveProperty(id, "name")).Should(BeNil())
				Expect(tx.Relate(id, other)).Should(BeNil())
				Expect(tx.BlessRole(id, other, "connectedTo")).Should(BeNil())
				Expect(tx.AddEquivalent(id, NewObjectID("legacy", "7"))).Should(BeNil())
				Expect(tx.SetExpires(id, 12345)).Should(BeNil())

				object, err := tx.Get(id)

				Expect(err).Should(BeNil())
				Expect(object.Types).Should(Equal([]string{"thermometer"}))

				return nil
			})

			Expect(err).Should(BeNil())

			object, err := a.Get(id)

			Expect(err).Should(BeNil())
			Expect(object.Types).Should(Equal([]string{"thermometer"}))
			Expect(object.Properties).Should(Equal(map[string]PropertyValue{"floor": IntegerValue(2)}))
			Expect(object.Neighbors).Should(Equal([]Neighbor{Neighbor{ID: other, RoleTypes: []string{"connectedTo"}}}))
			Expect(object.Equivalents).Should(Equal([]ObjectID{NewObjectID("legacy", "7")}))
			Expect(object.Expires).Should(Equal(int64(12345)))

			_, err = a.Update(context.Background(), func(tx *Transaction) error {
				Expect(tx.UnblessRole(id, other, "connectedTo")).Should(BeNil())
				Expect(tx.Unrelate(id, other)).Should(BeNil())
				Expect(tx.RemoveEquivalent(id, NewObjectID("legacy", "7"))).Should(BeNil())

				return tx.Delete(other)
			})

			Expect(err).Should(BeNil())

			object, err = a.Get(id)

			Expect(err).Should(BeNil())
			Expect(object.Neighbors).Should(BeEmpty())
			Expect(object.Equivalents).Should(BeEmpty())

			_, err = a.Get(other)

			Expect(err).Should(Equal(ENoSuchObject))
		})

		It("Should discard every change when the function fails", func() {
			var id ObjectID

			_, err := a.Update(context.Background(), func(tx *Transaction) error {
				id, _ = tx.CreateObject("device")

				return errors.New("changed my mind")
			})

			Expect(err).Should(Equal(errors.New("changed my mind")))

			_, err = a.Get(id)

			Expect(err).Should(Equal(ENoSuchObject))
			Expect(a.Journal().Size()).Should(Equal(uint64(0)))
		})

		It("Should refuse to mutate objects whose lock is held elsewhere", func() {
			b := cluster.open("b")
			id := createObject(a, "sensor")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())
			Expect(setName(b, id, "intruder")).Should(Equal(ELockNotHeld))
			Expect(nameOf(b, id)).Should(Equal("sensor"))
		})

		It("Should refuse to be used after it finished", func() {
			var leaked *Transaction

			_, err := a.Update(context.Background(), func(tx *Transaction) error {
				leaked = tx

				return nil
			})

			Expect(err).Should(BeNil())

			_, err = leaked.CreateObject("device")

			Expect(err).Should(Equal(ETransactionDone))
		})

		It("Should run one transaction at a time", func() {
			started := make(chan bool)
			release := make(chan bool)

			go func() {
				defer GinkgoRecover()

				a.Update(context.Background(), func(tx *Transaction) error {
					started <- true
					<-release

					return nil
				})
			}()

			<-started

			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
			defer cancel()

			_, err := a.Update(ctx, func(tx *Transaction) error { return nil })

			Expect(err).Should(Equal(context.DeadlineExceeded))

			close(release)
		})

		It("Should journal committed change sets", func() {
			id := createObject(a, "sensor")

			Expect(setName(a, id, "renamed")).Should(BeNil())
			Expect(a.Journal().Size()).Should(Equal(uint64(2)))

			iter, err := a.Journal().Query(JournalQuery{Object: &id})

			Expect(err).Should(BeNil())

			defer iter.Release()

			count := 0

			for iter.Next() {
				count++

				Expect(iter.Entry().ChangeSet.Origin).Should(Equal("a"))
			}

			Expect(count).Should(Equal(2))
		})

		It("Should notify change listeners after committing", func() {
			var mu sync.Mutex
			notified := []*ChangeSet{}

			a.AddChangeListener(func(changeSet *ChangeSet) {
				mu.Lock()
				defer mu.Unlock()

				notified = append(notified, changeSet)
			})

			createObject(a, "sensor")

			mu.Lock()
			defer mu.Unlock()

			Expect(len(notified)).Should(Equal(1))
			Expect(notified[0].Changes[0].Type).Should(Equal(ObjectCreated))
		})
	})

	Describe("#Put", func() {
		It("Should create missing objects and record only differences afterwards", func() {
			desired := NewObject(NewObjectID("a", "probe-1"), 0)
			desired.Bless("device")
			desired.SetProperty("name", StringValue("probe"))

			changeSet, err := a.Update(context.Background(), func(tx *Transaction) error {
				return tx.Put(desired)
			})

			Expect(err).Should(BeNil())
			Expect(changeSet.Changes[0].Type).Should(Equal(ObjectCreated))

			changeSet, err = a.Update(context.Background(), func(tx *Transaction) error {
				return tx.Put(desired)
			})

			Expect(err).Should(BeNil())
			Expect(changeSet.IsEmpty()).Should(BeTrue())

			desired.SetProperty("name", StringValue("renamed"))
			desired.Bless("thermometer")

			changeSet, err = a.Update(context.Background(), func(tx *Transaction) error {
				return tx.Put(desired)
			})

			Expect(err).Should(BeNil())
			Expect(len(changeSet.Changes)).Should(Equal(2))
			Expect(nameOf(a, desired.ID)).Should(Equal("renamed"))
		})

		It("Should not create objects in the namespace of another store", func() {
			_, err := a.Update(context.Background(), func(tx *Transaction) error {
				return tx.Put(NewObject(NewObjectID("b", "1"), 0))
			})

			Expect(err).Should(Equal(EInvalidObjectID))
		})
	})

	Describe("propagation", func() {
		It("Should replicate committed changes and relay them to partners further away", func() {
			b := cluster.open("b")
			c := cluster.open("c")
			id := createObject(a, "sensor")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())

			_, err = c.AccessLocally(withTimeout(time.Second*5), "b", id)

			Expect(err).Should(BeNil())
			Expect(setName(a, id, "relayed")).Should(BeNil())
			Eventually(func() string { return nameOf(b, id) }, time.Second*5).Should(Equal("relayed"))
			Eventually(func() string { return nameOf(c, id) }, time.Second*5).Should(Equal("relayed"))
			Eventually(func() uint64 { return c.Journal().Size() }, time.Second*5).Should(Equal(uint64(1)))
		})

		It("Should remove deleted objects from every replica", func() {
			b := cluster.open("b")
			id := createObject(a, "sensor")

			_, err := b.AccessLocally(withTimeout(time.Second*5), "a", id)

			Expect(err).Should(BeNil())

			_, err = a.Update(context.Background(), func(tx *Transaction) error {
				return tx.Delete(id)
			})

			Expect(err).Should(BeNil())
			Eventually(b.Objects, time.Second*5).Should(BeEmpty())
			Eventually(b.Proxies, time.Second*5).Should(BeEmpty())
		})
	})

	Describe("schema validation", func() {
		var typed *MeshBase

		BeforeEach(func() {
			registry, err := ParseRegistry([]byte(deviceSchema))

			Expect(err).Should(BeNil())

			typed, err = Open(MeshBaseConfig{
				StoreID:       "typed",
				StorageDriver: MakeNewStorageDriver(),
				Transport:     cluster.network,
				Executor:      cluster.executor,
				Endpoint:      testEndpointConfig(),
				Schema:        registry,
			})

			Expect(err).Should(BeNil())
		})

		AfterEach(func() {
			typed.Close()
		})

		It("Should reject unknown types and roles", func() {
			_, err := typed.Update(context.Background(), func(tx *Transaction) error {
				_, err := tx.CreateObject("robot")

				return err
			})

			Expect(err).Should(Equal(EUnknownType))

			_, err = typed.Update(context.Background(), func(tx *Transaction) error {
				id, _ := tx.CreateObject("device")

				return tx.BlessRole(id, NewObjectID("typed", "x"), "hates")
			})

			Expect(err).Should(Equal(EUnknownType))
		})

		It("Should reject properties the object's types do not declare", func() {
			_, err := typed.Update(context.Background(), func(tx *Transaction) error {
				id, err := tx.CreateObject("device")

				if err != nil {
					return err
				}

				Expect(tx.SetProperty(id, "temperature", FloatValue(21.5))).Should(BeNil())
				Expect(tx.SetProperty(id, "temperature", StringValue("warm"))).Should(Equal(EInvalidProperty))

				return tx.SetProperty(id, "colour", StringValue("red"))
			})

			Expect(err).Should(Equal(EInvalidProperty))
		})
	})
})
