package journal_test

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
	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/journal"
	. "github.com/PelionIoT/meshbase/storage"
	. "github.com/PelionIoT/meshbase/util"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func changeSetFor(objects ...ObjectID) *ChangeSet {
	changeSet := NewChangeSet("a")

	for _, object := range objects {
		changeSet.Add(Change{Type: TypeAdded, Object: object, Name: "T"})
	}

	return changeSet
}

func drain(iterator *EntryIterator) []uint64 {
	serials := []uint64{}

	for iterator.Next() {
		serials = append(serials, iterator.Entry().Serial)
	}

	return serials
}

var _ = Describe("Journal", func() {
	var storageDriver StorageDriver
	var journal *Journal
	var objectA = NewObjectID("a", "1")
	var objectB = NewObjectID("a", "2")

	BeforeEach(func() {
		var err error

		storageDriver = MakeNewStorageDriver()
		journal, err = NewJournal(storageDriver, 0)

		Expect(err).Should(BeNil())
	})

	AfterEach(func() {
		storageDriver.Close()
	})

	Describe("#Append", func() {
		It("Should assign increasing serial numbers", func() {
			first, err := journal.Append(changeSetFor(objectA))
			Expect(err).Should(BeNil())

			second, err := journal.Append(changeSetFor(objectB))
			Expect(err).Should(BeNil())

			Expect(first).Should(Equal(uint64(1)))
			Expect(second).Should(Equal(uint64(2)))
			Expect(journal.Size()).Should(Equal(uint64(2)))
		})

		It("Should continue numbering after being reopened", func() {
			journal.Append(changeSetFor(objectA))

			reopened, err := NewJournal(storageDriver, 0)

			Expect(err).Should(BeNil())
			Expect(reopened.Serial()).Should(Equal(uint64(2)))
			Expect(reopened.Size()).Should(Equal(uint64(1)))
		})
	})

	Describe("#Query", func() {
		BeforeEach(func() {
			journal.Append(changeSetFor(objectA))
			journal.Append(changeSetFor(objectB))
			journal.Append(changeSetFor(objectA, objectB))
		})

		It("Should return entries for one object", func() {
			iterator, err := journal.Query(JournalQuery{Object: &objectA})

			Expect(err).Should(BeNil())
			Expect(drain(iterator)).Should(Equal([]uint64{1, 3}))
		})

		It("Should honor order, bounds and limit", func() {
			var minSerial uint64 = 2

			iterator, _ := journal.Query(JournalQuery{MinSerial: &minSerial, Order: "desc"})
			Expect(drain(iterator)).Should(Equal([]uint64{3, 2}))

			iterator, _ = journal.Query(JournalQuery{Limit: 2})
			Expect(drain(iterator)).Should(Equal([]uint64{1, 2}))
		})

		It("Should return the stored change set", func() {
			changeSet := changeSetFor(objectB)
			journal.Append(changeSet)

			var minSerial uint64 = 4

			iterator, _ := journal.Query(JournalQuery{MinSerial: &minSerial})

			Expect(iterator.Next()).Should(BeTrue())
			Expect(iterator.Entry().ChangeSet).Should(Equal(changeSet))
			iterator.Release()
		})
	})

	Describe("#RotateLog", func() {
		It("Should drop the oldest entries beyond the limit", func() {
			limited, err := NewJournal(storageDriver, 2)

			Expect(err).Should(BeNil())

			limited.Append(changeSetFor(objectA))
			limited.Append(changeSetFor(objectB))
			limited.Append(changeSetFor(objectA))

			Expect(limited.Size()).Should(Equal(uint64(2)))

			iterator, _ := limited.Query(JournalQuery{})
			Expect(drain(iterator)).Should(Equal([]uint64{2, 3}))

			iterator, _ = limited.Query(JournalQuery{Object: &objectA})
			Expect(drain(iterator)).Should(Equal([]uint64{3}))
		})
	})
})
