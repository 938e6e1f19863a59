package storage_test

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
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	. "github.com/PelionIoT/meshbase/storage"
)

func collectKeys(iter StorageIterator) []string {
	keys := []string{}

	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}

	iter.Release()

	return keys
}

var _ = Describe("LevelDBStorageDriver", func() {
	var storageDriver *LevelDBStorageDriver

	BeforeEach(func() {
		storageDriver = NewLevelDBMemoryStorageDriver()
		Expect(storageDriver.Open()).Should(BeNil())
	})

	AfterEach(func() {
		storageDriver.Close()
	})

	Describe("#Get", func() {
		It("Should return nil for keys that were never written", func() {
			values, err := storageDriver.Get([][]byte{[]byte("missing"), nil})

			Expect(err).Should(BeNil())
			Expect(values).Should(Equal([][]byte{nil, nil}))
		})

		It("Should return values written by a batch", func() {
			Expect(storageDriver.Batch(NewBatch().Put([]byte("a"), []byte("1")).Put([]byte("b"), []byte("2")))).Should(BeNil())

			values, err := storageDriver.Get([][]byte{[]byte("b"), []byte("a")})

			Expect(err).Should(BeNil())
			Expect(values).Should(Equal([][]byte{[]byte("2"), []byte("1")}))
		})

		Context("When the driver is closed", func() {
			It("Should return an error", func() {
				storageDriver.Close()

				_, err := storageDriver.Get([][]byte{[]byte("a")})

				Expect(err).Should(HaveOccurred())
			})
		})
	})

	Describe("#Batch", func() {
		It("Should apply deletes", func() {
			Expect(storageDriver.Batch(NewBatch().Put([]byte("a"), []byte("1")))).Should(BeNil())
			Expect(storageDriver.Batch(NewBatch().Delete([]byte("a")))).Should(BeNil())

			values, _ := storageDriver.Get([][]byte{[]byte("a")})

			Expect(values[0]).Should(BeNil())
		})
	})

	Describe("#GetMatches", func() {
		It("Should iterate over every key under each prefix exactly once", func() {
			batch := NewBatch()
			batch.Put([]byte("r.a"), []byte("1"))
			batch.Put([]byte("r.b"), []byte("2"))
			batch.Put([]byte("p.a"), []byte("3"))
			Expect(storageDriver.Batch(batch)).Should(BeNil())

			iter, err := storageDriver.GetMatches([][]byte{[]byte("r."), []byte("r.a")})

			Expect(err).Should(BeNil())
			Expect(collectKeys(iter)).Should(Equal([]string{"r.a", "r.b"}))
		})
	})

	Describe("#GetRanges", func() {
		It("Should iterate backwards when asked to", func() {
			batch := NewBatch()
			batch.Put([]byte("1"), []byte(""))
			batch.Put([]byte("2"), []byte(""))
			batch.Put([]byte("3"), []byte(""))
			Expect(storageDriver.Batch(batch)).Should(BeNil())

			iter, err := storageDriver.GetRanges([][2][]byte{[2][]byte{[]byte("1"), []byte("3")}}, BACKWARD)

			Expect(err).Should(BeNil())
			Expect(collectKeys(iter)).Should(Equal([]string{"2", "1"}))
		})
	})

	Describe("#Open", func() {
		It("Should keep the data of an in-memory database across a close and reopen", func() {
			Expect(storageDriver.Batch(NewBatch().Put([]byte("a"), []byte("1")))).Should(BeNil())
			Expect(storageDriver.Close()).Should(BeNil())
			Expect(storageDriver.Open()).Should(BeNil())

			values, err := storageDriver.Get([][]byte{[]byte("a")})

			Expect(err).Should(BeNil())
			Expect(values[0]).Should(Equal([]byte("1")))
		})

		It("Should keep accepting writes over several restarts", func() {
			Expect(storageDriver.Batch(NewBatch().Put([]byte("a"), []byte("1")).Put([]byte("b"), []byte("2")))).Should(BeNil())
			Expect(storageDriver.Close()).Should(BeNil())
			Expect(storageDriver.Open()).Should(BeNil())
			Expect(storageDriver.Batch(NewBatch().Delete([]byte("a")).Put([]byte("c"), []byte("3")))).Should(BeNil())
			Expect(storageDriver.Close()).Should(BeNil())
			Expect(storageDriver.Open()).Should(BeNil())

			values, err := storageDriver.Get([][]byte{[]byte("a"), []byte("b"), []byte("c")})

			Expect(err).Should(BeNil())
			Expect(values[0]).Should(BeNil())
			Expect(values[1]).Should(Equal([]byte("2")))
			Expect(values[2]).Should(Equal([]byte("3")))
		})
	})

	Describe("#Recover", func() {
		It("Should keep the data of an in-memory database", func() {
			Expect(storageDriver.Batch(NewBatch().Put([]byte("a"), []byte("1")))).Should(BeNil())
			Expect(storageDriver.Recover()).Should(BeNil())

			values, err := storageDriver.Get([][]byte{[]byte("a")})

			Expect(err).Should(BeNil())
			Expect(values[0]).Should(Equal([]byte("1")))
		})
	})
})

var _ = Describe("PrefixedStorageDriver", func() {
	var storageDriver *LevelDBStorageDriver
	var left *PrefixedStorageDriver
	var right *PrefixedStorageDriver

	BeforeEach(func() {
		storageDriver = NewLevelDBMemoryStorageDriver()
		Expect(storageDriver.Open()).Should(BeNil())
		left = NewPrefixedStorageDriver([]byte("L"), storageDriver)
		right = NewPrefixedStorageDriver([]byte("R"), storageDriver)
	})

	AfterEach(func() {
		storageDriver.Close()
	})

	It("Should keep keys of different prefixes apart", func() {
		Expect(left.Batch(NewBatch().Put([]byte("k"), []byte("left")))).Should(BeNil())
		Expect(right.Batch(NewBatch().Put([]byte("k"), []byte("right")))).Should(BeNil())

		values, err := left.Get([][]byte{[]byte("k")})

		Expect(err).Should(BeNil())
		Expect(values[0]).Should(Equal([]byte("left")))

		keys, err := Keys(storageDriver, []byte(""))

		Expect(err).Should(BeNil())
		Expect(keys).Should(Equal([][]byte{[]byte("Lk"), []byte("Rk")}))
	})

	It("Should strip the prefix from iterated keys", func() {
		Expect(left.Batch(NewBatch().Put([]byte("a"), []byte("")).Put([]byte("b"), []byte("")))).Should(BeNil())
		Expect(right.Batch(NewBatch().Put([]byte("c"), []byte("")))).Should(BeNil())

		iter, err := left.GetRange([]byte(""), nil)

		Expect(err).Should(BeNil())
		Expect(collectKeys(iter)).Should(Equal([]string{"a", "b"}))
	})
})
