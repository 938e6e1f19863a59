package storage

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
	"bytes"
	"sort"
)

const (
	PUT      = iota
	DEL      = iota
	FORWARD  = iota
	BACKWARD = iota
)

type StorageIterator interface {
	Next() bool
	Prefix() []byte
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// StorageDriver is the key/value layer every persistent component of a
// mesh base sits on: replicas, proxy snapshots, shadow records and the
// change set journal.
type StorageDriver interface {
	Open() error
	Close() error
	Recover() error
	Compact() error
	Get([][]byte) ([][]byte, error)
	GetMatches([][]byte) (StorageIterator, error)
	GetRange([]byte, []byte) (StorageIterator, error)
	GetRanges([][2][]byte, int) (StorageIterator, error)
	Batch(*Batch) error
}

type Op struct {
	OpType  int    `json:"type"`
	OpKey   []byte `json:"key"`
	OpValue []byte `json:"value"`
}

func (o *Op) IsDelete() bool {
	return o.OpType == DEL
}

func (o *Op) IsPut() bool {
	return o.OpType == PUT
}

func (o *Op) Key() []byte {
	return o.OpKey
}

func (o *Op) Value() []byte {
	return o.OpValue
}

type OpList []Op

func (opList OpList) Len() int {
	return len(opList)
}

func (opList OpList) Less(i, j int) bool {
	return bytes.Compare(opList[i].Key(), opList[j].Key()) < 0
}

func (opList OpList) Swap(i, j int) {
	opList[i], opList[j] = opList[j], opList[i]
}

// Batch collects puts and deletes that are written atomically. A later
// operation on a key replaces an earlier one.
type Batch struct {
	BatchOps map[string]Op `json:"ops"`
}

func NewBatch() *Batch {
	return &Batch{make(map[string]Op)}
}

func (batch *Batch) Size() int {
	return len(batch.BatchOps)
}

func (batch *Batch) Put(key []byte, value []byte) *Batch {
	batch.BatchOps[string(key)] = Op{PUT, key, value}

	return batch
}

func (batch *Batch) Delete(key []byte) *Batch {
	batch.BatchOps[string(key)] = Op{DEL, key, nil}

	return batch
}

// Merge copies the operations of other into this batch. Operations in other
// win on conflicting keys.
func (batch *Batch) Merge(other *Batch) *Batch {
	if other == nil {
		return batch
	}

	for key, op := range other.BatchOps {
		batch.BatchOps[key] = op
	}

	return batch
}

func (batch *Batch) Ops() map[string]Op {
	return batch.BatchOps
}

func (batch *Batch) SortedOps() []Op {
	opList := make([]Op, 0, len(batch.BatchOps))

	for _, op := range batch.BatchOps {
		opList = append(opList, op)
	}

	sort.Sort(OpList(opList))

	return opList
}

// Keys returns a copy of every key with the given prefix, in order. The
// iterator is always released.
func Keys(storageDriver StorageDriver, prefix []byte) ([][]byte, error) {
	iter, err := storageDriver.GetMatches([][]byte{prefix})

	if err != nil {
		return nil, err
	}

	defer iter.Release()

	keys := make([][]byte, 0)

	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		keys = append(keys, key)
	}

	return keys, iter.Error()
}
