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
	"sort"
	"strings"

	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"

	"github.com/syndtr/goleveldb/leveldb"
	levelErrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	levelStorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const memoryPath = ":memory:"

type LevelDBIterator struct {
	snapshot  *leveldb.Snapshot
	it        iterator.Iterator
	ranges    []*util.Range
	prefix    []byte
	err       error
	direction int
}

func newLevelDBIterator(snapshot *leveldb.Snapshot, ranges []*util.Range, direction int) *LevelDBIterator {
	return &LevelDBIterator{
		snapshot:  snapshot,
		ranges:    ranges,
		direction: direction,
	}
}

// advance moves the current leveldb iterator one step in the configured
// direction, positioning it on the first entry when it was just created.
func (it *LevelDBIterator) advance(fresh bool) bool {
	if it.direction == BACKWARD {
		if fresh {
			return it.it.Last()
		}

		return it.it.Prev()
	}

	return it.it.Next()
}

func (it *LevelDBIterator) Next() bool {
	for {
		fresh := false

		if it.it == nil {
			if len(it.ranges) == 0 {
				return false
			}

			it.prefix = it.ranges[0].Start
			it.it = it.snapshot.NewIterator(it.ranges[0], nil)
			it.ranges = it.ranges[1:]
			fresh = true
		}

		if it.advance(fresh) {
			return true
		}

		if it.it.Error() != nil {
			prometheusRecordStorageError("iterator.next()", "")
			it.err = it.it.Error()
			it.ranges = []*util.Range{}
		}

		it.it.Release()
		it.it = nil
		it.prefix = nil

		if it.err != nil {
			return false
		}
	}
}

func (it *LevelDBIterator) Prefix() []byte {
	return it.prefix
}

func (it *LevelDBIterator) Key() []byte {
	if it.it == nil || it.err != nil {
		return nil
	}

	return it.it.Key()
}

func (it *LevelDBIterator) Value() []byte {
	if it.it == nil || it.err != nil {
		return nil
	}

	return it.it.Value()
}

func (it *LevelDBIterator) Release() {
	it.prefix = nil
	it.ranges = []*util.Range{}
	it.snapshot.Release()

	if it.it == nil {
		return
	}

	it.it.Release()
	it.it = nil
}

func (it *LevelDBIterator) Error() error {
	return it.err
}

// LevelDBStorageDriver stores data in a leveldb database, either in a
// directory on disk or, for tests and throwaway shadows, in memory.
type LevelDBStorageDriver struct {
	file    string
	options *opt.Options
	memory  bool
	// retained holds the contents of a closed in-memory database until it
	// is opened again
	retained *leveldb.Batch
	db       *leveldb.DB
}

func NewLevelDBStorageDriver(file string, options *opt.Options) *LevelDBStorageDriver {
	return &LevelDBStorageDriver{file: file, options: options}
}

func NewLevelDBMemoryStorageDriver() *LevelDBStorageDriver {
	return &LevelDBStorageDriver{file: memoryPath, memory: true}
}

// openMemory starts a fresh in-memory database and loads whatever the
// previous one held when it was closed. goleveldb cannot reopen a memory
// storage once a database on it has been closed.
func (levelDriver *LevelDBStorageDriver) openMemory() (*leveldb.DB, error) {
	db, err := leveldb.Open(levelStorage.NewMemStorage(), levelDriver.options)

	if err != nil {
		return nil, err
	}

	if levelDriver.retained == nil {
		return db, nil
	}

	if err := db.Write(levelDriver.retained, nil); err != nil {
		db.Close()

		return nil, err
	}

	levelDriver.retained = nil

	return db, nil
}

func (levelDriver *LevelDBStorageDriver) Open() error {
	levelDriver.Close()

	var db *leveldb.DB
	var err error

	if levelDriver.memory {
		db, err = levelDriver.openMemory()
	} else {
		db, err = leveldb.OpenFile(levelDriver.file, levelDriver.options)
	}

	if err != nil {
		prometheusRecordStorageError("open()", levelDriver.file)

		if levelErrors.IsCorrupted(err) {
			Log.Criticalf("LevelDB database at %s is corrupted: %v", levelDriver.file, err.Error())

			return ECorrupted
		}

		return err
	}

	levelDriver.db = db

	return nil
}

func (levelDriver *LevelDBStorageDriver) Close() error {
	if levelDriver.db == nil {
		return nil
	}

	if levelDriver.memory {
		retained := new(leveldb.Batch)
		it := levelDriver.db.NewIterator(nil, nil)

		for it.Next() {
			retained.Put(it.Key(), it.Value())
		}

		it.Release()
		levelDriver.retained = retained
	}

	err := levelDriver.db.Close()

	levelDriver.db = nil

	return err
}

func (levelDriver *LevelDBStorageDriver) Recover() error {
	levelDriver.Close()

	var db *leveldb.DB
	var err error

	if levelDriver.memory {
		db, err = levelDriver.openMemory()
	} else {
		db, err = leveldb.RecoverFile(levelDriver.file, levelDriver.options)
	}

	if err != nil {
		prometheusRecordStorageError("recover()", levelDriver.file)

		return err
	}

	levelDriver.db = db

	return nil
}

func (levelDriver *LevelDBStorageDriver) Compact() error {
	if levelDriver.db == nil {
		return EStorage
	}

	if err := levelDriver.db.CompactRange(util.Range{}); err != nil {
		prometheusRecordStorageError("compact()", levelDriver.file)

		return err
	}

	return nil
}

func (levelDriver *LevelDBStorageDriver) Get(keys [][]byte) ([][]byte, error) {
	if levelDriver.db == nil {
		return nil, EStorage
	}

	if keys == nil {
		return [][]byte{}, nil
	}

	snapshot, err := levelDriver.db.GetSnapshot()

	if err != nil {
		prometheusRecordStorageError("get()", levelDriver.file)

		return nil, err
	}

	defer snapshot.Release()

	values := make([][]byte, len(keys))

	for i, key := range keys {
		if key == nil {
			continue
		}

		values[i], err = snapshot.Get(key, nil)

		if err == leveldb.ErrNotFound {
			values[i] = nil

			continue
		}

		if err != nil {
			prometheusRecordStorageError("get()", levelDriver.file)

			return nil, err
		}
	}

	return values, nil
}

// consolidateKeys sorts the prefixes and drops any prefix that is covered by
// a shorter one so that matches are not reported twice.
func consolidateKeys(keys [][]byte) [][]byte {
	s := make([]string, 0, len(keys))

	for _, key := range keys {
		if key == nil {
			continue
		}

		s = append(s, string(key))
	}

	sort.Strings(s)

	result := make([][]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		if i > 0 && strings.HasPrefix(s[i], s[i-1]) {
			s[i] = s[i-1]

			continue
		}

		result = append(result, []byte(s[i]))
	}

	return result
}

func (levelDriver *LevelDBStorageDriver) snapshot(operation string) (*leveldb.Snapshot, error) {
	if levelDriver.db == nil {
		return nil, EStorage
	}

	snapshot, err := levelDriver.db.GetSnapshot()

	if err != nil {
		prometheusRecordStorageError(operation, levelDriver.file)

		return nil, err
	}

	return snapshot, nil
}

func (levelDriver *LevelDBStorageDriver) GetMatches(keys [][]byte) (StorageIterator, error) {
	snapshot, err := levelDriver.snapshot("getMatches()")

	if err != nil {
		return nil, err
	}

	keys = consolidateKeys(keys)
	ranges := make([]*util.Range, 0, len(keys))

	for _, key := range keys {
		ranges = append(ranges, util.BytesPrefix(key))
	}

	return newLevelDBIterator(snapshot, ranges, FORWARD), nil
}

func (levelDriver *LevelDBStorageDriver) GetRange(min, max []byte) (StorageIterator, error) {
	snapshot, err := levelDriver.snapshot("getRange()")

	if err != nil {
		return nil, err
	}

	return newLevelDBIterator(snapshot, []*util.Range{&util.Range{Start: min, Limit: max}}, FORWARD), nil
}

func (levelDriver *LevelDBStorageDriver) GetRanges(ranges [][2][]byte, direction int) (StorageIterator, error) {
	snapshot, err := levelDriver.snapshot("getRanges()")

	if err != nil {
		return nil, err
	}

	levelRanges := make([]*util.Range, len(ranges))

	for i := 0; i < len(ranges); i++ {
		levelRanges[i] = &util.Range{Start: ranges[i][0], Limit: ranges[i][1]}
	}

	return newLevelDBIterator(snapshot, levelRanges, direction), nil
}

func (levelDriver *LevelDBStorageDriver) Batch(batch *Batch) error {
	if levelDriver.db == nil {
		return EStorage
	}

	if batch == nil {
		return nil
	}

	b := new(leveldb.Batch)

	for _, op := range batch.Ops() {
		if op.IsPut() {
			b.Put(op.Key(), op.Value())
		} else if op.IsDelete() {
			b.Delete(op.Key())
		}
	}

	if err := levelDriver.db.Write(b, nil); err != nil {
		prometheusRecordStorageError("batch()", levelDriver.file)

		Log.Errorf("Unable to write batch of %d operations to %s: %v", batch.Size(), levelDriver.file, err)

		return err
	}

	return nil
}
