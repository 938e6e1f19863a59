package journal

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
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/storage"
)

var (
	BY_SERIAL_PREFIX            = []byte{0}
	BY_OBJECT_AND_SERIAL_PREFIX = []byte{1}
	SERIAL_COUNTER_PREFIX       = []byte{2}
	SIZE_COUNTER_PREFIX         = []byte{3}
	DELIMETER                   = []byte(".")
)

func serialBytes(serial uint64) []byte {
	bytes := make([]byte, 8)

	binary.BigEndian.PutUint64(bytes, serial)

	return bytes
}

func serialKey(serial uint64) []byte {
	result := make([]byte, 0, len(BY_SERIAL_PREFIX)+8)

	result = append(result, BY_SERIAL_PREFIX...)
	result = append(result, serialBytes(serial)...)

	return result
}

func objectPrefix(object ObjectID) []byte {
	objectEncoding := []byte(base64.StdEncoding.EncodeToString([]byte(object)))
	result := make([]byte, 0, len(BY_OBJECT_AND_SERIAL_PREFIX)+len(objectEncoding)+len(DELIMETER))

	result = append(result, BY_OBJECT_AND_SERIAL_PREFIX...)
	result = append(result, objectEncoding...)
	result = append(result, DELIMETER...)

	return result
}

func objectKey(object ObjectID, serial uint64) []byte {
	return append(objectPrefix(object), serialBytes(serial)...)
}

// Entry is one committed change set and the position it was logged at.
type Entry struct {
	Serial    uint64     `json:"serial"`
	ChangeSet *ChangeSet `json:"changeSet"`
}

type JournalQuery struct {
	MinSerial *uint64
	MaxSerial *uint64
	Object    *ObjectID
	Order     string
	Limit     int
}

// Journal is an append only log of the change sets a store committed or
// applied, indexed by serial number and by object. It keeps at most
// entryLimit entries when entryLimit is not zero.
type Journal struct {
	storageDriver StorageDriver
	nextSerial    uint64
	currentSize   uint64
	entryLimit    uint64
	logLock       sync.Mutex
}

func NewJournal(storageDriver StorageDriver, entryLimit uint64) (*Journal, error) {
	var lastSerial uint64
	var currentSize uint64

	values, err := storageDriver.Get([][]byte{SERIAL_COUNTER_PREFIX, SIZE_COUNTER_PREFIX})

	if err != nil {
		Log.Errorf("Unable to read journal counters: %v", err)

		return nil, EStorage
	}

	if len(values[0]) == 8 {
		lastSerial = binary.BigEndian.Uint64(values[0])
	}

	if len(values[1]) == 8 {
		currentSize = binary.BigEndian.Uint64(values[1])
	}

	journal := &Journal{
		storageDriver: storageDriver,
		nextSerial:    lastSerial + 1,
		currentSize:   currentSize,
		entryLimit:    entryLimit,
	}

	if err := journal.RotateLog(); err != nil {
		return nil, err
	}

	return journal, nil
}

func (journal *Journal) Size() uint64 {
	journal.logLock.Lock()
	defer journal.logLock.Unlock()

	return journal.currentSize
}

// Serial returns the serial number the next entry will get.
func (journal *Journal) Serial() uint64 {
	journal.logLock.Lock()
	defer journal.logLock.Unlock()

	return journal.nextSerial
}

func (journal *Journal) Append(changeSet *ChangeSet) (uint64, error) {
	// Entries are written one at a time so that no entry written earlier
	// has a higher serial number than a later one.
	journal.logLock.Lock()
	defer journal.logLock.Unlock()

	entry := Entry{Serial: journal.nextSerial, ChangeSet: changeSet}
	encodedEntry, err := json.Marshal(entry)

	if err != nil {
		Log.Errorf("Could not encode change set %s: %v", changeSet.ID, err)

		return 0, EStorage
	}

	batch := NewBatch()
	batch.Put(serialKey(entry.Serial), encodedEntry)

	for _, object := range changeSet.ObjectIDs() {
		batch.Put(objectKey(object, entry.Serial), encodedEntry)
	}

	batch.Put(SERIAL_COUNTER_PREFIX, serialBytes(entry.Serial))
	batch.Put(SIZE_COUNTER_PREFIX, serialBytes(journal.currentSize+1))

	if err := journal.storageDriver.Batch(batch); err != nil {
		Log.Errorf("Storage driver error while appending change set %s: %v", changeSet.ID, err)

		return 0, EStorage
	}

	journal.nextSerial++
	journal.currentSize++

	if err := journal.rotateLog(); err != nil {
		return entry.Serial, err
	}

	return entry.Serial, nil
}

func (journal *Journal) Query(query JournalQuery) (*EntryIterator, error) {
	var minSerial uint64
	var maxSerial uint64 = math.MaxUint64
	var direction = FORWARD

	if query.Order == "desc" {
		direction = BACKWARD
	}

	if query.MinSerial != nil {
		minSerial = *query.MinSerial
	}

	if query.MaxSerial != nil {
		maxSerial = *query.MaxSerial
	}

	var ranges [][2][]byte

	if query.Object != nil {
		ranges = [][2][]byte{{objectKey(*query.Object, minSerial), objectKey(*query.Object, maxSerial)}}
	} else {
		ranges = [][2][]byte{{serialKey(minSerial), serialKey(maxSerial)}}
	}

	iter, err := journal.storageDriver.GetRanges(ranges, direction)

	if err != nil {
		Log.Errorf("Storage driver error in Query(%v): %v", query, err)

		return nil, EStorage
	}

	return NewEntryIterator(iter, query.Limit), nil
}

func (journal *Journal) Purge(query JournalQuery) error {
	journal.logLock.Lock()
	defer journal.logLock.Unlock()

	return journal.purge(query)
}

func (journal *Journal) purge(query JournalQuery) error {
	entries, err := journal.Query(query)

	if err != nil {
		return err
	}

	// Collect first so that the iterator snapshot is released before
	// writing.
	doomed := []Entry{}

	for entries.Next() {
		doomed = append(doomed, *entries.Entry())
	}

	entries.Release()

	if entries.Error() != nil {
		return entries.Error()
	}

	for _, entry := range doomed {
		if err := journal.purgeEntry(entry); err != nil {
			return err
		}
	}

	return nil
}

func (journal *Journal) purgeEntry(entry Entry) error {
	batch := NewBatch()
	batch.Delete(serialKey(entry.Serial))

	for _, object := range entry.ChangeSet.ObjectIDs() {
		batch.Delete(objectKey(object, entry.Serial))
	}

	batch.Put(SIZE_COUNTER_PREFIX, serialBytes(journal.currentSize-1))

	if err := journal.storageDriver.Batch(batch); err != nil {
		Log.Errorf("Storage driver error while purging journal entry %d: %v", entry.Serial, err)

		return EStorage
	}

	journal.currentSize--

	return nil
}

func (journal *Journal) RotateLog() error {
	journal.logLock.Lock()
	defer journal.logLock.Unlock()

	return journal.rotateLog()
}

func (journal *Journal) rotateLog() error {
	if journal.entryLimit == 0 || journal.currentSize <= journal.entryLimit {
		return nil
	}

	return journal.purge(JournalQuery{Limit: int(journal.currentSize - journal.entryLimit)})
}

type EntryIterator struct {
	dbIterator   StorageIterator
	parseError   error
	currentEntry *Entry
	limit        uint64
	entriesSeen  uint64
	released     bool
}

func NewEntryIterator(iterator StorageIterator, limit int) *EntryIterator {
	if limit < 0 {
		limit = 0
	}

	return &EntryIterator{
		dbIterator: iterator,
		limit:      uint64(limit),
	}
}

func (iterator *EntryIterator) Next() bool {
	iterator.currentEntry = nil

	if iterator.released || (iterator.limit != 0 && iterator.entriesSeen == iterator.limit) {
		iterator.Release()

		return false
	}

	if !iterator.dbIterator.Next() {
		if iterator.dbIterator.Error() != nil {
			Log.Errorf("Storage driver error in Next(): %v", iterator.dbIterator.Error())
		}

		iterator.Release()

		return false
	}

	var entry Entry

	iterator.parseError = json.Unmarshal(iterator.dbIterator.Value(), &entry)

	if iterator.parseError != nil {
		Log.Errorf("Unable to decode journal entry at key %v: %v", iterator.dbIterator.Key(), iterator.parseError)

		iterator.Release()

		return false
	}

	iterator.currentEntry = &entry
	iterator.entriesSeen++

	return true
}

func (iterator *EntryIterator) Entry() *Entry {
	return iterator.currentEntry
}

func (iterator *EntryIterator) Release() {
	if iterator.released {
		return
	}

	iterator.released = true
	iterator.dbIterator.Release()
}

func (iterator *EntryIterator) Error() error {
	if iterator.parseError != nil || iterator.dbIterator.Error() != nil {
		return EStorage
	}

	return nil
}
