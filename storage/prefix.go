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

// PrefixedStorageDriver gives a component its own keyspace inside a shared
// driver. Opening and closing it are no-ops; the owner of the underlying
// driver controls its lifetime.
type PrefixedStorageDriver struct {
	prefix        []byte
	storageDriver StorageDriver
}

func NewPrefixedStorageDriver(prefix []byte, storageDriver StorageDriver) *PrefixedStorageDriver {
	return &PrefixedStorageDriver{prefix, storageDriver}
}

func (psd *PrefixedStorageDriver) Open() error {
	return nil
}

func (psd *PrefixedStorageDriver) Close() error {
	return nil
}

func (psd *PrefixedStorageDriver) Recover() error {
	return psd.storageDriver.Recover()
}

func (psd *PrefixedStorageDriver) Compact() error {
	return psd.storageDriver.Compact()
}

func (psd *PrefixedStorageDriver) addPrefix(k []byte) []byte {
	result := make([]byte, 0, len(psd.prefix)+len(k))

	result = append(result, psd.prefix...)
	result = append(result, k...)

	return result
}

func (psd *PrefixedStorageDriver) addPrefixes(keys [][]byte) [][]byte {
	prefixKeys := make([][]byte, len(keys))

	for i, key := range keys {
		if key == nil {
			continue
		}

		prefixKeys[i] = psd.addPrefix(key)
	}

	return prefixKeys
}

func (psd *PrefixedStorageDriver) Get(keys [][]byte) ([][]byte, error) {
	return psd.storageDriver.Get(psd.addPrefixes(keys))
}

func (psd *PrefixedStorageDriver) GetMatches(keys [][]byte) (StorageIterator, error) {
	iter, err := psd.storageDriver.GetMatches(psd.addPrefixes(keys))

	if err != nil {
		return nil, err
	}

	return NewPrefixedIterator(iter, psd.prefix), nil
}

// GetRange maps a nil end of range onto the end of this driver's keyspace.
func (psd *PrefixedStorageDriver) GetRange(start []byte, end []byte) (StorageIterator, error) {
	iter, err := psd.storageDriver.GetRange(psd.addPrefix(start), psd.rangeEnd(end))

	if err != nil {
		return nil, err
	}

	return NewPrefixedIterator(iter, psd.prefix), nil
}

func (psd *PrefixedStorageDriver) GetRanges(ranges [][2][]byte, direction int) (StorageIterator, error) {
	prefixedRanges := make([][2][]byte, len(ranges))

	for i := 0; i < len(ranges); i++ {
		prefixedRanges[i] = [2][]byte{psd.addPrefix(ranges[i][0]), psd.rangeEnd(ranges[i][1])}
	}

	iter, err := psd.storageDriver.GetRanges(prefixedRanges, direction)

	if err != nil {
		return nil, err
	}

	return NewPrefixedIterator(iter, psd.prefix), nil
}

func (psd *PrefixedStorageDriver) rangeEnd(end []byte) []byte {
	if end != nil {
		return psd.addPrefix(end)
	}

	limit := make([]byte, len(psd.prefix))
	copy(limit, psd.prefix)

	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] < 0xff {
			limit[i]++

			return limit[:i+1]
		}
	}

	return nil
}

func (psd *PrefixedStorageDriver) Batch(batch *Batch) error {
	if batch == nil {
		return nil
	}

	newBatch := NewBatch()

	for key, op := range batch.BatchOps {
		op.OpKey = psd.addPrefix([]byte(key))
		newBatch.BatchOps[string(op.OpKey)] = op
	}

	return psd.storageDriver.Batch(newBatch)
}

type PrefixedIterator struct {
	prefix   []byte
	iterator StorageIterator
}

func NewPrefixedIterator(iter StorageIterator, prefix []byte) *PrefixedIterator {
	return &PrefixedIterator{prefix, iter}
}

func (prefixedIterator *PrefixedIterator) Next() bool {
	return prefixedIterator.iterator.Next()
}

func (prefixedIterator *PrefixedIterator) Prefix() []byte {
	return prefixedIterator.strip(prefixedIterator.iterator.Prefix())
}

func (prefixedIterator *PrefixedIterator) Key() []byte {
	return prefixedIterator.strip(prefixedIterator.iterator.Key())
}

func (prefixedIterator *PrefixedIterator) strip(key []byte) []byte {
	if len(key) < len(prefixedIterator.prefix) {
		return key
	}

	return key[len(prefixedIterator.prefix):]
}

func (prefixedIterator *PrefixedIterator) Value() []byte {
	return prefixedIterator.iterator.Value()
}

func (prefixedIterator *PrefixedIterator) Release() {
	prefixedIterator.iterator.Release()
}

func (prefixedIterator *PrefixedIterator) Error() error {
	return prefixedIterator.iterator.Error()
}
