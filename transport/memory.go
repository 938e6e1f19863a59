package transport

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
	"sync"

	. "github.com/PelionIoT/meshbase/error"
)

type FilterAction int

const (
	FilterPass FilterAction = iota
	// FilterDrop loses the frame while reporting success to the sender.
	FilterDrop FilterAction = iota
	// FilterFail reports a transport failure to the sender.
	FilterFail FilterAction = iota
)

type Filter func(from string, to string, frame []byte) FilterAction

// Resolver is asked for a receiver when a frame arrives for a store that is
// not registered. It lets a node create stores, such as shadows, on first
// access.
type Resolver func(storeID string) (Receiver, error)

// MemoryNetwork connects the stores of one process. Remote transports hand
// incoming frames to it as well, which makes it the routing table for every
// store a node hosts.
type MemoryNetwork struct {
	receivers map[string]Receiver
	resolver  Resolver
	filter    Filter
	lock      sync.Mutex
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		receivers: make(map[string]Receiver),
	}
}

func (network *MemoryNetwork) Register(storeID string, receiver Receiver) {
	network.lock.Lock()
	defer network.lock.Unlock()

	network.receivers[storeID] = receiver
}

func (network *MemoryNetwork) Unregister(storeID string) {
	network.lock.Lock()
	defer network.lock.Unlock()

	delete(network.receivers, storeID)
}

func (network *MemoryNetwork) Has(storeID string) bool {
	network.lock.Lock()
	defer network.lock.Unlock()

	_, ok := network.receivers[storeID]

	return ok
}

func (network *MemoryNetwork) SetResolver(resolver Resolver) {
	network.lock.Lock()
	defer network.lock.Unlock()

	network.resolver = resolver
}

func (network *MemoryNetwork) SetFilter(filter Filter) {
	network.lock.Lock()
	defer network.lock.Unlock()

	network.filter = filter
}

func (network *MemoryNetwork) Send(ctx context.Context, from string, to string, frame []byte) error {
	network.lock.Lock()
	filter := network.filter
	network.lock.Unlock()

	if filter != nil {
		switch filter(from, to, frame) {
		case FilterDrop:
			return nil
		case FilterFail:
			return ETransportFailure
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return network.Deliver(from, to, frame)
}

// Deliver hands a frame to a local store.
func (network *MemoryNetwork) Deliver(from string, to string, frame []byte) error {
	network.lock.Lock()
	receiver, ok := network.receivers[to]
	resolver := network.resolver
	network.lock.Unlock()

	if !ok {
		if resolver == nil {
			return EReceiverUnknown
		}

		var err error

		receiver, err = resolver(to)

		if err != nil {
			return err
		}
	}

	return receiver.Deliver(from, frame)
}
