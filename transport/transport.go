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
	"fmt"
	"strings"
	"sync"
)

// StoreSeparator separates a node's store identifier from the name of a
// store the node hosts on its behalf, such as a shadow.
const StoreSeparator = "/"

// Receiver accepts frames addressed to one local store.
type Receiver interface {
	Deliver(from string, frame []byte) error
}

// Transport moves frames between stores. A nil error means the frame was
// handed to the receiving store, not that it was processed successfully.
type Transport interface {
	Send(ctx context.Context, from string, to string, frame []byte) error
}

// NodeOf returns the node a store lives on.
func NodeOf(storeID string) string {
	return strings.SplitN(storeID, StoreSeparator, 2)[0]
}

type PeerAddress struct {
	NodeID string `yaml:"id" json:"id"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
}

func (peerAddress *PeerAddress) ToHTTPURL(endpoint string) string {
	return fmt.Sprintf("http://%s:%d%s", peerAddress.Host, peerAddress.Port, endpoint)
}

func (peerAddress *PeerAddress) ToWSURL(endpoint string) string {
	return fmt.Sprintf("ws://%s:%d%s", peerAddress.Host, peerAddress.Port, endpoint)
}

// PeerTable maps remote nodes to their addresses. Stores hosted by a node
// resolve to the node's address.
type PeerTable struct {
	peers map[string]PeerAddress
	lock  sync.Mutex
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[string]PeerAddress),
	}
}

func (peerTable *PeerTable) AddPeer(peerAddress PeerAddress) {
	peerTable.lock.Lock()
	defer peerTable.lock.Unlock()

	peerTable.peers[peerAddress.NodeID] = peerAddress
}

func (peerTable *PeerTable) RemovePeer(nodeID string) {
	peerTable.lock.Lock()
	defer peerTable.lock.Unlock()

	delete(peerTable.peers, nodeID)
}

func (peerTable *PeerTable) Lookup(storeID string) (PeerAddress, bool) {
	peerTable.lock.Lock()
	defer peerTable.lock.Unlock()

	peerAddress, ok := peerTable.peers[NodeOf(storeID)]

	return peerAddress, ok
}

func (peerTable *PeerTable) Peers() []PeerAddress {
	peerTable.lock.Lock()
	defer peerTable.lock.Unlock()

	peers := make([]PeerAddress, 0, len(peerTable.peers))

	for _, peerAddress := range peerTable.peers {
		peers = append(peers, peerAddress)
	}

	return peers
}
