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
	"strings"
)

// NodeTransport routes frames for stores hosted by this node through the
// memory network and everything else through the remote transport.
type NodeTransport struct {
	nodeID string
	local  *MemoryNetwork
	remote Transport
}

func NewNodeTransport(nodeID string, local *MemoryNetwork, remote Transport) *NodeTransport {
	return &NodeTransport{
		nodeID: nodeID,
		local:  local,
		remote: remote,
	}
}

func (transport *NodeTransport) IsLocal(storeID string) bool {
	return storeID == transport.nodeID || strings.HasPrefix(storeID, transport.nodeID+StoreSeparator)
}

func (transport *NodeTransport) Send(ctx context.Context, from string, to string, frame []byte) error {
	if transport.IsLocal(to) || transport.remote == nil {
		return transport.local.Send(ctx, from, to, frame)
	}

	return transport.remote.Send(ctx, from, to, frame)
}
