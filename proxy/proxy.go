package proxy

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
	. "github.com/PelionIoT/meshbase/executor"
	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/pingpong"
	. "github.com/PelionIoT/meshbase/transport"
	. "github.com/PelionIoT/meshbase/util"
)

// Host is the store a proxy works for.
type Host interface {
	StoreID() string
	// HandleMessage is called for every message the partner sent, in the
	// order the partner sent them. Replies are handed to the host before the
	// request that is waiting for them returns.
	HandleMessage(proxy *Proxy, msg Message)
	// ProxyFailed reports messages that could not be delivered to the partner.
	ProxyFailed(proxy *Proxy, msgs []Message, err error)
	// ProxyStateChanged is called whenever the proxy snapshot changed.
	ProxyStateChanged(proxy *Proxy)
}

// Snapshot is the persistent state of a proxy. A proxy restored from a
// snapshot continues the token exchange with its partner where the saved one
// left off.
type Snapshot struct {
	PartnerStoreID    string   `json:"partnerStoreId"`
	LastSentToken     uint64   `json:"lastSentToken"`
	LastReceivedToken uint64   `json:"lastReceivedToken"`
	LastSentPayload   [][]byte `json:"lastSentPayload"`
	Outgoing          [][]byte `json:"outgoing,omitempty"`
}

type requestResult struct {
	msg Message
	err error
}

// Proxy is the channel between a local store and one partner store. It owns
// exactly one endpoint and translates between domain messages and endpoint
// payloads.
type Proxy struct {
	host         Host
	partner      string
	transport    Transport
	endpoint     *Endpoint
	requestsLock sync.Mutex
	requests     map[string]chan requestResult
	dead         bool
}

type proxySender struct {
	proxy *Proxy
}

func (sender proxySender) Send(ctx context.Context, frame []byte) error {
	return sender.proxy.transport.Send(ctx, sender.proxy.host.StoreID(), sender.proxy.partner, frame)
}

// NewProxy creates a stopped proxy. Of the two proxies connecting a pair of
// stores, the one on the store with the lower identifier holds the token
// first.
func NewProxy(host Host, partner string, transport Transport, executor Executor, config Config) *Proxy {
	proxy := &Proxy{
		host:      host,
		partner:   partner,
		transport: transport,
		requests:  make(map[string]chan requestResult),
	}

	proxy.endpoint = NewEndpoint(host.StoreID()+"->"+partner, proxySender{proxy}, executor, config, host.StoreID() < partner)
	proxy.endpoint.AddListener(proxy)

	return proxy
}

func (proxy *Proxy) Partner() string {
	return proxy.partner
}

func (proxy *Proxy) Endpoint() *Endpoint {
	return proxy.endpoint
}

func (proxy *Proxy) Start() error {
	return proxy.endpoint.Start()
}

func (proxy *Proxy) Stop() {
	proxy.endpoint.Stop()
}

// Die closes the endpoint for good. Requests still waiting for a reply fail
// with EEndpointTerminated.
func (proxy *Proxy) Die() {
	proxy.requestsLock.Lock()

	if proxy.dead {
		proxy.requestsLock.Unlock()

		return
	}

	proxy.dead = true
	waiters := proxy.requests
	proxy.requests = make(map[string]chan requestResult)
	proxy.requestsLock.Unlock()

	proxy.endpoint.Close()

	for _, waiter := range waiters {
		waiter <- requestResult{err: EEndpointTerminated}
	}

	Log.Debugf("Proxy %s to %s died", proxy.host.StoreID(), proxy.partner)
}

func (proxy *Proxy) Dead() bool {
	proxy.requestsLock.Lock()
	defer proxy.requestsLock.Unlock()

	return proxy.dead
}

// Outstanding returns the number of requests waiting for a reply.
func (proxy *Proxy) Outstanding() int {
	proxy.requestsLock.Lock()
	defer proxy.requestsLock.Unlock()

	return len(proxy.requests)
}

func (proxy *Proxy) Send(msg Message) error {
	if err := proxy.endpoint.SendAsap(msg.Encode()); err != nil {
		return err
	}

	prometheusMessages.WithLabelValues(string(msg.Type), "out").Inc()

	return nil
}

// Request sends msg and waits for the partner's reply. If ctx expires first
// the request is forgotten and ERemoteTimeout is returned; a reply that
// arrives later is still handed to the host.
func (proxy *Proxy) Request(ctx context.Context, msg Message) (Message, error) {
	msg.RequestID = RandomString()
	waiter := make(chan requestResult, 1)

	proxy.requestsLock.Lock()

	if proxy.dead {
		proxy.requestsLock.Unlock()

		return Message{}, EEndpointTerminated
	}

	proxy.requests[msg.RequestID] = waiter
	proxy.requestsLock.Unlock()

	if err := proxy.Send(msg); err != nil {
		proxy.forget(msg.RequestID)

		return Message{}, err
	}

	select {
	case result := <-waiter:
		return result.msg, result.err
	case <-ctx.Done():
		proxy.forget(msg.RequestID)
		prometheusRequestTimeouts.WithLabelValues(string(msg.Type)).Inc()

		Log.Infof("Request %s (%s) from %s to %s timed out", msg.RequestID, msg.Type, proxy.host.StoreID(), proxy.partner)

		return Message{}, ERemoteTimeout
	}
}

// Reply answers request with reply.
func (proxy *Proxy) Reply(request Message, reply Message) error {
	reply.RequestID = request.RequestID

	return proxy.Send(reply)
}

// Receive hands a frame from the partner to the endpoint.
func (proxy *Proxy) Receive(frame []byte) error {
	return proxy.endpoint.Receive(frame)
}

func (proxy *Proxy) Snapshot() Snapshot {
	state := proxy.endpoint.State()

	return Snapshot{
		PartnerStoreID:    proxy.partner,
		LastSentToken:     state.LastSentToken,
		LastReceivedToken: state.LastReceivedToken,
		LastSentPayload:   state.LastSentPayload,
		Outgoing:          state.Outgoing,
	}
}

// Restore loads a snapshot into a proxy that has not been started.
func (proxy *Proxy) Restore(snapshot Snapshot) error {
	if snapshot.PartnerStoreID != proxy.partner {
		return EInvalidMessage
	}

	return proxy.endpoint.Restore(State{
		LastSentToken:     snapshot.LastSentToken,
		LastReceivedToken: snapshot.LastReceivedToken,
		LastSentPayload:   snapshot.LastSentPayload,
		Outgoing:          snapshot.Outgoing,
	})
}

func (proxy *Proxy) forget(requestID string) chan requestResult {
	proxy.requestsLock.Lock()
	defer proxy.requestsLock.Unlock()

	waiter, ok := proxy.requests[requestID]

	if !ok {
		return nil
	}

	delete(proxy.requests, requestID)

	return waiter
}

func (proxy *Proxy) MessagesReceived(endpoint *Endpoint, token uint64, payloads [][]byte) {
	for _, payload := range payloads {
		msg, err := DecodeMessage(payload)

		if err != nil {
			Log.Warningf("Proxy %s to %s dropping undecodable message in token %d", proxy.host.StoreID(), proxy.partner, token)

			continue
		}

		prometheusMessages.WithLabelValues(string(msg.Type), "in").Inc()

		proxy.host.HandleMessage(proxy, msg)

		if msg.IsReply() {
			if waiter := proxy.forget(msg.RequestID); waiter != nil {
				waiter <- requestResult{msg: msg}
			}
		}
	}
}

func (proxy *Proxy) MessageSendingFailed(endpoint *Endpoint, payloads [][]byte, err error) {
	msgs := make([]Message, 0, len(payloads))

	for _, payload := range payloads {
		msg, decodeErr := DecodeMessage(payload)

		if decodeErr != nil {
			continue
		}

		msgs = append(msgs, msg)

		if msg.RequestID != "" && !msg.IsReply() {
			if waiter := proxy.forget(msg.RequestID); waiter != nil {
				waiter <- requestResult{err: err}
			}
		}
	}

	if proxy.Dead() {
		return
	}

	proxy.host.ProxyFailed(proxy, msgs, err)
}

func (proxy *Proxy) EndpointStateChanged(endpoint *Endpoint) {
	proxy.host.ProxyStateChanged(proxy)
}
