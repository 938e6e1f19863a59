package pingpong

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
	"encoding/json"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/executor"
	. "github.com/PelionIoT/meshbase/logging"
)

type PendingTimerKind int

const (
	TimerNone    PendingTimerKind = iota
	TimerRespond PendingTimerKind = iota
	TimerResend  PendingTimerKind = iota
	TimerRecover PendingTimerKind = iota
)

func (kind PendingTimerKind) String() string {
	switch kind {
	case TimerRespond:
		return "respond"
	case TimerResend:
		return "resend"
	case TimerRecover:
		return "recover"
	}

	return "none"
}

// Sender hands an encoded frame to the peer endpoint. A nil return means the
// transport accepted the frame, not that the peer processed it.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

type Listener interface {
	// MessagesReceived is called once per fresh token, in token order.
	MessagesReceived(endpoint *Endpoint, token uint64, payloads [][]byte)
	// MessageSendingFailed reports payloads that could not be handed to the
	// transport after the configured number of attempts, or that were still
	// queued when the endpoint was closed.
	MessageSendingFailed(endpoint *Endpoint, payloads [][]byte, err error)
	// EndpointStateChanged is called whenever the persistent part of the
	// endpoint state changed.
	EndpointStateChanged(endpoint *Endpoint)
}

// State is the persistent part of an endpoint. An endpoint restored from a
// State picks up exactly where the saved one left off.
type State struct {
	LastSentToken     uint64   `json:"lastSentToken"`
	LastReceivedToken uint64   `json:"lastReceivedToken"`
	LastSentPayload   [][]byte `json:"lastSentPayload"`
	Outgoing          [][]byte `json:"outgoing"`
}

type frame struct {
	Token    uint64   `json:"t,omitempty"`
	Payloads [][]byte `json:"p,omitempty"`
	Grab     bool     `json:"g,omitempty"`
}

// Endpoint is one side of a ping-pong channel. The two sides pass a single
// token back and forth; only the side holding the token may send payloads.
// Payloads are delivered in token order and exactly once per token.
type Endpoint struct {
	name      string
	sender    Sender
	executor  Executor
	config    Config
	initiator bool
	listeners []Listener

	mu           sync.Mutex
	deliverLock  sync.Mutex
	state        State
	running      bool
	closed       bool
	timerKind    PendingTimerKind
	task         *ScheduledTask
	generation   uint64
	sendAttempts int
	sending      bool
	delivering   bool
	grabSent     bool
	peerWaiting  bool
	failed       bool
}

// NewEndpoint creates a stopped endpoint. Exactly one of the two peers must
// be created with initiator set; it holds the token before anything has been
// exchanged.
func NewEndpoint(name string, sender Sender, executor Executor, config Config, initiator bool) *Endpoint {
	return &Endpoint{
		name:      name,
		sender:    sender,
		executor:  executor,
		config:    config.normalized(),
		initiator: initiator,
		state: State{
			LastSentPayload: [][]byte{},
			Outgoing:        [][]byte{},
		},
	}
}

func (endpoint *Endpoint) Name() string {
	return endpoint.name
}

// AddListener must be called before Start.
func (endpoint *Endpoint) AddListener(listener Listener) {
	endpoint.listeners = append(endpoint.listeners, listener)
}

func (endpoint *Endpoint) State() State {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	return copyState(endpoint.state)
}

// Restore replaces the endpoint state with a saved one. The endpoint must not
// be running.
func (endpoint *Endpoint) Restore(state State) error {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	if endpoint.closed || endpoint.running {
		return EEndpointTerminated
	}

	endpoint.state = copyState(state)

	return nil
}

func (endpoint *Endpoint) HasToken() bool {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	return endpoint.hasToken()
}

func (endpoint *Endpoint) hasToken() bool {
	if endpoint.state.LastReceivedToken > endpoint.state.LastSentToken {
		return true
	}

	return endpoint.initiator && endpoint.state.LastReceivedToken == 0 && endpoint.state.LastSentToken == 0
}

// PeerWaiting is true while the peer has asked for the token and has not
// been sent a frame since.
func (endpoint *Endpoint) PeerWaiting() bool {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	return endpoint.peerWaiting
}

// PendingTimer reports which timer, if any, is currently armed.
func (endpoint *Endpoint) PendingTimer() PendingTimerKind {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	return endpoint.timerKind
}

func (endpoint *Endpoint) Running() bool {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	return endpoint.running
}

func (endpoint *Endpoint) Start() error {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	if endpoint.closed {
		return EEndpointTerminated
	}

	if endpoint.running {
		return nil
	}

	endpoint.running = true
	endpoint.sendAttempts = 0
	endpoint.failed = false
	endpoint.grabSent = false

	if endpoint.hasToken() {
		endpoint.scheduleRespond()
	} else if endpoint.state.LastSentToken > 0 {
		endpoint.schedule(TimerRecover, endpoint.config.jitter(endpoint.config.DeltaRecover))
	}

	Log.Debugf("Endpoint %s started (lastSent=%d lastReceived=%d queued=%d)", endpoint.name, endpoint.state.LastSentToken, endpoint.state.LastReceivedToken, len(endpoint.state.Outgoing))

	return nil
}

// Stop cancels any pending timer. Sends already handed to the transport are
// not aborted but their outcome is ignored.
func (endpoint *Endpoint) Stop() {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	endpoint.stop()
}

func (endpoint *Endpoint) stop() {
	endpoint.running = false
	endpoint.cancelTimer()
}

// Close stops the endpoint for good. Payloads still waiting for the token are
// reported to the listeners as failed.
func (endpoint *Endpoint) Close() {
	endpoint.mu.Lock()

	if endpoint.closed {
		endpoint.mu.Unlock()

		return
	}

	endpoint.stop()
	endpoint.closed = true
	dropped := endpoint.state.Outgoing
	endpoint.state.Outgoing = [][]byte{}
	endpoint.mu.Unlock()

	if len(dropped) > 0 {
		for _, listener := range endpoint.listeners {
			listener.MessageSendingFailed(endpoint, dropped, EEndpointTerminated)
		}
	}
}

// SendAsap queues a payload for the next token this endpoint sends. If the
// peer holds the token it is asked to hand it back early.
func (endpoint *Endpoint) SendAsap(payload []byte) error {
	endpoint.mu.Lock()

	if endpoint.closed || !endpoint.running {
		endpoint.mu.Unlock()

		return EEndpointTerminated
	}

	queued := make([]byte, len(payload))
	copy(queued, payload)
	endpoint.state.Outgoing = append(endpoint.state.Outgoing, queued)

	grab := false

	if endpoint.hasToken() {
		if endpoint.timerKind == TimerRespond {
			endpoint.shortenRespond()
		} else if endpoint.timerKind == TimerNone && !endpoint.sending && !endpoint.delivering {
			endpoint.scheduleRespond()
		}
	} else if endpoint.failed {
		endpoint.failed = false
		endpoint.sendAttempts = 0
		endpoint.schedule(TimerResend, endpoint.config.jitter(endpoint.config.DeltaResend))
	} else if !endpoint.grabSent && !endpoint.sending {
		endpoint.grabSent = true
		grab = true
	}

	endpoint.mu.Unlock()

	endpoint.notifyStateChanged()

	if grab {
		endpoint.sendGrab()
	}

	return nil
}

// Receive processes one frame from the peer. Frames carrying a token that has
// been seen before are dropped without notifying anyone.
func (endpoint *Endpoint) Receive(encodedFrame []byte) error {
	var f frame

	if err := json.Unmarshal(encodedFrame, &f); err != nil {
		Log.Warningf("Endpoint %s received a malformed frame: %v", endpoint.name, err)

		return EInvalidMessage
	}

	endpoint.mu.Lock()

	if endpoint.closed || !endpoint.running {
		endpoint.mu.Unlock()

		return EEndpointTerminated
	}

	if f.Grab {
		endpoint.receiveGrab()
		endpoint.mu.Unlock()

		return nil
	}

	if f.Token <= endpoint.state.LastReceivedToken {
		lastReceived := endpoint.state.LastReceivedToken

		// A repeat of the newest token means the peer is still waiting
		// for our answer, either because it was lost or because it has
		// not been sent yet.
		if f.Token == lastReceived {
			endpoint.peerWaiting = true
		}

		if f.Token == lastReceived && (endpoint.timerKind == TimerRecover || (endpoint.timerKind == TimerNone && endpoint.failed)) {
			endpoint.failed = false
			endpoint.sendAttempts = 0
			endpoint.schedule(TimerResend, 0)
		} else if f.Token == lastReceived && endpoint.timerKind == TimerRespond {
			endpoint.shortenRespond()
		}

		endpoint.mu.Unlock()

		prometheusDuplicateTokens.Inc()
		Log.Debugf("Endpoint %s discarding duplicate token %d (last received %d)", endpoint.name, f.Token, lastReceived)

		return nil
	}

	endpoint.cancelTimer()
	endpoint.state.LastReceivedToken = f.Token
	endpoint.sendAttempts = 0
	endpoint.failed = false
	endpoint.grabSent = false
	endpoint.delivering = true
	endpoint.mu.Unlock()

	endpoint.notifyStateChanged()

	endpoint.deliverLock.Lock()

	if len(f.Payloads) > 0 {
		for _, listener := range endpoint.listeners {
			listener.MessagesReceived(endpoint, f.Token, f.Payloads)
		}
	}

	endpoint.deliverLock.Unlock()

	endpoint.mu.Lock()
	endpoint.delivering = false

	if endpoint.running && endpoint.timerKind == TimerNone && endpoint.hasToken() {
		endpoint.scheduleRespond()
	}

	endpoint.mu.Unlock()

	return nil
}

func (endpoint *Endpoint) receiveGrab() {
	prometheusGrabs.Inc()

	endpoint.peerWaiting = true

	if endpoint.hasToken() {
		if endpoint.timerKind == TimerRespond {
			endpoint.shortenRespond()
		}

		return
	}

	// The peer wants the token we believe it holds, so our last frame was
	// lost.
	if endpoint.timerKind == TimerRecover || (endpoint.timerKind == TimerNone && endpoint.failed) {
		endpoint.failed = false
		endpoint.sendAttempts = 0
		endpoint.schedule(TimerResend, 0)
	}
}

func (endpoint *Endpoint) scheduleRespond() {
	delta := endpoint.config.DeltaRespondNoMessage

	if len(endpoint.state.Outgoing) > 0 {
		delta = endpoint.config.DeltaRespondWithMessage
	}

	endpoint.schedule(TimerRespond, endpoint.config.jitter(delta))
}

func (endpoint *Endpoint) shortenRespond() {
	delta := endpoint.config.jitter(endpoint.config.DeltaRespondWithMessage)

	if endpoint.task != nil && time.Until(endpoint.task.FireTime()) <= delta {
		return
	}

	endpoint.schedule(TimerRespond, delta)
}

func (endpoint *Endpoint) cancelTimer() {
	endpoint.generation++

	if endpoint.task != nil {
		endpoint.task.Cancel()
		endpoint.task = nil
	}

	endpoint.timerKind = TimerNone
}

func (endpoint *Endpoint) schedule(kind PendingTimerKind, delay time.Duration) {
	endpoint.cancelTimer()

	generation := endpoint.generation
	task, err := endpoint.executor.Schedule(delay, func() {
		endpoint.fire(kind, generation)
	})

	if err != nil {
		Log.Errorf("Endpoint %s unable to schedule %s timer: %v", endpoint.name, kind, err)

		return
	}

	endpoint.task = task
	endpoint.timerKind = kind
}

func (endpoint *Endpoint) fire(kind PendingTimerKind, generation uint64) {
	endpoint.mu.Lock()

	if !endpoint.running || endpoint.generation != generation || endpoint.timerKind != kind {
		endpoint.mu.Unlock()

		return
	}

	endpoint.generation++
	endpoint.task = nil
	endpoint.timerKind = TimerNone

	if kind == TimerRespond {
		if !endpoint.hasToken() {
			endpoint.mu.Unlock()

			return
		}

		next := endpoint.state.LastReceivedToken

		if endpoint.state.LastSentToken > next {
			next = endpoint.state.LastSentToken
		}

		endpoint.state.LastSentToken = next + 1
		endpoint.state.LastSentPayload = endpoint.state.Outgoing
		endpoint.state.Outgoing = [][]byte{}
		endpoint.sendAttempts = 0
	}

	encodedFrame, _ := json.Marshal(frame{
		Token:    endpoint.state.LastSentToken,
		Payloads: endpoint.state.LastSentPayload,
	})

	token := endpoint.state.LastSentToken
	generation = endpoint.generation
	endpoint.sending = true
	endpoint.mu.Unlock()

	if kind == TimerRespond {
		endpoint.notifyStateChanged()
	}

	prometheusTokensSent.WithLabelValues(kind.String()).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), endpoint.config.SendTimeout)
	err := endpoint.sender.Send(ctx, encodedFrame)
	cancel()

	endpoint.mu.Lock()
	endpoint.sending = false

	if !endpoint.running || endpoint.generation != generation || endpoint.state.LastReceivedToken >= token {
		endpoint.mu.Unlock()

		return
	}

	if err == nil {
		endpoint.sendAttempts = 0
		endpoint.peerWaiting = false
		endpoint.schedule(TimerRecover, endpoint.config.jitter(endpoint.config.DeltaRecover))

		// Payloads queued while the token was on its way need it back
		grab := len(endpoint.state.Outgoing) > 0 && !endpoint.grabSent

		if grab {
			endpoint.grabSent = true
		}

		endpoint.mu.Unlock()

		if grab {
			endpoint.sendGrab()
		}

		return
	}

	prometheusSendFailures.Inc()
	endpoint.sendAttempts++

	if endpoint.sendAttempts < endpoint.config.MaxSendAttempts {
		Log.Warningf("Endpoint %s failed to send token %d, will resend: %v", endpoint.name, token, err)

		endpoint.schedule(TimerResend, endpoint.config.jitter(endpoint.config.DeltaResend))
		endpoint.mu.Unlock()

		return
	}

	Log.Errorf("Endpoint %s giving up on token %d after %d attempts: %v", endpoint.name, token, endpoint.sendAttempts, err)

	endpoint.failed = true
	payloads := endpoint.state.LastSentPayload
	endpoint.mu.Unlock()

	if len(payloads) > 0 {
		for _, listener := range endpoint.listeners {
			listener.MessageSendingFailed(endpoint, payloads, ETransportFailure)
		}
	}
}

func (endpoint *Endpoint) sendGrab() {
	encodedFrame, _ := json.Marshal(frame{Grab: true})

	_, err := endpoint.executor.Schedule(0, func() {
		ctx, cancel := context.WithTimeout(context.Background(), endpoint.config.SendTimeout)
		defer cancel()

		if err := endpoint.sender.Send(ctx, encodedFrame); err != nil {
			Log.Debugf("Endpoint %s could not ask for the token: %v", endpoint.name, err)
		}
	})

	if err != nil {
		Log.Warningf("Endpoint %s could not schedule a token request: %v", endpoint.name, err)
	}
}

func (endpoint *Endpoint) notifyStateChanged() {
	for _, listener := range endpoint.listeners {
		listener.EndpointStateChanged(endpoint)
	}
}

func copyState(state State) State {
	return State{
		LastSentToken:     state.LastSentToken,
		LastReceivedToken: state.LastReceivedToken,
		LastSentPayload:   copyPayloads(state.LastSentPayload),
		Outgoing:          copyPayloads(state.Outgoing),
	}
}

func copyPayloads(payloads [][]byte) [][]byte {
	result := make([][]byte, len(payloads))

	for i, payload := range payloads {
		result[i] = make([]byte, len(payload))
		copy(result[i], payload)
	}

	return result
}
