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
	"net/http"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	WebSocketEndpoint          = "/mesh/ws"
	RECONNECT_WAIT_MAX_SECONDS = 32
	WRITE_WAIT_SECONDS         = 10
	PONG_WAIT_SECONDS          = 60
	PING_PERIOD_SECONDS        = 40
)

type envelope struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Frame []byte `json:"frame"`
}

type wsPeer struct {
	nodeID     string
	connection *websocket.Conn
	closed     bool
	closeChan  chan bool
	csLock     sync.Mutex
}

func newWSPeer(nodeID string) *wsPeer {
	return &wsPeer{
		nodeID:    nodeID,
		closeChan: make(chan bool, 1),
	}
}

func (peer *wsPeer) write(e envelope) error {
	peer.csLock.Lock()
	defer peer.csLock.Unlock()

	if peer.closed || peer.connection == nil {
		return ETransportFailure
	}

	peer.connection.SetWriteDeadline(time.Now().Add(time.Second * WRITE_WAIT_SECONDS))

	if err := peer.connection.WriteJSON(e); err != nil {
		Log.Errorf("Error writing to websocket for peer %s: %v", peer.nodeID, err)

		return ETransportFailure
	}

	return nil
}

func (peer *wsPeer) ping() error {
	peer.csLock.Lock()
	defer peer.csLock.Unlock()

	if peer.closed || peer.connection == nil {
		return ETransportFailure
	}

	peer.connection.SetWriteDeadline(time.Now().Add(time.Second * WRITE_WAIT_SECONDS))

	return peer.connection.WriteMessage(websocket.PingMessage, []byte{})
}

func (peer *wsPeer) close(closeCode int) {
	peer.csLock.Lock()
	defer peer.csLock.Unlock()

	if peer.closed {
		return
	}

	peer.closed = true
	peer.closeChan <- true

	if peer.connection != nil {
		peer.connection.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""))
		peer.connection.Close()
	}
}

// WebSocketHub keeps one websocket per remote node and multiplexes the frames
// of every store pair between the two nodes over it. Either side may dial;
// the first connection registered for a node wins.
type WebSocketHub struct {
	*PeerTable
	nodeID      string
	local       *MemoryNetwork
	dialer      *websocket.Dialer
	upgrader    websocket.Upgrader
	peerMapLock sync.Mutex
	peerMap     map[string]*wsPeer
	wg          sync.WaitGroup
}

func NewWebSocketHub(nodeID string, local *MemoryNetwork) *WebSocketHub {
	return &WebSocketHub{
		PeerTable: NewPeerTable(),
		nodeID:    nodeID,
		local:     local,
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Second * RequestTimeoutSeconds,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		peerMap: make(map[string]*wsPeer),
	}
}

func (hub *WebSocketHub) Send(ctx context.Context, from string, to string, frame []byte) error {
	nodeID := NodeOf(to)

	hub.peerMapLock.Lock()
	peer, ok := hub.peerMap[nodeID]
	hub.peerMapLock.Unlock()

	if !ok {
		if _, known := hub.Lookup(to); !known {
			return EReceiverUnknown
		}

		return ETransportFailure
	}

	if err := ctx.Err(); err != nil {
		return ERemoteTimeout
	}

	return peer.write(envelope{From: from, To: to, Frame: frame})
}

// Connected reports whether a websocket to the node is currently open.
func (hub *WebSocketHub) Connected(nodeID string) bool {
	hub.peerMapLock.Lock()
	defer hub.peerMapLock.Unlock()

	peer, ok := hub.peerMap[nodeID]

	if !ok {
		return false
	}

	peer.csLock.Lock()
	defer peer.csLock.Unlock()

	return peer.connection != nil && !peer.closed
}

func (hub *WebSocketHub) Attach(router *mux.Router) {
	router.HandleFunc(WebSocketEndpoint, func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.URL.Query().Get("node")

		if _, ok := hub.Lookup(nodeID); !ok {
			Log.Warningf("GET %s: Node %s is not known by this node", WebSocketEndpoint, nodeID)

			w.WriteHeader(http.StatusForbidden)

			return
		}

		connection, err := hub.upgrader.Upgrade(w, r, nil)

		if err != nil {
			Log.Warningf("GET %s: Unable to upgrade connection from %s: %v", WebSocketEndpoint, nodeID, err)

			return
		}

		peer := newWSPeer(nodeID)
		peer.connection = connection

		if !hub.register(peer) {
			Log.Debugf("Already connected to %s. Dropping incoming connection", nodeID)

			closeWSConnection(connection)

			return
		}

		Log.Infof("Accepted connection from node %s", nodeID)

		hub.wg.Add(1)

		go func() {
			defer hub.wg.Done()

			hub.serve(peer)
			hub.unregister(peer)
		}()
	}).Methods("GET")
}

// Connect dials the node and keeps redialing with exponential backoff until
// Disconnect or Close is called.
func (hub *WebSocketHub) Connect(nodeID string) error {
	peerAddress, ok := hub.Lookup(nodeID)

	if !ok {
		return EReceiverUnknown
	}

	peer := newWSPeer(nodeID)

	if !hub.register(peer) {
		return nil
	}

	hub.wg.Add(1)

	go func() {
		defer hub.wg.Done()
		defer hub.unregister(peer)

		for {
			if !hub.dial(peer, peerAddress) {
				return
			}

			Log.Infof("Connected to node %s", nodeID)

			hub.serve(peer)

			peer.csLock.Lock()
			closed := peer.closed
			peer.connection = nil
			peer.csLock.Unlock()

			if closed {
				Log.Infof("Disconnected from node %s", nodeID)

				return
			}

			Log.Infof("Disconnected from node %s. Reconnecting...", nodeID)
		}
	}()

	return nil
}

func (hub *WebSocketHub) dial(peer *wsPeer, peerAddress PeerAddress) bool {
	reconnectWaitSeconds := 1

	for {
		conn, _, err := hub.dialer.Dial(peerAddress.ToWSURL(WebSocketEndpoint+"?node="+hub.nodeID), nil)

		if err == nil {
			peer.csLock.Lock()
			defer peer.csLock.Unlock()

			if peer.closed {
				closeWSConnection(conn)

				return false
			}

			peer.connection = conn

			return true
		}

		Log.Warningf("Unable to connect to node %s at %s on port %d: %v. Reconnecting in %ds...", peer.nodeID, peerAddress.Host, peerAddress.Port, err, reconnectWaitSeconds)

		select {
		case <-time.After(time.Second * time.Duration(reconnectWaitSeconds)):
		case <-peer.closeChan:
			Log.Debugf("Cancelled connection retry sequence for %s", peer.nodeID)

			return false
		}

		if reconnectWaitSeconds != RECONNECT_WAIT_MAX_SECONDS {
			reconnectWaitSeconds *= 2
		}
	}
}

// serve reads frames until the connection breaks.
func (hub *WebSocketHub) serve(peer *wsPeer) {
	connection := peer.connection
	done := make(chan bool)

	go func() {
		pingTicker := time.NewTicker(time.Second * PING_PERIOD_SECONDS)
		defer pingTicker.Stop()

		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := peer.ping(); err != nil {
					Log.Errorf("Unable to send ping to node %s: %v", peer.nodeID, err)
				}
			}
		}
	}()

	defer close(done)

	connection.SetReadDeadline(time.Now().Add(time.Second * PONG_WAIT_SECONDS))
	connection.SetPongHandler(func(string) error {
		connection.SetReadDeadline(time.Now().Add(time.Second * PONG_WAIT_SECONDS))

		return nil
	})

	for {
		var e envelope

		if err := connection.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				Log.Infof("Received a normal websocket close message from node %s", peer.nodeID)
			} else {
				Log.Warningf("Connection to node %s broke: %v", peer.nodeID, err)
			}

			return
		}

		if NodeOf(e.From) != peer.nodeID {
			Log.Warningf("Node %s sent a frame on behalf of %s. Dropping it", peer.nodeID, e.From)

			continue
		}

		if err := hub.local.Deliver(e.From, e.To, e.Frame); err != nil {
			Log.Debugf("Store %s unable to receive frame from %s: %v", e.To, e.From, err)
		}
	}
}

func (hub *WebSocketHub) Disconnect(nodeID string) {
	hub.peerMapLock.Lock()
	peer, ok := hub.peerMap[nodeID]
	hub.peerMapLock.Unlock()

	if ok {
		peer.close(websocket.CloseNormalClosure)
	}
}

// Close disconnects every node and waits for connection goroutines to exit.
func (hub *WebSocketHub) Close() {
	hub.peerMapLock.Lock()
	peers := make([]*wsPeer, 0, len(hub.peerMap))

	for _, peer := range hub.peerMap {
		peers = append(peers, peer)
	}

	hub.peerMapLock.Unlock()

	for _, peer := range peers {
		peer.close(websocket.CloseNormalClosure)
	}

	hub.wg.Wait()
}

func (hub *WebSocketHub) register(peer *wsPeer) bool {
	hub.peerMapLock.Lock()
	defer hub.peerMapLock.Unlock()

	if _, ok := hub.peerMap[peer.nodeID]; ok {
		return false
	}

	Log.Debugf("Register node %s", peer.nodeID)
	hub.peerMap[peer.nodeID] = peer

	return true
}

func (hub *WebSocketHub) unregister(peer *wsPeer) {
	hub.peerMapLock.Lock()
	defer hub.peerMapLock.Unlock()

	if hub.peerMap[peer.nodeID] == peer {
		Log.Debugf("Unregister node %s", peer.nodeID)

		delete(hub.peerMap, peer.nodeID)
	}
}

func closeWSConnection(conn *websocket.Conn) {
	done := make(chan bool)

	go func() {
		defer close(done)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err == nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	conn.Close()
}
