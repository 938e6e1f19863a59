package server

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
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/executor"
	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/meshbase"
	. "github.com/PelionIoT/meshbase/probe"
	. "github.com/PelionIoT/meshbase/routes"
	. "github.com/PelionIoT/meshbase/schema"
	. "github.com/PelionIoT/meshbase/shared"
	. "github.com/PelionIoT/meshbase/storage"
	. "github.com/PelionIoT/meshbase/transport"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

var (
	storePrefix   = []byte{0}
	shadowsPrefix = []byte{1}
)

// Server hosts one store, the shadow stores of its probe scheduler and the
// HTTP endpoints used by operators and by other nodes.
type Server struct {
	config           ServerConfig
	httpServer       *http.Server
	listener         net.Listener
	storageDriver    StorageDriver
	network          *MemoryNetwork
	httpTransport    *HTTPTransport
	hub              *WebSocketHub
	executor         *TimerExecutor
	store            *MeshBase
	scheduler        *Scheduler
	garbageCollector *GarbageCollector
	router           *mux.Router
	stopOnce         sync.Once
}

func NewServer(serverConfig ServerConfig) (*Server, error) {
	server := &Server{
		config:        serverConfig,
		storageDriver: NewLevelDBStorageDriver(serverConfig.DBFile, nil),
		network:       NewMemoryNetwork(),
		executor:      NewTimerExecutor(),
	}

	err := server.storageDriver.Open()

	if err != nil {
		if err != ECorrupted {
			Log.Errorf("Error creating server: %v", err.Error())

			return nil, err
		}

		Log.Error("Database is corrupted. Attempting automatic recovery now...")

		if recoverError := server.recover(); recoverError != nil {
			Log.Critical("Database daemon will now exit")

			return nil, EStorage
		}

		Log.Info("Database recovery successful!")
	}

	var registry *Registry

	if serverConfig.SchemaFile != "" {
		registry, err = LoadRegistry(serverConfig.SchemaFile)

		if err != nil {
			Log.Errorf("Unable to load schema %s: %v", serverConfig.SchemaFile, err)

			server.executor.Shutdown()
			server.storageDriver.Close()

			return nil, err
		}
	}

	var remote Transport

	if serverConfig.Transport == TransportWebSocket {
		server.hub = NewWebSocketHub(serverConfig.StoreID, server.network)
		remote = server.hub
	} else {
		server.httpTransport = NewHTTPTransport(server.network)
		remote = server.httpTransport
	}

	for _, peerAddress := range serverConfig.Peers {
		if server.hub != nil {
			server.hub.AddPeer(peerAddress)
		} else {
			server.httpTransport.AddPeer(peerAddress)
		}
	}

	nodeTransport := NewNodeTransport(serverConfig.StoreID, server.network, remote)

	server.store, err = Open(MeshBaseConfig{
		StoreID:        serverConfig.StoreID,
		StorageDriver:  NewPrefixedStorageDriver(storePrefix, server.storageDriver),
		Transport:      nodeTransport,
		Executor:       server.executor,
		Endpoint:       serverConfig.Endpoint,
		ForwardTimeout: serverConfig.ForwardTimeout,
		JournalLimit:   serverConfig.JournalLimit,
		Schema:         registry,
	})

	if err != nil {
		Log.Errorf("Unable to open store %s: %v", serverConfig.StoreID, err)

		server.executor.Shutdown()
		server.storageDriver.Close()

		return nil, err
	}

	server.network.Register(serverConfig.StoreID, server.store)

	probes := NewProbeDirectory()
	probes.Register(YAMLFilePrefix, &YAMLFileProbe{DefaultDelay: serverConfig.Probes.FileDelay})

	server.scheduler = NewScheduler(SchedulerConfig{
		NodeID:          serverConfig.StoreID,
		StorageDriver:   NewPrefixedStorageDriver(shadowsPrefix, server.storageDriver),
		Network:         server.network,
		Transport:       nodeTransport,
		Probes:          probes,
		Endpoint:        serverConfig.Endpoint,
		ForwardTimeout:  serverConfig.ForwardTimeout,
		JournalLimit:    serverConfig.JournalLimit,
		Schema:          registry,
		TTLIfUnneeded:   serverConfig.Probes.TTLIfUnneeded,
		RandomVariation: serverConfig.Probes.RandomVariation,
		FailureDelay:    serverConfig.Probes.FailureDelay,
		RunTimeout:      serverConfig.Probes.RunTimeout,
	})

	// Frames addressed to a shadow that is persisted but not open yet bring
	// it back
	server.network.SetResolver(server.scheduler.Resolve)

	// Shadows persisted by a previous run are reopened and rescheduled
	if err := server.scheduler.Start(server.executor); err != nil {
		Log.Errorf("Unable to start the probe scheduler: %v", err)

		server.scheduler.Close()
		server.store.Close()
		server.executor.Shutdown()
		server.storageDriver.Close()

		return nil, err
	}

	gcInterval := serverConfig.Probes.GCInterval

	if gcInterval <= 0 {
		gcInterval = time.Minute
	}

	server.garbageCollector = NewGarbageCollector(server.scheduler, gcInterval)
	server.router = server.newRouter()

	return server, nil
}

func (server *Server) recover() error {
	recoverError := server.storageDriver.Recover()

	if recoverError != nil {
		Log.Criticalf("Unable to recover corrupted database. Reason: %v", recoverError.Error())

		return EStorage
	}

	return nil
}

func (server *Server) newRouter() *mux.Router {
	r := mux.NewRouter()

	if server.hub != nil {
		server.hub.Attach(r)
	} else {
		server.httpTransport.Attach(r)
	}

	objectsEndpoint := &ObjectsEndpoint{MeshFacade: server}
	objectsEndpoint.Attach(r)

	proxiesEndpoint := &ProxiesEndpoint{MeshFacade: server}
	proxiesEndpoint.Attach(r)

	shadowsEndpoint := &ShadowsEndpoint{MeshFacade: server}
	shadowsEndpoint.Attach(r)

	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)

	return r
}

func (server *Server) Port() int {
	return server.config.Port
}

func (server *Server) Store() *MeshBase {
	return server.store
}

func (server *Server) Scheduler() *Scheduler {
	return server.scheduler
}

// Handler exposes the router so tests can serve it without a listener.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (server *Server) Start() error {
	for _, source := range server.config.Probes.Sources {
		if _, err := server.scheduler.ObtainFor(context.Background(), source); err != nil {
			Log.Warningf("Unable to obtain a shadow for %s: %v", source, err)
		}
	}

	server.garbageCollector.Start()

	server.httpServer = &http.Server{
		Handler:      server.router,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	listener, err := net.Listen("tcp", "0.0.0.0:"+strconv.Itoa(server.Port()))

	if err != nil {
		Log.Errorf("Error listening on port: %d", server.Port())

		server.Stop()

		return err
	}

	if server.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, server.config.MaxConnections)
	}

	server.listener = listener

	if server.hub != nil {
		for _, peerAddress := range server.hub.Peers() {
			if err := server.hub.Connect(peerAddress.NodeID); err != nil {
				Log.Warningf("Unable to connect to node %s: %v", peerAddress.NodeID, err)
			}
		}
	}

	Log.Infof("Node %s listening on port %d", server.config.StoreID, server.Port())

	err = server.httpServer.Serve(server.listener)

	Log.Errorf("Node %s server shutting down. Reason: %v", server.config.StoreID, err)

	return err
}

func (server *Server) Stop() error {
	server.stopOnce.Do(func() {
		if server.listener != nil {
			server.listener.Close()
		}

		server.garbageCollector.Stop()

		if server.hub != nil {
			server.hub.Close()
		}

		server.scheduler.Close()
		server.network.Unregister(server.config.StoreID)
		server.store.Close()
		server.executor.Shutdown()
		server.storageDriver.Close()
	})

	return nil
}

// storeFor picks the shadow store an object belongs to when one is open on
// this node and the main store otherwise.
func (server *Server) storeFor(id ObjectID) *MeshBase {
	if store, ok := server.scheduler.Store(id.Store()); ok {
		return store
	}

	return server.store
}

func (server *Server) LocalStoreID() string {
	return server.store.ID()
}

func (server *Server) Objects() []ObjectID {
	return server.store.Objects()
}

func (server *Server) ObjectStatus(id ObjectID) (ObjectStatus, error) {
	store := server.storeFor(id)
	object, err := store.Get(id)

	if err != nil {
		return ObjectStatus{}, err
	}

	coordinator := store.Coordinator(id)

	return ObjectStatus{
		Object:      object,
		HasLock:     coordinator.HasLock(),
		IsHome:      coordinator.IsHome(),
		LockPartner: coordinator.LockPartner(),
		HomePartner: coordinator.HomePartner(),
		Proxies:     coordinator.ProxyPartners(),
	}, nil
}

func (server *Server) AccessLocally(ctx context.Context, partner string, id ObjectID) (*Object, error) {
	return server.store.AccessLocally(ctx, partner, id)
}

func (server *Server) ObtainLock(ctx context.Context, id ObjectID) (bool, error) {
	return server.storeFor(id).Coordinator(id).TryObtainLock(ctx)
}

func (server *Server) ObtainHome(ctx context.Context, id ObjectID) (bool, error) {
	return server.storeFor(id).Coordinator(id).TryObtainHomeReplica(ctx)
}

func (server *Server) ProxyStatuses() []ProxyStatus {
	return server.store.ProxyStatuses()
}

func (server *Server) Shadows() []ShadowStatus {
	return server.scheduler.Shadows()
}

func (server *Server) ObtainShadow(ctx context.Context, source string) (ShadowStatus, error) {
	shadow, err := server.scheduler.ObtainFor(ctx, source)

	if err != nil {
		return ShadowStatus{}, err
	}

	return shadow.Status(), nil
}

// UpdateShadow runs the probe right away. A failed run still leaves a shadow
// whose status reports the problem, so only a torn down shadow is an error.
func (server *Server) UpdateShadow(ctx context.Context, source string) (ShadowStatus, error) {
	shadow, ok := server.scheduler.Shadow(source)

	if !ok {
		return ShadowStatus{}, ENoSuchShadow
	}

	_, err := server.scheduler.DoUpdateNow(ctx, shadow)

	if err == EShadowTerminated || err == EResourceTerminated {
		return ShadowStatus{}, err
	}

	return shadow.Status(), nil
}

func (server *Server) DisableShadow(source string) error {
	shadow, ok := server.scheduler.Shadow(source)

	if !ok {
		return ENoSuchShadow
	}

	return server.scheduler.DisableFutureUpdates(shadow)
}

func (server *Server) EnableShadow(source string) error {
	shadow, ok := server.scheduler.Shadow(source)

	if !ok {
		return ENoSuchShadow
	}

	return server.scheduler.EnableFutureUpdates(shadow)
}
