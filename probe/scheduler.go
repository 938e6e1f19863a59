package probe

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
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/executor"
	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/meshbase"
	"github.com/PelionIoT/meshbase/pingpong"
	. "github.com/PelionIoT/meshbase/schema"
	. "github.com/PelionIoT/meshbase/storage"
	. "github.com/PelionIoT/meshbase/transport"
	. "github.com/PelionIoT/meshbase/util"

	"github.com/google/uuid"
)

var (
	RECORDS_PREFIX = []byte{'r'}
	SHADOWS_PREFIX = []byte{'s'}
)

const (
	DefaultTTLIfUnneeded = time.Minute * 10
	DefaultFailureDelay  = time.Second * 30
)

type SchedulerConfig struct {
	NodeID string
	// StorageDriver must already be open. Shadow records and the data of
	// every shadow store live under their own prefixes.
	StorageDriver StorageDriver
	// Network is where shadow stores are registered so partners can reach
	// them. Transport defaults to Network.
	Network        *MemoryNetwork
	Transport      Transport
	Probes         *ProbeDirectory
	Endpoint       pingpong.Config
	ForwardTimeout time.Duration
	JournalLimit   uint64
	Schema         *Registry
	// TTLIfUnneeded is how long a shadow that no other store replicates is
	// kept around.
	TTLIfUnneeded time.Duration
	// RandomVariation stretches every scheduled run by up to this fraction
	// of its delay.
	RandomVariation float64
	// FailureDelay replaces a zero delay returned by a failed run.
	FailureDelay time.Duration
	// RunTimeout bounds one probe run. Zero means unbounded.
	RunTimeout time.Duration
}

type shadowRecord struct {
	Source          string `json:"source"`
	StoreID         string `json:"store"`
	Created         int64  `json:"created"`
	TTLIfUnneeded   int64  `json:"ttlIfUnneeded"`
	NextUpdateDelay int64  `json:"nextUpdateDelay"`
	LastRun         int64  `json:"lastRun"`
	LastNeeded      int64  `json:"lastNeeded"`
	Problem         string `json:"problem"`
	Disabled        bool   `json:"disabled"`
}

type ShadowStatus struct {
	Source          string     `json:"source"`
	StoreID         string     `json:"store"`
	Created         time.Time  `json:"created"`
	LastRun         time.Time  `json:"lastRun"`
	NextUpdateDelay int64      `json:"nextUpdateDelayMs"`
	NextRun         *time.Time `json:"nextRun,omitempty"`
	Problem         string     `json:"problem"`
	Disabled        bool       `json:"disabled"`
	Needed          bool       `json:"needed"`
	Objects         int        `json:"objects"`
	Runs            uint64     `json:"runs"`
}

// Shadow is a local store that mirrors one external source.
type Shadow struct {
	source     string
	storeID    string
	store      *MeshBase
	storage    StorageDriver
	probe      Probe
	record     shadowRecord
	task       *ScheduledTask
	runs       uint64
	terminated bool
	lock       sync.Mutex
	runLock    sync.Mutex
}

func (shadow *Shadow) Source() string {
	return shadow.source
}

func (shadow *Shadow) StoreID() string {
	return shadow.storeID
}

func (shadow *Shadow) Store() *MeshBase {
	return shadow.store
}

// Needed is true while another store replicates one of the shadow's
// objects.
func (shadow *Shadow) Needed() bool {
	return shadow.store.IsReplicatedElsewhere()
}

func (shadow *Shadow) Problem() string {
	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	return shadow.record.Problem
}

func (shadow *Shadow) NextUpdateDelay() time.Duration {
	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	return fromMillis(shadow.record.NextUpdateDelay)
}

func (shadow *Shadow) IsDisabled() bool {
	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	return shadow.record.Disabled
}

func (shadow *Shadow) IsTerminated() bool {
	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	return shadow.terminated
}

func (shadow *Shadow) HasPendingRun() bool {
	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	return shadow.task != nil && shadow.task.Pending()
}

func (shadow *Shadow) Runs() uint64 {
	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	return shadow.runs
}

func (shadow *Shadow) Status() ShadowStatus {
	needed := shadow.Needed()
	objects := len(shadow.store.Objects())

	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	status := ShadowStatus{
		Source:          shadow.source,
		StoreID:         shadow.storeID,
		Created:         fromTimestamp(shadow.record.Created),
		LastRun:         fromTimestamp(shadow.record.LastRun),
		NextUpdateDelay: shadow.record.NextUpdateDelay,
		Problem:         shadow.record.Problem,
		Disabled:        shadow.record.Disabled,
		Needed:          needed,
		Objects:         objects,
		Runs:            shadow.runs,
	}

	if shadow.task != nil && shadow.task.Pending() {
		nextRun := shadow.task.FireTime()
		status.NextRun = &nextRun
	}

	return status
}

func (shadow *Shadow) cancelRun() {
	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	if shadow.task != nil {
		shadow.task.Cancel()
		shadow.task = nil
	}
}

func (shadow *Shadow) probeState() ProbeState {
	objects := make(map[string]*Object)

	for _, id := range shadow.store.Objects() {
		if id.Store() != shadow.storeID {
			continue
		}

		if object, err := shadow.store.Get(id); err == nil {
			objects[id.Local()] = object
		}
	}

	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	return ProbeState{
		Source:  shadow.source,
		StoreID: shadow.storeID,
		Objects: objects,
		LastRun: fromTimestamp(shadow.record.LastRun),
		Problem: shadow.record.Problem,
	}
}

// merge makes the shadow store contain exactly the given objects. Objects
// whose lock another store obtained are left alone.
func (shadow *Shadow) merge(ctx context.Context, objects []*Object) error {
	desired := make(map[ObjectID]*Object, len(objects))

	for _, object := range objects {
		localized := localizeObject(shadow.storeID, object)

		if localized.ID.Store() != shadow.storeID {
			Log.Warningf("Probe for %s returned object %s from another namespace. Ignoring it.", shadow.source, localized.ID)

			continue
		}

		desired[localized.ID] = localized
	}

	ids := make([]ObjectID, 0, len(desired))

	for id := range desired {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	_, err := shadow.store.Update(ctx, func(tx *Transaction) error {
		for _, id := range ids {
			if _, err := tx.Get(id); err == nil && !shadow.store.Coordinator(id).HasLock() {
				Log.Debugf("Shadow %s leaves %s alone since its lock is held by %s", shadow.storeID, id, shadow.store.Coordinator(id).LockPartner())

				continue
			}

			if err := tx.Put(desired[id]); err != nil {
				return err
			}
		}

		for _, id := range shadow.store.Objects() {
			if _, ok := desired[id]; ok || id.Store() != shadow.storeID {
				continue
			}

			if !shadow.store.Coordinator(id).HasLock() {
				continue
			}

			if err := tx.Delete(id); err != nil {
				return err
			}
		}

		return nil
	})

	return err
}

// ShadowStoreID derives the identifier of the store that shadows source on
// the given node. The same source always maps to the same store.
func ShadowStoreID(nodeID string, source string) string {
	hash := strings.Replace(uuid.NewSHA1(uuid.NameSpaceURL, []byte(source)).String(), "-", "", -1)

	return nodeID + StoreSeparator + "shadow-" + hash
}

// Scheduler owns the shadows of one node. It runs each shadow's probe on the
// delay the probe asked for and tears shadows down once nobody needs them.
type Scheduler struct {
	config      SchedulerConfig
	records     StorageDriver
	shadows     map[string]*Shadow
	stores      map[string]*Shadow
	executor    Executor
	lock        sync.Mutex
	sourceLocks *MultiLock
	lifecycle   RWTryLock
	closed      bool
}

func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.TTLIfUnneeded <= 0 {
		config.TTLIfUnneeded = DefaultTTLIfUnneeded
	}

	if config.FailureDelay <= 0 {
		config.FailureDelay = DefaultFailureDelay
	}

	if config.Probes == nil {
		config.Probes = NewProbeDirectory()
	}

	if config.Network == nil {
		config.Network = NewMemoryNetwork()
	}

	if config.Transport == nil {
		config.Transport = config.Network
	}

	return &Scheduler{
		config:      config,
		records:     NewPrefixedStorageDriver(RECORDS_PREFIX, config.StorageDriver),
		shadows:     make(map[string]*Shadow),
		stores:      make(map[string]*Shadow),
		sourceLocks: NewMultiLock(),
	}
}

func (scheduler *Scheduler) Probes() *ProbeDirectory {
	return scheduler.config.Probes
}

func (scheduler *Scheduler) currentExecutor() Executor {
	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()

	return scheduler.executor
}

// Start reopens every persisted shadow and schedules its next run from the
// delay recorded by its last run. A shadow that cannot be reopened is
// logged and skipped.
func (scheduler *Scheduler) Start(executor Executor) error {
	if executor == nil {
		return EExecutorStopped
	}

	if !scheduler.lifecycle.TryRLock() {
		return EResourceTerminated
	}

	defer scheduler.lifecycle.RUnlock()

	scheduler.lock.Lock()
	scheduler.executor = executor
	scheduler.lock.Unlock()

	records, err := scheduler.loadRecords()

	if err != nil {
		return err
	}

	for _, record := range records {
		if _, err := scheduler.obtain(context.Background(), record.Source, record); err != nil {
			Log.Warningf("Unable to restart shadow %s for %s: %v", record.StoreID, record.Source, err)

			continue
		}
	}

	Log.Infof("Probe scheduler started with %d shadows", len(scheduler.Shadows()))

	return nil
}

// Stop cancels every pending run. Shadows stay open and reachable.
func (scheduler *Scheduler) Stop() {
	scheduler.lock.Lock()
	scheduler.executor = nil
	shadows := scheduler.all()
	scheduler.lock.Unlock()

	for _, shadow := range shadows {
		shadow.cancelRun()
	}
}

// Close stops the scheduler, waits for running probes and closes every
// shadow store. Persisted shadows are reopened by the next Start.
func (scheduler *Scheduler) Close() {
	scheduler.lock.Lock()

	if scheduler.closed {
		scheduler.lock.Unlock()

		return
	}

	scheduler.closed = true
	scheduler.lock.Unlock()

	scheduler.Stop()
	scheduler.lifecycle.WLock()

	scheduler.lock.Lock()
	shadows := scheduler.all()
	scheduler.shadows = make(map[string]*Shadow)
	scheduler.stores = make(map[string]*Shadow)
	scheduler.lock.Unlock()

	for _, shadow := range shadows {
		shadow.lock.Lock()
		shadow.terminated = true
		shadow.lock.Unlock()

		scheduler.config.Network.Unregister(shadow.storeID)
		shadow.store.Close()
		prometheusShadows.Dec()
	}
}

func (scheduler *Scheduler) all() []*Shadow {
	shadows := make([]*Shadow, 0, len(scheduler.shadows))

	for _, shadow := range scheduler.shadows {
		shadows = append(shadows, shadow)
	}

	sort.Slice(shadows, func(i, j int) bool { return shadows[i].source < shadows[j].source })

	return shadows
}

// ObtainFor returns the shadow of source, creating it and running its probe
// once if it did not exist yet.
func (scheduler *Scheduler) ObtainFor(ctx context.Context, source string) (*Shadow, error) {
	if !scheduler.lifecycle.TryRLock() {
		return nil, EResourceTerminated
	}

	defer scheduler.lifecycle.RUnlock()

	return scheduler.obtain(ctx, source, nil)
}

func (scheduler *Scheduler) obtain(ctx context.Context, source string, record *shadowRecord) (*Shadow, error) {
	scheduler.sourceLocks.Lock([]byte(source))
	defer scheduler.sourceLocks.Unlock([]byte(source))

	if shadow, ok := scheduler.Shadow(source); ok {
		return shadow, nil
	}

	executor := scheduler.currentExecutor()

	if executor == nil {
		return nil, ESchedulerStopped
	}

	probe, err := scheduler.config.Probes.Find(source)

	if err != nil {
		return nil, err
	}

	storeID := ShadowStoreID(scheduler.config.NodeID, source)

	if record == nil {
		record, err = scheduler.loadRecord(storeID)

		if err != nil {
			return nil, err
		}
	}

	fresh := record == nil

	if fresh {
		now := timestamp(time.Now())
		record = &shadowRecord{
			Source:        source,
			StoreID:       storeID,
			Created:       now,
			TTLIfUnneeded: millis(scheduler.config.TTLIfUnneeded),
			LastNeeded:    now,
		}
	}

	shadow, err := scheduler.open(*record, probe, executor)

	if err != nil {
		return nil, err
	}

	if fresh {
		if err := scheduler.persist(shadow); err != nil {
			scheduler.teardown(shadow)

			return nil, err
		}

		Log.Infof("Created shadow %s for %s", storeID, source)

		if _, err := scheduler.doUpdate(ctx, shadow); err == EShadowTerminated || err == EResourceTerminated {
			return nil, err
		}

		return shadow, nil
	}

	if !record.Disabled && record.NextUpdateDelay >= 0 {
		remaining := fromTimestamp(record.LastRun).Add(fromMillis(record.NextUpdateDelay)).Sub(time.Now())

		if record.LastRun == 0 || remaining < 0 {
			remaining = 0
		}

		scheduler.reschedule(shadow, remaining)
	}

	return shadow, nil
}

func (scheduler *Scheduler) open(record shadowRecord, probe Probe, executor Executor) (*Shadow, error) {
	storage := NewPrefixedStorageDriver(shadowPrefix(record.StoreID), scheduler.config.StorageDriver)

	store, err := Open(MeshBaseConfig{
		StoreID:        record.StoreID,
		StorageDriver:  storage,
		Transport:      scheduler.config.Transport,
		Executor:       executor,
		Endpoint:       scheduler.config.Endpoint,
		ForwardTimeout: scheduler.config.ForwardTimeout,
		JournalLimit:   scheduler.config.JournalLimit,
		Schema:         scheduler.config.Schema,
	})

	if err != nil {
		Log.Errorf("Unable to open shadow store %s for %s: %v", record.StoreID, record.Source, err)

		return nil, err
	}

	shadow := &Shadow{
		source:  record.Source,
		storeID: record.StoreID,
		store:   store,
		storage: storage,
		probe:   probe,
		record:  record,
	}

	scheduler.lock.Lock()
	scheduler.shadows[shadow.source] = shadow
	scheduler.stores[shadow.storeID] = shadow
	scheduler.lock.Unlock()

	scheduler.config.Network.Register(shadow.storeID, store)
	prometheusShadows.Inc()

	return shadow, nil
}

func (scheduler *Scheduler) Shadow(source string) (*Shadow, bool) {
	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()

	shadow, ok := scheduler.shadows[source]

	return shadow, ok
}

// Store returns the shadow store with the given identifier if it is open.
func (scheduler *Scheduler) Store(storeID string) (*MeshBase, bool) {
	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()

	shadow, ok := scheduler.stores[storeID]

	if !ok {
		return nil, false
	}

	return shadow.store, true
}

// Resolve opens a persisted shadow that a partner addresses before it was
// reopened. It is meant to be installed as the resolver of the network.
func (scheduler *Scheduler) Resolve(storeID string) (Receiver, error) {
	if store, ok := scheduler.Store(storeID); ok {
		return store, nil
	}

	if !scheduler.lifecycle.TryRLock() {
		return nil, EReceiverUnknown
	}

	defer scheduler.lifecycle.RUnlock()

	record, err := scheduler.loadRecord(storeID)

	if err != nil || record == nil {
		return nil, EReceiverUnknown
	}

	shadow, err := scheduler.obtain(context.Background(), record.Source, record)

	if err != nil {
		return nil, EReceiverUnknown
	}

	return shadow.store, nil
}

func (scheduler *Scheduler) Shadows() []ShadowStatus {
	scheduler.lock.Lock()
	shadows := scheduler.all()
	scheduler.lock.Unlock()

	statuses := make([]ShadowStatus, 0, len(shadows))

	for _, shadow := range shadows {
		statuses = append(statuses, shadow.Status())
	}

	return statuses
}

// DoUpdateNow cancels the shadow's pending run, runs its probe and merges
// the result into the shadow store. It returns the delay the probe asked
// for and schedules the next run after it unless the delay is negative or
// future updates are disabled. A failed run is recorded as the shadow's
// problem and does not stop the schedule. A probe that reports
// EShadowTerminated tears the shadow down.
func (scheduler *Scheduler) DoUpdateNow(ctx context.Context, shadow *Shadow) (time.Duration, error) {
	if !scheduler.lifecycle.TryRLock() {
		return NeverUpdate, EResourceTerminated
	}

	defer scheduler.lifecycle.RUnlock()

	return scheduler.doUpdate(ctx, shadow)
}

func (scheduler *Scheduler) doUpdate(ctx context.Context, shadow *Shadow) (time.Duration, error) {
	shadow.runLock.Lock()
	defer shadow.runLock.Unlock()

	if shadow.IsTerminated() {
		return NeverUpdate, EResourceTerminated
	}

	shadow.cancelRun()

	runCtx := ctx

	if scheduler.config.RunTimeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, scheduler.config.RunTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := shadow.probe.Run(runCtx, shadow.probeState())

	if err == nil {
		err = shadow.merge(ctx, result.Objects)
	}

	prometheusRunDuration.Observe(time.Since(started).Seconds())

	if err == EShadowTerminated {
		prometheusRuns.WithLabelValues("terminated").Inc()
		Log.Infof("Source %s of shadow %s is gone. Tearing the shadow down.", shadow.source, shadow.storeID)

		scheduler.teardown(shadow)

		return NeverUpdate, err
	}

	delay := result.NextUpdateDelay

	if err != nil {
		prometheusRuns.WithLabelValues("failed").Inc()
		Log.Warningf("Probe run for %s failed: %v", shadow.source, err)

		if delay == 0 {
			delay = scheduler.config.FailureDelay
		}
	} else {
		prometheusRuns.WithLabelValues("succeeded").Inc()
	}

	now := time.Now()
	needed := shadow.Needed()

	shadow.lock.Lock()
	shadow.runs++
	shadow.record.LastRun = timestamp(now)
	shadow.record.NextUpdateDelay = millis(delay)

	if delay < 0 {
		shadow.record.NextUpdateDelay = -1
	}

	if err != nil {
		shadow.record.Problem = err.Error()
	} else {
		shadow.record.Problem = ""
	}

	if needed {
		shadow.record.LastNeeded = timestamp(now)
	}

	expired := !needed && now.Sub(fromTimestamp(shadow.record.LastNeeded)) >= fromMillis(shadow.record.TTLIfUnneeded)
	shadow.lock.Unlock()

	if expired {
		Log.Infof("Shadow %s has not been needed for a while. Tearing it down.", shadow.storeID)

		scheduler.teardown(shadow)

		return delay, err
	}

	scheduler.persist(shadow)

	if delay >= 0 {
		scheduler.reschedule(shadow, delay)
	}

	return delay, err
}

// reschedule arranges for the shadow's probe to run after delay, stretched
// by the configured random variation.
func (scheduler *Scheduler) reschedule(shadow *Shadow, delay time.Duration) {
	executor := scheduler.currentExecutor()

	if executor == nil {
		return
	}

	shadow.lock.Lock()
	defer shadow.lock.Unlock()

	if shadow.terminated || shadow.record.Disabled {
		return
	}

	if scheduler.config.RandomVariation > 0 {
		delay += time.Duration(float64(delay) * scheduler.config.RandomVariation * rand.Float64())
	}

	if shadow.task != nil {
		shadow.task.Cancel()
	}

	task, err := executor.Schedule(delay, func() {
		scheduler.runScheduled(shadow)
	})

	if err != nil {
		Log.Warningf("Unable to schedule the next run of shadow %s: %v", shadow.storeID, err)

		shadow.task = nil

		return
	}

	shadow.task = task
}

func (scheduler *Scheduler) runScheduled(shadow *Shadow) {
	if !scheduler.lifecycle.TryRLock() {
		return
	}

	defer scheduler.lifecycle.RUnlock()

	scheduler.doUpdate(context.Background(), shadow)
}

// DisableFutureUpdates cancels the shadow's pending run and records that it
// must not be scheduled again until EnableFutureUpdates is called.
func (scheduler *Scheduler) DisableFutureUpdates(shadow *Shadow) error {
	if !scheduler.lifecycle.TryRLock() {
		return EResourceTerminated
	}

	defer scheduler.lifecycle.RUnlock()

	shadow.lock.Lock()

	if shadow.terminated {
		shadow.lock.Unlock()

		return EResourceTerminated
	}

	shadow.record.Disabled = true

	if shadow.task != nil {
		shadow.task.Cancel()
		shadow.task = nil
	}

	shadow.lock.Unlock()

	return scheduler.persist(shadow)
}

// EnableFutureUpdates lets the shadow be scheduled again, starting from
// the delay its last run asked for.
func (scheduler *Scheduler) EnableFutureUpdates(shadow *Shadow) error {
	if !scheduler.lifecycle.TryRLock() {
		return EResourceTerminated
	}

	defer scheduler.lifecycle.RUnlock()

	shadow.lock.Lock()

	if shadow.terminated {
		shadow.lock.Unlock()

		return EResourceTerminated
	}

	shadow.record.Disabled = false
	record := shadow.record
	shadow.lock.Unlock()

	if err := scheduler.persist(shadow); err != nil {
		return err
	}

	if record.NextUpdateDelay >= 0 {
		remaining := fromTimestamp(record.LastRun).Add(fromMillis(record.NextUpdateDelay)).Sub(time.Now())

		if remaining < 0 {
			remaining = 0
		}

		scheduler.reschedule(shadow, remaining)
	}

	return nil
}

// Sweep tears down every shadow that nobody has needed for its time to
// live and that has no run pending. It returns the sources it removed.
func (scheduler *Scheduler) Sweep() []string {
	if !scheduler.lifecycle.TryRLock() {
		return nil
	}

	defer scheduler.lifecycle.RUnlock()

	scheduler.lock.Lock()
	shadows := scheduler.all()
	scheduler.lock.Unlock()

	now := time.Now()
	removed := []string{}

	for _, shadow := range shadows {
		if !shadow.runLock.TryLock() {
			continue
		}

		needed := shadow.Needed()

		shadow.lock.Lock()

		if needed {
			shadow.record.LastNeeded = timestamp(now)
		}

		idle := !needed && (shadow.task == nil || !shadow.task.Pending())
		expired := now.Sub(fromTimestamp(shadow.record.LastNeeded)) >= fromMillis(shadow.record.TTLIfUnneeded)
		shadow.lock.Unlock()

		if idle && expired {
			scheduler.teardown(shadow)
			removed = append(removed, shadow.source)
		}

		shadow.runLock.Unlock()
	}

	if len(removed) > 0 {
		Log.Infof("Swept %d unneeded shadows", len(removed))
	}

	return removed
}

// teardown closes the shadow store, which tells its proxies to die, and
// deletes everything the shadow persisted.
func (scheduler *Scheduler) teardown(shadow *Shadow) {
	shadow.lock.Lock()

	if shadow.terminated {
		shadow.lock.Unlock()

		return
	}

	shadow.terminated = true

	if shadow.task != nil {
		shadow.task.Cancel()
		shadow.task = nil
	}

	shadow.lock.Unlock()

	scheduler.lock.Lock()

	if scheduler.shadows[shadow.source] == shadow {
		delete(scheduler.shadows, shadow.source)
		delete(scheduler.stores, shadow.storeID)
	}

	scheduler.lock.Unlock()

	scheduler.config.Network.Unregister(shadow.storeID)
	shadow.store.Close()
	prometheusShadows.Dec()

	keys, err := Keys(shadow.storage, []byte{})

	if err != nil {
		Log.Errorf("Unable to list the data of shadow %s: %v", shadow.storeID, err)
	} else {
		batch := NewBatch()

		for _, key := range keys {
			batch.Delete(key)
		}

		if err := shadow.storage.Batch(batch); err != nil {
			Log.Errorf("Unable to delete the data of shadow %s: %v", shadow.storeID, err)
		}
	}

	if err := scheduler.records.Batch(NewBatch().Delete([]byte(shadow.storeID))); err != nil {
		Log.Errorf("Unable to delete the record of shadow %s: %v", shadow.storeID, err)
	}

	Log.Infof("Tore down shadow %s for %s", shadow.storeID, shadow.source)
}

func (scheduler *Scheduler) persist(shadow *Shadow) error {
	shadow.lock.Lock()

	if shadow.terminated {
		shadow.lock.Unlock()

		return EResourceTerminated
	}

	encoded, _ := json.Marshal(shadow.record)
	shadow.lock.Unlock()

	if err := scheduler.records.Batch(NewBatch().Put([]byte(shadow.storeID), encoded)); err != nil {
		Log.Errorf("Unable to save the record of shadow %s: %v", shadow.storeID, err)

		return EStorage
	}

	return nil
}

func (scheduler *Scheduler) loadRecord(storeID string) (*shadowRecord, error) {
	values, err := scheduler.records.Get([][]byte{[]byte(storeID)})

	if err != nil {
		Log.Errorf("Unable to read the record of shadow %s: %v", storeID, err)

		return nil, EStorage
	}

	if values[0] == nil {
		return nil, nil
	}

	var record shadowRecord

	if err := json.Unmarshal(values[0], &record); err != nil {
		Log.Errorf("The record of shadow %s is corrupted: %v", storeID, err)

		return nil, ECorrupted
	}

	return &record, nil
}

func (scheduler *Scheduler) loadRecords() ([]*shadowRecord, error) {
	iter, err := scheduler.records.GetMatches([][]byte{[]byte{}})

	if err != nil {
		Log.Errorf("Unable to read shadow records: %v", err)

		return nil, EStorage
	}

	defer iter.Release()

	records := []*shadowRecord{}

	for iter.Next() {
		var record shadowRecord

		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			Log.Warningf("Skipping corrupted shadow record at key %s", string(iter.Key()))

			continue
		}

		records = append(records, &record)
	}

	if iter.Error() != nil {
		Log.Errorf("Unable to read shadow records: %v", iter.Error())

		return nil, EStorage
	}

	return records, nil
}

func shadowPrefix(storeID string) []byte {
	prefix := make([]byte, 0, len(SHADOWS_PREFIX)+len(storeID)+1)
	prefix = append(prefix, SHADOWS_PREFIX...)
	prefix = append(prefix, []byte(storeID)...)

	return append(prefix, 0)
}

func millis(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}

func fromMillis(ms int64) time.Duration {
	if ms < 0 {
		return NeverUpdate
	}

	return time.Duration(ms) * time.Millisecond
}

func timestamp(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.Unix(0, ms*int64(time.Millisecond))
}
