package probe_test

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
	"errors"
	"sync"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/executor"
	. "github.com/PelionIoT/meshbase/meshbase"
	"github.com/PelionIoT/meshbase/pingpong"
	. "github.com/PelionIoT/meshbase/probe"
	. "github.com/PelionIoT/meshbase/storage"
	. "github.com/PelionIoT/meshbase/transport"
	. "github.com/PelionIoT/meshbase/util"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const testSource = "test://devices"

func sensor(localID string, name string) *Object {
	object := NewObject(ObjectID(localID), 0)
	object.Bless("device")
	object.SetProperty("name", StringValue(name))

	return object
}

// scriptedProbe counts its runs and lets each test decide what a run
// returns.
type scriptedProbe struct {
	mu     sync.Mutex
	runs   int
	script func(run int, state ProbeState) (ProbeResult, error)
}

func (probe *scriptedProbe) Run(ctx context.Context, state ProbeState) (ProbeResult, error) {
	probe.mu.Lock()
	probe.runs++
	run := probe.runs
	probe.mu.Unlock()

	return probe.script(run, state)
}

func (probe *scriptedProbe) Runs() int {
	probe.mu.Lock()
	defer probe.mu.Unlock()

	return probe.runs
}

func every(delay time.Duration, objects ...*Object) func(int, ProbeState) (ProbeResult, error) {
	return func(run int, state ProbeState) (ProbeResult, error) {
		return ProbeResult{Objects: objects, NextUpdateDelay: delay}, nil
	}
}

func nameIn(store *MeshBase, id ObjectID) string {
	object, err := store.Get(id)

	if err != nil {
		return ""
	}

	value, _ := object.Property("name")
	name, _ := value.AsString()

	return name
}

var _ = Describe("Scheduler", func() {
	var driver StorageDriver
	var network *MemoryNetwork
	var timers *TimerExecutor
	var probes *ProbeDirectory
	var probe *scriptedProbe
	var scheduler *Scheduler
	var ttl time.Duration

	newScheduler := func() *Scheduler {
		return NewScheduler(SchedulerConfig{
			NodeID:        "node",
			StorageDriver: driver,
			Network:       network,
			Probes:        probes,
			Endpoint: pingpong.Config{
				DeltaRespondNoMessage:   time.Millisecond * 20,
				DeltaRespondWithMessage: time.Millisecond * 2,
				DeltaResend:             time.Millisecond * 10,
				DeltaRecover:            time.Millisecond * 50,
				RandomVariation:         0.1,
				MaxSendAttempts:         2,
				SendTimeout:             time.Second,
			},
			ForwardTimeout:  time.Second * 2,
			TTLIfUnneeded:   ttl,
			RandomVariation: 0.1,
			FailureDelay:    time.Millisecond * 40,
		})
	}

	BeforeEach(func() {
		driver = MakeNewStorageDriver()
		network = NewMemoryNetwork()
		timers = NewTimerExecutor()
		probes = NewProbeDirectory()
		probe = &scriptedProbe{script: every(NeverUpdate, sensor("s1", "first"))}
		probes.Register("test://", probe)
		ttl = time.Hour
		scheduler = newScheduler()

		Expect(scheduler.Start(timers)).Should(BeNil())
	})

	AfterEach(func() {
		scheduler.Close()
		timers.Shutdown()
		driver.Close()
	})

	Describe("#ObtainFor", func() {
		It("Should create the shadow, run its probe once and expose its objects", func() {
			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())
			Expect(probe.Runs()).Should(Equal(1))
			Expect(shadow.Source()).Should(Equal(testSource))
			Expect(shadow.StoreID()).Should(Equal(ShadowStoreID("node", testSource)))
			Expect(NodeOf(shadow.StoreID())).Should(Equal("node"))
			Expect(network.Has(shadow.StoreID())).Should(BeTrue())

			id := NewObjectID(shadow.StoreID(), "s1")

			Expect(shadow.Store().Objects()).Should(Equal([]ObjectID{id}))
			Expect(nameIn(shadow.Store(), id)).Should(Equal("first"))
			Expect(shadow.Store().Coordinator(id).HasLock()).Should(BeTrue())
			Expect(shadow.Problem()).Should(Equal(""))
			Expect(shadow.NextUpdateDelay()).Should(Equal(NeverUpdate))
			Expect(shadow.HasPendingRun()).Should(BeFalse())

			again, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())
			Expect(again).Should(BeIdenticalTo(shadow))
			Expect(probe.Runs()).Should(Equal(1))
		})

		It("Should resolve neighbor references against the shadow store", func() {
			lamp := sensor("lamp", "Lamp")
			lamp.AddNeighbor("room")
			probe.script = every(NeverUpdate, lamp, sensor("room", "Kitchen"))

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			object, err := shadow.Store().Get(NewObjectID(shadow.StoreID(), "lamp"))

			Expect(err).Should(BeNil())
			Expect(object.IsRelatedTo(NewObjectID(shadow.StoreID(), "room"))).Should(BeTrue())
		})

		It("Should return ENoProbe for sources no probe handles", func() {
			_, err := scheduler.ObtainFor(context.Background(), "gopher://nowhere")

			Expect(err).Should(Equal(ENoProbe))
		})

		It("Should return ESchedulerStopped while the scheduler is stopped", func() {
			scheduler.Stop()

			_, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(Equal(ESchedulerStopped))
		})

		It("Should return EShadowTerminated if the first run finds the source gone", func() {
			probe.script = func(run int, state ProbeState) (ProbeResult, error) {
				return ProbeResult{}, EShadowTerminated
			}

			_, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(Equal(EShadowTerminated))
			Expect(scheduler.Shadows()).Should(BeEmpty())
			Expect(network.Has(ShadowStoreID("node", testSource))).Should(BeFalse())
		})
	})

	Describe("#DoUpdateNow", func() {
		It("Should run again exactly once after the delay the probe asked for", func() {
			probe.script = func(run int, state ProbeState) (ProbeResult, error) {
				if run == 1 {
					return ProbeResult{Objects: []*Object{sensor("s1", "first")}, NextUpdateDelay: time.Millisecond * 100}, nil
				}

				return ProbeResult{Objects: []*Object{sensor("s1", "second")}, NextUpdateDelay: NeverUpdate}, nil
			}

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())
			Expect(shadow.HasPendingRun()).Should(BeTrue())

			Consistently(probe.Runs, time.Millisecond*90, time.Millisecond*5).Should(Equal(1))
			Eventually(probe.Runs, time.Millisecond*100, time.Millisecond*2).Should(Equal(2))
			Consistently(probe.Runs, time.Millisecond*200).Should(Equal(2))
			Expect(nameIn(shadow.Store(), NewObjectID(shadow.StoreID(), "s1"))).Should(Equal("second"))
		})

		It("Should never run again once future updates are disabled", func() {
			probe.script = every(time.Millisecond*100, sensor("s1", "first"))

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			time.Sleep(time.Millisecond * 50)

			Expect(scheduler.DisableFutureUpdates(shadow)).Should(BeNil())
			Expect(shadow.IsDisabled()).Should(BeTrue())
			Expect(shadow.HasPendingRun()).Should(BeFalse())
			Consistently(probe.Runs, time.Millisecond*250).Should(Equal(1))

			Expect(scheduler.EnableFutureUpdates(shadow)).Should(BeNil())
			Eventually(probe.Runs, time.Millisecond*300).Should(BeNumerically(">=", 2))
		})

		It("Should cancel the pending run and merge the new result", func() {
			probe.script = func(run int, state ProbeState) (ProbeResult, error) {
				if run == 1 {
					return ProbeResult{Objects: []*Object{sensor("s1", "first"), sensor("s2", "other")}, NextUpdateDelay: time.Hour}, nil
				}

				Expect(state.Objects).Should(HaveKey("s2"))

				return ProbeResult{Objects: []*Object{sensor("s1", "renamed")}, NextUpdateDelay: time.Millisecond * 300}, nil
			}

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			delay, err := scheduler.DoUpdateNow(context.Background(), shadow)

			Expect(err).Should(BeNil())
			Expect(delay).Should(Equal(time.Millisecond * 300))
			Expect(shadow.Store().Objects()).Should(Equal([]ObjectID{NewObjectID(shadow.StoreID(), "s1")}))
			Expect(nameIn(shadow.Store(), NewObjectID(shadow.StoreID(), "s1"))).Should(Equal("renamed"))

			status := shadow.Status()

			Expect(status.NextRun).Should(Not(BeNil()))
			Expect(status.NextRun.Before(time.Now().Add(time.Minute))).Should(BeTrue())
			Expect(status.Runs).Should(Equal(uint64(2)))
		})

		It("Should record a failure as the shadow's problem and keep the schedule", func() {
			probe.script = func(run int, state ProbeState) (ProbeResult, error) {
				if run == 1 {
					return ProbeResult{Objects: []*Object{sensor("s1", "first")}, NextUpdateDelay: time.Millisecond * 30}, nil
				}

				if run == 2 {
					return ProbeResult{NextUpdateDelay: time.Millisecond * 150}, errors.New("source unreachable")
				}

				return ProbeResult{Objects: []*Object{sensor("s1", "recovered")}, NextUpdateDelay: NeverUpdate}, nil
			}

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())
			Eventually(shadow.Problem, time.Second).Should(Equal("source unreachable"))
			Expect(nameIn(shadow.Store(), NewObjectID(shadow.StoreID(), "s1"))).Should(Equal("first"))
			Eventually(probe.Runs, time.Second).Should(Equal(3))
			Eventually(shadow.Problem, time.Second).Should(Equal(""))
			Expect(nameIn(shadow.Store(), NewObjectID(shadow.StoreID(), "s1"))).Should(Equal("recovered"))
		})

		It("Should retry after the failure delay if a failed run asked for no delay", func() {
			probe.script = func(run int, state ProbeState) (ProbeResult, error) {
				if run == 1 {
					return ProbeResult{}, errors.New("flaky")
				}

				return ProbeResult{NextUpdateDelay: NeverUpdate}, nil
			}

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())
			Expect(shadow.NextUpdateDelay()).Should(Equal(time.Millisecond * 40))
			Eventually(probe.Runs, time.Second).Should(Equal(2))
		})

		It("Should tear the shadow down when its source is terminated", func() {
			probe.script = func(run int, state ProbeState) (ProbeResult, error) {
				if run == 1 {
					return ProbeResult{Objects: []*Object{sensor("s1", "first")}, NextUpdateDelay: time.Hour}, nil
				}

				return ProbeResult{}, EShadowTerminated
			}

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			_, err = scheduler.DoUpdateNow(context.Background(), shadow)

			Expect(err).Should(Equal(EShadowTerminated))
			Expect(shadow.IsTerminated()).Should(BeTrue())
			Expect(network.Has(shadow.StoreID())).Should(BeFalse())
			Expect(scheduler.Shadows()).Should(BeEmpty())

			_, err = shadow.Store().Get(NewObjectID(shadow.StoreID(), "s1"))

			Expect(err).Should(Equal(EResourceTerminated))

			_, err = scheduler.DoUpdateNow(context.Background(), shadow)

			Expect(err).Should(Equal(EResourceTerminated))
			Expect(scheduler.DisableFutureUpdates(shadow)).Should(Equal(EResourceTerminated))

			keys, err := Keys(driver, []byte{})

			Expect(err).Should(BeNil())
			Expect(keys).Should(BeEmpty())
		})
	})

	Describe("#Start", func() {
		It("Should reopen persisted shadows and schedule them from their recorded delay", func() {
			probe.script = every(time.Millisecond*100, sensor("s1", "first"))

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			scheduler.Close()

			Expect(network.Has(shadow.StoreID())).Should(BeFalse())

			runs := probe.Runs()
			scheduler = newScheduler()

			Expect(scheduler.Start(timers)).Should(BeNil())

			restarted, ok := scheduler.Shadow(testSource)

			Expect(ok).Should(BeTrue())
			Expect(restarted).Should(Not(BeIdenticalTo(shadow)))
			Expect(network.Has(restarted.StoreID())).Should(BeTrue())
			Expect(nameIn(restarted.Store(), NewObjectID(restarted.StoreID(), "s1"))).Should(Equal("first"))
			Eventually(probe.Runs, time.Millisecond*500).Should(BeNumerically(">", runs))
		})

		It("Should keep disabled shadows unscheduled and skip shadows whose probe is gone", func() {
			probe.script = every(time.Millisecond*50, sensor("s1", "first"))

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())
			Expect(scheduler.DisableFutureUpdates(shadow)).Should(BeNil())

			other := &scriptedProbe{script: every(time.Millisecond*50)}
			probes.Register("other://", other)

			_, err = scheduler.ObtainFor(context.Background(), "other://feed")

			Expect(err).Should(BeNil())

			scheduler.Close()
			probes.Unregister("other://")

			runs := probe.Runs()
			scheduler = newScheduler()

			Expect(scheduler.Start(timers)).Should(BeNil())
			Expect(len(scheduler.Shadows())).Should(Equal(1))

			restarted, ok := scheduler.Shadow(testSource)

			Expect(ok).Should(BeTrue())
			Expect(restarted.IsDisabled()).Should(BeTrue())
			Consistently(probe.Runs, time.Millisecond*200).Should(Equal(runs))
		})
	})

	Describe("#Sweep", func() {
		It("Should tear down shadows that nobody needs once their time to live passed", func() {
			ttl = time.Millisecond * 20
			scheduler.Close()
			scheduler = newScheduler()

			Expect(scheduler.Start(timers)).Should(BeNil())

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())
			Expect(scheduler.Sweep()).Should(BeEmpty())

			time.Sleep(time.Millisecond * 40)

			Expect(scheduler.Sweep()).Should(Equal([]string{testSource}))
			Expect(shadow.IsTerminated()).Should(BeTrue())
		})

		It("Should keep shadows whose objects other stores replicate", func() {
			ttl = time.Millisecond * 20
			scheduler.Close()
			scheduler = newScheduler()

			Expect(scheduler.Start(timers)).Should(BeNil())

			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			peer, err := Open(MeshBaseConfig{
				StoreID:       "peer",
				StorageDriver: MakeNewStorageDriver(),
				Transport:     network,
				Executor:      timers,
				Endpoint:      pingpong.DefaultConfig(),
			})

			Expect(err).Should(BeNil())

			network.Register("peer", peer)
			defer peer.Close()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()

			_, err = peer.AccessLocally(ctx, shadow.StoreID(), NewObjectID(shadow.StoreID(), "s1"))

			Expect(err).Should(BeNil())
			Expect(shadow.Needed()).Should(BeTrue())

			time.Sleep(time.Millisecond * 40)

			Expect(scheduler.Sweep()).Should(BeEmpty())
			Expect(shadow.Status().Needed).Should(BeTrue())
		})

		It("Should keep shadows with a pending run", func() {
			ttl = time.Millisecond * 20
			probe.script = every(time.Hour, sensor("s1", "first"))
			scheduler.Close()
			scheduler = newScheduler()

			Expect(scheduler.Start(timers)).Should(BeNil())

			_, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			time.Sleep(time.Millisecond * 40)

			Expect(scheduler.Sweep()).Should(BeEmpty())
		})
	})

	Describe("#Resolve", func() {
		It("Should hand out open shadow stores and refuse unknown ones", func() {
			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			receiver, err := scheduler.Resolve(shadow.StoreID())

			Expect(err).Should(BeNil())
			Expect(receiver).Should(BeIdenticalTo(shadow.Store()))

			_, err = scheduler.Resolve("node/shadow-unknown")

			Expect(err).Should(Equal(EReceiverUnknown))
		})
	})

	Describe("#Close", func() {
		It("Should refuse further operations", func() {
			shadow, err := scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(BeNil())

			scheduler.Close()

			_, err = scheduler.ObtainFor(context.Background(), testSource)

			Expect(err).Should(Equal(EResourceTerminated))

			_, err = scheduler.DoUpdateNow(context.Background(), shadow)

			Expect(err).Should(Equal(EResourceTerminated))
			Expect(scheduler.Start(timers)).Should(Equal(EResourceTerminated))
		})
	})
})

var _ = Describe("GarbageCollector", func() {
	It("Should sweep unneeded shadows periodically", func() {
		driver := MakeNewStorageDriver()
		timers := NewTimerExecutor()
		probes := NewProbeDirectory()
		probes.Register("test://", &scriptedProbe{script: every(NeverUpdate, sensor("s1", "first"))})

		scheduler := NewScheduler(SchedulerConfig{
			NodeID:        "node",
			StorageDriver: driver,
			Probes:        probes,
			Endpoint:      pingpong.DefaultConfig(),
			TTLIfUnneeded: time.Millisecond * 10,
		})

		defer driver.Close()
		defer timers.Shutdown()
		defer scheduler.Close()

		Expect(scheduler.Start(timers)).Should(BeNil())

		shadow, err := scheduler.ObtainFor(context.Background(), testSource)

		Expect(err).Should(BeNil())

		garbageCollector := NewGarbageCollector(scheduler, time.Millisecond*20)
		garbageCollector.Start()
		defer garbageCollector.Stop()

		Eventually(shadow.IsTerminated, time.Second).Should(BeTrue())
		Expect(scheduler.Shadows()).Should(BeEmpty())
	})
})
