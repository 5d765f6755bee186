// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bar implements the request side of a PCIe BAR target.
//
// A Controller consumes a 128-bit TLP beat stream, splits memory and I/O
// requests into single register accesses for up to seven register spaces
// (one per BAR hit bit), and packs read results into completion beats.
// Everything advances in lock-step: each call to Tick is one clock cycle.
//
// Per tick the controller accepts one beat, performs at most one register
// write and one dword read issue, and packs at most one read response.
// Malformed beats and overflowing writes are dropped silently on the wire;
// they are counted in Stats.
package bar

import (
	"fmt"

	"github.com/golang/glog"
)

// Controller is a BAR request/completion pipeline.
type Controller struct {
	cfg Config
	now uint64

	in      Beat
	offered bool

	cls classifier
	// A beat of the write packet being received was dropped.
	writeGap bool

	writeQ *Queue[Beat]
	readQ  *Queue[Beat]
	descQ  *Queue[Descriptor]
	chunkQ *Queue[SubRequest]
	outQ   *Queue[Beat]

	writer  writePipeline
	ingress readIngress
	split   splitter
	expand  expander
	arb     arbiter
	packer  completionPacker

	// Read issues not yet answered.
	outstanding int
	stats       Stats
}

// New builds a controller with no register spaces attached.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{cfg: cfg}
	c.writeQ = NewQueue[Beat]("BAR.WriteQueue", cfg.WriteQueueDepth, cfg.WriteQueueNearFull)
	c.readQ = NewQueue[Beat]("BAR.ReadQueue", cfg.ReadQueueDepth, cfg.ReadQueueNearFull)
	c.descQ = NewQueue[Descriptor]("BAR.DescriptorQueue", cfg.DescriptorQueueDepth, cfg.DescriptorQueueDepth)
	c.chunkQ = NewQueue[SubRequest]("BAR.ChunkQueue", cfg.ChunkQueueDepth, cfg.ChunkQueueDepth)
	c.outQ = NewQueue[Beat]("BAR.CompletionQueue", cfg.CompletionQueueDepth, cfg.CompletionQueueDepth)

	c.writer = writePipeline{q: c.writeQ, stats: &c.stats}
	c.ingress = readIngress{in: c.readQ, out: c.descQ}
	c.split = splitter{in: c.descQ, out: c.chunkQ}
	c.expand = expander{in: c.chunkQ}
	c.arb = arbiter{stats: &c.stats}
	c.packer = completionPacker{out: c.outQ, cplID: cfg.CompleterID, stats: &c.stats}
	return c, nil
}

// Attach places r in a register space slot, replacing any previous one.
// A nil r detaches the slot.
func (c *Controller) Attach(slot int, r Responder) error {
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("%w: %d, want 0..%d", ErrBadSlot, slot, NumSlots-1)
	}
	c.arb.slots[slot] = r
	return nil
}

// Offer presents the beat for the next tick. It returns false if a beat is
// already waiting. Offer ignores Ready: beats sent while the controller is
// not ready may be dropped.
func (c *Controller) Offer(b Beat) bool {
	if c.offered {
		return false
	}
	c.in = b
	c.offered = true
	return true
}

// Ready reports whether the transport may keep sending. It is false once a
// request queue is near full.
func (c *Controller) Ready() bool {
	return !c.writeQ.NearFull() && !c.readQ.NearFull()
}

// Pop takes the next completion beat.
func (c *Controller) Pop() (Beat, bool) {
	b, ok := c.outQ.TryPop()
	if ok {
		c.packer.consumed(&b)
	}
	return b, ok
}

// PendingCompletions is the number of completion packets produced and not
// yet fully popped.
func (c *Controller) PendingCompletions() int {
	return c.packer.pending
}

// Idle reports whether every stage is waiting for input: nothing offered,
// nothing buffered and no read outstanding.
func (c *Controller) Idle() bool {
	return !c.offered &&
		c.writeQ.Len() == 0 && c.readQ.Len() == 0 &&
		c.descQ.Len() == 0 && c.chunkQ.Len() == 0 && c.outQ.Len() == 0 &&
		!c.writer.busy() && !c.split.busy() && !c.expand.busy() &&
		c.outstanding == 0 && !c.packer.open
}

// Now is the number of ticks since New.
func (c *Controller) Now() uint64 {
	return c.now
}

// Stats returns a snapshot of the event counters.
func (c *Controller) Stats() Stats {
	return c.stats
}

// room reports whether one more read may be issued. Handlers cannot be
// paused, so every outstanding read must have a completion queue slot.
func (c *Controller) room() bool {
	return c.outQ.Free() > c.outstanding
}

// Tick advances every stage by one cycle, consumers first so that each
// stage sees what its producer handed over in the previous tick.
func (c *Controller) Tick() {
	var wrp *WriteRequest
	if wr, ok := c.writer.tick(); ok {
		wrp = &wr
	}
	var issp *ReadIssue
	if iss, ok := c.expand.tick(c.room()); ok {
		issp = &iss
		c.outstanding++
	}
	c.arb.dispatch(wrp, issp)

	rsp, n, err := c.arb.collect()
	c.outstanding = max(c.outstanding-n, 0)
	switch {
	case err != nil:
		c.stats.ResponderConflicts++
		glog.Warningf("bar: tick %d: %v", c.now, err)
	case n == 1:
		c.packer.accept(rsp)
	}

	c.split.tick()
	c.ingress.tick()
	if c.offered {
		c.classify(&c.in)
		c.offered = false
	}
	c.now++
}

func (c *Controller) classify(b *Beat) {
	c.stats.Beats++
	r := c.cls.classify(b, c.readQ.Free() > 0, !c.writeQ.NearFull())
	switch r {
	case roleWrite:
		if b.First {
			c.writeGap = false
		}
		if !c.writeQ.TryPush(*b) {
			c.stats.WriteOverflow++
			c.writeGap = true
			glog.V(1).Infof("bar: tick %d: write queue full, beat dropped", c.now)
			return
		}
		if c.writeGap {
			c.stats.ShiftedBeats++
			glog.V(1).Infof("bar: tick %d: write beat accepted after a dropped beat, data shifted", c.now)
		}
		return
	case roleRead:
		if !c.readQ.TryPush(*b) {
			c.stats.ReadOverflow++
			glog.V(1).Infof("bar: tick %d: read queue full, beat dropped", c.now)
		}
		return
	case roleUnrouted:
		c.stats.Unrouted++
	case roleNotReady:
		c.stats.NotReady++
	default:
		c.stats.Unrecognized++
	}
	glog.V(1).Infof("bar: tick %d: beat dropped (%v), dw0 %#08x hit %07b", c.now, r, b.Data[0], b.Hit)
}
