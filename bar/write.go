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

package bar

import (
	"github.com/golang/glog"
	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

type writeState int

const (
	writeIdle writeState = iota
	writeFirst
	// Waiting for the next payload beat: after a 4 dword header, or after
	// the last dword of a full beat.
	writeFetch
	writeTX0
	writeTX1
	writeTX2
	writeTX3
)

// writePipeline turns buffered write beats into one register write per
// tick.
type writePipeline struct {
	q     *Queue[Beat]
	stats *Stats

	state   writeState
	cur     Beat
	slot    int
	addr    uint32
	firstBE uint8
	lastBE  uint8
	firstDW bool
}

func (w *writePipeline) tick() (WriteRequest, bool) {
	switch w.state {
	case writeIdle:
		w.state = writeFirst
	case writeFirst:
		w.takeHeader()
	case writeFetch:
		w.fetch()
	case writeTX0, writeTX1, writeTX2, writeTX3:
		return w.emit(int(w.state - writeTX0)), true
	}
	return WriteRequest{}, false
}

func (w *writePipeline) takeHeader() {
	b, ok := w.q.TryPop()
	if !ok {
		return
	}
	if !b.First {
		w.stats.OrphanBeats++
		glog.V(1).Infof("bar: write beat without header dropped")
		return
	}

	var hdr pcie.RequestHeader
	hdr.FromDwords(b.Data[0], b.Data[1])
	w.slot = slotOf(b.Hit)
	w.firstBE = hdr.FirstBE
	w.lastBE = hdr.LastBE
	w.firstDW = true

	if hdr.Type.Is4DW() {
		// 32-bit BARs: the low address dword is the only one used.
		w.addr = b.Data[3] &^ 3
		if b.Last {
			w.truncated("no payload")
			return
		}
		w.state = writeFetch
		return
	}
	w.addr = b.Data[2] &^ 3
	if !b.valid(3) {
		w.truncated("no payload")
		return
	}
	w.cur = b
	w.state = writeTX3
}

// fetch takes the next payload beat. A start beat means the rest of the
// current request was lost upstream; it is left for takeHeader.
func (w *writePipeline) fetch() {
	b, ok := w.q.Peek()
	if !ok {
		return
	}
	if b.First {
		w.truncated("next header arrived")
		return
	}
	w.q.TryPop()
	w.cur = b
	w.state = writeTX0
}

func (w *writePipeline) truncated(reason string) {
	w.stats.TruncatedWrites++
	glog.V(1).Infof("bar: write to slot %d at %#x truncated: %s", w.slot, w.addr, reason)
	w.state = writeFirst
}

// emit writes dword k of the current beat.
func (w *writePipeline) emit(k int) WriteRequest {
	last := w.cur.Last && !w.cur.valid(k+1)
	req := WriteRequest{
		Slot:       w.slot,
		Address:    w.addr,
		ByteEnable: 0xf,
		Data:       toRegister(w.cur.Data[k]),
	}
	switch {
	case w.firstDW:
		req.ByteEnable = w.firstBE
	case last:
		req.ByteEnable = w.lastBE
	}
	w.firstDW = false
	w.addr += dwordLen

	switch {
	case last:
		w.state = writeFirst
	case k < BeatDwords-1 && w.cur.valid(k+1):
		w.state = writeTX0 + writeState(k+1)
	case k < BeatDwords-1:
		// Dwords missing mid packet; the remainder is dropped as orphans.
		w.state = writeFirst
	default:
		w.state = writeFetch
		w.fetch()
	}
	glog.V(2).Infof("bar: write slot %d addr %#x be %04b data %#08x", req.Slot, req.Address, req.ByteEnable, req.Data)
	return req
}

// busy reports whether the pipeline holds a beat it has not fully written.
func (w *writePipeline) busy() bool {
	return w.state >= writeTX0
}
