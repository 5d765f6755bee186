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
	"math/bits"

	"github.com/golang/glog"
	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

// MaxChunkDwords bounds the payload of a single completion (128 bytes).
// Sub-requests never cross a MaxChunkDwords aligned boundary.
const MaxChunkDwords = 32

// parseDescriptor decodes a read request beat.
func parseDescriptor(b *Beat) Descriptor {
	var hdr pcie.RequestHeader
	hdr.FromDwords(b.Data[0], b.Data[1])
	addr := b.Data[2]
	if hdr.Type.Is4DW() {
		addr = b.Data[3]
	}
	return Descriptor{
		Slot:    slotOf(b.Hit),
		Address: addr &^ 3,
		FirstBE: hdr.FirstBE,
		LastBE:  hdr.LastBE,
		Length:  pcie.DataDwords(hdr.Length),
		ReqID:   hdr.ReqID,
		Tag:     hdr.Tag,
		Locked:  hdr.Type == pcie.MRdLk3 || hdr.Type == pcie.MRdLk4,
	}
}

// readIngress parses buffered read beats into descriptors.
type readIngress struct {
	in  *Queue[Beat]
	out *Queue[Descriptor]
}

func (r *readIngress) tick() {
	if r.out.Free() == 0 {
		return
	}
	b, ok := r.in.TryPop()
	if !ok {
		return
	}
	d := parseDescriptor(&b)
	glog.V(2).Infof("bar: read request slot %d addr %#x len %d tag %#x from %v", d.Slot, d.Address, d.Length, d.Tag, d.ReqID)
	r.out.TryPush(d)
}

// firstChunkDwords is the length of the first sub-request: up to the next
// 32 dword boundary, and no more than the request.
func firstChunkDwords(addr uint32, length int) int {
	n := (MaxChunkDwords - int(addr>>2)%MaxChunkDwords) % MaxChunkDwords
	if n == 0 {
		n = MaxChunkDwords
	}
	return min(n, length)
}

type splitState int

const (
	splitRequest splitState = iota
	splitContinuing
)

// splitter breaks descriptors into sub-requests, one per tick.
type splitter struct {
	in  *Queue[Descriptor]
	out *Queue[SubRequest]

	state splitState
	d     Descriptor
	// Dwords already handed out.
	done int
	// Total byte count and first enabled byte offset of d.
	total int
	lead  int
}

func (s *splitter) tick() {
	if s.out.Free() == 0 {
		return
	}
	switch s.state {
	case splitRequest:
		d, ok := s.in.TryPop()
		if !ok {
			return
		}
		s.begin(d)
		// A single dword request is consumed here and never continues.
		s.out.TryPush(s.chunk(firstChunkDwords(d.Address, d.Length)))
		if s.done < d.Length {
			s.state = splitContinuing
		}
	case splitContinuing:
		s.out.TryPush(s.chunk(min(MaxChunkDwords, s.d.Length-s.done)))
		if s.done == s.d.Length {
			s.state = splitRequest
		}
	}
}

func (s *splitter) begin(d Descriptor) {
	s.d = d
	s.done = 0
	s.total = pcie.CplCalcByteCount(int(d.FirstBE), int(d.LastBE), d.Length)
	if s.total == 0 {
		s.total = d.Length * dwordLen
	}
	s.lead = 0
	if d.FirstBE&0xf != 0 {
		s.lead = bits.TrailingZeros8(d.FirstBE)
	}
}

// chunk hands out the next n dwords of the current descriptor.
func (s *splitter) chunk(n int) SubRequest {
	sub := SubRequest{
		Slot:           s.d.Slot,
		Address:        s.d.Address + uint32(s.done*dwordLen),
		Length:         n,
		FirstBE:        0xf,
		FirstOfRequest: s.done == 0,
		LastOfRequest:  s.done+n == s.d.Length,
		ReqID:          s.d.ReqID,
		Tag:            s.d.Tag,
		Locked:         s.d.Locked,
	}
	if s.done == 0 {
		sub.ByteCount = s.total
		sub.LowerAddress = pcie.CplCalcLowerAddress(int(s.d.FirstBE), pcie.Address(s.d.Address))
		sub.FirstBE = s.d.FirstBE
	} else {
		// Continuations start on a 128 byte boundary.
		sub.LowerAddress = uint8(sub.Address & 0x7f)
		sub.ByteCount = s.total + s.lead - s.done*dwordLen
	}
	s.done += n
	return sub
}

func (s *splitter) busy() bool {
	return s.state != splitRequest
}

type expandState int

const (
	expandReqData expandState = iota
	expandProcessing
)

// expander turns sub-requests into one dword read issue per tick.
type expander struct {
	in *Queue[SubRequest]

	state expandState
	cur   SubRequest
	left  int
	addr  uint32
	first bool
}

// tick issues the next dword read if room allows it.
func (e *expander) tick(room bool) (ReadIssue, bool) {
	if !room {
		return ReadIssue{}, false
	}
	if e.state == expandReqData {
		sub, ok := e.in.TryPop()
		if !ok {
			return ReadIssue{}, false
		}
		e.cur = sub
		e.left = sub.Length
		e.addr = sub.Address
		e.first = true
		e.state = expandProcessing
	}

	iss := ReadIssue{
		Slot:       e.cur.Slot,
		Address:    e.addr,
		ByteEnable: 0xf,
		Context: Context{
			First:     e.first,
			Last:      e.left == 1,
			ByteCount: uint16(e.cur.ByteCount),
			Length:    uint16(e.left),
			Slot:      uint8(e.cur.Slot),
			Tag:       e.cur.Tag,
			ReqID:     e.cur.ReqID,
			Address:   e.addr,
			Locked:    e.cur.Locked,
		},
	}
	if e.first {
		iss.Context.Address = e.addr&^0x7f | uint32(e.cur.LowerAddress&0x7f)
		if e.cur.FirstOfRequest {
			iss.ByteEnable = e.cur.FirstBE
		}
	}

	e.first = false
	e.left--
	e.addr += dwordLen
	if e.left == 0 {
		e.state = expandReqData
	}
	glog.V(2).Infof("bar: read slot %d addr %#x first=%v last=%v", iss.Slot, iss.Address, iss.Context.First, iss.Context.Last)
	return iss, true
}

func (e *expander) busy() bool {
	return e.state != expandReqData
}
