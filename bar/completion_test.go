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
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

var cplID = pcie.DeviceID{Bus: 0x01}

// respond feeds a completion of n dwords starting at addr, register value
// equal to the address.
func respond(p *completionPacker, addr uint32, n int, bc uint16, tag uint8) {
	for i := 0; i < n; i++ {
		a := addr + uint32(4*i)
		p.accept(ReadResponse{
			Context: Context{
				First:     i == 0,
				Last:      i == n-1,
				ByteCount: bc,
				Length:    uint16(n - i),
				Tag:       tag,
				ReqID:     reqID,
				Address:   a,
			},
			Data: a,
		})
	}
}

func drainBeats(q *Queue[Beat]) []Beat {
	var beats []Beat
	for {
		b, ok := q.TryPop()
		if !ok {
			return beats
		}
		beats = append(beats, b)
	}
}

func TestPackSingleDword(t *testing.T) {
	out := NewQueue[Beat]("Out", 8, 8)
	p := completionPacker{out: out, cplID: cplID, stats: &Stats{}}
	respond(&p, 0x1004, 1, 4, 0x80)

	beats := drainBeats(out)
	if len(beats) != 1 || !beats[0].First || !beats[0].Last || beats[0].Keep != 0xf {
		t.Fatalf("beats = %+v, want one full start and end beat", beats)
	}
	var d Deframer
	tlp, ok := d.Push(beats[0])
	if !ok {
		t.Fatalf("Deframer.Push() didn't complete a TLP")
	}
	cpl, err := pcie.NewCplFromBytes(tlp)
	if err != nil {
		t.Fatalf("NewCplFromBytes() = _, %v, want nil err", err)
	}
	want := &pcie.Cpl{
		CplHeader: pcie.CplHeader{
			CplID:      cplID,
			BC:         4,
			Status:     pcie.SuccessfulCompletion,
			ReqID:      reqID,
			Tag:        0x80,
			AddressLow: 0x04,
		},
		Data: []byte{0x04, 0x10, 0x00, 0x00},
	}
	want.Type = pcie.CplD
	want.Length = 1
	if diff := cmp.Diff(want, cpl); diff != "" {
		t.Errorf("Unexpected completion:\n%s", diff)
	}
	if p.pending != 1 {
		t.Errorf("pending = %d, want 1", p.pending)
	}
	p.consumed(&beats[0])
	if p.pending != 0 {
		t.Errorf("pending after consume = %d, want 0", p.pending)
	}
}

func TestPackMultiBeat(t *testing.T) {
	out := NewQueue[Beat]("Out", 8, 8)
	stats := &Stats{}
	p := completionPacker{out: out, cplID: cplID, stats: stats}
	respond(&p, 0x200, 6, 24, 1)

	beats := drainBeats(out)
	var keeps []uint8
	for _, b := range beats {
		keeps = append(keeps, b.Keep)
	}
	if diff := cmp.Diff([]uint8{0xf, 0xf, 0x1}, keeps); diff != "" {
		t.Fatalf("Unexpected beat keeps:\n%s", diff)
	}
	if !beats[0].First || beats[1].First || beats[1].Last || !beats[2].Last {
		t.Errorf("Unexpected beat framing %+v", beats)
	}

	var d Deframer
	var tlp []byte
	for _, b := range beats {
		tlp, _ = d.Push(b)
	}
	cpl, err := pcie.NewCplFromBytes(tlp)
	if err != nil {
		t.Fatalf("NewCplFromBytes() = _, %v, want nil err", err)
	}
	if cpl.Length != 6 || cpl.BC != 24 {
		t.Errorf("completion length %d bc %d, want 6 and 24", cpl.Length, cpl.BC)
	}
	for i := 0; i < 6; i++ {
		if got, want := binary.LittleEndian.Uint32(cpl.Data[4*i:]), uint32(0x200+4*i); got != want {
			t.Errorf("data dword %d = %#x, want %#x", i, got, want)
		}
	}
	if stats.Responses != 6 || stats.Completions != 1 {
		t.Errorf("stats = %+v, want 6 responses and 1 completion", *stats)
	}
}

func TestPackStrayResponse(t *testing.T) {
	out := NewQueue[Beat]("Out", 8, 8)
	stats := &Stats{}
	p := completionPacker{out: out, cplID: cplID, stats: stats}
	p.accept(ReadResponse{Context: Context{Last: true, Length: 1}, Data: 1})
	if out.Len() != 0 || stats.StrayResponses != 1 {
		t.Errorf("out.Len() = %d, stats = %+v, want nothing packed and 1 stray", out.Len(), *stats)
	}
}

func TestPackOverflow(t *testing.T) {
	out := NewQueue[Beat]("Out", 2, 2)
	stats := &Stats{}
	p := completionPacker{out: out, cplID: cplID, stats: stats}
	for i := 0; i < 3; i++ {
		respond(&p, 0, 1, 4, uint8(i))
	}
	if stats.CompletionOverflow != 1 || stats.Completions != 2 || p.pending != 2 {
		t.Errorf("stats = %+v, pending %d, want 1 overflow and 2 completions", *stats, p.pending)
	}
}
