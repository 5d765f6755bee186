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
	"math/bits"

	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

const (
	dwordLen = 4
	// BeatDwords is the number of dwords carried by one 128-bit beat.
	BeatDwords = 4
)

// Beat is one 128-bit transfer of the TLP stream.
type Beat struct {
	// Dwords in wire order.
	Data [BeatDwords]uint32
	// Valid dword mask, bit i covers Data[i].
	Keep uint8
	// Start and end of packet.
	First bool
	Last  bool
	// BAR hit (7b, one-hot) selecting the register space.
	Hit uint8
}

func (b *Beat) valid(i int) bool {
	return i < BeatDwords && (b.Keep>>i)&1 == 1
}

// Bytes returns the valid dwords of b in wire order.
func (b *Beat) Bytes() []byte {
	out := make([]byte, 0, BeatDwords*dwordLen)
	for i := 0; i < BeatDwords; i++ {
		if b.valid(i) {
			out = binary.BigEndian.AppendUint32(out, b.Data[i])
		}
	}
	return out
}

// FrameTLP splits a dword aligned TLP buffer into beats.
// Trailing bytes that do not fill a dword are ignored.
func FrameTLP(tlp []byte, hit uint8) []Beat {
	dws := pcie.Dwords(tlp)
	var beats []Beat
	for i := 0; i < len(dws); i += BeatDwords {
		var b Beat
		b.Hit = hit
		b.First = i == 0
		for j := 0; j < BeatDwords && i+j < len(dws); j++ {
			b.Data[j] = dws[i+j]
			b.Keep |= 1 << j
		}
		b.Last = i+BeatDwords >= len(dws)
		beats = append(beats, b)
	}
	return beats
}

// Deframer reassembles beats into TLP buffers.
type Deframer struct {
	buf  []byte
	open bool
}

// Push adds a beat. It returns the reassembled TLP once the end-of-packet
// beat arrives. Beats outside a packet are ignored.
func (d *Deframer) Push(b Beat) ([]byte, bool) {
	if b.First {
		if d.buf == nil {
			d.buf = make([]byte, 0, pcie.MaxTLPBuffer)
		}
		d.buf = d.buf[:0]
		d.open = true
	}
	if !d.open {
		return nil, false
	}
	d.buf = append(d.buf, b.Bytes()...)
	if !b.Last {
		return nil, false
	}
	d.open = false
	return append([]byte(nil), d.buf...), true
}

// Payload dwords keep wire byte order; register values are little endian,
// with byte 0 at the lowest address.
func toRegister(dw uint32) uint32 {
	return bits.ReverseBytes32(dw)
}

func fromRegister(v uint32) uint32 {
	return bits.ReverseBytes32(v)
}

func oneHot(hit uint8) bool {
	return hit != 0 && hit < 1<<NumSlots && hit&(hit-1) == 0
}

func slotOf(hit uint8) int {
	return bits.TrailingZeros8(hit)
}
