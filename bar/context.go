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
	"fmt"

	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

// ContextBytes is the packed size of a Context (88 bits).
const ContextBytes = 11

// Context travels with every dword read issue and comes back unchanged with
// its response. It holds what the completion packer needs to rebuild the
// completion: packet boundaries, header fields and the dword address.
type Context struct {
	// First and last dword of a completion packet.
	First bool
	Last  bool
	// Bytes remaining in the request, including this completion (13b).
	ByteCount uint16
	// Dwords remaining in this completion, including this one (10b).
	Length uint16
	// Register space slot (7b).
	Slot  uint8
	Tag   uint8
	ReqID pcie.DeviceID
	// Dword address; bits 1:0 hold the first enabled byte offset.
	Address uint32
	// Locked read. Not part of the packed form.
	Locked bool
}

// LowerAddress is the completion lower address field.
func (c *Context) LowerAddress() uint8 {
	return uint8(c.Address & 0x7f)
}

// Pack encodes c as 88 bits, least significant bit first:
//
//	[0] first, [1] last, [14:2] byte count, [24:15] length, [31:25] slot,
//	[39:32] tag, [55:40] requester id, [87:56] address.
func (c *Context) Pack() [ContextBytes]byte {
	lo := uint64(bit(c.First, 0)) |
		uint64(bit(c.Last, 1)) |
		uint64(c.ByteCount&0x1fff)<<2 |
		uint64(c.Length&0x3ff)<<15 |
		uint64(c.Slot&0x7f)<<25 |
		uint64(c.Tag)<<32 |
		uint64(c.ReqID.ToUint16())<<40 |
		uint64(c.Address&0xff)<<56
	hi := c.Address >> 8

	var b [ContextBytes]byte
	binary.LittleEndian.PutUint64(b[:8], lo)
	b[8] = byte(hi)
	b[9] = byte(hi >> 8)
	b[10] = byte(hi >> 16)
	return b
}

// UnpackContext decodes a context packed by Pack.
func UnpackContext(b []byte) (Context, error) {
	if len(b) != ContextBytes {
		return Context{}, fmt.Errorf("%w: got %d bytes, want %d", ErrBadContext, len(b), ContextBytes)
	}
	lo := binary.LittleEndian.Uint64(b[:8])
	var c Context
	c.First = lo&1 == 1
	c.Last = (lo>>1)&1 == 1
	c.ByteCount = uint16(lo>>2) & 0x1fff
	c.Length = uint16(lo>>15) & 0x3ff
	c.Slot = uint8(lo>>25) & 0x7f
	c.Tag = uint8(lo >> 32)
	c.ReqID.FromUint16(uint16(lo >> 40))
	c.Address = uint32(lo>>56) | uint32(b[8])<<8 | uint32(b[9])<<16 | uint32(b[10])<<24
	return c, nil
}

func bit(value bool, pos int) uint32 {
	if value {
		return 1 << pos
	}
	return 0
}
