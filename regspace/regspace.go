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

// Package regspace provides simple register spaces for a BAR controller:
// constant tables, zeroed memory, address loop-back and a no-op space.
// Addresses are byte addresses; values are little endian registers.
package regspace

// byteMask expands a 4 bit byte enable into a 32 bit mask.
func byteMask(be uint8) uint32 {
	var m uint32
	for i := 0; i < 4; i++ {
		if be&(1<<i) != 0 {
			m |= 0xff << (8 * i)
		}
	}
	return m
}

// Memory is a writable register space initialized to zero. Addresses wrap
// at the memory size.
type Memory struct {
	words []uint32
}

// NewMemory builds a memory of size bytes, rounded up to whole dwords.
func NewMemory(size int) *Memory {
	return &Memory{words: make([]uint32, max((size+3)/4, 1))}
}

func (m *Memory) index(addr uint32) int {
	return int(addr/4) % len(m.words)
}

// ReadRegister returns the dword at addr.
func (m *Memory) ReadRegister(addr uint32) uint32 {
	return m.words[m.index(addr)]
}

// WriteRegister merges the enabled bytes of data into the dword at addr.
func (m *Memory) WriteRegister(addr uint32, be uint8, data uint32) {
	mask := byteMask(be)
	i := m.index(addr)
	m.words[i] = m.words[i]&^mask | data&mask
}

// Table is a read-only register space. Unlisted addresses read as zero.
type Table struct {
	// Mask is applied to addresses before lookup.
	Mask   uint32
	values map[uint32]uint32
}

// NewTable builds a table from dword aligned address/value pairs.
func NewTable(mask uint32, values map[uint32]uint32) *Table {
	t := &Table{Mask: mask, values: make(map[uint32]uint32, len(values))}
	for addr, v := range values {
		t.values[addr&mask&^3] = v
	}
	return t
}

// ReadRegister looks up addr.
func (t *Table) ReadRegister(addr uint32) uint32 {
	return t.values[addr&t.Mask&^3]
}

// WriteRegister ignores writes.
func (t *Table) WriteRegister(uint32, uint8, uint32) {}

// Loopback reads back the address of each register.
type Loopback struct{}

// ReadRegister returns addr.
func (Loopback) ReadRegister(addr uint32) uint32 { return addr }

// WriteRegister ignores writes.
func (Loopback) WriteRegister(uint32, uint8, uint32) {}

// Nop reads as zero and ignores writes.
type Nop struct{}

// ReadRegister returns 0.
func (Nop) ReadRegister(uint32) uint32 { return 0 }

// WriteRegister ignores writes.
func (Nop) WriteRegister(uint32, uint8, uint32) {}
