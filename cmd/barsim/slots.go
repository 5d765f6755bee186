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

package main

import (
	"fmt"
	"strings"

	"github.com/kilmu1337/pcileech-csi2host/bar"
	"github.com/kilmu1337/pcileech-csi2host/regspace"
)

// Identification registers served by a "table" slot.
var idRegisters = map[uint32]uint32{
	0x0: 0x066610ee,
	0x4: 0x00000001,
	0x8: 0x43534932,
}

type slotOptions struct {
	memSize int
	warmup  int
}

// buildSlots parses a comma separated list of register space kinds, one per
// slot starting at slot 0. Empty entries leave the slot unattached.
func buildSlots(list string, opts slotOptions) ([bar.NumSlots]bar.Handler, error) {
	var slots [bar.NumSlots]bar.Handler
	kinds := strings.Split(list, ",")
	if len(kinds) > bar.NumSlots {
		return slots, fmt.Errorf("%w: %d slots listed, want at most %d", errBadScript, len(kinds), bar.NumSlots)
	}
	for i, kind := range kinds {
		switch strings.TrimSpace(kind) {
		case "":
		case "memory":
			slots[i] = regspace.NewMemory(opts.memSize)
		case "loopback":
			slots[i] = regspace.Loopback{}
		case "nop":
			slots[i] = regspace.Nop{}
		case "table":
			slots[i] = regspace.NewTable(0xfff, idRegisters)
		case "irq":
			slots[i] = regspace.NewInterruptTimer(regspace.NewMemory(opts.memSize), opts.warmup)
		default:
			return slots, fmt.Errorf("%w: slot %d kind %q, want memory, loopback, nop, table or irq", errBadScript, i, kind)
		}
	}
	return slots, nil
}
