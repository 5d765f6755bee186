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

package regspace

// Space is the register access contract shared with the BAR controller.
type Space interface {
	ReadRegister(addr uint32) uint32
	WriteRegister(addr uint32, be uint8, data uint32)
}

// InterruptTimer wraps a register space with an interrupt enable output
// that asserts after a warmup number of ticks and holds.
type InterruptTimer struct {
	Space
	warmup int
	ticks  int
}

// NewInterruptTimer wraps s.
func NewInterruptTimer(s Space, warmup int) *InterruptTimer {
	return &InterruptTimer{Space: s, warmup: warmup}
}

// Tick advances the warmup counter.
func (t *InterruptTimer) Tick() {
	if t.ticks < t.warmup {
		t.ticks++
	}
}

// Asserted reports the interrupt enable level.
func (t *InterruptTimer) Asserted() bool {
	return t.ticks >= t.warmup
}
