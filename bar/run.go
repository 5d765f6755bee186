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
	"fmt"
)

// Packet is a TLP with the BAR hit it arrived on.
type Packet struct {
	TLP []byte
	Hit uint8
}

// Run feeds packets to c one beat per tick while c is Ready, and returns
// the completion TLPs c produces. It stops once c is idle with every
// packet sent, or fails with ErrStalled after maxTicks ticks.
func Run(c *Controller, pkts []Packet, maxTicks int) ([][]byte, error) {
	var beats []Beat
	for _, p := range pkts {
		beats = append(beats, FrameTLP(p.TLP, p.Hit)...)
	}

	var d Deframer
	var out [][]byte
	for ticks := 0; ; ticks++ {
		if len(beats) == 0 && c.Idle() {
			return out, nil
		}
		if ticks >= maxTicks {
			return out, fmt.Errorf("%w: %d beats unsent after %d ticks", ErrStalled, len(beats), ticks)
		}
		if len(beats) > 0 && c.Ready() && c.Offer(beats[0]) {
			beats = beats[1:]
		}
		c.Tick()
		for {
			b, ok := c.Pop()
			if !ok {
				break
			}
			if tlp, ok := d.Push(b); ok {
				out = append(out, tlp)
			}
		}
	}
}
