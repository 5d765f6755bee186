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

// arbiter fans accesses out to the register space slots and fans their
// responses back in. Only one slot may respond in a given tick.
type arbiter struct {
	slots [NumSlots]Responder
	stats *Stats
}

// enable is the one-hot slot select mask of an access.
func enable(slot int) uint8 {
	if slot < 0 || slot >= NumSlots {
		return 0
	}
	return 1 << slot
}

func (a *arbiter) dispatch(wr *WriteRequest, iss *ReadIssue) {
	if wr != nil {
		a.stats.Writes++
		mask := enable(wr.Slot)
		for i, s := range a.slots {
			if mask&(1<<i) == 0 {
				continue
			}
			if s == nil {
				a.stats.Unattached++
				continue
			}
			s.Write(*wr)
		}
	}
	if iss != nil {
		a.stats.ReadIssues++
		mask := enable(iss.Slot)
		for i, s := range a.slots {
			if mask&(1<<i) == 0 {
				continue
			}
			if s == nil {
				// Never answered: the read pipeline stalls on this issue.
				a.stats.Unattached++
				continue
			}
			s.Issue(*iss)
		}
	}
}

// collect ticks every slot and returns the response of this tick. n is the
// number of slots that responded; when it exceeds one no response is
// returned and the error names the slots.
func (a *arbiter) collect() (rsp ReadResponse, n int, err error) {
	var active uint8
	for i, s := range a.slots {
		if s == nil {
			continue
		}
		r, ok := s.Tick()
		if !ok {
			continue
		}
		active |= 1 << i
		rsp = r
		n++
	}
	if n > 1 {
		return ReadResponse{}, n, fmt.Errorf("%w: slots %07b", ErrResponderConflict, active)
	}
	return rsp, n, nil
}
