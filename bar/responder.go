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

// Handler is the content of one register space.
type Handler interface {
	ReadRegister(addr uint32) uint32
	WriteRegister(addr uint32, be uint8, data uint32)
}

// Responder is a register space slot as the arbiter drives it. Write and
// Issue are called during the tick an access is selected; Tick is then
// called exactly once per tick and returns the response, if any, that
// emerges in that tick.
//
// A Responder must accept every write and issue without back-pressure and
// return each issue's Context unchanged, in issue order. All responders
// attached to one controller must share the same latency.
type Responder interface {
	Write(w WriteRequest)
	Issue(r ReadIssue)
	Tick() (ReadResponse, bool)
}

// ticker is implemented by handlers with their own per-tick state.
type ticker interface {
	Tick()
}

type pendingResponse struct {
	due uint64
	rsp ReadResponse
}

// FixedLatency answers reads from a Handler after a fixed number of ticks.
// With latency 0 a read is answered in the tick it was issued.
type FixedLatency struct {
	h       Handler
	latency uint64
	now     uint64
	pending []pendingResponse
}

// NewFixedLatency wraps h. A negative latency is treated as zero.
func NewFixedLatency(h Handler, latency int) *FixedLatency {
	return &FixedLatency{h: h, latency: uint64(max(latency, 0))}
}

// Latency is the number of ticks between issue and response.
func (f *FixedLatency) Latency() int {
	return int(f.latency)
}

// Write applies w immediately.
func (f *FixedLatency) Write(w WriteRequest) {
	f.h.WriteRegister(w.Address, w.ByteEnable, w.Data)
}

// Issue samples the register and schedules the response.
func (f *FixedLatency) Issue(r ReadIssue) {
	f.pending = append(f.pending, pendingResponse{
		due: f.now + f.latency,
		rsp: ReadResponse{Context: r.Context, Data: f.h.ReadRegister(r.Address)},
	})
}

// Tick advances the handler and returns the response due this tick.
func (f *FixedLatency) Tick() (ReadResponse, bool) {
	if t, ok := f.h.(ticker); ok {
		t.Tick()
	}
	defer func() { f.now++ }()
	if len(f.pending) == 0 || f.pending[0].due > f.now {
		return ReadResponse{}, false
	}
	rsp := f.pending[0].rsp
	f.pending = f.pending[1:]
	return rsp, true
}
