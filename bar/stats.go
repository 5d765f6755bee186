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

// Stats counts controller events. Drops are silent on the wire and only
// visible here and in V(1) logs.
type Stats struct {
	// Beats offered by the transport.
	Beats uint64
	// Beats that matched no read or write pattern.
	Unrecognized uint64
	// Start beats whose BAR hit was not one-hot.
	Unrouted uint64
	// Start beats dropped because the target queue was not ready.
	NotReady uint64
	// Beats dropped on a full queue.
	WriteOverflow uint64
	ReadOverflow  uint64
	// Write beats seen without a preceding header.
	OrphanBeats uint64
	// Write requests abandoned before their last dword.
	TruncatedWrites uint64
	// Write beats accepted after an earlier beat of the same packet was
	// dropped. Their data lands at the dropped beat's addresses.
	ShiftedBeats uint64

	// Register writes and dword read issues handed to the arbiter.
	Writes     uint64
	ReadIssues uint64
	// Accesses routed to a slot without a responder.
	Unattached uint64
	// Read responses accepted by the completion packer.
	Responses uint64
	// Ticks where more than one slot responded.
	ResponderConflicts uint64
	// Responses that arrived outside an open completion.
	StrayResponses uint64

	// Completion packets produced.
	Completions uint64
	// Completion beats dropped on a full completion queue.
	CompletionOverflow uint64
}
