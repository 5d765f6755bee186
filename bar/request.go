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
	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

// WriteRequest is a single register write. It lives for the tick it is
// handed to the arbiter.
type WriteRequest struct {
	Slot       int
	Address    uint32
	ByteEnable uint8
	// Register value, byte 0 at Address.
	Data uint32
}

// Descriptor is a parsed read request.
type Descriptor struct {
	Slot    int
	Address uint32
	FirstBE uint8
	LastBE  uint8
	// Dwords to read, 1..1024.
	Length int
	ReqID  pcie.DeviceID
	Tag    uint8
	// Locked read, answered with CplLkD.
	Locked bool
}

// SubRequest is a bounded piece of a read request answered by one
// completion. It holds at most 32 dwords and never crosses a 128 byte
// boundary.
type SubRequest struct {
	Slot    int
	Address uint32
	Length  int
	// Bytes remaining in the request, including this sub-request.
	ByteCount int
	// Lower 7 bits of the address of the first enabled byte.
	LowerAddress uint8
	FirstBE      uint8
	// Position within the original request.
	FirstOfRequest bool
	LastOfRequest  bool
	ReqID          pcie.DeviceID
	Tag            uint8
	Locked         bool
}

// ReadIssue is a single dword register read.
type ReadIssue struct {
	Slot       int
	Address    uint32
	ByteEnable uint8
	Context    Context
}

// ReadResponse answers a ReadIssue. Context is returned unchanged.
type ReadResponse struct {
	Context Context
	// Register value, byte 0 at the issue address.
	Data uint32
}
