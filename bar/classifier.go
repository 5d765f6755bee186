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

type role int

const (
	roleUnrecognized role = iota
	roleUnrouted
	roleNotReady
	roleRead
	roleWrite
)

func (r role) String() string {
	switch r {
	case roleUnrouted:
		return "unrouted"
	case roleNotReady:
		return "not ready"
	case roleRead:
		return "read"
	case roleWrite:
		return "write"
	}
	return "unrecognized"
}

// Request type codes with the format bits stripped.
const (
	kindMem   = 0b00000
	kindMemLk = 0b00001
	kindIO    = 0b00010
)

// isRequest excludes TLP prefixes, whose format field has bit 2 set.
func isRequest(t pcie.TlpType) bool {
	return t>>7 == 0
}

// MRd and MRdLk in either header size, or IORd.
func isReadType(t pcie.TlpType) bool {
	if !isRequest(t) || t.HasData() {
		return false
	}
	switch t & 0x1f {
	case kindMem, kindMemLk:
		return true
	case kindIO:
		return !t.Is4DW()
	}
	return false
}

// MWr in either header size, or IOWr.
func isWriteType(t pcie.TlpType) bool {
	if !isRequest(t) || !t.HasData() {
		return false
	}
	switch t & 0x1f {
	case kindMem:
		return true
	case kindIO:
		return !t.Is4DW()
	}
	return false
}

// classifier decides the role of each incoming beat. inWrite is set while
// the previous beat belonged to a write that had not ended, so the next
// beat passes as its continuation.
type classifier struct {
	inWrite bool
}

// classify must be called once per offered beat. Reads are single beat
// packets; writes span one or more beats.
func (c *classifier) classify(b *Beat, readReady, writeReady bool) role {
	if c.inWrite && !b.First {
		c.inWrite = !b.Last
		return roleWrite
	}
	c.inWrite = false

	typ := pcie.TlpType(b.Data[0] >> 24)
	switch {
	case !b.First:
		return roleUnrecognized
	case isWriteType(typ):
		if !oneHot(b.Hit) {
			return roleUnrouted
		}
		if !writeReady {
			return roleNotReady
		}
		c.inWrite = !b.Last
		return roleWrite
	case isReadType(typ) && b.Last:
		if !oneHot(b.Hit) {
			return roleUnrouted
		}
		if !readReady {
			return roleNotReady
		}
		return roleRead
	}
	return roleUnrecognized
}
