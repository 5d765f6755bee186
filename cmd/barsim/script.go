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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kilmu1337/pcileech-csi2host/bar"
	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

var errBadScript = errors.New("bad script")

// parseScript reads one request per line:
//
//	write <slot> <addr> <hex register value>...
//	read <slot> <addr> <dwords> [tag]
//
// Blank lines and text after # are ignored. Reads without a tag are
// tagged in sequence.
func parseScript(r io.Reader, reqID pcie.DeviceID) ([]bar.Packet, error) {
	var pkts []bar.Packet
	var tag uint8
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line, _, _ := strings.Cut(sc.Text(), "#")
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		pkt, err := parseLine(f, reqID, &tag)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		pkts = append(pkts, pkt)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pkts, nil
}

func parseLine(f []string, reqID pcie.DeviceID, tag *uint8) (bar.Packet, error) {
	switch f[0] {
	case "write":
		if len(f) < 4 {
			return bar.Packet{}, fmt.Errorf("%w: write needs a slot, an address and data", errBadScript)
		}
	case "read":
		if len(f) != 4 && len(f) != 5 {
			return bar.Packet{}, fmt.Errorf("%w: read needs a slot, an address, a length and an optional tag", errBadScript)
		}
	default:
		return bar.Packet{}, fmt.Errorf("%w: unknown request %q", errBadScript, f[0])
	}

	slot, err := strconv.Atoi(f[1])
	if err != nil || slot < 0 || slot >= bar.NumSlots {
		return bar.Packet{}, fmt.Errorf("%w: slot %q, want 0..%d", errBadScript, f[1], bar.NumSlots-1)
	}
	addr, err := strconv.ParseUint(f[2], 0, 64)
	if err != nil {
		return bar.Packet{}, fmt.Errorf("%w: address %q: %v", errBadScript, f[2], err)
	}
	hit := uint8(1) << slot

	if f[0] == "write" {
		var data []byte
		for _, s := range f[3:] {
			v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
			if err != nil {
				return bar.Packet{}, fmt.Errorf("%w: data %q: %v", errBadScript, s, err)
			}
			data = binary.LittleEndian.AppendUint32(data, uint32(v))
		}
		tlp, err := pcie.NewMWr(reqID, addr, data)
		if err != nil {
			return bar.Packet{}, err
		}
		return bar.Packet{TLP: tlp.ToBytes(), Hit: hit}, nil
	}

	dwords, err := strconv.Atoi(f[3])
	if err != nil || dwords < 1 || dwords > pcie.MaxDataDwords {
		return bar.Packet{}, fmt.Errorf("%w: length %q, want 1..%d dwords", errBadScript, f[3], pcie.MaxDataDwords)
	}
	t := *tag
	if len(f) == 5 {
		v, err := strconv.ParseUint(f[4], 0, 8)
		if err != nil {
			return bar.Packet{}, fmt.Errorf("%w: tag %q: %v", errBadScript, f[4], err)
		}
		t = uint8(v)
	} else {
		*tag++
	}
	tlp, err := pcie.NewMRd(reqID, t, addr, uint32(dwords*4))
	if err != nil {
		return bar.Packet{}, err
	}
	return bar.Packet{TLP: tlp.ToBytes(), Hit: hit}, nil
}
