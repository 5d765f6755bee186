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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kilmu1337/pcileech-csi2host/bar"
	"github.com/kilmu1337/pcileech-csi2host/pcie"
	"github.com/kilmu1337/pcileech-csi2host/regspace"
)

var reqID = pcie.DeviceID{Bus: 0x61}

const script = `
# fill then read back
write 0 0x40 11223344 0xaabbccdd
read 0 0x40 2
read 1 0x1000 40 0x80   # split in two
`

func TestParseScript(t *testing.T) {
	pkts, err := parseScript(strings.NewReader(script), reqID)
	if err != nil {
		t.Fatalf("parseScript() = _, %v, want nil err", err)
	}
	if len(pkts) != 3 {
		t.Fatalf("parseScript() = %d packets, want 3", len(pkts))
	}
	hits := []uint8{pkts[0].Hit, pkts[1].Hit, pkts[2].Hit}
	if diff := cmp.Diff([]uint8{1, 1, 2}, hits); diff != "" {
		t.Errorf("Unexpected hits:\n%s", diff)
	}

	wr, err := pcie.NewMWrFromBytes(pkts[0].TLP)
	if err != nil {
		t.Fatalf("NewMWrFromBytes() = _, %v, want nil err", err)
	}
	wantData := []byte{0x44, 0x33, 0x22, 0x11, 0xdd, 0xcc, 0xbb, 0xaa}
	if wr.Address != 0x40 || !bytes.Equal(wr.Data, wantData) || wr.ReqID != reqID {
		t.Errorf("write = %+v, want address 0x40 and data % x", wr, wantData)
	}

	rd, err := pcie.NewMRdFromBytes(pkts[1].TLP)
	if err != nil {
		t.Fatalf("NewMRdFromBytes() = _, %v, want nil err", err)
	}
	if rd.Address != 0x40 || rd.Length != 2 || rd.Tag != 0 {
		t.Errorf("read = %+v, want address 0x40, 2 dwords, tag 0", rd)
	}
	rd, err = pcie.NewMRdFromBytes(pkts[2].TLP)
	if err != nil {
		t.Fatalf("NewMRdFromBytes() = _, %v, want nil err", err)
	}
	if rd.Address != 0x1000 || rd.Length != 40 || rd.Tag != 0x80 {
		t.Errorf("read = %+v, want address 0x1000, 40 dwords, tag 0x80", rd)
	}
}

func TestParseScriptTagsInSequence(t *testing.T) {
	pkts, err := parseScript(strings.NewReader("read 0 0 1\nread 0 4 1 9\nread 0 8 1\n"), reqID)
	if err != nil {
		t.Fatalf("parseScript() = _, %v, want nil err", err)
	}
	var tags []uint8
	for _, p := range pkts {
		rd, err := pcie.NewMRdFromBytes(p.TLP)
		if err != nil {
			t.Fatalf("NewMRdFromBytes() = _, %v, want nil err", err)
		}
		tags = append(tags, rd.Tag)
	}
	if diff := cmp.Diff([]uint8{0, 9, 1}, tags); diff != "" {
		t.Errorf("Unexpected tags:\n%s", diff)
	}
}

func TestParseScriptLongAddress(t *testing.T) {
	pkts, err := parseScript(strings.NewReader("read 2 0x100000000 1"), reqID)
	if err != nil {
		t.Fatalf("parseScript() = _, %v, want nil err", err)
	}
	rd, err := pcie.NewMRdFromBytes(pkts[0].TLP)
	if err != nil {
		t.Fatalf("NewMRdFromBytes() = _, %v, want nil err", err)
	}
	if rd.Type != pcie.MRd4 {
		t.Errorf("read type = %v, want MRd4", rd.Type)
	}
}

func TestParseScriptErrors(t *testing.T) {
	for _, line := range []string{
		"poke 0 0 1",
		"write 0 0x40",
		"write 7 0x40 1",
		"write 0 zz 1",
		"write 0 0 xyz",
		"read 0 0",
		"read 0 0 0",
		"read 0 0 1025",
		"read 0 0 1 256",
		"read -1 0 1",
	} {
		_, err := parseScript(strings.NewReader("\n"+line), reqID)
		if !errors.Is(err, errBadScript) {
			t.Errorf("parseScript(%q) = _, %v, want errBadScript", line, err)
		}
		if err != nil && !strings.HasPrefix(err.Error(), "line 2:") {
			t.Errorf("parseScript(%q) error %q doesn't name line 2", line, err)
		}
	}
}

func TestBuildSlots(t *testing.T) {
	slots, err := buildSlots("memory,,loopback,nop,table,irq", slotOptions{memSize: 64, warmup: 1})
	if err != nil {
		t.Fatalf("buildSlots() = _, %v, want nil err", err)
	}
	if slots[1] != nil || slots[6] != nil {
		t.Errorf("empty slots attached: %v", slots)
	}
	if _, ok := slots[0].(*regspace.Memory); !ok {
		t.Errorf("slot 0 = %T, want *regspace.Memory", slots[0])
	}
	if _, ok := slots[5].(*regspace.InterruptTimer); !ok {
		t.Errorf("slot 5 = %T, want *regspace.InterruptTimer", slots[5])
	}
	if got := slots[4].ReadRegister(0x0); got != idRegisters[0] {
		t.Errorf("table slot id register = %#x, want %#x", got, idRegisters[0])
	}

	if _, err := buildSlots("memory,disk", slotOptions{}); !errors.Is(err, errBadScript) {
		t.Errorf("buildSlots(disk) = _, %v, want errBadScript", err)
	}
	if _, err := buildSlots(",,,,,,,", slotOptions{}); !errors.Is(err, errBadScript) {
		t.Errorf("buildSlots(8 slots) = _, %v, want errBadScript", err)
	}
}

func TestScriptRunsThroughController(t *testing.T) {
	pkts, err := parseScript(strings.NewReader(script), reqID)
	if err != nil {
		t.Fatalf("parseScript() = _, %v, want nil err", err)
	}
	slots, err := buildSlots("memory,loopback", slotOptions{memSize: 4096})
	if err != nil {
		t.Fatalf("buildSlots() = _, %v, want nil err", err)
	}
	cfg := bar.DefaultConfig()
	cfg.CompleterID = pcie.DeviceID{Bus: 1}
	c, err := bar.New(cfg)
	if err != nil {
		t.Fatalf("bar.New() = _, %v, want nil err", err)
	}
	for i, h := range slots {
		if h != nil {
			c.Attach(i, bar.NewFixedLatency(h, 2))
		}
	}
	tlps, err := bar.Run(c, pkts, 10000)
	if err != nil {
		t.Fatalf("bar.Run() = _, %v, want nil err", err)
	}

	var out bytes.Buffer
	for _, tlp := range tlps {
		if err := printCompletion(&out, tlp); err != nil {
			t.Fatalf("printCompletion() = %v, want nil err", err)
		}
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("printed %d completions, want 3:\n%s", len(lines), out.String())
	}
	want := "cpl tag 00 req 61:00.0 cpl 01:00.0 bc 8 lower 40 len 2: 11223344 aabbccdd"
	if lines[0] != want {
		t.Errorf("completion 0 = %q, want %q", lines[0], want)
	}
	if !strings.HasPrefix(lines[1], "cpl tag 80 req 61:00.0 cpl 01:00.0 bc 160 lower 00 len 32: 00001000 00001004") {
		t.Errorf("completion 1 = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "cpl tag 80 req 61:00.0 cpl 01:00.0 bc 32 lower 00 len 8: 00001080") {
		t.Errorf("completion 2 = %q", lines[2])
	}
}
