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

// barsim runs a script of PCIe memory requests through a BAR controller
// and prints the completions it returns.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/kilmu1337/pcileech-csi2host/bar"
	"github.com/kilmu1337/pcileech-csi2host/pcie"
	"github.com/kilmu1337/pcileech-csi2host/regspace"
)

var (
	scriptPath = flag.String("script", "-", "request script, - for stdin")
	slotList   = flag.String("slots", "memory,loopback,table", "register space kind per slot: memory, loopback, nop, table, irq or empty")
	latency    = flag.Int("latency", 2, "register read latency in ticks")
	maxTicks   = flag.Int("max-ticks", 1<<20, "ticks to run before giving up")
	memSize    = flag.Int("mem-size", 4096, "memory slot size in bytes")
	warmup     = flag.Int("irq-warmup", 16, "ticks before an irq slot asserts its interrupt")
	requester  = flag.String("requester", "00:00.0", "requester id of scripted requests")
	completer  = flag.String("completer", "01:00.0", "completer id of completions")

	writeDepth    = flag.Int("write-queue", 512, "write queue depth in beats")
	writeNearFull = flag.Int("write-near-full", 256, "write queue pause threshold")
	readDepth     = flag.Int("read-queue", 64, "read queue depth in beats")
	readNearFull  = flag.Int("read-near-full", 48, "read queue pause threshold")
	cplDepth      = flag.Int("completion-queue", 64, "completion queue depth in beats")
)

func config() (bar.Config, pcie.DeviceID, error) {
	cfg := bar.DefaultConfig()
	cfg.WriteQueueDepth = *writeDepth
	cfg.WriteQueueNearFull = *writeNearFull
	cfg.ReadQueueDepth = *readDepth
	cfg.ReadQueueNearFull = *readNearFull
	cfg.CompletionQueueDepth = *cplDepth

	var reqID pcie.DeviceID
	if err := reqID.FromString(*requester); err != nil {
		return cfg, reqID, fmt.Errorf("bad -requester: %w", err)
	}
	if err := cfg.CompleterID.FromString(*completer); err != nil {
		return cfg, reqID, fmt.Errorf("bad -completer: %w", err)
	}
	return cfg, reqID, nil
}

func openScript(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// printCompletion writes one line per completion, data as register values.
func printCompletion(w io.Writer, tlp []byte) error {
	cpl, err := pcie.NewCplFromBytes(tlp)
	if err != nil {
		return err
	}
	glog.V(2).Infof("completion %d bytes:\n%s", len(tlp), hex.Dump(tlp))
	var data []string
	for i := 0; i+4 <= len(cpl.Data); i += 4 {
		data = append(data, fmt.Sprintf("%08x", binary.LittleEndian.Uint32(cpl.Data[i:])))
	}
	_, err = fmt.Fprintf(w, "cpl tag %02x req %v cpl %v bc %d lower %02x len %d: %s\n",
		cpl.Tag, cpl.ReqID, cpl.CplID, cpl.BC, cpl.AddressLow, cpl.Length, strings.Join(data, " "))
	return err
}

func run(w io.Writer) error {
	cfg, reqID, err := config()
	if err != nil {
		return err
	}
	c, err := bar.New(cfg)
	if err != nil {
		return err
	}
	handlers, err := buildSlots(*slotList, slotOptions{memSize: *memSize, warmup: *warmup})
	if err != nil {
		return err
	}
	for i, h := range handlers {
		if h == nil {
			continue
		}
		if err := c.Attach(i, bar.NewFixedLatency(h, *latency)); err != nil {
			return err
		}
	}

	f, err := openScript(*scriptPath)
	if err != nil {
		return err
	}
	pkts, err := parseScript(f, reqID)
	f.Close()
	if err != nil {
		return err
	}
	glog.V(1).Infof("running %d requests", len(pkts))

	tlps, runErr := bar.Run(c, pkts, *maxTicks)
	for _, tlp := range tlps {
		if err := printCompletion(w, tlp); err != nil {
			return err
		}
	}
	for i, h := range handlers {
		if t, ok := h.(*regspace.InterruptTimer); ok {
			fmt.Fprintf(w, "slot %d interrupt asserted: %v\n", i, t.Asserted())
		}
	}
	fmt.Fprintf(w, "ticks %d stats %+v\n", c.Now(), c.Stats())
	return runErr
}

func main() {
	flag.Parse()
	defer glog.Flush()
	if err := run(os.Stdout); err != nil {
		glog.Exit(err)
	}
}
