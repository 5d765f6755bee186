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
	"math"

	"github.com/golang/glog"
	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

// completionPacker packs dword responses into completion beats. The first
// beat of a completion carries the 3 dword header and the first data dword.
type completionPacker struct {
	out   *Queue[Beat]
	cplID pcie.DeviceID
	stats *Stats

	cur  Beat
	n    int
	open bool
	// Completion packets buffered in out, saturating.
	pending int
}

func (p *completionPacker) accept(r ReadResponse) {
	ctx := &r.Context
	data := fromRegister(r.Data)
	switch {
	case ctx.First:
		if p.open {
			glog.V(1).Infof("bar: completion tag %#x abandoned after %d dwords", p.cur.Data[2]>>8&0xff, p.n)
		}
		hdr := pcie.CplHeader{
			CplID:      p.cplID,
			BC:         int(ctx.ByteCount),
			Status:     pcie.SuccessfulCompletion,
			ReqID:      ctx.ReqID,
			Tag:        ctx.Tag,
			AddressLow: ctx.LowerAddress(),
		}
		hdr.Type = pcie.CplD
		if ctx.Locked {
			hdr.Type = pcie.CplLkD
		}
		hdr.Length = int(ctx.Length)
		dw := hdr.Dwords()
		p.cur = Beat{Data: [BeatDwords]uint32{dw[0], dw[1], dw[2], data}, Keep: 0xf, First: true}
		p.n = BeatDwords
		p.open = true
	case p.open:
		p.cur.Data[p.n] = data
		p.cur.Keep |= 1 << p.n
		p.n++
	default:
		p.stats.StrayResponses++
		glog.V(1).Infof("bar: read response outside a completion dropped (tag %#x addr %#x)", ctx.Tag, ctx.Address)
		return
	}
	p.stats.Responses++

	if ctx.Last {
		p.cur.Last = true
		p.open = false
	}
	if p.n == BeatDwords || ctx.Last {
		p.emit()
	}
}

func (p *completionPacker) emit() {
	if !p.out.TryPush(p.cur) {
		p.stats.CompletionOverflow++
		glog.V(1).Infof("bar: completion beat dropped, queue full")
	} else if p.cur.Last {
		p.stats.Completions++
		if p.pending < math.MaxUint16 {
			p.pending++
		}
	}
	glog.V(2).Infof("bar: completion beat keep %04b first=%v last=%v", p.cur.Keep, p.cur.First, p.cur.Last)
	p.cur = Beat{}
	p.n = 0
}

// consumed accounts for a beat taken by the transport.
func (p *completionPacker) consumed(b *Beat) {
	if b.Last && p.pending > 0 {
		p.pending--
	}
}
