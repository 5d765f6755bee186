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

// Package pcie builds and parses PCIe Transport Layer Packets (TLP).
//
// Headers are handled as 32-bit dwords in wire order (the first wire byte is
// the most significant byte of the dword), which is how a 128-bit TLP stream
// carries them. The byte-slice builders wrap the dword codecs.
package pcie

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// abbreviations
var (
	be = binary.BigEndian
)

// errors
var (
	ErrBadType    = errors.New("bad TLP header type")
	ErrBadLength  = errors.New("bad TLP data length")
	ErrBadAddress = errors.New("bad TLP address")
	ErrTooShort   = errors.New("TLP packet too short")
)

const (
	dwordLen = 4
	// MaxDataDwords is the largest payload a single TLP may carry.
	MaxDataDwords = 1024
	maxDataLen    = MaxDataDwords * dwordLen
	// MaxTLPBuffer is a 4 dword header + max data payload.
	MaxTLPBuffer = 4*dwordLen + maxDataLen
)

const (
	fmt3DWNoData   = 0b000
	fmt4DWNoData   = 0b001
	fmt3DWWithData = 0b010
	fmt4DWWithData = 0b011
)

// TlpType is the format and type field in the TLP header.
// See Table 2-3 in PCI EXPRESS BASE SPECIFICATION, REV. 3.1a.
type TlpType uint8

const (
	// MRd3 is a Memory Read Request encoded with 3 dwords.
	MRd3 TlpType = (fmt3DWNoData << 5) | 0b00000
	// MRd4 is a Memory Read Request encoded with 4 dwords.
	MRd4 TlpType = (fmt4DWNoData << 5) | 0b00000
	// MRdLk3 is a Memory Read Request-Locked encoded with 3 dwords.
	MRdLk3 TlpType = (fmt3DWNoData << 5) | 0b00001
	// MRdLk4 is a Memory Read Request-Locked encoded with 4 dwords.
	MRdLk4 TlpType = (fmt4DWNoData << 5) | 0b00001
	// MWr3 is a Memory Write Request encoded with 3 dwords.
	MWr3 TlpType = (fmt3DWWithData << 5) | 0b00000
	// MWr4 is a Memory Write Request encoded with 4 dwords.
	MWr4 TlpType = (fmt4DWWithData << 5) | 0b00000
	// IORdT is an I/O Read Request.
	IORdT TlpType = (fmt3DWNoData << 5) | 0b00010
	// IOWrtT is an I/O Write Request.
	IOWrtT TlpType = (fmt3DWWithData << 5) | 0b00010
	// CplE is a Completion without Data.
	CplE TlpType = (fmt3DWNoData << 5) | 0b01010
	// CplD is a Completion with Data. Used for Memory,
	// I/O, and Configuration Read Completions.
	CplD TlpType = (fmt3DWWithData << 5) | 0b01010
	// CplLk is a Completion for Locked Memory Read without
	// Data. Used only in error case.
	CplLk TlpType = (fmt3DWNoData << 5) | 0b01011
	// CplLkD is a Completion for Locked Memory Read,
	// otherwise like CplD.
	CplLkD TlpType = (fmt3DWWithData << 5) | 0b01011
)

// Is4DW reports whether the header of a TLP of type t is 4 dwords long.
func (t TlpType) Is4DW() bool {
	return (t>>5)&1 == 1
}

// HasData reports whether a TLP of type t carries a data payload.
func (t TlpType) HasData() bool {
	return (t>>5)&2 == 2
}

// HeaderDwords is the header length in dwords.
func (t TlpType) HeaderDwords() int {
	if t.Is4DW() {
		return 4
	}
	return 3
}

// AddressType is the address type field in the request header.
type AddressType uint8

// Supported address types.
const (
	DefaultUntranslated AddressType = 0b00
	TranslationRequest  AddressType = 0b01
	Translated          AddressType = 0b10
	AddressTypeReserved AddressType = 0b11
)

// TrafficClass is the traffic class field in the request header and used
// to set quality of service (QoS).
type TrafficClass uint8

// CompletionStatus is the completion status field in the completion header.
type CompletionStatus uint8

// Supported completion status.
const (
	SuccessfulCompletion      CompletionStatus = 0b000
	UnsupportedRequest        CompletionStatus = 0b001
	ConfigurationRequestRetry CompletionStatus = 0b010
	CompleterAbort            CompletionStatus = 0b100
)

// Address is the address field in the request header.
type Address uint64

func (a Address) is64() bool {
	return a > math.MaxUint32
}

// dwords encodes the address as one (3DW header) or two (4DW header) dwords.
// The 2 lower bits of the Address are reserved for TLP processing hint.
// See Figure 2-8: "32-bit Address Routing" and
//
//	Figure 2-7: "64-bit Address Routing".
func (a Address) dwords(long bool) []uint32 {
	low := uint32(a) & 0xfffffffc
	if long {
		return []uint32{uint32(a >> 32), low}
	}
	return []uint32{low}
}

func addressFromDwords(dw []uint32) Address {
	if len(dw) == 2 {
		return Address(uint64(dw[0])<<32 | uint64(dw[1]))
	}
	return Address(dw[0])
}

// TlpHeader is the first header dword, common on all TLPs.
// See section 2.2.1. Common Packet Header Fields.
type TlpHeader struct {
	// Format and type.
	Type TlpType
	// Traffic class (3b).
	TC TrafficClass
	// Indicates that a Memory Request is an LN Read or LN Write (1b).
	LN bool
	// Presence of TLP Processing Hints (1b).
	TH bool
	// Presence of TLP digest in the form of a single DW at the end of the TLP (1b).
	TD bool
	// Indicates the TLP is poisoned (1b).
	EP bool
	// Attributes (3b): no-snoop, relaxed ordering, id-based ordering.
	NS  bool
	RO  bool
	IBO bool
	// Address Type (2b).
	AT AddressType
	// Length of data payload in DW (10b).
	Length int
}

func bit(value bool, pos int) uint32 {
	if value {
		return 1 << pos
	}
	return 0
}

func isSet(dw uint32, pos int) bool {
	return (dw>>pos)&1 == 1
}

// Dword encodes the common header dword.
func (h *TlpHeader) Dword() uint32 {
	return uint32(h.Type)<<24 |
		uint32(h.TC&7)<<20 |
		bit(h.IBO, 18) |
		bit(h.LN, 17) |
		bit(h.TH, 16) |
		bit(h.TD, 15) |
		bit(h.EP, 14) |
		bit(h.RO, 13) |
		bit(h.NS, 12) |
		uint32(h.AT&3)<<10 |
		uint32(h.Length&0x3ff)
}

// FromDword decodes the common header dword.
func (h *TlpHeader) FromDword(dw uint32) {
	h.Type = TlpType(dw >> 24)
	h.TC = TrafficClass((dw >> 20) & 7)
	h.IBO = isSet(dw, 18)
	h.LN = isSet(dw, 17)
	h.TH = isSet(dw, 16)
	h.TD = isSet(dw, 15)
	h.EP = isSet(dw, 14)
	h.RO = isSet(dw, 13)
	h.NS = isSet(dw, 12)
	h.AT = AddressType((dw >> 10) & 3)
	h.Length = int(dw & 0x3ff)
}

// setLength sets the encoded TLP data length based on Table 2-4
// Length[9:0] Field Encoding.
func (h *TlpHeader) setLength(bytesLen int) error {
	if bytesLen&3 > 0 {
		return fmt.Errorf("%w: TLP length %d is not dword aligned", ErrBadLength, bytesLen)
	}
	if bytesLen > maxDataLen {
		return fmt.Errorf("%w: TLP length %d is too big, expected <= %d", ErrBadLength, bytesLen, maxDataLen)
	}

	h.Length = bytesLen >> 2
	if h.Length == MaxDataDwords {
		h.Length = 0
	}
	return nil
}

// DataDwords decodes the 10 bit length field. Zero encodes 1024 dwords.
func DataDwords(length int) int {
	length &= 0x3ff
	if length == 0 {
		return MaxDataDwords
	}
	return length
}

// DataLength decodes h.Length to data length in bytes.
// See Table 2-4 Length[9:0] Field Encoding.
func (h *TlpHeader) DataLength() int {
	return DataDwords(h.Length) * dwordLen
}

// DeviceID is a configuration space address that uniquely identifies
// the device on the PCIe fabric.
type DeviceID struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// ToUint16 encodes DeviceID to a uint16 value.
func (id *DeviceID) ToUint16() uint16 {
	return uint16(int(id.Bus)<<8 | int(id.Device&0x1f)<<3 | int(id.Function&0x07))
}

// FromUint16 assigns DeviceID from an encoded uint16 value.
func (id *DeviceID) FromUint16(value uint16) {
	id.Bus = uint8(value >> 8)
	id.Device = uint8((value >> 3) & 0x1f)
	id.Function = uint8(value & 0x07)
}

// NewDeviceID builds a new DeviceID from an encoded uint16 value.
func NewDeviceID(value uint16) (addr DeviceID) {
	addr.FromUint16(value)
	return addr
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%02x:%02x.%01x", id.Bus, id.Device, id.Function)
}

// FromString assigns DeviceID from an encoded string value.
func (id *DeviceID) FromString(value string) error {
	n, err := fmt.Sscanf(value, "%02x:%02x.%01x", &id.Bus, &id.Device, &id.Function)
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("%w: device id %q", ErrBadAddress, value)
	}
	return nil
}

// RequestHeader extends TlpHeader and includes the second header dword
// on Memory and IO Request TLPs.
type RequestHeader struct {
	TlpHeader
	// Requester ID.
	ReqID DeviceID
	// Unique tag for all outstanding requests.
	Tag uint8
	// First Byte Enable (4b).
	FirstBE uint8
	// Last Byte Enable (4b).
	LastBE uint8
}

// Dwords encodes the first two request header dwords.
func (h *RequestHeader) Dwords() [2]uint32 {
	return [2]uint32{
		h.TlpHeader.Dword(),
		uint32(h.ReqID.ToUint16())<<16 | uint32(h.Tag)<<8 | uint32(h.LastBE&0xf)<<4 | uint32(h.FirstBE&0xf),
	}
}

// FromDwords decodes the first two request header dwords.
func (h *RequestHeader) FromDwords(dw0, dw1 uint32) {
	h.TlpHeader.FromDword(dw0)
	h.ReqID.FromUint16(uint16(dw1 >> 16))
	h.Tag = uint8(dw1 >> 8)
	h.LastBE = uint8(dw1>>4) & 0xf
	h.FirstBE = uint8(dw1) & 0xf
}

func (h *RequestHeader) setByteEnables() {
	// See section 2.2.5. First/Last DW Byte Enables Rules.
	h.FirstBE = 0xf
	if DataDwords(h.Length) == 1 {
		h.LastBE = 0
	} else {
		h.LastBE = 0xf
	}
}

// CplHeader extends TlpHeader and includes the second and third header dwords
// for Completion TLPs.
// See section 2.2.9. Completion Rules
type CplHeader struct {
	TlpHeader
	// Completer ID.
	CplID DeviceID
	// Byte count: the number of bytes left for transmission, including those in
	// the current packet (12b). 4096 is encoded as 0.
	BC int
	// Completion status.
	Status CompletionStatus
	// Requester ID.
	ReqID DeviceID
	// Unique tag for all outstanding requests.
	Tag uint8
	// Lower Byte Address for starting byte of Completion (7b).
	AddressLow uint8
}

// Dwords encodes the three completion header dwords.
func (h *CplHeader) Dwords() [3]uint32 {
	return [3]uint32{
		h.TlpHeader.Dword(),
		uint32(h.CplID.ToUint16())<<16 | uint32(h.Status&7)<<13 | uint32(h.BC&0xfff),
		uint32(h.ReqID.ToUint16())<<16 | uint32(h.Tag)<<8 | uint32(h.AddressLow&0x7f),
	}
}

// FromDwords decodes the three completion header dwords.
func (h *CplHeader) FromDwords(dw [3]uint32) {
	h.TlpHeader.FromDword(dw[0])
	h.CplID.FromUint16(uint16(dw[1] >> 16))
	h.Status = CompletionStatus((dw[1] >> 13) & 7)
	h.BC = int(dw[1] & 0xfff)
	h.ReqID.FromUint16(uint16(dw[2] >> 16))
	h.Tag = uint8(dw[2] >> 8)
	h.AddressLow = uint8(dw[2] & 0x7f)
}

func appendDwords(b []byte, dws ...uint32) []byte {
	for _, dw := range dws {
		b = be.AppendUint32(b, dw)
	}
	return b
}

// Dwords splits a dword-aligned TLP buffer into wire-order dwords.
func Dwords(b []byte) []uint32 {
	dws := make([]uint32, len(b)/dwordLen)
	for i := range dws {
		dws[i] = be.Uint32(b[i*dwordLen:])
	}
	return dws
}

// peekType validates the buffer holds at least a 3 dword header and returns
// the TLP type.
func peekType(b []byte) (TlpType, error) {
	if len(b) < 3*dwordLen {
		return 0, fmt.Errorf("%w: TLP buffer too short (%d), expected at least 12 bytes", ErrTooShort, len(b))
	}
	return TlpType(b[0]), nil
}

func checkHeaderLen(t TlpType, b []byte) error {
	if want := t.HeaderDwords() * dwordLen; len(b) < want {
		return fmt.Errorf("%w: TLP buffer too short (%d), want at least %d", ErrTooShort, len(b), want)
	}
	return nil
}

// MRd TLP: Memory read request.
type MRd struct {
	RequestHeader
	Address Address
}

// ToBytes encodes MRd to wire format. The address takes two dwords when
// tlp.Type is a 4 dword header, even if it fits in 32 bits.
func (tlp *MRd) ToBytes() []byte {
	hdr := tlp.RequestHeader.Dwords()
	b := appendDwords(make([]byte, 0, 4*dwordLen), hdr[:]...)
	return appendDwords(b, tlp.Address.dwords(tlp.Type.Is4DW())...)
}

// NewMRd builds memory read request.
// |length| is the number of BYTES to read and must be DWORD aligned.
func NewMRd(reqID DeviceID, tag uint8, addr uint64, length uint32) (*MRd, error) {
	tlp := &MRd{}
	tlp.Address = Address(addr)
	if tlp.Address.is64() {
		tlp.Type = MRd4
	} else {
		tlp.Type = MRd3
	}

	if err := tlp.setLength(int(length)); err != nil {
		return nil, err
	}

	tlp.ReqID = reqID
	tlp.Tag = tag
	tlp.setByteEnables()
	return tlp, nil
}

// NewMRdFromBytes builds a memory read request from a TLP buffer.
func NewMRdFromBytes(b []byte) (*MRd, error) {
	t, err := peekType(b)
	if err != nil {
		return nil, err
	}
	if t != MRd3 && t != MRd4 {
		return nil, fmt.Errorf("%w: type %x is not supported. supported types: MRd3, MRd4", ErrBadType, t)
	}
	if err := checkHeaderLen(t, b); err != nil {
		return nil, err
	}
	dw := Dwords(b[:t.HeaderDwords()*dwordLen])
	tlp := &MRd{}
	tlp.RequestHeader.FromDwords(dw[0], dw[1])
	tlp.Address = addressFromDwords(dw[2:])
	return tlp, nil
}

// MWr TLP: Memory write request.
type MWr struct {
	RequestHeader
	Address Address
	Data    []byte
}

// ToBytes encodes MWr to wire format.
func (tlp *MWr) ToBytes() []byte {
	hdr := tlp.RequestHeader.Dwords()
	b := appendDwords(make([]byte, 0, 4*dwordLen+len(tlp.Data)), hdr[:]...)
	b = appendDwords(b, tlp.Address.dwords(tlp.Type.Is4DW())...)
	return append(b, tlp.Data...)
}

// NewMWr builds memory write request.
// len(data) must be DWORD aligned.
func NewMWr(reqID DeviceID, addr uint64, data []byte) (*MWr, error) {
	tlp := &MWr{}
	tlp.Address = Address(addr)
	if tlp.Address.is64() {
		tlp.Type = MWr4
	} else {
		tlp.Type = MWr3
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty write payload", ErrBadLength)
	}
	if err := tlp.setLength(len(data)); err != nil {
		return nil, err
	}

	tlp.ReqID = reqID
	tlp.setByteEnables()
	tlp.Data = append([]byte(nil), data...)
	return tlp, nil
}

// NewMWrFromBytes builds a memory write request from a TLP buffer.
func NewMWrFromBytes(b []byte) (*MWr, error) {
	t, err := peekType(b)
	if err != nil {
		return nil, err
	}
	if t != MWr3 && t != MWr4 {
		return nil, fmt.Errorf("%w: type %x is not supported. supported types: MWr3, MWr4", ErrBadType, t)
	}
	if err := checkHeaderLen(t, b); err != nil {
		return nil, err
	}
	hdrLen := t.HeaderDwords() * dwordLen
	dw := Dwords(b[:hdrLen])
	tlp := &MWr{}
	tlp.RequestHeader.FromDwords(dw[0], dw[1])
	tlp.Address = addressFromDwords(dw[2:])

	payload := b[hdrLen:]
	if len(payload) < tlp.DataLength() {
		return nil, fmt.Errorf("%w: TLP data too short (%d), expected %d bytes", ErrTooShort, len(payload), tlp.DataLength())
	}
	tlp.Data = append([]byte(nil), payload[:tlp.DataLength()]...)
	return tlp, nil
}

// Cpl TLP: Completion response.
type Cpl struct {
	CplHeader
	Data []byte
}

// ToBytes encodes Cpl to wire format.
func (tlp *Cpl) ToBytes() []byte {
	hdr := tlp.CplHeader.Dwords()
	b := appendDwords(make([]byte, 0, 3*dwordLen+len(tlp.Data)), hdr[:]...)
	return append(b, tlp.Data...)
}

// NewCplFromBytes builds completion response from TLP buffer.
func NewCplFromBytes(b []byte) (*Cpl, error) {
	t, err := peekType(b)
	if err != nil {
		return nil, err
	}
	if t != CplE && t != CplD && t != CplLk && t != CplLkD {
		return nil, fmt.Errorf("%w: type %x is not supported. Supported types: CplE, CplD, CplLk, CplLkD", ErrBadType, t)
	}

	tlp := &Cpl{}
	dw := Dwords(b[:3*dwordLen])
	tlp.CplHeader.FromDwords([3]uint32{dw[0], dw[1], dw[2]})
	if tlp.Type.HasData() {
		payload := b[3*dwordLen:]
		if len(payload) < tlp.DataLength() {
			return nil, fmt.Errorf("%w: TLP data too short (%d), expected %d bytes", ErrTooShort, len(payload), tlp.DataLength())
		}
		tlp.Data = append([]byte(nil), payload[:tlp.DataLength()]...)
	}
	return tlp, nil
}

// NewCpl builds completion response.
func NewCpl(cplID DeviceID, bc int, status CompletionStatus, reqID DeviceID, tag, addressLow uint8, data []byte) (*Cpl, error) {
	tlp := &Cpl{}
	tlp.CplID = cplID
	tlp.BC = bc
	tlp.Status = status
	tlp.ReqID = reqID
	tlp.Tag = tag
	tlp.AddressLow = addressLow

	if len(data) > 0 {
		tlp.Type = CplD
		if err := tlp.setLength(len(data)); err != nil {
			return nil, err
		}
		tlp.Data = append([]byte(nil), data...)
	} else {
		tlp.Type = CplE
	}
	return tlp, nil
}

// CplCalcByteCount returns the completion byte count of a read request.
// See Table 2-37: Calculating Byte Count from Length and Byte Enables.
// It returns 0 for the illegal combination of an empty first and a
// non-empty last byte enable.
func CplCalcByteCount(firstBE, lastBE, length int) int {
	first, last := uint8(firstBE&0xf), uint8(lastBE&0xf)
	if last == 0 {
		// Single dword request: the span of enabled bytes, at least one.
		if first == 0 {
			return 1
		}
		return bits.Len8(first) - bits.TrailingZeros8(first)
	}
	if first == 0 {
		return 0
	}
	return length*dwordLen - bits.TrailingZeros8(first) - (dwordLen - bits.Len8(last))
}

// CplCalcLowerAddress returns the lower address field of the first completion.
// Table 2-38: Calculating Lower Address from 1st DW BE.
func CplCalcLowerAddress(firstBE int, readAddress Address) byte {
	addr := byte(readAddress & 0x7c)
	first := uint8(firstBE & 0xf)
	if first == 0 {
		return addr
	}
	return addr + byte(bits.TrailingZeros8(first))
}

// NewCplForMrd builds a completion response that matches the given memory read request.
func NewCplForMrd(cplID DeviceID, status CompletionStatus, mrd *MRd, data []byte) (*Cpl, error) {
	if len(data) != mrd.DataLength() {
		return nil, fmt.Errorf("%w: buffer size (%d) does not match expected DataLength (%d)", ErrBadLength, len(data), mrd.DataLength())
	}
	bc := CplCalcByteCount(int(mrd.FirstBE), int(mrd.LastBE), DataDwords(mrd.Length))
	addressLow := CplCalcLowerAddress(int(mrd.FirstBE), mrd.Address)
	return NewCpl(cplID, bc, status, mrd.ReqID, mrd.Tag, addressLow, data)
}
