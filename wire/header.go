// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package wire implements the FMTP wire format: the fixed 16 byte packet
// header shared by multicast and retransmission paths, the BOP metadata
// payload, retransmission request envelopes and the length prefixed control
// frames used on the control connection.
//
// The package is stateless, and header decoding is allocation free. Apart
// from the session memory file in the root package, it is the only place in
// the module that touches byte order.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed FMTP header length in bytes.
	HeaderSize = 16

	// MaxDatagramSize is the largest packet the sender may emit.
	MaxDatagramSize = 1460

	// MaxBlockSize is the largest payload a single packet can carry.
	MaxBlockSize = MaxDatagramSize - HeaderSize
)

// Flags classify an FMTP packet. Retransmitted BOP/DATA/EOP carry FlagRetx
// combined with the plain flag.
type Flags uint16

const (
	FlagBOP     Flags = 0x0001
	FlagEOP     Flags = 0x0002
	FlagRetxReq Flags = 0x0008
	FlagRetx    Flags = 0x0010
	FlagRetxEnd Flags = 0x0020

	flagsKnown = FlagBOP | FlagEOP | FlagRetxReq | FlagRetx | FlagRetxEnd
)

func (f Flags) Has(bits Flags) bool { return f&bits == bits }

func (f Flags) String() string {
	switch {
	case f.Has(FlagRetx | FlagBOP):
		return "RETX_BOP"
	case f.Has(FlagRetx | FlagEOP):
		return "RETX_EOP"
	case f.Has(FlagRetxReq | FlagRetxEnd):
		return "RETX_REJ"
	case f.Has(FlagRetxReq):
		return "RETX_REQ"
	case f.Has(FlagRetxEnd):
		return "RETX_END"
	case f.Has(FlagRetx):
		return "RETX_DATA"
	case f.Has(FlagBOP):
		return "BOP"
	case f.Has(FlagEOP):
		return "EOP"
	default:
		return "DATA"
	}
}

var (
	ErrShortPacket  = errors.New("fmtp: packet shorter than header")
	ErrBadFlags     = errors.New("fmtp: invalid flag combination")
	ErrBadPayload   = errors.New("fmtp: payload length exceeds packet")
	ErrPayloadLarge = errors.New("fmtp: payload length exceeds max datagram")
)

// Header is the fixed preamble of every FMTP packet, multicast or TCP framed.
// Sequence is the byte offset of the payload within the product.
type Header struct {
	ProductIndex  uint32
	Sequence      uint32
	PayloadLength uint16
	Flags         Flags
}

// DecodeHeader reads a header from the first HeaderSize bytes of b.
// Unknown flag bits and BOP+EOP together are rejected.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	h := Header{
		ProductIndex:  binary.BigEndian.Uint32(b[0:4]),
		Sequence:      binary.BigEndian.Uint32(b[4:8]),
		PayloadLength: binary.BigEndian.Uint16(b[8:10]),
		Flags:         Flags(binary.BigEndian.Uint16(b[10:12])),
	}
	if h.Flags&^flagsKnown != 0 {
		return Header{}, fmt.Errorf("%w: 0x%04x", ErrBadFlags, uint16(h.Flags))
	}
	if h.Flags.Has(FlagBOP | FlagEOP) {
		return Header{}, fmt.Errorf("%w: BOP and EOP both set", ErrBadFlags)
	}
	if h.PayloadLength > MaxBlockSize {
		return Header{}, ErrPayloadLarge
	}
	return h, nil
}

// DecodePacket splits a full datagram into header and payload, validating the
// advertised payload length against the real packet size.
func DecodePacket(b []byte) (Header, []byte, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	if int(h.PayloadLength) > len(b)-HeaderSize {
		return Header{}, nil, ErrBadPayload
	}
	return h, b[HeaderSize : HeaderSize+int(h.PayloadLength)], nil
}

// AppendTo appends the encoded header to b. The 4 reserved bytes are zero.
func (h Header) AppendTo(b []byte) []byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.ProductIndex)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLength)
	binary.BigEndian.PutUint16(buf[10:12], uint16(h.Flags))
	return append(b, buf[:]...)
}

// Encode returns the header as a fresh 16 byte slice.
func (h Header) Encode() []byte {
	return h.AppendTo(make([]byte, 0, HeaderSize))
}

// RecencyWindow bounds how far ahead of the last started product an index may
// be and still count as current. Unsigned wrap around is part of the compare.
const RecencyWindow uint32 = 1 << 30

// IndexAfter reports whether b is ahead of a under wrap around arithmetic,
// within the recency window.
func IndexAfter(a, b uint32) bool {
	d := b - a
	return d != 0 && d < RecencyWindow
}

// IndexInWindow reports whether idx lies within the recency window of last,
// in either direction.
func IndexInWindow(last, idx uint32) bool {
	return idx-last < RecencyWindow || last-idx < RecencyWindow
}
