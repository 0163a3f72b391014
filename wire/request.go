// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package wire

import (
	"errors"
	"fmt"
)

// RequestKind enumerates retransmission requests a receiver can issue.
type RequestKind uint8

const (
	ReqMissingBOP RequestKind = iota + 1
	ReqMissingData
	ReqMissingEOP
	ReqRetxEnd
)

func (k RequestKind) String() string {
	switch k {
	case ReqMissingBOP:
		return "MISSING_BOP"
	case ReqMissingData:
		return "MISSING_DATA"
	case ReqMissingEOP:
		return "MISSING_EOP"
	case ReqRetxEnd:
		return "RETX_END"
	}
	return fmt.Sprintf("REQ(%d)", uint8(k))
}

// Request is one retransmission request. Seq and Length are meaningful for
// ReqMissingData only.
type Request struct {
	Kind   RequestKind
	Index  uint32
	Seq    uint32
	Length uint16
}

var ErrBadRequest = errors.New("fmtp: invalid request envelope")

// EncodeRequest packs a request into a header-only 16 byte frame. All four
// kinds share the envelope; the kind is carried in the flag bits.
func EncodeRequest(r Request) ([]byte, error) {
	h := Header{ProductIndex: r.Index, Flags: FlagRetxReq}
	switch r.Kind {
	case ReqMissingBOP:
		h.Flags |= FlagBOP
	case ReqMissingData:
		h.Sequence = r.Seq
		h.PayloadLength = r.Length
	case ReqMissingEOP:
		h.Flags |= FlagEOP
	case ReqRetxEnd:
		h.Flags |= FlagRetxEnd
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrBadRequest, r.Kind)
	}
	return h.Encode(), nil
}

// DecodeRequest recovers a request from a header frame carrying FlagRetxReq.
func DecodeRequest(h Header) (Request, error) {
	if !h.Flags.Has(FlagRetxReq) {
		return Request{}, fmt.Errorf("%w: not a request frame", ErrBadRequest)
	}
	r := Request{Index: h.ProductIndex}
	switch h.Flags &^ FlagRetxReq {
	case FlagBOP:
		r.Kind = ReqMissingBOP
	case FlagEOP:
		r.Kind = ReqMissingEOP
	case FlagRetxEnd:
		r.Kind = ReqRetxEnd
	case 0:
		r.Kind = ReqMissingData
		r.Seq = h.Sequence
		r.Length = h.PayloadLength
	default:
		return Request{}, fmt.Errorf("%w: flags %s", ErrBadRequest, h.Flags)
	}
	return r, nil
}
