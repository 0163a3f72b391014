// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// SignatureSize is the width of a product content hash.
const SignatureSize = 16

// Signature identifies a product by content across sessions.
type Signature [SignatureSize]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

func (s Signature) IsZero() bool { return s == Signature{} }

const (
	// MaxProductName bounds the UTF-8 product identifier in a BOP.
	MaxProductName = 1024

	bopFixedSize = 8 + SignatureSize + 2 + 2
)

var (
	ErrShortBOP    = errors.New("fmtp: BOP payload truncated")
	ErrNameTooLong = errors.New("fmtp: product name exceeds limit")
	ErrBadBOP      = errors.New("fmtp: invalid BOP")
)

// BOP is the Begin-Of-Product metadata carried in the opening packet.
// BlockSize is the payload length of every interior DATA packet; the last
// block may be shorter.
type BOP struct {
	TotalSize uint64
	Signature Signature
	BlockSize uint16
	Name      string
}

// NumBlocks returns how many DATA packets the product spans.
func (p BOP) NumBlocks() int {
	if p.TotalSize == 0 {
		return 0
	}
	bs := uint64(p.BlockSize)
	return int((p.TotalSize + bs - 1) / bs)
}

// BlockLength returns the expected payload length for the block starting at
// byte offset seq, accounting for the short trailing block.
func (p BOP) BlockLength(seq uint32) int {
	rest := p.TotalSize - uint64(seq)
	if rest < uint64(p.BlockSize) {
		return int(rest)
	}
	return int(p.BlockSize)
}

// DecodeBOP parses the BOP payload that follows the packet header.
func DecodeBOP(b []byte) (BOP, error) {
	if len(b) < bopFixedSize {
		return BOP{}, ErrShortBOP
	}
	p := BOP{
		TotalSize: binary.BigEndian.Uint64(b[0:8]),
		BlockSize: binary.BigEndian.Uint16(b[24:26]),
	}
	copy(p.Signature[:], b[8:24])
	nameLen := int(binary.BigEndian.Uint16(b[26:28]))
	if nameLen > MaxProductName {
		return BOP{}, ErrNameTooLong
	}
	if len(b) < bopFixedSize+nameLen {
		return BOP{}, ErrShortBOP
	}
	p.Name = string(b[bopFixedSize : bopFixedSize+nameLen])
	if p.BlockSize == 0 && p.TotalSize > 0 {
		return BOP{}, fmt.Errorf("%w: zero block size", ErrBadBOP)
	}
	return p, nil
}

// AppendTo appends the encoded BOP payload to b.
func (p BOP) AppendTo(b []byte) ([]byte, error) {
	if len(p.Name) > MaxProductName {
		return nil, ErrNameTooLong
	}
	var fixed [bopFixedSize]byte
	binary.BigEndian.PutUint64(fixed[0:8], p.TotalSize)
	copy(fixed[8:24], p.Signature[:])
	binary.BigEndian.PutUint16(fixed[24:26], p.BlockSize)
	binary.BigEndian.PutUint16(fixed[26:28], uint16(len(p.Name)))
	b = append(b, fixed[:]...)
	return append(b, p.Name...), nil
}
