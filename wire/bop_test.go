// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBOPRoundTrip(t *testing.T) {
	p := BOP{
		TotalSize: 3000,
		BlockSize: 1200,
		Name:      "surface/temp/20240112.grb2",
	}
	copy(p.Signature[:], "0123456789abcdef")

	b, err := p.AppendTo(nil)
	require.NoError(t, err)

	got, err := DecodeBOP(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestBOPRejects(t *testing.T) {
	_, err := DecodeBOP(make([]byte, bopFixedSize-1))
	require.ErrorIs(t, err, ErrShortBOP)

	p := BOP{TotalSize: 10, BlockSize: 1200, Name: strings.Repeat("x", MaxProductName+1)}
	_, err = p.AppendTo(nil)
	require.ErrorIs(t, err, ErrNameTooLong)

	// Name length field pointing past the buffer
	p = BOP{TotalSize: 10, BlockSize: 1200, Name: "abc"}
	b, err := p.AppendTo(nil)
	require.NoError(t, err)
	_, err = DecodeBOP(b[:len(b)-1])
	require.ErrorIs(t, err, ErrShortBOP)

	// Zero block size with data is unusable
	p = BOP{TotalSize: 10, BlockSize: 0}
	b, err = p.AppendTo(nil)
	require.NoError(t, err)
	_, err = DecodeBOP(b)
	require.ErrorIs(t, err, ErrBadBOP)
}

func TestBOPBlockMath(t *testing.T) {
	p := BOP{TotalSize: 3000, BlockSize: 1200}
	require.Equal(t, 3, p.NumBlocks())
	require.Equal(t, 1200, p.BlockLength(0))
	require.Equal(t, 1200, p.BlockLength(1200))
	require.Equal(t, 600, p.BlockLength(2400))

	// Exact multiple has no short block
	p = BOP{TotalSize: 2400, BlockSize: 1200}
	require.Equal(t, 2, p.NumBlocks())
	require.Equal(t, 1200, p.BlockLength(1200))

	require.Equal(t, 0, BOP{BlockSize: 1200}.NumBlocks())
}
