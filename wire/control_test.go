// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	sub := SubscribeMsg{Feed: "ngrid2", Secret: "hunter2", Endpoint: "10.0.0.5:48000"}
	require.NoError(t, WriteFrame(&buf, CtrlSubscribe, sub.Encode()))

	reply := SubscribeReply{Status: StatusOK, Group: "224.0.1.129", Port: 38800}
	require.NoError(t, WriteFrame(&buf, CtrlSubscribeReply, reply.Encode()))

	tag, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, CtrlSubscribe, tag)
	gotSub, err := DecodeSubscribe(body)
	require.NoError(t, err)
	require.Equal(t, sub, gotSub)

	tag, body, err = ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, CtrlSubscribeReply, tag)
	gotReply, err := DecodeSubscribeReply(body)
	require.NoError(t, err)
	require.Equal(t, reply, gotReply)
}

func TestControlMissedAndBacklog(t *testing.T) {
	m, err := DecodeMissed(MissedMsg{Index: 42}.Encode())
	require.NoError(t, err)
	require.Equal(t, uint32(42), m.Index)

	var from, to Signature
	copy(from[:], "ffffffffffffffff")
	copy(to[:], "tttttttttttttttt")
	bl := BacklogMsg{From: from, To: to, TimeOffsetSec: 3600}
	got, err := DecodeBacklog(bl.Encode())
	require.NoError(t, err)
	require.Equal(t, bl, got)

	_, err = DecodeBacklog(bl.Encode()[:10])
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestControlFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, CtrlSubscribe, make([]byte, MaxControlFrame))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// Oversized length prefix on the read side
	buf.Reset()
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, _, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	buf.Reset()
	buf.Write([]byte{0, 0, 0, 0})
	_, _, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrShortFrame)
}
