// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package fmtp

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/emiago/fmtp/wire"
)

func testControl(t *testing.T, strict bool) (*ControlClient, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := &ControlClient{
		conn:    client,
		timeout: 200 * time.Millisecond,
		strict:  strict,
		log:     zerolog.Nop(),
	}
	return c, server
}

func TestControlSubscribe(t *testing.T) {
	c, server := testControl(t, false)

	go func() {
		tag, body, err := wire.ReadFrame(server)
		if err != nil || tag != wire.CtrlSubscribe {
			return
		}
		msg, err := wire.DecodeSubscribe(body)
		if err != nil || msg.Feed != "ngrid2" || msg.Secret != "hunter2" {
			return
		}
		reply := wire.SubscribeReply{Status: wire.StatusOK, Group: "224.0.1.129", Port: 38800}
		wire.WriteFrame(server, wire.CtrlSubscribeReply, reply.Encode())
	}()

	reply, err := c.Subscribe("ngrid2", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "224.0.1.129", reply.Group)
	require.Equal(t, uint16(38800), reply.Port)
}

func TestControlSubscribeRefused(t *testing.T) {
	c, server := testControl(t, false)

	go func() {
		wire.ReadFrame(server)
		reply := wire.SubscribeReply{Status: wire.StatusUnauthorized}
		wire.WriteFrame(server, wire.CtrlSubscribeReply, reply.Encode())
	}()

	_, err := c.Subscribe("ngrid2", "wrong")
	require.ErrorIs(t, err, ErrSubscribeRefused)
}

func TestControlSubscribeTimeout(t *testing.T) {
	c, server := testControl(t, false)

	// Server swallows the request and never replies
	go func() {
		wire.ReadFrame(server)
	}()

	_, err := c.Subscribe("ngrid2", "")
	require.Error(t, err)
}

func TestControlFireAndForget(t *testing.T) {
	c, server := testControl(t, false)

	go func() {
		for {
			tag, body, err := wire.ReadFrame(server)
			if err != nil {
				return
			}
			switch tag {
			case wire.CtrlRequestMissed:
				if _, err := wire.DecodeMissed(body); err != nil {
					return
				}
			case wire.CtrlRequestBacklog:
				if _, err := wire.DecodeBacklog(body); err != nil {
					return
				}
			}
		}
	}()

	require.NoError(t, c.RequestMissed(15))

	var from, to wire.Signature
	from[0], to[0] = 1, 2
	require.NoError(t, c.RequestBacklog(from, to, time.Hour))
}

func TestControlTimeoutLenient(t *testing.T) {
	// Nobody reads the pipe: the write times out. The original treats that
	// as sent for fire and forget calls.
	c, _ := testControl(t, false)
	require.NoError(t, c.RequestMissed(15))
}

func TestControlTimeoutStrict(t *testing.T) {
	c, _ := testControl(t, true)
	require.Error(t, c.RequestMissed(15))
}
