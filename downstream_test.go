// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package fmtp

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emiago/fmtp/receiver"
	"github.com/emiago/fmtp/wire"
)

func testConf(t *testing.T, sender string) Config {
	t.Helper()
	return Config{
		Feed:     "ngrid2",
		Sender:   sender,
		StateDir: t.TempDir(),
		RetryNap: 10 * time.Second,
	}
}

// refusingSender accepts control connections and rejects every subscription.
func refusingSender(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, _, err := wire.ReadFrame(c); err != nil {
					return
				}
				reply := wire.SubscribeReply{Status: wire.StatusUnauthorized}
				wire.WriteFrame(c, wire.CtrlSubscribeReply, reply.Encode())
			}(conn)
		}
	}()
	return l.Addr().String()
}

func TestDownstreamSubscribeRefusedIsFatal(t *testing.T) {
	d, err := NewDownstream(testConf(t, refusingSender(t)), &receiver.DirNotifier{Dir: t.TempDir()})
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.ErrorIs(t, err, ErrSubscribeRefused)
	require.Equal(t, StateStopped, d.State())
}

func TestDownstreamStopDuringNap(t *testing.T) {
	// Nothing listens on the sender endpoint: every iteration fails fast
	// and the supervisor naps.
	d, err := NewDownstream(testConf(t, "127.0.0.1:1"), &receiver.DirNotifier{Dir: t.TempDir()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return d.State() == StateNap
	}, 5*time.Second, 5*time.Millisecond)

	d.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	require.Equal(t, StateStopped, d.State())

	// Stop again is a no-op
	d.Stop()
}

func TestDownstreamContextCancel(t *testing.T) {
	d, err := NewDownstream(testConf(t, "127.0.0.1:1"), &receiver.DirNotifier{Dir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.State() == StateNap
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestDownstreamRunOnce(t *testing.T) {
	d, err := NewDownstream(testConf(t, "127.0.0.1:1"), &receiver.DirNotifier{Dir: t.TempDir()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return d.State() != StateInitialized
	}, 5*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRunning)

	d.Stop()
	<-done
}

func TestDownstreamBacklogBridgesSessions(t *testing.T) {
	// Session A left signature S behind; the first product of session B
	// carries T. The supervisor must ask for everything in between.
	var prev, first wire.Signature
	copy(prev[:], "SSSSSSSSSSSSSSSS")
	copy(first[:], "TTTTTTTTTTTTTTTT")

	d, err := NewDownstream(testConf(t, "127.0.0.1:1"), &receiver.DirNotifier{Dir: t.TempDir()})
	require.NoError(t, err)

	ctrl, server := testControl(t, false)
	got := make(chan wire.BacklogMsg, 1)
	go func() {
		tag, body, err := wire.ReadFrame(server)
		if err != nil || tag != wire.CtrlRequestBacklog {
			return
		}
		msg, err := wire.DecodeBacklog(body)
		if err != nil {
			return
		}
		got <- msg
	}()

	d.requestBacklog(ctrl, prev, true, first)

	select {
	case msg := <-got:
		require.Equal(t, prev, msg.From)
		require.Equal(t, first, msg.To)
		require.Zero(t, msg.TimeOffsetSec)
	case <-time.After(5 * time.Second):
		t.Fatal("no backlog request observed")
	}

	// Without a previous signature and without a time offset there is
	// nothing to bridge; no request goes out.
	d.requestBacklog(ctrl, wire.Signature{}, false, first)
}

func TestDownstreamRetriesAfterFailure(t *testing.T) {
	var dials atomic.Int32
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			dials.Add(1)
			conn.Close() // fail the subscribe, transiently
		}
	}()

	conf := testConf(t, l.Addr().String())
	conf.RetryNap = 20 * time.Millisecond
	d, err := NewDownstream(conf, &receiver.DirNotifier{Dir: t.TempDir()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return dials.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	d.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
