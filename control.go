// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package fmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emiago/fmtp/wire"
)

var (
	// ErrSubscribeRefused is fatal to the supervisor: the sender rejected
	// the feed or the shared secret.
	ErrSubscribeRefused = errors.New("fmtp: subscription refused")

	ErrControlTimeout = errors.New("fmtp: control call timed out")
)

// ControlClient speaks the length prefixed control exchange with the sender:
// one synchronous subscribe, then fire-and-forget missed and backlog
// requests. One connection per session iteration; the supervisor binds it to
// the session at subscription time, so handlers never need shared globals.
type ControlClient struct {
	conn    net.Conn
	timeout time.Duration
	strict  bool

	mu  sync.Mutex
	log zerolog.Logger
}

func DialControl(ctx context.Context, addr string, timeout time.Duration, strict bool, log zerolog.Logger) (*ControlClient, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control dial %s: %w", addr, err)
	}
	return &ControlClient{
		conn:    conn,
		timeout: timeout,
		strict:  strict,
		log:     log.With().Str("caller", "Control").Logger(),
	}, nil
}

func (c *ControlClient) Close() error {
	return c.conn.Close()
}

// LocalAddr is the receiver endpoint advertised in the subscription.
func (c *ControlClient) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

// Subscribe performs the handshake and returns the multicast coordinates.
func (c *ControlClient) Subscribe(feed, secret string) (wire.SubscribeReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := wire.SubscribeMsg{Feed: feed, Secret: secret, Endpoint: c.LocalAddr()}
	deadline := time.Now().Add(c.timeout)
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := wire.WriteFrame(c.conn, wire.CtrlSubscribe, msg.Encode()); err != nil {
		return wire.SubscribeReply{}, fmt.Errorf("subscribe write: %w", err)
	}
	tag, body, err := wire.ReadFrame(c.conn)
	if err != nil {
		return wire.SubscribeReply{}, fmt.Errorf("subscribe read: %w", err)
	}
	if tag != wire.CtrlSubscribeReply {
		return wire.SubscribeReply{}, fmt.Errorf("subscribe: unexpected frame %s", tag)
	}
	reply, err := wire.DecodeSubscribeReply(body)
	if err != nil {
		return wire.SubscribeReply{}, err
	}
	switch reply.Status {
	case wire.StatusOK:
		return reply, nil
	case wire.StatusUnauthorized:
		return wire.SubscribeReply{}, fmt.Errorf("%w: unauthorized", ErrSubscribeRefused)
	case wire.StatusUnknownFeed:
		return wire.SubscribeReply{}, fmt.Errorf("%w: unknown feed %q", ErrSubscribeRefused, feed)
	default:
		return wire.SubscribeReply{}, fmt.Errorf("%w: status %d", ErrSubscribeRefused, reply.Status)
	}
}

// RequestMissed asks the sender to deliver one lost product whole. No reply;
// a timeout is treated as sent unless StrictControl is on. Whether the
// sender observes such calls under loss is not guaranteed either way.
func (c *ControlClient) RequestMissed(index uint32) error {
	return c.fireAndForget(wire.CtrlRequestMissed, wire.MissedMsg{Index: index}.Encode())
}

// RequestBacklog asks for every product between two signatures. A zero from
// signature means no previous session; offset then anchors the range.
func (c *ControlClient) RequestBacklog(from, to wire.Signature, offset time.Duration) error {
	msg := wire.BacklogMsg{From: from, To: to, TimeOffsetSec: uint32(offset / time.Second)}
	return c.fireAndForget(wire.CtrlRequestBacklog, msg.Encode())
}

func (c *ControlClient) fireAndForget(tag wire.ControlTag, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	err := wire.WriteFrame(c.conn, tag, body)
	if err == nil {
		return nil
	}
	if isTimeout(err) && !c.strict {
		c.log.Warn().Str("call", tag.String()).Msg("Control call timed out, treating as sent")
		return nil
	}
	return fmt.Errorf("%s: %w", tag, err)
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
