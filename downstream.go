// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package fmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/fmtp/receiver"
	"github.com/emiago/fmtp/wire"
)

// State of a Downstream supervisor.
type State int32

const (
	StateInitialized State = iota
	StateExecuting
	StateNap
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateExecuting:
		return "EXECUTING"
	case StateNap:
		return "NAP"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

var ErrAlreadyRunning = errors.New("fmtp: downstream already started")

// Downstream supervises one receiver: subscribe, run a session until a
// worker fails, nap, retry. Stop from any state is clean and idempotent.
type Downstream struct {
	conf     Config
	notifier receiver.ProductNotifier
	log      zerolog.Logger

	state atomic.Int32
	stop  core.Fuse

	mem *SessionMemory

	sessMu sync.Mutex
	sess   *receiver.Session
}

type DownstreamOption func(*Downstream)

func WithLogger(l zerolog.Logger) DownstreamOption {
	return func(d *Downstream) {
		d.log = l
	}
}

func NewDownstream(conf Config, notifier receiver.ProductNotifier, opts ...DownstreamOption) (*Downstream, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier is required", ErrConfig)
	}
	d := &Downstream{
		conf:     conf,
		notifier: notifier,
		log:      log.Logger,
		stop:     core.NewFuse(),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With().Str("feed", conf.Feed).Str("sender", conf.Sender).Logger()
	return d, nil
}

func (d *Downstream) State() State {
	return State(d.state.Load())
}

// Stop requests a clean shutdown from any state. Safe to call repeatedly and
// from any goroutine.
func (d *Downstream) Stop() {
	d.stop.Break()
	d.sessMu.Lock()
	if d.sess != nil {
		d.sess.Stop()
	}
	d.sessMu.Unlock()
}

func (d *Downstream) stopRequested() bool {
	select {
	case <-d.stop.Watch():
		return true
	default:
		return false
	}
}

// Run executes session iterations until Stop or a fatal error. Subscription
// refusal and system errors surface to the caller; transient session errors
// nap and retry.
func (d *Downstream) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateInitialized), int32(StateExecuting)) {
		return ErrAlreadyRunning
	}
	mem, err := OpenSessionMemory(d.conf.StateDir, d.conf.Sender, d.conf.Feed, d.log)
	if err != nil {
		d.state.Store(int32(StateStopped))
		return fmt.Errorf("open session memory: %w", err)
	}
	d.mem = mem
	defer mem.Close()

	for {
		err := d.runSession(ctx)
		if d.stopRequested() || ctx.Err() != nil {
			d.state.Store(int32(StateStopping))
			d.state.Store(int32(StateStopped))
			d.log.Info().Msg("Downstream stopped")
			return nil
		}
		if errors.Is(err, ErrSubscribeRefused) {
			d.state.Store(int32(StateStopped))
			return err
		}
		d.log.Error().Err(err).Dur("nap", d.conf.RetryNap).Msg("Session failed, napping")

		d.state.Store(int32(StateNap))
		if !d.nap(ctx) {
			d.state.Store(int32(StateStopped))
			d.log.Info().Msg("Downstream stopped")
			return nil
		}
		d.state.Store(int32(StateExecuting))
	}
}

// nap waits out the retry interval. Returns false when stop or context
// cancellation ended the wait.
func (d *Downstream) nap(ctx context.Context) bool {
	t := time.NewTimer(d.conf.RetryNap)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.stop.Watch():
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Downstream) setSession(s *receiver.Session) {
	d.sessMu.Lock()
	d.sess = s
	d.sessMu.Unlock()
}

// runSession performs one iteration: subscribe, open sockets, run the worker
// composition until something terminates.
func (d *Downstream) runSession(ctx context.Context) error {
	ctrl, err := DialControl(ctx, d.conf.Sender, d.conf.SubscribeTimeout, d.conf.StrictControl, d.log)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	reply, err := ctrl.Subscribe(d.conf.Feed, d.conf.Secret)
	if err != nil {
		return err
	}
	groupAddr, port := reply.Group, reply.Port
	if d.conf.Group != "" {
		groupAddr, port = d.conf.Group, d.conf.Port
	}
	group := net.ParseIP(groupAddr)
	if group == nil {
		return fmt.Errorf("subscribe: bad multicast group %q", groupAddr)
	}
	d.log.Info().Str("group", groupAddr).Uint16("port", port).Msg("Subscribed")

	mcast, err := d.openMulticast(group, port)
	if err != nil {
		return err
	}
	retxConn, err := (&net.Dialer{Timeout: d.conf.SubscribeTimeout}).DialContext(ctx, "tcp", d.conf.Sender)
	if err != nil {
		mcast.Close()
		return fmt.Errorf("retx dial %s: %w", d.conf.Sender, err)
	}

	prevSig, havePrev := d.mem.LastSignature()

	sess := receiver.NewSession(mcast, retxConn, receiver.SessionOpts{
		Notifier:      d.notifier,
		RTTSeed:       d.conf.RTTSeed,
		RTTMultiplier: d.conf.RTTMultiplier,
		LinkFloor:     d.conf.linkFloor(),
		Log:           d.log,
		OnFirst: func(bop wire.BOP) {
			// One shot backlog task bridging the inter-session gap.
			go d.requestBacklog(ctrl, prevSig, havePrev, bop.Signature)
		},
		OnDelivered: func(p *receiver.CompletedProduct) {
			if err := d.mem.SetLastSignature(p.BOP.Signature); err != nil {
				d.log.Error().Err(err).Msg("Persisting last signature failed")
			}
		},
		OnMissed: func(index uint32) {
			d.noteMissed(ctrl, index)
		},
	})
	d.setSession(sess)
	defer d.setSession(nil)
	if d.stopRequested() {
		// Stop raced session creation; unblock Run immediately.
		sess.Stop()
	}

	// Requests that a previous process detected but never got to send.
	d.drainMissed(ctrl)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			sess.Stop()
		case <-watchDone:
		}
	}()

	return sess.Run()
}

func (d *Downstream) openMulticast(group net.IP, port uint16) (net.PacketConn, error) {
	var ifi *net.Interface
	if d.conf.Interface != "" {
		i, err := net.InterfaceByName(d.conf.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", d.conf.Interface, err)
		}
		ifi = i
	}
	conn, err := net.ListenMulticastUDP("udp4", ifi, &net.UDPAddr{IP: group, Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("join %s:%d: %w", group, port, err)
	}
	// Bursts arrive at line rate while products finalize; keep them queued.
	conn.SetReadBuffer(4 << 20)
	return conn, nil
}

func (d *Downstream) requestBacklog(ctrl *ControlClient, prev wire.Signature, havePrev bool, first wire.Signature) {
	if !havePrev && d.conf.BacklogTimeOffset == 0 {
		return
	}
	var from wire.Signature
	if havePrev {
		from = prev
	}
	if err := ctrl.RequestBacklog(from, first, d.conf.BacklogTimeOffset); err != nil {
		d.log.Error().Err(err).Msg("Backlog request failed")
		return
	}
	d.log.Info().Str("from", from.String()).Str("to", first.String()).Msg("Requested backlog")
}

// noteMissed records a product lost beyond block repair and asks the sender
// for a whole delivery. The durable enqueue happens before the request, so a
// crash in between retries it on the next start.
func (d *Downstream) noteMissed(ctrl *ControlClient, index uint32) {
	if err := d.mem.EnqueueMissed(index); err != nil {
		d.log.Error().Err(err).Uint32("index", index).Msg("Persisting missed index failed")
	}
	if err := ctrl.RequestMissed(index); err != nil {
		d.log.Error().Err(err).Uint32("index", index).Msg("Missed product request failed")
		return
	}
	d.mem.DequeueMissed()
}

func (d *Downstream) drainMissed(ctrl *ControlClient) {
	for _, index := range d.mem.MissedSnapshot() {
		if err := ctrl.RequestMissed(index); err != nil {
			d.log.Error().Err(err).Uint32("index", index).Msg("Missed product request failed")
			return
		}
		d.mem.DequeueMissed()
	}
}
