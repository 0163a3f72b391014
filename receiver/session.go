// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/rs/zerolog"

	"github.com/emiago/fmtp/wire"
)

// SessionOpts wires one session to its environment. Only Notifier is
// mandatory; hooks are optional and called from worker goroutines.
type SessionOpts struct {
	Notifier ProductNotifier

	RTTSeed       time.Duration
	RTTMultiplier int
	// LinkFloor is the minimum BOP wait derived from link speed.
	LinkFloor time.Duration

	// OnFirst fires once, on the first multicast BOP of the session. The
	// supervisor uses it to anchor the backlog request.
	OnFirst func(bop wire.BOP)

	// OnDelivered fires after a product was handed to the notifier, in
	// arrival order per index.
	OnDelivered func(p *CompletedProduct)

	// OnMissed fires when a product is lost beyond block repair (BOP wait
	// expired) and should be requested whole through the control plane.
	OnMissed func(index uint32)

	Log zerolog.Logger
}

// Session runs the data plane of one downstream iteration: the multicast
// reader, the retransmission requester and receiver, and the BOP timer. It
// owns the tracker store and request queue; the supervisor owns the session.
type Session struct {
	store    *TrackerStore
	queue    *RequestQueue
	notifier ProductNotifier
	rtt      *RTTEstimator
	timer    *BOPTimer

	mcast    net.PacketConn
	retxConn net.Conn

	onFirst     func(wire.BOP)
	firstOnce   sync.Once
	onDelivered func(*CompletedProduct)
	onMissed    func(uint32)

	stopOnce sync.Once
	stopped  core.Fuse

	pendingMu sync.Mutex
	pending   map[pendingKey]time.Time

	log zerolog.Logger
}

type pendingKey struct {
	kind  wire.RequestKind
	index uint32
	seq   uint32
}

// maxPending bounds the request timestamps kept for RTT measurement.
const maxPending = 1024

func NewSession(mcast net.PacketConn, retxConn net.Conn, opts SessionOpts) *Session {
	s := &Session{
		store:       NewTrackerStore(),
		queue:       NewRequestQueue(),
		notifier:    opts.Notifier,
		rtt:         NewRTTEstimator(opts.RTTSeed),
		mcast:       mcast,
		retxConn:    retxConn,
		onFirst:     opts.OnFirst,
		onDelivered: opts.OnDelivered,
		onMissed:    opts.OnMissed,
		stopped:     core.NewFuse(),
		pending:     make(map[pendingKey]time.Time),
		log:         opts.Log,
	}
	s.timer = NewBOPTimer(s.rtt, opts.RTTMultiplier, opts.LinkFloor, s.bopExpired)
	return s
}

type workerOutcome struct {
	name string
	err  error
}

// Run blocks until a worker fails or Stop is called. The first non-shutdown
// terminal outcome aborts the session; the rest are collected and the worst
// is returned. Unfinished trackers are dropped, the next session bridges the
// gap through backlog.
func (s *Session) Run() error {
	outcomes := make(chan workerOutcome, 4)
	workers := []struct {
		name string
		run  func() error
	}{
		{"reader", s.runReader},
		{"requester", s.runRequester},
		{"retx", s.runRetx},
		{"boptimer", s.timer.Run},
	}
	for _, w := range workers {
		w := w
		go func() {
			outcomes <- workerOutcome{name: w.name, err: w.run()}
		}()
	}

	first := <-outcomes
	s.Stop()

	worst := first.err
	for i := 1; i < len(workers); i++ {
		o := <-outcomes
		if worst == nil {
			worst = o.err
		}
	}
	if worst != nil {
		s.log.Error().Err(worst).Str("worker", first.name).Msg("Session aborted")
	}
	if dropped := s.store.DropAll(); len(dropped) > 0 {
		s.log.Info().Int("products", len(dropped)).Msg("Dropped unfinished products on stop")
	}
	return worst
}

// Stop is idempotent. It closes the queue and both sockets so every worker
// unblocks and exits its loop.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Break()
		s.queue.Close()
		s.timer.Stop()
		s.mcast.Close()
		s.retxConn.Close()
	})
}

func (s *Session) stopping() bool {
	select {
	case <-s.stopped.Watch():
		return true
	default:
		return false
	}
}

// RTT exposes the live round trip estimate, mostly for logging.
func (s *Session) RTT() time.Duration { return s.rtt.Estimate() }

// enqueue pushes a request and counts it against the product.
func (s *Session) enqueue(r wire.Request) {
	if !s.queue.Push(r) {
		return
	}
	if r.Kind == wire.ReqMissingData || r.Kind == wire.ReqMissingEOP {
		s.store.CountRetxRequest(r.Index)
	}
}

// handleBOP serves both paths: retx reports whether the packet came over the
// retransmission connection.
func (s *Session) handleBOP(h wire.Header, payload []byte, retx bool) {
	bop, err := wire.DecodeBOP(payload)
	if err != nil {
		promMalformedTotal.Inc()
		s.log.Debug().Err(err).Uint32("index", h.ProductIndex).Msg("Bad BOP payload")
		return
	}
	index := h.ProductIndex
	if s.store.Settled(index) || s.store.Tracked(index) {
		return
	}
	if !retx {
		s.firstOnce.Do(func() {
			if s.onFirst != nil {
				s.onFirst(bop)
			}
		})
	}

	buf, err := s.notifier.OnBegin(index, bop)
	if err == nil && uint64(len(buf)) != bop.TotalSize {
		err = fmt.Errorf("%w: buffer size %d for product size %d", ErrProductRefused, len(buf), bop.TotalSize)
	}
	if err != nil {
		s.log.Warn().Err(err).Uint32("index", index).Str("product", bop.Name).Msg("Product refused")
		s.store.Settle(index)
		s.timer.Disarm(index)
		promProductTotal.WithLabelValues("refused").Inc()
		return
	}
	if err := s.store.Create(index, bop, buf); err != nil {
		// Lost the race against the other path; drop the buffer unused.
		return
	}

	if info, wasMissing := s.store.TakeMissing(index); wasMissing {
		s.timer.Disarm(index)
		// Blocks that flew by while the BOP was outstanding are gone from
		// multicast; request them now.
		if info.HighestSeq >= 0 {
			s.store.RequestMissing(index, -1, uint32(info.HighestSeq)+1, s.queue)
		}
		if info.EOPSeen {
			s.store.MarkEOP(index)
		}
	}

	s.scanGap(index)
	s.requestStalledEOPs()

	// An empty product, or one whose EOP raced ahead, may already be done.
	if p, ok := s.store.FinalizeIfComplete(index); ok {
		s.deliver(p)
	}
}

// scanGap enqueues MISSING_BOP for every index skipped between the last
// started product and this one.
func (s *Session) scanGap(index uint32) {
	last, have := s.store.Last()
	if !have {
		s.store.SetLast(index)
		return
	}
	if !wire.IndexAfter(last, index) {
		return
	}
	for j := last + 1; j != index; j++ {
		if s.store.AddMissing(j) {
			s.enqueue(wire.Request{Kind: wire.ReqMissingBOP, Index: j})
			s.timer.Arm(j)
		}
	}
	s.store.SetLast(index)
}

// requestStalledEOPs asks for the EOP of every product that has all blocks
// but never saw its end marker. Detection piggybacks on flow advancement.
func (s *Session) requestStalledEOPs() {
	for _, idx := range s.store.TakeStalledEOP() {
		s.enqueue(wire.Request{Kind: wire.ReqMissingEOP, Index: idx})
	}
}

func (s *Session) handleData(h wire.Header, payload []byte, retx bool) {
	index := h.ProductIndex
	if s.store.Settled(index) {
		return
	}
	res, prev, err := s.store.RecordBlock(index, h.Sequence, payload, retx)
	if errors.Is(err, ErrUnknownProduct) {
		if retx {
			// Tracker was aborted after the request went out.
			return
		}
		s.dataWithoutTracker(index, int64(h.Sequence))
		return
	}
	switch res {
	case BlockOutOfRange:
		promMalformedTotal.Inc()
		s.log.Debug().Uint32("index", index).Uint32("seq", h.Sequence).
			Int("len", len(payload)).Msg("Block out of range")
	case BlockDuplicate:
		// Multicast and retransmission race; first writer wins, this is a no-op.
	case BlockFirst:
		if !retx {
			s.store.RequestMissing(index, prev, h.Sequence, s.queue)
		}
		if p, ok := s.store.FinalizeIfComplete(index); ok {
			s.deliver(p)
		}
	}
}

// dataWithoutTracker handles multicast DATA for an index with no BOP yet:
// unusable until the BOP is retransmitted, so note it and ask for the BOP.
func (s *Session) dataWithoutTracker(index uint32, seq int64) {
	if s.store.NoteUntracked(index, seq, false) {
		return // placeholder exists, BOP already requested
	}
	last, have := s.store.Last()
	if have && !wire.IndexInWindow(last, index) {
		return
	}
	if s.store.AddMissing(index) {
		s.store.NoteUntracked(index, seq, false)
		s.enqueue(wire.Request{Kind: wire.ReqMissingBOP, Index: index})
		s.timer.Arm(index)
	}
}

func (s *Session) handleEOP(h wire.Header, retx bool) {
	index := h.ProductIndex
	if s.store.Settled(index) {
		return
	}
	if tracked := s.store.MarkEOP(index); !tracked {
		if s.store.NoteUntracked(index, -1, true) {
			return
		}
		if retx {
			return
		}
		last, have := s.store.Last()
		if have && !wire.IndexInWindow(last, index) {
			return
		}
		if s.store.AddMissing(index) {
			s.store.NoteUntracked(index, -1, true)
			s.enqueue(wire.Request{Kind: wire.ReqMissingBOP, Index: index})
			s.timer.Arm(index)
		}
		return
	}
	if p, ok := s.store.FinalizeIfComplete(index); ok {
		s.deliver(p)
	}
}

// deliver hands a finalized product to the notifier, exactly once per index.
func (s *Session) deliver(p *CompletedProduct) {
	if err := s.notifier.OnComplete(p.Index, p.BOP, p.Data); err != nil {
		s.log.Error().Err(err).Uint32("index", p.Index).Str("product", p.BOP.Name).
			Msg("Product delivery failed")
		s.notifier.OnFailed(p.Index, err)
		promProductTotal.WithLabelValues("failed").Inc()
		return
	}
	promProductTotal.WithLabelValues("complete").Inc()
	promProductBytes.Add(float64(p.BOP.TotalSize))
	if p.ViaRetx {
		// Let the sender free its retransmission state for this product.
		s.enqueue(wire.Request{Kind: wire.ReqRetxEnd, Index: p.Index})
	}
	s.log.Debug().Uint32("index", p.Index).Str("product", p.BOP.Name).
		Uint64("size", p.BOP.TotalSize).Int("retx_requests", p.RetxRequests).
		Msg("Product complete")
	if s.onDelivered != nil {
		s.onDelivered(p)
	}
}

// bopExpired runs on the timer goroutine when a missing BOP never arrived.
func (s *Session) bopExpired(index uint32) {
	if !s.store.Abort(index) {
		return
	}
	s.log.Warn().Uint32("index", index).Dur("rtt", s.rtt.Estimate()).
		Msg("BOP wait expired, product lost")
	promProductTotal.WithLabelValues("aborted").Inc()
	s.notifier.OnFailed(index, fmt.Errorf("%w: BOP wait expired", ErrProductUnrecoverable))
	if s.onMissed != nil {
		s.onMissed(index)
	}
}

// handleNoSuchProduct is the sender declaring a requested product gone.
func (s *Session) handleNoSuchProduct(index uint32) {
	s.timer.Disarm(index)
	if !s.store.Abort(index) {
		return
	}
	s.log.Warn().Uint32("index", index).Msg("Sender has no such product")
	promProductTotal.WithLabelValues("aborted").Inc()
	s.notifier.OnFailed(index, ErrProductUnrecoverable)
}

func (s *Session) stampPending(r wire.Request) {
	if r.Kind == wire.ReqRetxEnd {
		return
	}
	k := pendingKey{kind: r.Kind, index: r.Index, seq: r.Seq}
	s.pendingMu.Lock()
	if len(s.pending) < maxPending {
		s.pending[k] = time.Now()
	}
	s.pendingMu.Unlock()
}

func (s *Session) observePending(kind wire.RequestKind, index, seq uint32) {
	k := pendingKey{kind: kind, index: index, seq: seq}
	s.pendingMu.Lock()
	at, ok := s.pending[k]
	if ok {
		delete(s.pending, k)
	}
	s.pendingMu.Unlock()
	if ok {
		s.rtt.Observe(time.Since(at))
	}
}
