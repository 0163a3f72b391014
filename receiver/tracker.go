// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/emiago/fmtp/wire"
)

var (
	ErrDuplicateProduct = errors.New("fmtp: product already tracked")
	ErrUnknownProduct   = errors.New("fmtp: no tracker for product")
)

// RecordResult classifies one block arrival.
type RecordResult int

const (
	BlockFirst RecordResult = iota
	BlockDuplicate
	BlockOutOfRange
)

// Block addresses one payload within a product.
type Block struct {
	Seq    uint32
	Length uint16
}

// Tracker holds reception state for one in-flight product. All access goes
// through TrackerStore under its lock.
type Tracker struct {
	Index uint32
	BOP   wire.BOP

	buf       []byte
	bits      []uint64
	received  int
	numBlocks int

	// highest byte offset recorded so far, -1 before the first block
	highest int64

	eop          bool
	eopRequested bool
	viaRetx      bool
	retxRequests int
	createdAt    time.Time
}

func newTracker(index uint32, bop wire.BOP, buf []byte) *Tracker {
	n := bop.NumBlocks()
	return &Tracker{
		Index:     index,
		BOP:       bop,
		buf:       buf,
		bits:      make([]uint64, (n+63)/64),
		numBlocks: n,
		highest:   -1,
		createdAt: time.Now(),
	}
}

func (t *Tracker) bit(i int) bool { return t.bits[i/64]&(1<<uint(i%64)) != 0 }
func (t *Tracker) setBit(i int)   { t.bits[i/64] |= 1 << uint(i%64) }

// record writes one block. Bounds are checked against the immutable BOP
// geometry; a length that disagrees with the expected length for the offset
// is rejected, it would silently corrupt the buffer otherwise.
func (t *Tracker) record(seq uint32, payload []byte) RecordResult {
	if t.numBlocks == 0 {
		return BlockOutOfRange
	}
	bs := uint32(t.BOP.BlockSize)
	if seq%bs != 0 || uint64(seq) >= t.BOP.TotalSize {
		return BlockOutOfRange
	}
	if len(payload) != t.BOP.BlockLength(seq) {
		return BlockOutOfRange
	}
	i := int(seq / bs)
	if t.bit(i) {
		return BlockDuplicate
	}
	copy(t.buf[seq:], payload)
	t.setBit(i)
	t.received++
	if int64(seq) > t.highest {
		t.highest = int64(seq)
	}
	return BlockFirst
}

func (t *Tracker) complete() bool {
	return t.eop && t.received == t.numBlocks
}

// missingBetween collects unfilled block coordinates with byte offset in
// (after, before).
func (t *Tracker) missingBetween(after int64, before uint32) []Block {
	var out []Block
	bs := uint32(t.BOP.BlockSize)
	for i := 0; i < t.numBlocks; i++ {
		seq := uint32(i) * bs
		if int64(seq) <= after {
			continue
		}
		if seq >= before {
			break
		}
		if !t.bit(i) {
			out = append(out, Block{Seq: seq, Length: uint16(t.BOP.BlockLength(seq))})
		}
	}
	return out
}

// CompletedProduct is what Finalize hands back to the session for delivery.
type CompletedProduct struct {
	Index        uint32
	BOP          wire.BOP
	Data         []byte
	ViaRetx      bool
	RetxRequests int
}

// MissingInfo is what was observed for a product whose BOP never arrived:
// the highest DATA offset that flew by and whether its EOP was seen.
type MissingInfo struct {
	HighestSeq int64
	EOPSeen    bool
	Since      time.Time
}

// settledCacheSize bounds how many finalized or aborted indices are
// remembered for duplicate suppression.
const settledCacheSize = 1024

// TrackerStore is the per-session tracker map plus the missing-BOP set and
// EOP status map. One mutex serializes the multicast reader and the
// retransmission receiver; that is the dispatch ordering guarantee for a
// single product index.
type TrackerStore struct {
	// mu also guards enqueueing derived requests in the handlers. Lock
	// order is store then queue, never the reverse.
	mu sync.Mutex

	trackers map[uint32]*Tracker
	missing  map[uint32]*MissingInfo
	eopSeen  map[uint32]bool

	lastIndex uint32
	haveLast  bool

	settled *lru.Cache[uint32, struct{}]
}

func NewTrackerStore() *TrackerStore {
	settled, err := lru.New[uint32, struct{}](settledCacheSize)
	if err != nil {
		panic(err) // only on non-positive size
	}
	return &TrackerStore{
		trackers: make(map[uint32]*Tracker),
		missing:  make(map[uint32]*MissingInfo),
		eopSeen:  make(map[uint32]bool),
		settled:  settled,
	}
}

// Create registers a tracker for index. The buffer comes from the notifier
// and must be TotalSize long.
func (s *TrackerStore) Create(index uint32, bop wire.BOP, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trackers[index]; ok {
		return ErrDuplicateProduct
	}
	t := newTracker(index, bop, buf)
	if s.eopSeen[index] {
		t.eop = true
	}
	s.trackers[index] = t
	return nil
}

func (s *TrackerStore) Tracked(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.trackers[index]
	return ok
}

// Settled reports that index completed or aborted recently, so late packets
// for it are dropped without a retransmission request.
func (s *TrackerStore) Settled(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled.Contains(index)
}

// Last returns the most recent product index a BOP or gap scan advanced to.
func (s *TrackerStore) Last() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex, s.haveLast
}

func (s *TrackerStore) SetLast(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLast || wire.IndexAfter(s.lastIndex, index) {
		s.lastIndex = index
		s.haveLast = true
	}
}

// AddMissing places a placeholder for a product whose BOP was not seen.
// Returns false when the index is already pending, tracked or settled.
func (s *TrackerStore) AddMissing(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missing[index]; ok {
		return false
	}
	if _, ok := s.trackers[index]; ok {
		return false
	}
	if s.settled.Contains(index) {
		return false
	}
	s.missing[index] = &MissingInfo{HighestSeq: -1, Since: time.Now()}
	return true
}

func (s *TrackerStore) IsMissing(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.missing[index]
	return ok
}

// TakeMissing removes the placeholder and returns what was observed while it
// was pending.
func (s *TrackerStore) TakeMissing(index uint32) (MissingInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.missing[index]
	if !ok {
		return MissingInfo{}, false
	}
	delete(s.missing, index)
	return *info, true
}

// NoteUntracked records a DATA or EOP sighting for a pending missing-BOP
// placeholder. Returns false when no placeholder exists.
func (s *TrackerStore) NoteUntracked(index uint32, seq int64, eop bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.missing[index]
	if !ok {
		return false
	}
	if seq > info.HighestSeq {
		info.HighestSeq = seq
	}
	if eop {
		info.EOPSeen = true
	}
	return true
}

// RecordBlock writes one block into the tracker for index and reports the
// highest offset recorded before this call, which is the lower bound for gap
// requests.
func (s *TrackerStore) RecordBlock(index uint32, seq uint32, payload []byte, retx bool) (RecordResult, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[index]
	if !ok {
		return 0, 0, ErrUnknownProduct
	}
	prev := t.highest
	res := t.record(seq, payload)
	if res == BlockFirst && retx {
		t.viaRetx = true
	}
	return res, prev, nil
}

// MissingBetween lists unfilled blocks with offsets in (after, before).
// MissingBefore from the tracker contract is MissingBetween(index, -1, seq).
func (s *TrackerStore) MissingBetween(index uint32, after int64, before uint32) []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[index]
	if !ok {
		return nil
	}
	return t.missingBetween(after, before)
}

// RequestMissing enqueues MISSING_DATA for every unfilled block in (after,
// before). The bitmap check and the enqueue happen under one lock, so a
// request is only ever queued while its bit is still clear.
func (s *TrackerStore) RequestMissing(index uint32, after int64, before uint32, q *RequestQueue) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[index]
	if !ok {
		return 0
	}
	n := 0
	for _, blk := range t.missingBetween(after, before) {
		if q.Push(wire.Request{Kind: wire.ReqMissingData, Index: index, Seq: blk.Seq, Length: blk.Length}) {
			t.retxRequests++
			n++
		}
	}
	return n
}

// CountRetxRequest bumps the per-product request counter.
func (s *TrackerStore) CountRetxRequest(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[index]; ok {
		t.retxRequests++
	}
}

// MarkEOP is idempotent. It updates the EOP status map and, when a tracker
// exists, its completion flag.
func (s *TrackerStore) MarkEOP(index uint32) (tracked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled.Contains(index) {
		return false
	}
	s.eopSeen[index] = true
	t, ok := s.trackers[index]
	if ok {
		t.eop = true
	}
	return ok
}

func (s *TrackerStore) EOPSeen(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eopSeen[index]
}

func (s *TrackerStore) IsComplete(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[index]
	return ok && t.complete()
}

// FinalizeIfComplete atomically removes and returns the product when every
// block bit is set and EOP arrived. At most one caller gets it.
func (s *TrackerStore) FinalizeIfComplete(index uint32) (*CompletedProduct, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[index]
	if !ok || !t.complete() {
		return nil, false
	}
	delete(s.trackers, index)
	delete(s.eopSeen, index)
	s.settled.Add(index, struct{}{})
	return &CompletedProduct{
		Index:        index,
		BOP:          t.BOP,
		Data:         t.buf,
		ViaRetx:      t.viaRetx,
		RetxRequests: t.retxRequests,
	}, true
}

// Settle marks index resolved without delivery, so late packets for it are
// dropped instead of triggering requests.
func (s *TrackerStore) Settle(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trackers, index)
	delete(s.missing, index)
	delete(s.eopSeen, index)
	s.settled.Add(index, struct{}{})
}

// TakeStalledEOP returns products that have every block but no EOP, each at
// most once. The caller turns them into MISSING_EOP requests.
func (s *TrackerStore) TakeStalledEOP() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for idx, t := range s.trackers {
		if t.numBlocks > 0 && t.received == t.numBlocks && !t.eop && !t.eopRequested {
			t.eopRequested = true
			out = append(out, idx)
		}
	}
	return out
}

// Abort drops every trace of index: tracker, placeholder and EOP status.
// Returns true when there was state to drop.
func (s *TrackerStore) Abort(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hadTracker := s.trackers[index]
	_, hadMissing := s.missing[index]
	delete(s.trackers, index)
	delete(s.missing, index)
	delete(s.eopSeen, index)
	if hadTracker || hadMissing {
		s.settled.Add(index, struct{}{})
	}
	return hadTracker || hadMissing
}

// DropAll clears every unfinished tracker and placeholder. Used on session
// stop; nothing is notified, the next session re-requests via backlog.
func (s *TrackerStore) DropAll() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := make([]uint32, 0, len(s.trackers)+len(s.missing))
	for idx := range s.trackers {
		dropped = append(dropped, idx)
	}
	for idx := range s.missing {
		dropped = append(dropped, idx)
	}
	s.trackers = make(map[uint32]*Tracker)
	s.missing = make(map[uint32]*MissingInfo)
	s.eopSeen = make(map[uint32]bool)
	return dropped
}

func (s *TrackerStore) NumTracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}
