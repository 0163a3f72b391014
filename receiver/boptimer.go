// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
)

// bopTimerTick is the scan granularity. Deadlines are tens of milliseconds,
// so a fixed tick keeps this a single goroutine instead of a timer heap.
const bopTimerTick = 10 * time.Millisecond

// BOPTimer bounds the wait for a product whose BOP is outstanding. Arm is
// called when a placeholder enters the missing-BOP set; when the deadline
// passes before the retransmitted BOP shows up, the expiry callback aborts
// the product.
type BOPTimer struct {
	mu        sync.Mutex
	deadlines map[uint32]time.Time

	rtt        *RTTEstimator
	multiplier int
	floor      time.Duration

	onExpire func(index uint32)
	stopped  core.Fuse
}

func NewBOPTimer(rtt *RTTEstimator, multiplier int, floor time.Duration, onExpire func(uint32)) *BOPTimer {
	if multiplier <= 0 {
		multiplier = 10
	}
	return &BOPTimer{
		deadlines:  make(map[uint32]time.Time),
		rtt:        rtt,
		multiplier: multiplier,
		floor:      floor,
		onExpire:   onExpire,
		stopped:    core.NewFuse(),
	}
}

// Arm starts the bounded wait for index. Re-arming an armed index keeps the
// earlier deadline.
func (bt *BOPTimer) Arm(index uint32) {
	wait := time.Duration(bt.multiplier) * bt.rtt.Estimate()
	if wait < bt.floor {
		wait = bt.floor
	}
	bt.mu.Lock()
	if _, ok := bt.deadlines[index]; !ok {
		bt.deadlines[index] = time.Now().Add(wait)
	}
	bt.mu.Unlock()
}

func (bt *BOPTimer) Disarm(index uint32) {
	bt.mu.Lock()
	delete(bt.deadlines, index)
	bt.mu.Unlock()
}

func (bt *BOPTimer) Stop() {
	bt.stopped.Break()
}

// Run scans deadlines until Stop. Expiry callbacks run outside the lock;
// they take the tracker map lock themselves.
func (bt *BOPTimer) Run() error {
	ticker := time.NewTicker(bopTimerTick)
	defer ticker.Stop()
	for {
		select {
		case <-bt.stopped.Watch():
			return nil
		case now := <-ticker.C:
			var expired []uint32
			bt.mu.Lock()
			for idx, dl := range bt.deadlines {
				if now.After(dl) {
					expired = append(expired, idx)
					delete(bt.deadlines, idx)
				}
			}
			bt.mu.Unlock()
			for _, idx := range expired {
				bt.onExpire(idx)
			}
		}
	}
}
