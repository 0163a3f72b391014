// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/emiago/fmtp/wire"
)

// RequestQueue is the FIFO feeding the retransmission requester. Producers
// are the multicast reader, the retransmission receiver and the BOP timer;
// the requester is the only consumer.
//
// Close wakes every blocked Pop and makes further pushes no-ops, which is how
// the session shuts the requester down without mid-write cancellation.
type RequestQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  deque.Deque[wire.Request]
	closed bool
}

func NewRequestQueue() *RequestQueue {
	q := &RequestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a request. Returns false when the queue is closed.
func (q *RequestQueue) Push(r wire.Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items.PushBack(r)
	q.cond.Signal()
	return true
}

// Pop blocks until a request is available or the queue is closed. The second
// return is false only on close; queued items are still drained first so a
// completion marker pushed just before Close is not lost.
func (q *RequestQueue) Pop() (wire.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		if q.closed {
			return wire.Request{}, false
		}
		q.cond.Wait()
	}
	return q.items.PopFront(), true
}

func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *RequestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
