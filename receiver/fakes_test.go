// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/emiago/fmtp/wire"
)

type fakeNotifier struct {
	mu        sync.Mutex
	begun     map[uint32]wire.BOP
	completed map[uint32][]byte
	failed    map[uint32]error
	refuse    map[uint32]bool

	completeCh chan uint32
	failCh     chan uint32
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		begun:      make(map[uint32]wire.BOP),
		completed:  make(map[uint32][]byte),
		failed:     make(map[uint32]error),
		refuse:     make(map[uint32]bool),
		completeCh: make(chan uint32, 16),
		failCh:     make(chan uint32, 16),
	}
}

func (n *fakeNotifier) OnBegin(index uint32, bop wire.BOP) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refuse[index] {
		return nil, ErrProductRefused
	}
	n.begun[index] = bop
	return make([]byte, bop.TotalSize), nil
}

func (n *fakeNotifier) OnComplete(index uint32, bop wire.BOP, data []byte) error {
	n.mu.Lock()
	n.completed[index] = data
	n.mu.Unlock()
	n.completeCh <- index
	return nil
}

func (n *fakeNotifier) OnFailed(index uint32, reason error) {
	n.mu.Lock()
	n.failed[index] = reason
	n.mu.Unlock()
	n.failCh <- index
}

func (n *fakeNotifier) completedData(index uint32) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.completed[index]
	return b, ok
}

func (n *fakeNotifier) failedReason(index uint32) (error, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	err, ok := n.failed[index]
	return err, ok
}

// fakePacketConn is an in-memory multicast socket: Push makes a datagram
// readable, Close unblocks pending reads.
type fakePacketConn struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{ch: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakePacketConn) Push(b []byte) {
	c.ch <- b
}

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b := <-c.ch:
		n := copy(p, b)
		return n, &net.UDPAddr{}, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) { return len(p), nil }

func (c *fakePacketConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *fakePacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakePacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakePacketConn) SetWriteDeadline(t time.Time) error { return nil }

// testSession builds a session whose sockets are inert pipes, for driving
// the dispatch handlers directly.
func testSession(t *testing.T, n ProductNotifier) *Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	mcast := newFakePacketConn()
	s := NewSession(mcast, client, SessionOpts{
		Notifier: n,
		Log:      zerolog.Nop(),
	})
	t.Cleanup(s.Stop)
	return s
}

// drainRequests empties the request queue without blocking.
func drainRequests(s *Session) []wire.Request {
	var out []wire.Request
	for s.queue.Len() > 0 {
		r, ok := s.queue.Pop()
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

func bopPacket(index uint32, bop wire.BOP) (wire.Header, []byte) {
	payload, err := bop.AppendTo(nil)
	if err != nil {
		panic(err)
	}
	return wire.Header{
		ProductIndex:  index,
		PayloadLength: uint16(len(payload)),
		Flags:         wire.FlagBOP,
	}, payload
}

func dataPacket(index, seq uint32, payload []byte) (wire.Header, []byte) {
	return wire.Header{
		ProductIndex:  index,
		Sequence:      seq,
		PayloadLength: uint16(len(payload)),
	}, payload
}

func eopPacket(index uint32) wire.Header {
	return wire.Header{ProductIndex: index, Flags: wire.FlagEOP}
}

// testProduct is the 3000 byte, 1200 block product from the protocol
// walkthroughs: three blocks of 1200/1200/600 bytes.
func testProduct(index uint32, name string) (wire.BOP, []byte) {
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i * 31 / 7)
	}
	bop := wire.BOP{TotalSize: 3000, BlockSize: 1200, Name: name}
	copy(bop.Signature[:], name)
	return bop, data
}

func pushProduct(s *Session, index uint32, bop wire.BOP, data []byte, skipSeq map[uint32]bool, skipEOP bool) {
	h, payload := bopPacket(index, bop)
	s.handleMulticastPacket(h, payload)
	bs := uint32(bop.BlockSize)
	for seq := uint32(0); uint64(seq) < bop.TotalSize; seq += bs {
		if skipSeq[seq] {
			continue
		}
		end := uint64(seq) + uint64(bop.BlockLength(seq))
		dh, dp := dataPacket(index, seq, data[seq:end])
		s.handleMulticastPacket(dh, dp)
	}
	if !skipEOP {
		s.handleMulticastPacket(eopPacket(index), nil)
	}
}
