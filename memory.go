// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package fmtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/emiago/fmtp/wire"
)

// Session memory bridges process restarts: the signature of the last
// delivered product anchors the next session's backlog request, and the
// missed-index queue survives a crash between "detected missing" and
// "requested from sender".
//
// Every update rewrites the whole record through a temp file, fsync and
// rename, so the on-disk state is always either the previous value or the
// new one.

const (
	memoryMagic   = "FMTP"
	memoryVersion = 1

	// MaxMissedQueue bounds the durable missed-index queue. Overflow drops
	// the oldest entry; the backlog request covers it eventually.
	MaxMissedQueue = 4096
)

var ErrMemoryCorrupt = errors.New("fmtp: session memory corrupt")

type SessionMemory struct {
	path string

	mu       sync.Mutex
	last     wire.Signature
	haveLast bool
	missed   []uint32

	log zerolog.Logger
}

// OpenSessionMemory loads or creates the state file for (sender, feed)
// under dir.
func OpenSessionMemory(dir, sender, feed string, log zerolog.Logger) (*SessionMemory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &SessionMemory{
		path: filepath.Join(dir, fileSafe(sender)+"-"+fileSafe(feed)+".state"),
		log:  log.With().Str("caller", "SessionMemory").Logger(),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '\\', ' ':
			return '_'
		}
		return r
	}, s)
}

func (m *SessionMemory) load() error {
	b, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) < len(memoryMagic)+2+wire.SignatureSize+4 || string(b[:4]) != memoryMagic {
		return fmt.Errorf("%w: %s", ErrMemoryCorrupt, m.path)
	}
	if b[4] != memoryVersion {
		return fmt.Errorf("%w: version %d", ErrMemoryCorrupt, b[4])
	}
	m.haveLast = b[5] != 0
	copy(m.last[:], b[6:6+wire.SignatureSize])
	rest := b[6+wire.SignatureSize:]
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < n*4 || n > MaxMissedQueue {
		return fmt.Errorf("%w: missed queue length %d", ErrMemoryCorrupt, n)
	}
	m.missed = make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		m.missed = append(m.missed, binary.BigEndian.Uint32(rest[i*4:]))
	}
	return nil
}

// persist is called with mu held.
func (m *SessionMemory) persist() error {
	b := make([]byte, 0, 6+wire.SignatureSize+4+len(m.missed)*4)
	b = append(b, memoryMagic...)
	b = append(b, memoryVersion)
	if m.haveLast {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, m.last[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.missed)))
	for _, idx := range m.missed {
		b = binary.BigEndian.AppendUint32(b, idx)
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return err
	}
	// Rename durability needs the directory flushed as well.
	if d, err := os.Open(filepath.Dir(m.path)); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// SetLastSignature atomically replaces the last delivered signature. Called
// on every product completion; within one process lifetime it only ever
// moves forward with deliveries.
func (m *SessionMemory) SetLastSignature(sig wire.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = sig
	m.haveLast = true
	return m.persist()
}

func (m *SessionMemory) LastSignature() (wire.Signature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.haveLast
}

// EnqueueMissed durably appends a missed product index.
func (m *SessionMemory) EnqueueMissed(index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.missed) >= MaxMissedQueue {
		m.log.Warn().Uint32("dropped", m.missed[0]).Msg("Missed queue full, dropping oldest")
		m.missed = m.missed[1:]
	}
	m.missed = append(m.missed, index)
	return m.persist()
}

// DequeueMissed durably pops the oldest missed index.
func (m *SessionMemory) DequeueMissed() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.missed) == 0 {
		return 0, false
	}
	idx := m.missed[0]
	m.missed = append([]uint32(nil), m.missed[1:]...)
	if err := m.persist(); err != nil {
		m.log.Error().Err(err).Msg("Persisting missed queue failed")
	}
	return idx, true
}

// MissedSnapshot returns the queued indices oldest first, without removing
// them. The supervisor requests each and dequeues only after the request
// went out, so a crash in between never loses the entry.
func (m *SessionMemory) MissedSnapshot() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.missed...)
}

func (m *SessionMemory) Close() error {
	return nil
}
