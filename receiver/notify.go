// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package receiver implements the downstream data plane of one FMTP session:
// per-product reception trackers, the retransmission request queue, the
// multicast reader, the retransmission requester and receiver, and the BOP
// timer that bounds how long a product whose opening packet is missing may
// stay pending.
package receiver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emiago/fmtp/wire"
)

var (
	// ErrProductRefused is returned by a notifier that will not accept the
	// announced product. The product is skipped, not the session.
	ErrProductRefused = errors.New("fmtp: product refused by notifier")

	// ErrProductUnrecoverable reports that the sender declared the product
	// gone, or that its BOP never arrived within the timer bound.
	ErrProductUnrecoverable = errors.New("fmtp: product unrecoverable")
)

// ProductNotifier is the capability the embedding application hands to a
// session. OnBegin returns the destination buffer the product is assembled
// into; the session borrows it until OnComplete or OnFailed for the same
// index, after which it is never touched again.
//
// OnBegin and OnComplete are called with the tracker map unlocked, from the
// reader or retransmission receiver goroutine.
type ProductNotifier interface {
	OnBegin(index uint32, bop wire.BOP) ([]byte, error)
	OnComplete(index uint32, bop wire.BOP, data []byte) error
	OnFailed(index uint32, reason error)
}

// DirNotifier assembles products in memory and writes each completed one
// under Dir, keyed by the product name from its BOP. Useful for tools and
// tests; real deployments typically insert into a product queue instead.
type DirNotifier struct {
	Dir string
}

func (n *DirNotifier) OnBegin(index uint32, bop wire.BOP) ([]byte, error) {
	if bop.Name == "" {
		return nil, fmt.Errorf("%w: unnamed product", ErrProductRefused)
	}
	return make([]byte, bop.TotalSize), nil
}

func (n *DirNotifier) OnComplete(index uint32, bop wire.BOP, data []byte) error {
	path := filepath.Join(n.Dir, filepath.Base(bop.Name))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (n *DirNotifier) OnFailed(index uint32, reason error) {}
