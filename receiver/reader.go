// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"fmt"

	"github.com/emiago/fmtp/wire"
)

// runReader is the multicast loop: one blocking read per datagram, classify
// by flags, dispatch to the tracker store. Malformed packets are counted and
// dropped; only the socket failing ends the loop.
func (s *Session) runReader() error {
	log := s.log.With().Str("caller", "Reader").Logger()
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, _, err := s.mcast.ReadFrom(buf)
		if err != nil {
			if s.stopping() {
				return nil
			}
			return fmt.Errorf("multicast read: %w", err)
		}
		h, payload, err := wire.DecodePacket(buf[:n])
		if err != nil {
			promMalformedTotal.Inc()
			log.Debug().Err(err).Int("size", n).Msg("Dropping malformed packet")
			continue
		}
		s.handleMulticastPacket(h, payload)
	}
}

func (s *Session) handleMulticastPacket(h wire.Header, payload []byte) {
	// Retransmission flags never appear on the multicast path.
	if h.Flags&(wire.FlagRetx|wire.FlagRetxReq|wire.FlagRetxEnd) != 0 {
		promMalformedTotal.Inc()
		return
	}
	switch {
	case h.Flags.Has(wire.FlagBOP):
		promPacketTotal.WithLabelValues(pathMulticast, "bop").Inc()
		s.handleBOP(h, payload, false)
	case h.Flags.Has(wire.FlagEOP):
		promPacketTotal.WithLabelValues(pathMulticast, "eop").Inc()
		s.handleEOP(h, false)
	default:
		promPacketTotal.WithLabelValues(pathMulticast, "data").Inc()
		s.handleData(h, payload, false)
	}
}
