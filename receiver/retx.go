// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"fmt"
	"io"

	"github.com/emiago/fmtp/wire"
)

// runRetx consumes framed retransmission messages: a full FMTP header, then
// the payload it advertises. Unlike multicast, a header that does not parse
// means the stream lost framing and the session must restart.
func (s *Session) runRetx() error {
	log := s.log.With().Str("caller", "RetxReceiver").Logger()
	hdr := make([]byte, wire.HeaderSize)
	payload := make([]byte, wire.MaxBlockSize)
	for {
		if _, err := io.ReadFull(s.retxConn, hdr); err != nil {
			if s.stopping() {
				return nil
			}
			return fmt.Errorf("retx read: %w", err)
		}
		h, err := wire.DecodeHeader(hdr)
		if err != nil {
			return fmt.Errorf("retx stream desynchronized: %w", err)
		}
		body := payload[:h.PayloadLength]
		if _, err := io.ReadFull(s.retxConn, body); err != nil {
			if s.stopping() {
				return nil
			}
			return fmt.Errorf("retx read payload: %w", err)
		}
		log.Debug().Str("flags", h.Flags.String()).Uint32("index", h.ProductIndex).
			Uint32("seq", h.Sequence).Msg("Retx message")
		s.handleRetxMessage(h, body)
	}
}

func (s *Session) handleRetxMessage(h wire.Header, body []byte) {
	switch {
	case h.Flags.Has(wire.FlagRetxReq | wire.FlagRetxEnd):
		// Sender rejects a request: the product is unrecoverable.
		s.handleNoSuchProduct(h.ProductIndex)
	case h.Flags.Has(wire.FlagRetx | wire.FlagBOP):
		promPacketTotal.WithLabelValues(pathRetransmit, "bop").Inc()
		s.observePending(wire.ReqMissingBOP, h.ProductIndex, 0)
		s.handleBOP(h, body, true)
	case h.Flags.Has(wire.FlagRetx | wire.FlagEOP):
		promPacketTotal.WithLabelValues(pathRetransmit, "eop").Inc()
		s.observePending(wire.ReqMissingEOP, h.ProductIndex, 0)
		s.handleEOP(h, true)
	case h.Flags.Has(wire.FlagRetx):
		promPacketTotal.WithLabelValues(pathRetransmit, "data").Inc()
		s.observePending(wire.ReqMissingData, h.ProductIndex, h.Sequence)
		s.handleData(h, body, true)
	case h.Flags.Has(wire.FlagRetxEnd):
		// Sender finished replaying a product; nothing to do on our side.
	default:
		promMalformedTotal.Inc()
	}
}
