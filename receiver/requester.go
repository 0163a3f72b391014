// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"fmt"

	"github.com/emiago/fmtp/wire"
)

// runRequester drains the request queue in FIFO order onto the
// retransmission connection. A failed write is fatal to the session; queue
// close is the clean exit.
func (s *Session) runRequester() error {
	log := s.log.With().Str("caller", "Requester").Logger()
	for {
		r, ok := s.queue.Pop()
		if !ok {
			return nil
		}
		b, err := wire.EncodeRequest(r)
		if err != nil {
			// Producer bug; do not kill the session over it.
			log.Error().Err(err).Msg("Dropping unencodable request")
			continue
		}
		if _, err := s.retxConn.Write(b); err != nil {
			if s.stopping() {
				return nil
			}
			return fmt.Errorf("request write %s index %d: %w", r.Kind, r.Index, err)
		}
		s.stampPending(r)
		promRequestTotal.WithLabelValues(r.Kind.String()).Inc()
		log.Debug().Str("kind", r.Kind.String()).Uint32("index", r.Index).
			Uint32("seq", r.Seq).Msg("Requested retransmission")
	}
}
