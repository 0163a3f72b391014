// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Control frames travel on the control TCP connection. Each frame is a 4 byte
// big-endian length prefix covering a 1 byte tag plus the body.

type ControlTag uint8

const (
	CtrlSubscribe ControlTag = iota + 1
	CtrlSubscribeReply
	CtrlRequestMissed
	CtrlRequestBacklog
)

// MaxControlFrame bounds a single control frame on the read side.
const MaxControlFrame = 64 * 1024

// Subscribe status codes.
const (
	StatusOK uint8 = iota
	StatusUnauthorized
	StatusUnknownFeed
)

var (
	ErrFrameTooLarge = errors.New("fmtp: control frame exceeds limit")
	ErrShortFrame    = errors.New("fmtp: control frame truncated")
)

// WriteFrame writes one tagged frame to w.
func WriteFrame(w io.Writer, tag ControlTag, body []byte) error {
	if 1+len(body) > MaxControlFrame {
		return ErrFrameTooLarge
	}
	var pfx [5]byte
	binary.BigEndian.PutUint32(pfx[0:4], uint32(1+len(body)))
	pfx[4] = byte(tag)
	if _, err := w.Write(pfx[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads the next tagged frame from r.
func ReadFrame(r io.Reader) (ControlTag, []byte, error) {
	var pfx [4]byte
	if _, err := io.ReadFull(r, pfx[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(pfx[:])
	if n == 0 {
		return 0, nil, ErrShortFrame
	}
	if n > MaxControlFrame {
		return 0, nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return ControlTag(buf[0]), buf[1:], nil
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, ErrShortFrame
	}
	return string(b[:n]), b[n:], nil
}

// SubscribeMsg opens a downstream session for a feed. Endpoint is the
// receiver address the sender should connect retransmission delivery back to.
type SubscribeMsg struct {
	Feed     string
	Secret   string
	Endpoint string
}

func (m SubscribeMsg) Encode() []byte {
	b := appendString(nil, m.Feed)
	b = appendString(b, m.Secret)
	return appendString(b, m.Endpoint)
}

func DecodeSubscribe(b []byte) (m SubscribeMsg, err error) {
	if m.Feed, b, err = readString(b); err != nil {
		return
	}
	if m.Secret, b, err = readString(b); err != nil {
		return
	}
	m.Endpoint, _, err = readString(b)
	return
}

// SubscribeReply carries the multicast coordinates for an accepted feed.
type SubscribeReply struct {
	Status uint8
	Group  string
	Port   uint16
}

func (m SubscribeReply) Encode() []byte {
	b := []byte{m.Status}
	b = appendString(b, m.Group)
	return binary.BigEndian.AppendUint16(b, m.Port)
}

func DecodeSubscribeReply(b []byte) (SubscribeReply, error) {
	if len(b) < 1 {
		return SubscribeReply{}, ErrShortFrame
	}
	m := SubscribeReply{Status: b[0]}
	var err error
	if m.Group, b, err = readString(b[1:]); err != nil {
		return SubscribeReply{}, err
	}
	if len(b) < 2 {
		return SubscribeReply{}, ErrShortFrame
	}
	m.Port = binary.BigEndian.Uint16(b)
	return m, nil
}

// MissedMsg asks the sender to deliver one product the multicast path lost
// beyond block repair. Fire and forget.
type MissedMsg struct {
	Index uint32
}

func (m MissedMsg) Encode() []byte {
	return binary.BigEndian.AppendUint32(nil, m.Index)
}

func DecodeMissed(b []byte) (MissedMsg, error) {
	if len(b) < 4 {
		return MissedMsg{}, ErrShortFrame
	}
	return MissedMsg{Index: binary.BigEndian.Uint32(b)}, nil
}

// BacklogMsg asks for every product between two signatures. A zero From means
// "no previous session"; the sender then goes back TimeOffsetSec seconds.
type BacklogMsg struct {
	From          Signature
	To            Signature
	TimeOffsetSec uint32
}

func (m BacklogMsg) Encode() []byte {
	b := make([]byte, 0, 2*SignatureSize+4)
	b = append(b, m.From[:]...)
	b = append(b, m.To[:]...)
	return binary.BigEndian.AppendUint32(b, m.TimeOffsetSec)
}

func DecodeBacklog(b []byte) (BacklogMsg, error) {
	if len(b) < 2*SignatureSize+4 {
		return BacklogMsg{}, ErrShortFrame
	}
	var m BacklogMsg
	copy(m.From[:], b[:SignatureSize])
	copy(m.To[:], b[SignatureSize:2*SignatureSize])
	m.TimeOffsetSec = binary.BigEndian.Uint32(b[2*SignatureSize:])
	return m, nil
}

func (t ControlTag) String() string {
	switch t {
	case CtrlSubscribe:
		return "subscribe"
	case CtrlSubscribeReply:
		return "subscribe_reply"
	case CtrlRequestMissed:
		return "request_missed"
	case CtrlRequestBacklog:
		return "request_backlog"
	}
	return fmt.Sprintf("ctrl(%d)", uint8(t))
}
