// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformedFrame is returned when the wire format is violated
	// (bad end marker, truncated header, unparseable method payload).
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a frame announces a size beyond
	// the parsing limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame is one atomic unit of the wire protocol. The payload is carried
// verbatim; the proxy only ever rewrites Channel.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// IsHeartbeat reports whether this is a heartbeat frame.
func (f Frame) IsHeartbeat() bool {
	return f.Type == FrameHeartbeat
}

// ReadFrame reads exactly one frame from r. Frames larger than the
// transport buffer assemble across partial reads via io.ReadFull.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	size := binary.BigEndian.Uint32(hdr[3:7])
	if size > maxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	f := Frame{
		Type:    hdr[0],
		Channel: binary.BigEndian.Uint16(hdr[1:3]),
	}

	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}

	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, err
	}
	if end[0] != FrameEnd {
		return Frame{}, fmt.Errorf("%w: bad end marker 0x%02x", ErrMalformedFrame, end[0])
	}

	return f, nil
}

// WriteFrame serializes f to w as a single Write call, so callers that
// guard w with a mutex never interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, 7, 8+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.Channel)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	buf = append(buf, FrameEnd)

	_, err := w.Write(buf)
	return err
}

// HeartbeatFrame returns a ready-to-send heartbeat frame. Heartbeats
// always travel on channel 0 with an empty payload.
func HeartbeatFrame() Frame {
	return Frame{Type: FrameHeartbeat, Channel: 0}
}
