// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x3c, 0x00, 0x28, 0xde, 0xad, 0xbe, 0xef}
	in := Frame{Type: FrameMethod, Channel: 7, Payload: payload}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Channel, out.Channel)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, HeartbeatFrame()))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.True(t, f.IsHeartbeat())
	assert.Equal(t, uint16(0), f.Channel)
	assert.Empty(t, f.Payload)
}

// Frames split across many small reads must still assemble, since
// content bodies routinely exceed one socket read.
func TestReadFramePartialReads(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 4096)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameBody, Channel: 3, Payload: payload}))

	f, err := ReadFrame(iotest{r: &buf, chunk: 5})
	require.NoError(t, err)
	assert.Equal(t, FrameBody, f.Type)
	assert.Equal(t, payload, f.Payload)
}

func TestReadFrameBadEndMarker(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameMethod, Channel: 1, Payload: []byte{1, 2, 3, 4}}))
	b := buf.Bytes()
	b[len(b)-1] = 0x00

	_, err := ReadFrame(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrameOversized(t *testing.T) {
	// 7-byte header announcing a ridiculous size.
	hdr := []byte{FrameMethod, 0, 1, 0xff, 0xff, 0xff, 0xff}
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameMethod, Channel: 1, Payload: []byte{1, 2, 3, 4}}))
	b := buf.Bytes()

	_, err := ReadFrame(bytes.NewReader(b[:len(b)-3]))
	assert.Error(t, err)
}

// WriteFrame must not alter payload bytes: the relay depends on byte
// fidelity for content frames.
func TestWriteFramePayloadFidelity(t *testing.T) {
	payload := make([]byte, 513)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	var a, b bytes.Buffer
	require.NoError(t, WriteFrame(&a, Frame{Type: FrameBody, Channel: 1, Payload: payload}))
	require.NoError(t, WriteFrame(&b, Frame{Type: FrameBody, Channel: 9, Payload: payload}))

	// Only bytes 1-2 (channel id) may differ.
	ab, bb := a.Bytes(), b.Bytes()
	require.Equal(t, len(ab), len(bb))
	for i := range ab {
		if i == 1 || i == 2 {
			continue
		}
		if ab[i] != bb[i] {
			t.Fatalf("byte %d differs: %x vs %x", i, ab[i], bb[i])
		}
	}
}

// iotest returns at most chunk bytes per Read to exercise partial reads.
type iotest struct {
	r     io.Reader
	chunk int
}

func (c iotest) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}
	return c.r.Read(p)
}
