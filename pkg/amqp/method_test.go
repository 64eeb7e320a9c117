// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	f := MethodFrame(5, ClassChannel, MethodChannelOpen, ChannelOpenArgs())

	classID, methodID, args, err := ParseMethod(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, ClassChannel, classID)
	assert.Equal(t, MethodChannelOpen, methodID)
	assert.Equal(t, []byte{0}, args)
}

func TestParseMethodShortPayload(t *testing.T) {
	_, _, _, err := ParseMethod([]byte{0, 10})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestStartOkRoundTrip(t *testing.T) {
	args := StartOkArgs(map[string]string{"product": "amqproxy"}, "guest", "s3cret")

	mech, resp, err := ParseStartOk(args)
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", mech)

	user, pass, err := ParseCredentials(mech, resp)
	require.NoError(t, err)
	assert.Equal(t, "guest", user)
	assert.Equal(t, "s3cret", pass)
}

func TestParseCredentialsAMQPLAIN(t *testing.T) {
	var resp bytes.Buffer
	putShortStr(&resp, "LOGIN")
	resp.WriteByte('S')
	putLongStr(&resp, []byte("alice"))
	putShortStr(&resp, "PASSWORD")
	resp.WriteByte('S')
	putLongStr(&resp, []byte("wonderland"))

	user, pass, err := ParseCredentials("AMQPLAIN", resp.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "wonderland", pass)
}

func TestParseCredentialsUnsupportedMechanism(t *testing.T) {
	_, _, err := ParseCredentials("EXTERNAL", nil)
	assert.Error(t, err)
}

func TestParseCredentialsBadPlain(t *testing.T) {
	_, _, err := ParseCredentials("PLAIN", []byte("no-separators"))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestTuneRoundTrip(t *testing.T) {
	args := TuneArgs(DefaultChannelMax, DefaultFrameMax, 60)

	channelMax, frameMax, heartbeat, err := ParseTune(args)
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultChannelMax), channelMax)
	assert.Equal(t, uint32(DefaultFrameMax), frameMax)
	assert.Equal(t, uint16(60), heartbeat)
}

func TestOpenRoundTrip(t *testing.T) {
	vhost, err := ParseOpen(OpenArgs("/tenant-42"))
	require.NoError(t, err)
	assert.Equal(t, "/tenant-42", vhost)
}

func TestCloseRoundTrip(t *testing.T) {
	args := CloseArgs(ReplyConnectionForced, "CONNECTION_FORCED - shutting down", 0, 0)

	code, text, err := ParseClose(args)
	require.NoError(t, err)
	assert.Equal(t, ReplyConnectionForced, code)
	assert.Equal(t, "CONNECTION_FORCED - shutting down", text)
}

func TestStartArgsParseable(t *testing.T) {
	args := StartArgs(map[string]string{"product": "amqproxy", "version": "dev"})

	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, byte(0), args[0])
	assert.Equal(t, byte(9), args[1])

	// Server properties table must be skippable.
	idx, err := skipTable(args, 2)
	require.NoError(t, err)

	mechanisms, _, err := readLongStr(args, idx)
	require.NoError(t, err)
	assert.Contains(t, string(mechanisms), "PLAIN")
}
