// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package amqp

// ProtocolHeader is the 8-byte preamble every AMQP 0-9-1 client sends
// before the first frame. A server that does not speak the requested
// version replies with its own header and closes the socket.
var ProtocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Frame types defined by the specification.
const (
	FrameMethod    byte = 1
	FrameHeader    byte = 2
	FrameBody      byte = 3
	FrameHeartbeat byte = 8
)

// FrameEnd terminates every frame on the wire.
const FrameEnd byte = 0xCE

const (
	// DefaultFrameMax is advertised on both legs of the proxy so content
	// bodies relay frame-for-frame without re-chunking. Matches the
	// RabbitMQ default.
	DefaultFrameMax = 131072

	// DefaultChannelMax is the channel ceiling advertised to clients.
	DefaultChannelMax = 2047

	// maxFrameSize is a hard parsing limit; a size field beyond this is
	// treated as a framing error rather than an allocation request.
	maxFrameSize = 1 << 24
)

// Class ids for the subset of the protocol the proxy intercepts.
const (
	ClassConnection uint16 = 10
	ClassChannel    uint16 = 20
)

// Connection class method ids.
const (
	MethodConnectionStart     uint16 = 10
	MethodConnectionStartOk   uint16 = 11
	MethodConnectionSecure    uint16 = 20
	MethodConnectionSecureOk  uint16 = 21
	MethodConnectionTune      uint16 = 30
	MethodConnectionTuneOk    uint16 = 31
	MethodConnectionOpen      uint16 = 40
	MethodConnectionOpenOk    uint16 = 41
	MethodConnectionClose     uint16 = 50
	MethodConnectionCloseOk   uint16 = 51
	MethodConnectionBlocked   uint16 = 60
	MethodConnectionUnblocked uint16 = 61
)

// Channel class method ids.
const (
	MethodChannelOpen    uint16 = 10
	MethodChannelOpenOk  uint16 = 11
	MethodChannelFlow    uint16 = 20
	MethodChannelFlowOk  uint16 = 21
	MethodChannelClose   uint16 = 40
	MethodChannelCloseOk uint16 = 41
)

// Reply codes used in connection.close and channel.close.
const (
	ReplySuccess          uint16 = 200
	ReplyConnectionForced uint16 = 320
	ReplyAccessRefused    uint16 = 403
	ReplyFrameError       uint16 = 501
	ReplySyntaxError      uint16 = 502
	ReplyCommandInvalid   uint16 = 503
	ReplyChannelError     uint16 = 504
	ReplyInternalError    uint16 = 541
)
