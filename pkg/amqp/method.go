// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ParseMethod splits a method-frame payload into class id, method id and
// the raw argument bytes.
func ParseMethod(payload []byte) (classID, methodID uint16, args []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: method payload %d bytes", ErrMalformedFrame, len(payload))
	}
	classID = binary.BigEndian.Uint16(payload[0:2])
	methodID = binary.BigEndian.Uint16(payload[2:4])
	return classID, methodID, payload[4:], nil
}

// MethodFrame builds a method frame for the given channel.
func MethodFrame(channel uint16, classID, methodID uint16, args []byte) Frame {
	payload := make([]byte, 4, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	payload = append(payload, args...)
	return Frame{Type: FrameMethod, Channel: channel, Payload: payload}
}

func putShort(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putLong(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putShortStr(buf *bytes.Buffer, s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func putLongStr(buf *bytes.Buffer, s []byte) {
	putLong(buf, uint32(len(s)))
	buf.Write(s)
}

// putTable writes a field table of longstr values, the only value type
// the proxy emits in its handshake properties.
func putTable(buf *bytes.Buffer, t map[string]string) {
	var body bytes.Buffer
	keys := sortedKeys(t)
	for _, k := range keys {
		putShortStr(&body, k)
		body.WriteByte('S')
		putLongStr(&body, []byte(t[k]))
	}
	putLongStr(buf, body.Bytes())
}

func sortedKeys(t map[string]string) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func readShortStr(b []byte, idx int) (string, int, error) {
	if idx >= len(b) {
		return "", idx, fmt.Errorf("%w: truncated shortstr", ErrMalformedFrame)
	}
	l := int(b[idx])
	if idx+1+l > len(b) {
		return "", idx, fmt.Errorf("%w: truncated shortstr", ErrMalformedFrame)
	}
	return string(b[idx+1 : idx+1+l]), idx + 1 + l, nil
}

func readLongStr(b []byte, idx int) ([]byte, int, error) {
	if idx+4 > len(b) {
		return nil, idx, fmt.Errorf("%w: truncated longstr", ErrMalformedFrame)
	}
	l := int(binary.BigEndian.Uint32(b[idx : idx+4]))
	idx += 4
	if idx+l > len(b) {
		return nil, idx, fmt.Errorf("%w: truncated longstr", ErrMalformedFrame)
	}
	return b[idx : idx+l], idx + l, nil
}

// skipTable advances past a length-prefixed field table without
// interpreting it.
func skipTable(b []byte, idx int) (int, error) {
	if idx+4 > len(b) {
		return idx, fmt.Errorf("%w: truncated field table", ErrMalformedFrame)
	}
	l := int(binary.BigEndian.Uint32(b[idx : idx+4]))
	idx += 4 + l
	if idx > len(b) {
		return idx, fmt.Errorf("%w: truncated field table", ErrMalformedFrame)
	}
	return idx, nil
}

// StartArgs builds connection.start arguments for the server role.
func StartArgs(serverProps map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0) // version-major
	buf.WriteByte(9) // version-minor
	putTable(&buf, serverProps)
	putLongStr(&buf, []byte("PLAIN AMQPLAIN"))
	putLongStr(&buf, []byte("en_US"))
	return buf.Bytes()
}

// StartOkArgs builds connection.start-ok arguments for the client role,
// always using PLAIN.
func StartOkArgs(clientProps map[string]string, username, password string) []byte {
	var buf bytes.Buffer
	putTable(&buf, clientProps)
	putShortStr(&buf, "PLAIN")
	resp := make([]byte, 0, 2+len(username)+len(password))
	resp = append(resp, 0)
	resp = append(resp, username...)
	resp = append(resp, 0)
	resp = append(resp, password...)
	putLongStr(&buf, resp)
	putShortStr(&buf, "en_US")
	return buf.Bytes()
}

// ParseStartOk extracts the SASL mechanism and response from
// connection.start-ok arguments.
func ParseStartOk(args []byte) (mechanism string, response []byte, err error) {
	idx, err := skipTable(args, 0)
	if err != nil {
		return "", nil, err
	}
	mechanism, idx, err = readShortStr(args, idx)
	if err != nil {
		return "", nil, err
	}
	response, _, err = readLongStr(args, idx)
	if err != nil {
		return mechanism, nil, err
	}
	return mechanism, response, nil
}

// ParseCredentials decodes a SASL response for the PLAIN and AMQPLAIN
// mechanisms, the two RabbitMQ enables by default.
func ParseCredentials(mechanism string, response []byte) (username, password string, err error) {
	switch mechanism {
	case "PLAIN":
		// authzid NUL authcid NUL passwd
		parts := bytes.Split(response, []byte{0})
		if len(parts) != 3 {
			return "", "", fmt.Errorf("%w: bad PLAIN response", ErrMalformedFrame)
		}
		return string(parts[1]), string(parts[2]), nil
	case "AMQPLAIN":
		// Raw field-table body (no length prefix) with LOGIN and PASSWORD.
		idx := 0
		for idx < len(response) {
			var name string
			name, idx, err = readShortStr(response, idx)
			if err != nil {
				return "", "", err
			}
			if idx >= len(response) {
				return "", "", fmt.Errorf("%w: bad AMQPLAIN response", ErrMalformedFrame)
			}
			typ := response[idx]
			idx++
			if typ != 'S' {
				return "", "", fmt.Errorf("%w: AMQPLAIN field %q has type %q", ErrMalformedFrame, name, typ)
			}
			var val []byte
			val, idx, err = readLongStr(response, idx)
			if err != nil {
				return "", "", err
			}
			switch name {
			case "LOGIN":
				username = string(val)
			case "PASSWORD":
				password = string(val)
			}
		}
		return username, password, nil
	default:
		return "", "", fmt.Errorf("unsupported SASL mechanism %q", mechanism)
	}
}

// TuneArgs builds connection.tune / tune-ok arguments (same layout).
func TuneArgs(channelMax uint16, frameMax uint32, heartbeat uint16) []byte {
	var buf bytes.Buffer
	putShort(&buf, channelMax)
	putLong(&buf, frameMax)
	putShort(&buf, heartbeat)
	return buf.Bytes()
}

// ParseTune decodes connection.tune / tune-ok arguments.
func ParseTune(args []byte) (channelMax uint16, frameMax uint32, heartbeat uint16, err error) {
	if len(args) < 8 {
		return 0, 0, 0, fmt.Errorf("%w: tune args %d bytes", ErrMalformedFrame, len(args))
	}
	channelMax = binary.BigEndian.Uint16(args[0:2])
	frameMax = binary.BigEndian.Uint32(args[2:6])
	heartbeat = binary.BigEndian.Uint16(args[6:8])
	return channelMax, frameMax, heartbeat, nil
}

// OpenArgs builds connection.open arguments.
func OpenArgs(vhost string) []byte {
	var buf bytes.Buffer
	putShortStr(&buf, vhost)
	putShortStr(&buf, "") // reserved (capabilities)
	buf.WriteByte(0)      // reserved (insist)
	return buf.Bytes()
}

// ParseOpen extracts the virtual host from connection.open arguments.
func ParseOpen(args []byte) (vhost string, err error) {
	vhost, _, err = readShortStr(args, 0)
	return vhost, err
}

// OpenOkArgs builds connection.open-ok arguments (one reserved shortstr).
func OpenOkArgs() []byte {
	return []byte{0}
}

// CloseArgs builds connection.close / channel.close arguments.
func CloseArgs(replyCode uint16, replyText string, classID, methodID uint16) []byte {
	var buf bytes.Buffer
	putShort(&buf, replyCode)
	putShortStr(&buf, replyText)
	putShort(&buf, classID)
	putShort(&buf, methodID)
	return buf.Bytes()
}

// ParseClose decodes connection.close / channel.close arguments.
func ParseClose(args []byte) (replyCode uint16, replyText string, err error) {
	if len(args) < 2 {
		return 0, "", fmt.Errorf("%w: close args %d bytes", ErrMalformedFrame, len(args))
	}
	replyCode = binary.BigEndian.Uint16(args[0:2])
	replyText, _, err = readShortStr(args, 2)
	if err != nil {
		return replyCode, "", err
	}
	return replyCode, replyText, nil
}

// ChannelOpenArgs builds channel.open arguments (one reserved shortstr).
func ChannelOpenArgs() []byte {
	return []byte{0}
}
