/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"encoding/binary"

	"github.com/wgtunnel/tunnel/tai64n"
)

const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	MessageInitiationSize      = 148                                           // size of handshake initiation message
	MessageResponseSize        = 92                                            // size of response message
	MessageCookieReplySize     = 64                                            // size of cookie reply message
	MessageTransportHeaderSize = 16                                            // size of data preceding content in transport message
	MessageTransportSize       = MessageTransportHeaderSize + poly1305TagSize  // size of empty transport
	MessageKeepaliveSize       = MessageTransportSize                          // size of keepalive
	MessageHandshakeSize       = MessageInitiationSize                         // size of largest handshake related message
)

const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

const poly1305TagSize = 16

/* Type is the first 4 bytes of every message, little-endian */

type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral NoisePublicKey
	Static    [NoisePublicKeySize + poly1305TagSize]byte
	Timestamp [tai64n.TimestampSize + poly1305TagSize]byte
	MAC1      [blake2sMACSize]byte
	MAC2      [blake2sMACSize]byte
}

type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral NoisePublicKey
	Empty     [poly1305TagSize]byte
	MAC1      [blake2sMACSize]byte
	MAC2      [blake2sMACSize]byte
}

type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [cookieNonceSize]byte
	Cookie   [cookieSize + poly1305TagSize]byte
}

const blake2sMACSize = 16

// unmarshal below is an allocation-free decoder for MessageInitiation. The
// receive and handshake paths decode messages with binary.Read and
// binary.LittleEndian instead; unmarshal is called only by
// BenchmarkMessageInitiationUnmarshal in noise-protocol_test.go.

func (msg *MessageInitiation) unmarshal(b []byte) error {
	if len(b) < MessageInitiationSize {
		return errShortMessage
	}
	msg.Type = binary.LittleEndian.Uint32(b[0:4])
	msg.Sender = binary.LittleEndian.Uint32(b[4:8])
	copy(msg.Ephemeral[:], b[8:40])
	copy(msg.Static[:], b[40:88])
	copy(msg.Timestamp[:], b[88:116])
	copy(msg.MAC1[:], b[116:132])
	copy(msg.MAC2[:], b[132:148])
	return nil
}
