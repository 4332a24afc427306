/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import "errors"

// Error taxonomy. Crypto and transport failures in the data path are never
// surfaced to callers above the device (they are absorbed as a drop or a
// handshake re-initiation). errShortMessage and errHandshakeInvalid are
// returned inside the package for malformed or unusable handshake input.
// errDeviceClosed, errPeerCapReached and errPeerAlreadyExists are what
// NewPeer returns: administrative failures are the one caller-visible class.
// errNoCurrentKeypair, errCounterExhausted and errKeypairExpired are not
// returned anywhere; the send path waits for a new keypair instead.

var (
	errNoCurrentKeypair   = errors.New("no current keypair")
	errCounterExhausted   = errors.New("nonce counter exhausted")
	errKeypairExpired     = errors.New("keypair expired")
	errPeerCapReached     = errors.New("too many peers")
	errPeerAlreadyExists  = errors.New("adding existing peer")
	errHandshakeInvalid   = errors.New("invalid handshake message")
	errShortMessage       = errors.New("message shorter than expected")
	errDeviceClosed       = errors.New("device closed")
)
