/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

/* This Timer structure and related functions must hold the properties:
 *
 * - Quick to check expiration
 * - Cancellable without blocking on the expiration handler
 * - Safe to modify (Reset) from multiple goroutines, including from within
 *   its own expiration handler
 *
 * These rules mirror the kernel timer semantics the protocol was written
 * against; time.Timer alone doesn't give us rule 3 for free, hence the
 * pending flag and the modifying lock below.
 */

type Timer struct {
	*time.Timer
	modifyingLock sync.Mutex
	pending       AtomicBool
}

func (peer *Peer) NewTimer(expirationFunction func(*Peer)) *Timer {
	timer := &Timer{}
	timer.Timer = time.AfterFunc(time.Hour, func() {
		if !timer.pending.Swap(false) {
			return
		}
		expirationFunction(peer)
	})
	timer.Timer.Stop()
	return timer
}

func (timer *Timer) Mod(d time.Duration) {
	timer.modifyingLock.Lock()
	timer.pending.Set(true)
	timer.Reset(d)
	timer.modifyingLock.Unlock()
}

func (timer *Timer) Del() {
	timer.modifyingLock.Lock()
	timer.pending.Set(false)
	timer.Stop()
	timer.modifyingLock.Unlock()
}

func (timer *Timer) IsPending() bool {
	return timer.pending.Get()
}

func expiredRetransmitHandshake(peer *Peer) {
	if atomic.LoadUint32(&peer.timers.handshakeAttempts) > MaxTimerHandshakes {
		peer.device.log.Debug.Println(peer, "- Retrying handshake, attempts:", peer.timers.handshakeAttempts, "exceeded maximum, giving up")

		if peer.timers.sentLastMinuteHandshake.Get() {
			peer.timers.sentLastMinuteHandshake.Set(false)
		}

		peer.timers.zeroKeyMaterial.Mod(RejectAfterTime * 3)
	} else {
		atomic.AddUint32(&peer.timers.handshakeAttempts, 1)
		peer.device.log.Debug.Println(peer, "- Handshake did not complete after", RekeyTimeout, ", retrying (try", peer.timers.handshakeAttempts+1, ")")

		peer.ExpireCurrentKeypairs()

		err := peer.SendHandshakeInitiation(true)
		if err != nil {
			peer.device.log.Error.Println(peer, "- Failed to send handshake initiation:", err)
		}
	}
}

func expiredSendKeepalive(peer *Peer) {
	peer.SendKeepalive()
	if peer.timers.needAnotherKeepalive.Get() {
		peer.timers.needAnotherKeepalive.Set(false)
		peer.timers.sendKeepalive.Mod(KeepaliveTimeout)
	}
}

func expiredNewHandshake(peer *Peer) {
	peer.device.log.Debug.Println(peer, "- Retrying handshake because we stopped hearing back after", KeepaliveTimeout+RekeyTimeout)
	peer.ExpireCurrentKeypairs()
	err := peer.SendHandshakeInitiation(false)
	if err != nil {
		peer.device.log.Error.Println(peer, "- Failed to send handshake initiation:", err)
	}
}

func expiredZeroKeyMaterial(peer *Peer) {
	peer.device.log.Debug.Println(peer, "- Removing all keys, since we haven't received a new one in", RejectAfterTime*3)
	peer.ZeroAndFlushAll()
}

func expiredPersistentKeepalive(peer *Peer) {
	if peer.persistentKeepaliveInterval > 0 {
		peer.SendKeepalive()
	}
}

/* Should be called after an authenticated data packet is sent. */
func (peer *Peer) timersDataSent() {
	if !peer.timersActive() {
		return
	}
	if !peer.timers.newHandshake.IsPending() {
		jitter := time.Millisecond * time.Duration(rand.Intn(RekeyTimeoutJitterMaxMs))
		peer.timers.newHandshake.Mod(RekeyAfterTime + RekeyTimeout + jitter)
	}
}

/* Should be called after an authenticated data packet is received. */
func (peer *Peer) timersDataReceived() {
	if !peer.timersActive() {
		return
	}
	if !peer.timers.sendKeepalive.IsPending() {
		peer.timers.sendKeepalive.Mod(KeepaliveTimeout)
	} else {
		peer.timers.needAnotherKeepalive.Set(true)
	}
}

/* Should be called after any authenticated packet is sent, whether
 * data, keepalive, or handshake.
 */
func (peer *Peer) timersAnyAuthenticatedPacketSent() {
	if !peer.timersActive() {
		return
	}
	peer.timers.sendKeepalive.Del()
}

/* Should be called after any authenticated packet is received, whether
 * data, keepalive, or handshake.
 */
func (peer *Peer) timersAnyAuthenticatedPacketReceived() {
	if !peer.timersActive() {
		return
	}
	peer.timers.newHandshake.Del()
}

/* Should be called after any authenticated packet is sent or received,
 * to drive the optional persistent-keepalive timer.
 */
func (peer *Peer) timersAnyAuthenticatedPacketTraversal() {
	if peer.persistentKeepaliveInterval > 0 {
		peer.timers.persistentKeepalive.Mod(time.Duration(peer.persistentKeepaliveInterval) * time.Second)
	}
}

func (peer *Peer) timersInit() {
	peer.timers.retransmitHandshake = peer.NewTimer(expiredRetransmitHandshake)
	peer.timers.sendKeepalive = peer.NewTimer(expiredSendKeepalive)
	peer.timers.newHandshake = peer.NewTimer(expiredNewHandshake)
	peer.timers.zeroKeyMaterial = peer.NewTimer(expiredZeroKeyMaterial)
	peer.timers.persistentKeepalive = peer.NewTimer(expiredPersistentKeepalive)
	atomic.StoreUint32(&peer.timers.handshakeAttempts, 0)
	peer.timers.needAnotherKeepalive.Set(false)
	peer.timers.sentLastMinuteHandshake.Set(false)
}

func (peer *Peer) timersStop() {
	peer.timers.retransmitHandshake.Del()
	peer.timers.sendKeepalive.Del()
	peer.timers.newHandshake.Del()
	peer.timers.zeroKeyMaterial.Del()
	peer.timers.persistentKeepalive.Del()
}

/* Should be called after a handshake initiation message is sent. */
func (peer *Peer) timersHandshakeInitiated() {
	peer.timers.retransmitHandshake.Mod(RekeyTimeout)
	peer.timers.sendKeepalive.Del()
}

/* Should be called after a handshake response is received and the new
 * keypair has been derived, completing the exchange.
 */
func (peer *Peer) timersHandshakeComplete() {
	peer.timers.retransmitHandshake.Del()
	atomic.StoreUint32(&peer.timers.handshakeAttempts, 0)
	peer.timers.sentLastMinuteHandshake.Set(false)
	atomic.StoreInt64(&peer.stats.lastHandshakeNano, time.Now().UnixNano())
}

/* Should be called after a new keypair is derived, whether as initiator
 * or responder, to arm the timers that depend on having a live session.
 */
func (peer *Peer) timersSessionDerived() {
	if peer.persistentKeepaliveInterval > 0 {
		peer.timers.persistentKeepalive.Mod(time.Duration(peer.persistentKeepaliveInterval) * time.Second)
	}
	peer.timers.zeroKeyMaterial.Mod(RejectAfterTime * 3)
}

func (peer *Peer) timersActive() bool {
	return peer.isRunning.Get() && peer.device != nil && peer.device.isUp.Get()
}
