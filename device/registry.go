/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import "sync/atomic"

// The peer registry is device.peers.keyMap plus device.indexTable: two
// maps guarded by their own RWMutex, looked up from the hot receive and
// handshake-consumption paths. A bare RWMutex already gives readers
// concurrent lookup (spec.md I5's first half), but RemovePeer deleting a
// peer out from under a reader that is mid-handshake is the second half —
// Go has no RCU, so instead of holding peers.RLock for the duration of a
// crypto operation (which would block RemovePeer behind every in-flight
// handshake), a lookup takes a reference with Get and releases it with
// Put once it's done. RemovePeer marks the peer dead and deletes it from
// the map immediately; the last Put reclaims it. This is the Go-idiomatic
// substitute for the kernel's kref_get/kref_put + call_rcu pair.
type peerHandle struct {
	peer *Peer
}

// Get takes a reference on the peer, or returns nil if the peer has
// already been marked dead (racing with RemovePeer). The returned handle
// must be released with Put exactly once.
func (peer *Peer) Get() *peerHandle {
	if peer.markedDead.Get() {
		return nil
	}
	atomic.AddInt32(&peer.refCount, 1)
	if peer.markedDead.Get() {
		// RemovePeer raced us between the check above and the increment;
		// drop the reference we just took instead of handing out a
		// handle to a peer that is being torn down.
		if atomic.AddInt32(&peer.refCount, -1) == 0 {
			peer.reclaim()
		}
		return nil
	}
	return &peerHandle{peer: peer}
}

// Put releases a reference taken with Get. Once the last reference on a
// dead peer is released, its keypairs are invalidated and dropped and its
// handshake state is zeroed.
func (h *peerHandle) Put() {
	if h == nil {
		return
	}
	if atomic.AddInt32(&h.peer.refCount, -1) == 0 && h.peer.markedDead.Get() {
		h.peer.reclaim()
	}
}

// markDead flags the peer so that no new Get call can succeed, then
// reclaims it immediately if no reader currently holds a reference.
// unsafeRemovePeer calls this after deleting the peer from keyMap, while
// still holding device.peers' write lock.
func (peer *Peer) markDead() {
	peer.markedDead.Set(true)
	if atomic.LoadInt32(&peer.refCount) == 0 {
		peer.reclaim()
	}
}

// reclaim is the grace-period action: it only runs once the last
// reference is gone, so it's safe to zero key material without racing a
// concurrent handshake consumption.
func (peer *Peer) reclaim() {
	peer.ZeroAndFlushAll()
}
