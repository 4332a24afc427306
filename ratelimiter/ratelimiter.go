/* SPDX-License-Identifier: GPL-2.0
 *
 * Copyright (C) 2017-2018 Jason A. Donenfeld <Jason@zx2c4.com>. All Rights Reserved.
 */

package ratelimiter

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	packetsPerSecond   = 20
	packetsBurstable   = 5
	garbageCollectTime = time.Second
)

type RatelimiterEntry struct {
	mutex    sync.Mutex
	lastSeen time.Time
	limiter  *rate.Limiter
}

type Ratelimiter struct {
	mutex     sync.RWMutex
	stop      chan struct{}
	tableIPv4 map[[net.IPv4len]byte]*RatelimiterEntry
	tableIPv6 map[[net.IPv6len]byte]*RatelimiterEntry
}

func (rl *Ratelimiter) Close() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if rl.stop != nil {
		close(rl.stop)
	}
}

func (rl *Ratelimiter) Init() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	// stop any ongoing garbage collection routine

	if rl.stop != nil {
		close(rl.stop)
	}

	rl.stop = make(chan struct{})
	rl.tableIPv4 = make(map[[net.IPv4len]byte]*RatelimiterEntry)
	rl.tableIPv6 = make(map[[net.IPv6len]byte]*RatelimiterEntry)

	// start garbage collection routine

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				func() {
					rl.mutex.Lock()
					defer rl.mutex.Unlock()

					for key, entry := range rl.tableIPv4 {
						entry.mutex.Lock()
						if time.Since(entry.lastSeen) > garbageCollectTime {
							delete(rl.tableIPv4, key)
						}
						entry.mutex.Unlock()
					}

					for key, entry := range rl.tableIPv6 {
						entry.mutex.Lock()
						if time.Since(entry.lastSeen) > garbageCollectTime {
							delete(rl.tableIPv6, key)
						}
						entry.mutex.Unlock()
					}
				}()
			}
		}
	}()
}

func newEntry() *RatelimiterEntry {
	return &RatelimiterEntry{
		lastSeen: time.Now(),
		limiter:  rate.NewLimiter(rate.Limit(packetsPerSecond), packetsBurstable),
	}
}

// Allow is the handshake-receive admission gate of spec.md §6: a per
// source-address token bucket, independent of and coarser than the
// per-peer handshake-initiation timestamp gate in send.go. It protects
// the expensive ConsumeMessageInitiation path from being driven by an
// unauthenticated flood before any peer or handshake state exists to
// rate-limit against.
func (rl *Ratelimiter) Allow(ip net.IP) bool {
	var entry *RatelimiterEntry
	var keyIPv4 [net.IPv4len]byte
	var keyIPv6 [net.IPv6len]byte

	IPv4 := ip.To4()
	IPv6 := ip.To16()

	rl.mutex.RLock()
	if IPv4 != nil {
		copy(keyIPv4[:], IPv4)
		entry = rl.tableIPv4[keyIPv4]
	} else {
		copy(keyIPv6[:], IPv6)
		entry = rl.tableIPv6[keyIPv6]
	}
	rl.mutex.RUnlock()

	if entry == nil {
		entry = newEntry()
		rl.mutex.Lock()
		if IPv4 != nil {
			rl.tableIPv4[keyIPv4] = entry
		} else {
			rl.tableIPv6[keyIPv6] = entry
		}
		rl.mutex.Unlock()
		// the bucket starts full; the entry's own creation still counts
		// as this call's packet, so take one token before returning.
		entry.mutex.Lock()
		allowed := entry.limiter.Allow()
		entry.mutex.Unlock()
		return allowed
	}

	entry.mutex.Lock()
	entry.lastSeen = time.Now()
	allowed := entry.limiter.Allow()
	entry.mutex.Unlock()
	return allowed
}
