/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// IndexTable is the device-wide map from the 32-bit "receiver index"
// carried on handshake and transport messages back to the peer,
// handshake, and (once the session is live) keypair it names. It is the
// collaborator spec.md §4.1 calls "session index lookup": insertion
// happens once per handshake attempt, lookups happen once per inbound
// packet, so it is sized and locked like allowedips.go rather than
// per-peer state.
type IndexTableEntry struct {
	peer      *Peer
	handshake *Handshake
	keypair   *Keypair
}

type IndexTable struct {
	sync.RWMutex
	table map[uint32]IndexTableEntry
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (table *IndexTable) Init() {
	table.Lock()
	defer table.Unlock()
	table.table = make(map[uint32]IndexTableEntry)
}

// NewIndex allocates a fresh index for peer's in-progress handshake,
// rerolling on collision, and inserts it with no keypair attached yet.
func (table *IndexTable) NewIndex(peer *Peer) (uint32, error) {
	for {
		index, err := randUint32()
		if err != nil {
			return 0, err
		}
		table.Lock()
		if _, ok := table.table[index]; ok {
			table.Unlock()
			continue
		}
		table.table[index] = IndexTableEntry{
			peer:      peer,
			handshake: &peer.handshake,
		}
		table.Unlock()
		return index, nil
	}
}

// SwapIndexForKeypair attaches a completed keypair to an existing
// handshake index, turning a handshake-only entry into a transport-ready
// one without changing the index the peers already agreed on.
func (table *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	table.Lock()
	defer table.Unlock()
	entry, ok := table.table[index]
	if !ok {
		return
	}
	entry.keypair = keypair
	table.table[index] = entry
}

func (table *IndexTable) Lookup(index uint32) IndexTableEntry {
	table.RLock()
	defer table.RUnlock()
	return table.table[index]
}

func (table *IndexTable) Delete(index uint32) {
	if index == 0 {
		return
	}
	table.Lock()
	defer table.Unlock()
	delete(table.table, index)
}
