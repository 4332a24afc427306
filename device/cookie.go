/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

// Cookie reply construction, the mechanism spec.md §6 calls out as an
// external collaborator of the handshake-rate-limiting gate: under load,
// a responder hands back a proof-of-work cookie instead of completing
// the handshake, and the initiator must echo it back as mac2 on its next
// attempt before the responder will do real Noise work for it.

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	cookieSize      = 16
	cookieNonceSize = chacha20poly1305.NonceSizeX
)

func keyedMAC(size int, key, data []byte) []byte {
	mac, _ := blake2s.New(size, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// CookieChecker is installed once per device (device.cookieChecker) and
// reinitialized whenever the device's static key changes.
type CookieChecker struct {
	mu                  sync.RWMutex
	mac1Key             [blake2s.Size]byte
	cookieEncryptionKey [chacha20poly1305.KeySize]byte
	secret              [blake2s.Size]byte
	secretSet           time.Time
}

func (st *CookieChecker) Init(pk NoisePublicKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.mac1Key = blake2s.Sum256(append([]byte(wgLabelMAC1), pk[:]...))
	st.cookieEncryptionKey = blake2s.Sum256(append([]byte(wgLabelCookie), pk[:]...))
	rand.Read(st.secret[:])
	st.secretSet = time.Now()
}

func (st *CookieChecker) refreshSecret() {
	if time.Since(st.secretSet) < CookieRefreshTime {
		return
	}
	rand.Read(st.secret[:])
	st.secretSet = time.Now()
}

func (st *CookieChecker) sourceCookie(src []byte) []byte {
	st.mu.Lock()
	st.refreshSecret()
	secret := st.secret
	st.mu.Unlock()
	return keyedMAC(cookieSize, secret[:], src)
}

func (st *CookieChecker) CheckMAC1(msg []byte) bool {
	if len(msg) < blake2sMACSize*2 {
		return false
	}
	st.mu.RLock()
	key := st.mac1Key
	st.mu.RUnlock()
	size := len(msg)
	expected := keyedMAC(blake2sMACSize, key[:], msg[:size-2*blake2sMACSize])
	return subtle.ConstantTimeCompare(expected, msg[size-2*blake2sMACSize:size-blake2sMACSize]) == 1
}

func (st *CookieChecker) CheckMAC2(msg []byte, src []byte) bool {
	if len(msg) < blake2sMACSize {
		return false
	}
	cookie := st.sourceCookie(src)
	size := len(msg)
	expected := keyedMAC(blake2sMACSize, cookie, msg[:size-blake2sMACSize])
	return subtle.ConstantTimeCompare(expected, msg[size-blake2sMACSize:]) == 1
}

func (st *CookieChecker) CreateReply(msg []byte, receiver uint32, src []byte) (*MessageCookieReply, error) {
	if len(msg) < 2*blake2sMACSize {
		return nil, errShortMessage
	}
	cookie := st.sourceCookie(src)
	mac1 := msg[len(msg)-2*blake2sMACSize : len(msg)-blake2sMACSize]

	reply := new(MessageCookieReply)
	reply.Type = MessageCookieReplyType
	reply.Receiver = receiver
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, err
	}

	st.mu.RLock()
	key := st.cookieEncryptionKey
	st.mu.RUnlock()

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	aead.Seal(reply.Cookie[:0], reply.Nonce[:], cookie, mac1)
	return reply, nil
}

// CookieGenerator is installed once per peer (peer.cookieGenerator).
type CookieGenerator struct {
	mu                  sync.RWMutex
	mac1Key             [blake2s.Size]byte
	cookieEncryptionKey [chacha20poly1305.KeySize]byte
	lastMAC1            [blake2sMACSize]byte
	haveCookie          bool
	cookie              [cookieSize]byte
	cookieExpiration    time.Time
}

func (cg *CookieGenerator) Init(pk NoisePublicKey) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.mac1Key = blake2s.Sum256(append([]byte(wgLabelMAC1), pk[:]...))
	cg.cookieEncryptionKey = blake2s.Sum256(append([]byte(wgLabelCookie), pk[:]...))
	cg.haveCookie = false
}

// AddMacs stamps mac1 (always) and mac2 (only while holding a live
// cookie) into the trailing 32 bytes of a freshly marshalled handshake
// message.
func (cg *CookieGenerator) AddMacs(msg []byte) {
	size := len(msg)
	if size < 2*blake2sMACSize {
		return
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	mac1 := keyedMAC(blake2sMACSize, cg.mac1Key[:], msg[:size-2*blake2sMACSize])
	copy(msg[size-2*blake2sMACSize:size-blake2sMACSize], mac1)
	copy(cg.lastMAC1[:], mac1)

	if cg.haveCookie && time.Now().Before(cg.cookieExpiration) {
		mac2 := keyedMAC(blake2sMACSize, cg.cookie[:], msg[:size-blake2sMACSize])
		copy(msg[size-blake2sMACSize:], mac2)
	}
}

func (cg *CookieGenerator) ConsumeReply(msg *MessageCookieReply) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	aead, err := chacha20poly1305.NewX(cg.cookieEncryptionKey[:])
	if err != nil {
		return false
	}
	var cookie [cookieSize]byte
	_, err = aead.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], cg.lastMAC1[:])
	if err != nil {
		return false
	}
	cg.cookie = cookie
	cg.haveCookie = true
	cg.cookieExpiration = time.Now().Add(CookieRefreshTime)
	return true
}
