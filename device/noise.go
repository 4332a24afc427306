/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

// This file is the Noise_IKpsk2 handshake state machine. The rest of the
// device treats it as an opaque collaborator reached only through
// CreateMessageInitiation/ConsumeMessageInitiation/CreateMessageResponse/
// ConsumeMessageResponse/BeginSymmetricSession/Clear — the core pipeline
// never inspects chain keys or ephemeral material directly.

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"hash"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/wgtunnel/tunnel/replay"
	"github.com/wgtunnel/tunnel/tai64n"
)

const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier       = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	wgLabelMAC1        = "mac1----"
	wgLabelCookie      = "cookie--"
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(noiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(wgIdentifier))
}

type handshakeState int

const (
	handshakeZeroed = handshakeState(iota)
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

type Handshake struct {
	mutex sync.RWMutex

	state                   handshakeState
	localIndex              uint32
	remoteIndex             uint32
	localEphemeral          NoisePrivateKey
	localStatic             NoisePrivateKey
	remoteStatic            NoisePublicKey
	remoteEphemeral         NoisePublicKey
	precomputedStaticStatic NoisePublicKey
	presharedKey            NoiseSymmetricKey
	lastTimestamp           tai64n.Timestamp
	lastInitiationConsumption time.Time
	lastSentHandshake       time.Time

	hash      [blake2s.Size]byte
	chainKey  [blake2s.Size]byte
}

func (h *Handshake) Clear() {
	setZero(h.localEphemeral[:])
	setZero(h.chainKey[:])
	setZero(h.hash[:])
	h.localIndex = 0
	h.state = handshakeZeroed
}

func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// --- key helpers ---

func newPrivateKey() (sk NoisePrivateKey, err error) {
	_, err = rand.Read(sk[:])
	sk.clamp()
	return
}

func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

func (sk NoisePrivateKey) Public() NoisePublicKey {
	var pk NoisePublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pk), (*[32]byte)(&sk))
	return pk
}

func (sk NoisePrivateKey) publicKey() NoisePublicKey {
	return sk.Public()
}

// sharedSecret performs the Diffie-Hellman agreement used both for the
// per-handshake ephemeral-static exchanges and for the device-wide
// precomputed static-static secret cached on peer creation (spec.md
// §4.2 "precompute cookie-related keys" extends naturally to this DH).
func (sk NoisePrivateKey) sharedSecret(pk NoisePublicKey) NoisePublicKey {
	var ss NoisePublicKey
	curve25519.ScalarMult((*[32]byte)(&ss), (*[32]byte)(&sk), (*[32]byte)(&pk))
	return ss
}

// --- KDF, grounded on the Noise protocol's HMAC-based HKDF variant ---

func newBlake2sHMAC(key []byte) hash.Hash {
	return hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
}

func HMAC1(sum *[blake2s.Size]byte, key, in0 []byte) {
	mac := newBlake2sHMAC(key)
	mac.Write(in0)
	mac.Sum(sum[:0])
}

func HMAC2(sum *[blake2s.Size]byte, key, in0, in1 []byte) {
	mac := newBlake2sHMAC(key)
	mac.Write(in0)
	mac.Write(in1)
	mac.Sum(sum[:0])
}

func KDF1(t0 *[blake2s.Size]byte, key, input []byte) {
	HMAC1(t0, key, input)
	HMAC1(t0, t0[:], []byte{0x1})
}

func KDF2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	HMAC1(&prk, key, input)
	HMAC1(t0, prk[:], []byte{0x1})
	HMAC2(t1, prk[:], t0[:], []byte{0x2})
	setZero(prk[:])
}

func KDF3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	HMAC1(&prk, key, input)
	HMAC1(t0, prk[:], []byte{0x1})
	HMAC2(t1, prk[:], t0[:], []byte{0x2})
	HMAC2(t2, prk[:], t1[:], []byte{0x3})
	setZero(prk[:])
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	KDF1(dst, c[:], data)
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hsh, _ := blake2s.New256(nil)
	hsh.Write(h[:])
	hsh.Write(data)
	hsh.Sum(dst[:0])
}

func mixPSK(chainKey, hash *[blake2s.Size]byte, key *[chacha20poly1305.KeySize]byte, psk NoiseSymmetricKey) {
	var tmp [blake2s.Size]byte
	KDF3(chainKey, &tmp, key, chainKey[:], psk[:])
	mixHash(hash, hash, tmp[:])
	setZero(tmp[:])
}

// --- handshake messages ---

// CreateMessageInitiation runs the initiator side of the handshake and
// arms the device-wide index table with the handshake's local index.
func (device *Device) CreateMessageInitiation(peer *Peer) (*MessageInitiation, error) {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	handshake.hash = initialHash
	handshake.chainKey = initialChainKey
	mixHash(&handshake.hash, &handshake.hash, handshake.remoteStatic[:])

	var err error
	handshake.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}
	localEphemeralPublic := handshake.localEphemeral.Public()

	msg := new(MessageInitiation)
	msg.Type = MessageInitiationType
	msg.Ephemeral = localEphemeralPublic

	mixKey(&handshake.chainKey, &handshake.chainKey, localEphemeralPublic[:])
	mixHash(&handshake.hash, &handshake.hash, localEphemeralPublic[:])

	ss := handshake.localEphemeral.sharedSecret(handshake.remoteStatic)
	if isZero(ss[:]) {
		return nil, errHandshakeInvalid
	}
	mixKey(&handshake.chainKey, &handshake.chainKey, ss[:])

	var key [chacha20poly1305.KeySize]byte
	KDF2(&handshake.chainKey, &key, handshake.chainKey[:], nil)
	aead, _ := chacha20poly1305.New(key[:])
	staticPublic := device.staticIdentity.publicKey
	aead.Seal(msg.Static[:0], zeroNonce[:], staticPublic[:], handshake.hash[:])
	mixHash(&handshake.hash, &handshake.hash, msg.Static[:])

	KDF2(&handshake.chainKey, &key, handshake.chainKey[:], handshake.precomputedStaticStatic[:])
	timestamp := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], timestamp[:], handshake.hash[:])
	mixHash(&handshake.hash, &handshake.hash, msg.Timestamp[:])

	setZero(key[:])

	handshake.localIndex, err = device.indexTable.NewIndex(peer)
	if err != nil {
		return nil, err
	}
	msg.Sender = handshake.localIndex

	handshake.state = handshakeInitiationCreated
	return msg, nil
}

// ConsumeMessageInitiation runs the responder side; it is invoked by
// RoutineHandshake once MAC1/MAC2 and the under-load ratelimiter have
// already accepted the packet.
func (device *Device) ConsumeMessageInitiation(msg *MessageInitiation) *Peer {
	if msg.Type != MessageInitiationType {
		return nil
	}

	var hash, chainKey [blake2s.Size]byte
	hash = initialHash
	chainKey = initialChainKey
	mixHash(&hash, &hash, device.staticIdentity.publicKey[:])
	mixKey(&chainKey, &chainKey, msg.Ephemeral[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])

	device.staticIdentity.RLock()
	ss := device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
	device.staticIdentity.RUnlock()
	if isZero(ss[:]) {
		return nil
	}
	mixKey(&chainKey, &chainKey, ss[:])

	var key [chacha20poly1305.KeySize]byte
	KDF2(&chainKey, &key, chainKey[:], nil)
	var staticPublicBytes [NoisePublicKeySize]byte
	aead, _ := chacha20poly1305.New(key[:])
	_, err := aead.Open(staticPublicBytes[:0], zeroNonce[:], msg.Static[:], hash[:])
	if err != nil {
		return nil
	}
	var remoteStatic NoisePublicKey
	copy(remoteStatic[:], staticPublicBytes[:])
	mixHash(&hash, &hash, msg.Static[:])

	peer := device.LookupPeer(remoteStatic)
	if peer == nil {
		return nil
	}
	handle := peer.Get()
	if handle == nil {
		return nil
	}

	handshake := &peer.handshake
	handshake.mutex.RLock()
	precomputed := handshake.precomputedStaticStatic
	handshake.mutex.RUnlock()

	KDF2(&chainKey, &key, chainKey[:], precomputed[:])
	var timestamp tai64n.Timestamp
	aead, _ = chacha20poly1305.New(key[:])
	_, err = aead.Open(timestamp[:0], zeroNonce[:], msg.Timestamp[:], hash[:])
	setZero(key[:])
	if err != nil {
		handle.Put()
		return nil
	}
	mixHash(&hash, &hash, msg.Timestamp[:])

	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	// replay & flood protection: reject a timestamp that is not newer than
	// the last accepted one, and any initiation arriving within
	// handshakeInitiationRateLimit of the previous one.
	if !timestamp.After(handshake.lastTimestamp) {
		handle.Put()
		return nil
	}
	if time.Since(handshake.lastInitiationConsumption) < handshakeInitiationRateLimit {
		handle.Put()
		return nil
	}
	handshake.lastTimestamp = timestamp
	handshake.lastInitiationConsumption = time.Now()

	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.remoteEphemeral = msg.Ephemeral
	handshake.state = handshakeInitiationConsumed

	handle.Put()
	return peer
}

const handshakeInitiationRateLimit = 20 * time.Millisecond

func (device *Device) CreateMessageResponse(peer *Peer) (*MessageResponse, error) {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if handshake.state != handshakeInitiationConsumed {
		return nil, errHandshakeInvalid
	}

	msg := new(MessageResponse)
	msg.Type = MessageResponseType
	msg.Receiver = handshake.remoteIndex

	var err error
	handshake.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}
	localEphemeralPublic := handshake.localEphemeral.Public()
	msg.Ephemeral = localEphemeralPublic

	mixKey(&handshake.chainKey, &handshake.chainKey, localEphemeralPublic[:])
	mixHash(&handshake.hash, &handshake.hash, localEphemeralPublic[:])

	ee := handshake.localEphemeral.sharedSecret(handshake.remoteEphemeral)
	mixKey(&handshake.chainKey, &handshake.chainKey, ee[:])

	se := handshake.localEphemeral.sharedSecret(handshake.remoteStatic)
	mixKey(&handshake.chainKey, &handshake.chainKey, se[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&handshake.chainKey, &handshake.hash, &key, handshake.presharedKey)

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, handshake.hash[:])
	mixHash(&handshake.hash, &handshake.hash, msg.Empty[:])
	setZero(key[:])

	localIndex, err := device.indexTable.NewIndex(peer)
	if err != nil {
		return nil, err
	}
	handshake.localIndex = localIndex
	msg.Sender = localIndex

	handshake.state = handshakeResponseCreated
	return msg, nil
}

func (device *Device) ConsumeMessageResponse(msg *MessageResponse) *Peer {
	if msg.Type != MessageResponseType {
		return nil
	}

	lookup := device.indexTable.Lookup(msg.Receiver)
	peer := lookup.peer
	if peer == nil {
		return nil
	}
	handle := peer.Get()
	if handle == nil {
		return nil
	}
	defer handle.Put()

	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if handshake.state != handshakeInitiationCreated || handshake.localIndex != msg.Receiver {
		return nil
	}

	hash := handshake.hash
	chainKey := handshake.chainKey

	mixKey(&chainKey, &chainKey, msg.Ephemeral[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])

	ee := handshake.localEphemeral.sharedSecret(msg.Ephemeral)
	mixKey(&chainKey, &chainKey, ee[:])

	se := device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
	mixKey(&chainKey, &chainKey, se[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&chainKey, &hash, &key, handshake.presharedKey)

	aead, _ := chacha20poly1305.New(key[:])
	_, err := aead.Open(nil, zeroNonce[:], msg.Empty[:], hash[:])
	setZero(key[:])
	if err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Empty[:])

	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.remoteEphemeral = msg.Ephemeral
	handshake.state = handshakeResponseConsumed

	return peer
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// --- keypairs ---

type Keypair struct {
	sendNonce    uint64 // atomic
	send         cipher.AEAD
	receive      cipher.AEAD
	replayFilter replay.ReplayFilter
	isInitiator  bool
	created      time.Time
	localIndex   uint32
	remoteIndex  uint32
	// valid is cleared by DeleteKeypair, when the keypair is displaced by
	// rotation or cleared at peer removal. Counter exhaustion and
	// RejectAfterTime do not clear it; they are checked against sendNonce
	// and created at each use.
	valid bool
}

type Keypairs struct {
	sync.RWMutex
	current  *Keypair
	previous *Keypair
	next     atomic.Pointer[Keypair]
}

func (kp *Keypairs) Current() *Keypair {
	kp.RLock()
	defer kp.RUnlock()
	if kp.current != nil && kp.current.valid {
		return kp.current
	}
	return nil
}

func (kp *Keypairs) loadNext() *Keypair {
	return kp.next.Load()
}

func (kp *Keypairs) storeNext(k *Keypair) {
	kp.next.Store(k)
}

// BeginSymmetricSession derives the sending/receiving AEAD keys from the
// completed handshake's chain key and installs the resulting keypair per
// the promotion rule of spec.md §4.6/§4.8: initially "next" for the
// initiator, "current" (displacing any prior current to "previous") for
// the responder.
func (peer *Peer) BeginSymmetricSession() error {
	device := peer.device
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	var isInitiator bool
	var sendKey, recvKey [chacha20poly1305.KeySize]byte

	switch handshake.state {
	case handshakeResponseConsumed:
		isInitiator = true
		KDF2(&sendKey, &recvKey, handshake.chainKey[:], nil)
	case handshakeResponseCreated:
		isInitiator = false
		KDF2(&recvKey, &sendKey, handshake.chainKey[:], nil)
	default:
		return errHandshakeInvalid
	}

	keypair := new(Keypair)
	keypair.created = time.Now()
	keypair.isInitiator = isInitiator
	keypair.localIndex = handshake.localIndex
	keypair.remoteIndex = handshake.remoteIndex
	keypair.valid = true
	keypair.send, _ = chacha20poly1305.New(sendKey[:])
	keypair.receive, _ = chacha20poly1305.New(recvKey[:])
	keypair.replayFilter.Init()
	setZero(sendKey[:])
	setZero(recvKey[:])

	device.indexTable.SwapIndexForKeypair(keypair.localIndex, keypair)

	keypairs := &peer.keypairs
	keypairs.Lock()
	if isInitiator {
		if keypairs.next.Load() != nil {
			device.DeleteKeypair(keypairs.loadNext())
		}
		keypairs.storeNext(keypair)
	} else {
		if keypairs.previous != nil {
			device.DeleteKeypair(keypairs.previous)
		}
		keypairs.previous = keypairs.current
		keypairs.current = keypair
	}
	keypairs.Unlock()

	handshake.Clear()
	return nil
}

// ReceivedWithKeypair promotes a "next" keypair to "current" on first
// successful receive, per spec.md §4.8's next->current transition.
func (peer *Peer) ReceivedWithKeypair(receivedKeypair *Keypair) bool {
	keypairs := &peer.keypairs
	if keypairs.loadNext() != receivedKeypair {
		return false
	}
	keypairs.Lock()
	defer keypairs.Unlock()
	if keypairs.loadNext() != receivedKeypair {
		return false
	}
	old := keypairs.previous
	keypairs.previous = keypairs.current
	peer.device.DeleteKeypair(old)
	keypairs.current = receivedKeypair
	keypairs.storeNext(nil)
	return true
}

// DeleteKeypair invalidates a keypair and removes its index-table entry, so
// it is no longer found by receivers or returned by Current. The send and
// receive AEAD key state is not zeroed.
func (device *Device) DeleteKeypair(key *Keypair) {
	if key == nil {
		return
	}
	key.valid = false
	device.indexTable.Delete(key.localIndex)
}
