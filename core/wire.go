// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Wire framing here is a deliberately minimal stand-in for the real
// ZeroTier wire protocol (packet fragmentation, HELLO/OK/ERROR verbs,
// Salsa20/Poly1305), which spec.md §1 treats as an external
// collaborator. Each packet on the wire is:
//
//	srcAddr (5 bytes) | nonce (12 bytes) | chacha20poly1305(ciphertext)
//
// and decrypts to a single opaque application payload: either a
// control verb (see wireVerb below) or a bridged virtual-network
// frame.
const (
	wireAddrLen  = 5
	wireNonceLen = chacha20poly1305.NonceSize
	wireOverhead = wireAddrLen + wireNonceLen + chacha20poly1305.Overhead
)

type wireVerb byte

const (
	verbHello         wireVerb = 1
	verbHelloAck      wireVerb = 2
	verbFrame         wireVerb = 3
	verbMulticastLike wireVerb = 4
	verbEcho          wireVerb = 5
)

// sealPacket encrypts payload (prefixed with verb) under the shared
// key for transmission from self to a peer.
func sealPacket(self Address, key [32]byte, verb wireVerb, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("core: wire: new aead: %w", err)
	}
	nonce := make([]byte, wireNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("core: wire: nonce: %w", err)
	}
	plain := make([]byte, 1+len(payload))
	plain[0] = byte(verb)
	copy(plain[1:], payload)

	out := make([]byte, 0, wireAddrLen+wireNonceLen+len(plain)+chacha20poly1305.Overhead)
	out = append(out, self[:]...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, self[:])
	return out, nil
}

// openPacket decrypts a packet received from src (the claimed source
// address embedded in the packet) under key.
func openPacket(key [32]byte, packet []byte) (src Address, verb wireVerb, payload []byte, err error) {
	if len(packet) < wireOverhead {
		return Address{}, 0, nil, fmt.Errorf("core: wire: short packet (%d bytes)", len(packet))
	}
	copy(src[:], packet[:wireAddrLen])
	nonce := packet[wireAddrLen : wireAddrLen+wireNonceLen]
	ciphertext := packet[wireAddrLen+wireNonceLen:]

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Address{}, 0, nil, fmt.Errorf("core: wire: new aead: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, src[:])
	if err != nil {
		return Address{}, 0, nil, fmt.Errorf("core: wire: authentication failed: %w", err)
	}
	if len(plain) < 1 {
		return Address{}, 0, nil, fmt.Errorf("core: wire: empty plaintext")
	}
	return src, wireVerb(plain[0]), plain[1:], nil
}

// peekSourceAddress extracts the cleartext source address prefix
// without attempting decryption, so the node can look up the
// sender's Peer (and thus its key) before calling openPacket.
func peekSourceAddress(packet []byte) (Address, bool) {
	if len(packet) < wireOverhead {
		return Address{}, false
	}
	var a Address
	copy(a[:], packet[:wireAddrLen])
	return a, true
}
