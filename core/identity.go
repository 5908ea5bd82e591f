// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Address is a 40-bit node address, derived from an Identity's public
// key. It is immutable for the life of the process (spec.md §3).
type Address [5]byte

func (a Address) String() string {
	return fmt.Sprintf("%010x", [5]byte(a))
}

// IsZero reports whether a is the zero address (never a valid node).
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses a 10-hex-character node address, as used for
// peers.d/<addr>.peer file names.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(a) {
		return Address{}, fmt.Errorf("core: invalid address %q", s)
	}
	copy(a[:], b)
	return a, nil
}

// Identity is a node's long-lived X25519 keypair. The public half
// deterministically derives the node's Address.
//
// Full Noise_IK-style mutual authentication and the cryptographic
// primitives ZeroTier itself uses (Salsa20, Poly1305, SHA-512) are
// treated as an external collaborator per spec.md §1; this rewrite
// instead derives a single ECDH shared secret per peer and uses it to
// key a chacha20poly1305 AEAD session (core/wire.go), which is enough
// to exercise the data-plane contract this spec actually covers.
type Identity struct {
	Public  [32]byte
	private [32]byte
}

// GenerateIdentity creates a new random Identity and its derived
// Address.
func GenerateIdentity() (Identity, Address, error) {
	var id Identity
	if _, err := rand.Read(id.private[:]); err != nil {
		return Identity{}, Address{}, fmt.Errorf("core: generate identity: %w", err)
	}
	// Clamp per the standard X25519 scalar convention.
	id.private[0] &= 248
	id.private[31] &= 127
	id.private[31] |= 64

	pub, err := curve25519.X25519(id.private[:], curve25519.Basepoint)
	if err != nil {
		return Identity{}, Address{}, fmt.Errorf("core: derive public key: %w", err)
	}
	copy(id.Public[:], pub)
	return id, addressFromPublicKey(id.Public), nil
}

// addressFromPublicKey derives a 40-bit Address from a public key by
// taking the low 40 bits of its SHA-256 digest, matching the original
// SDK's address-from-identity derivation closely enough for this
// rewrite's purposes (the real algorithm additionally avoids a small
// set of reserved first-byte values; collisions are handled the same
// way regardless — see Node.regenerateOnCollision).
func addressFromPublicKey(pub [32]byte) Address {
	sum := sha256.Sum256(pub[:])
	var a Address
	copy(a[:], sum[len(sum)-len(a):])
	if a[0] == 0xff {
		// 0xff is reserved for ad-hoc network IDs' encoding space;
		// never hand it out as a node address.
		a[0] = 0xfe
	}
	return a
}

// ECDH computes the shared secret between this identity and a peer's
// public key.
func (id Identity) ECDH(peerPublic [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(id.private[:], peerPublic[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("core: ecdh: %w", err)
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// MarshalSecret encodes the private half for storage (identity.secret).
func (id Identity) MarshalSecret() []byte {
	out := make([]byte, 64)
	copy(out[:32], id.Public[:])
	copy(out[32:], id.private[:])
	return out
}

// MarshalPublic encodes the public half for storage (identity.public).
func (id Identity) MarshalPublic() []byte {
	out := make([]byte, 32)
	copy(out, id.Public[:])
	return out
}

// UnmarshalSecret reconstructs an Identity from a previously-marshaled
// secret blob.
func UnmarshalSecret(b []byte) (Identity, error) {
	if len(b) != 64 {
		return Identity{}, fmt.Errorf("core: invalid identity.secret length %d", len(b))
	}
	var id Identity
	copy(id.Public[:], b[:32])
	copy(id.private[:], b[32:])
	return id, nil
}
