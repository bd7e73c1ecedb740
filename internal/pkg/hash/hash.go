// Package hash provides hashing utilities.
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	gohash "hash"
)

// Fingerprint accumulates integers into a SHA256 digest.
// The zero value is not usable; call NewFingerprint.
type Fingerprint struct {
	h   gohash.Hash
	buf [8]byte
}

// NewFingerprint creates an empty fingerprint.
func NewFingerprint() *Fingerprint {
	return &Fingerprint{h: sha256.New()}
}

// AddInts feeds values in order, each as 8 little-endian bytes.
func (f *Fingerprint) AddInts(values ...int) {
	for _, v := range values {
		binary.LittleEndian.PutUint64(f.buf[:], uint64(v))
		f.h.Write(f.buf[:])
	}
}

// Short returns the first n hex characters of the digest.
func (f *Fingerprint) Short(n int) string {
	s := hex.EncodeToString(f.h.Sum(nil))
	if n > len(s) {
		return s
	}
	return s[:n]
}
