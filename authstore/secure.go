package authstore

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// secureKey holds credential key material in a memguard.LockedBuffer
// for the duration of a lookup, reducing the window plaintext key
// bytes sit in an ordinary GC-managed byte slice.
type secureKey struct {
	buf *memguard.LockedBuffer
}

func newSecureKey(key string) (*secureKey, error) {
	buf := memguard.NewBufferFromBytes([]byte(key))
	if buf.Size() == 0 && len(key) > 0 {
		return nil, memguard.ErrNullBuffer
	}
	return &secureKey{buf: buf}, nil
}

// Equal performs a constant-time comparison against a plaintext
// candidate, avoiding a timing side channel on credential matching.
func (s *secureKey) Equal(candidate string) bool {
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(candidate)) == 1
}

// Destroy wipes the locked buffer. Safe to call once per secureKey.
func (s *secureKey) Destroy() {
	s.buf.Destroy()
}
