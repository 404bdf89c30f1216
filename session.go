package atrest

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Session holds the active passphrase in memory only. It has a single slot: Set
// replaces whatever was there and Clear empties it. The passphrase is sealed in a
// memguard enclave and is never serialized, logged or persisted.
//
// Writes are explicit user actions (unlock, logout); concurrent readers never
// observe a partially replaced value.
type Session struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// NewSession returns an empty session
func NewSession() *Session {
	return &Session{}
}

// Set stores passphrase, replacing any previous value. An empty passphrase leaves
// the session empty.
func (s *Session) Set(passphrase string) {
	var enclave *memguard.Enclave
	if passphrase != "" {
		enclave = memguard.NewEnclave([]byte(passphrase))
	}

	s.mu.Lock()
	s.enclave = enclave
	s.mu.Unlock()
}

// Get returns the passphrase and whether one is set
func (s *Session) Get() (string, bool) {
	s.mu.RLock()
	enclave := s.enclave
	s.mu.RUnlock()

	if enclave == nil {
		return "", false
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", false
	}
	defer buf.Destroy()
	return string(buf.Bytes()), true
}

// Has reports whether a passphrase is set
func (s *Session) Has() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enclave != nil
}

// Clear empties the session. Calling it on an empty session is a no-op.
func (s *Session) Clear() {
	s.mu.Lock()
	s.enclave = nil
	s.mu.Unlock()
}
