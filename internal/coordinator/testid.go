package coordinator

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// maxTestIDAttempts bounds the retry loop against the (astronomically
// unlikely) case crypto/rand produces zero.
const maxTestIDAttempts = 8

// ErrTestIDExhausted is returned if a nonzero test_id could not be
// generated after maxTestIDAttempts tries.
var ErrTestIDExhausted = errors.New("coordinator: test id generation exhausted")

// newTestID generates the run's test_id: a random, nonzero uint64
// stamped into every worker's wire header. Zero is avoided so a
// freshly zero-valued HandshakeInfo can never be mistaken for a real
// handshake.
func newTestID() (uint64, error) {
	var buf [8]byte

	for range maxTestIDAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate test id: %w", err)
		}

		id := binary.BigEndian.Uint64(buf[:])
		if id != 0 {
			return id, nil
		}
	}

	return 0, ErrTestIDExhausted
}
