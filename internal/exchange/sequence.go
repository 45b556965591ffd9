package exchange

// maxLookAhead bounds how far a single gap can jump expected forward.
// A gap wider than this looks like a corrupted or malicious peer rather
// than ordinary loss, so it is treated as fatal instead of being folded
// into omitted.
const maxLookAhead = 1 << 20

// SequenceCounters tracks the per-worker packet-id accounting described
// by the exchange protocol: every received measurement datagram (not
// the sentinel) advances expected, omitted, reordered, or duplicated
// depending on how its packet_id compares to what was expected next.
type SequenceCounters struct {
	Expected   uint64
	Omitted    uint64
	Reordered  uint64
	Duplicated uint64
}

// Observe folds one received packet_id into the counters. It returns
// ErrSequenceGapTooLarge if the jump ahead exceeds maxLookAhead, in
// which case the caller should treat the worker as fatally broken
// rather than continue accounting.
func (c *SequenceCounters) Observe(packetID uint64) error {
	switch {
	case packetID == c.Expected:
		c.Expected++

	case packetID > c.Expected:
		lost := packetID - c.Expected
		if lost > maxLookAhead {
			return ErrSequenceGapTooLarge
		}

		c.Omitted += lost
		c.Expected = packetID + 1

	default: // packetID < c.Expected: reordered or duplicated
		if c.Omitted > 0 {
			c.Omitted--
			c.Reordered++
		} else {
			c.Duplicated++
		}
	}

	return nil
}
