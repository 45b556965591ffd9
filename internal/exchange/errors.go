package exchange

import "errors"

// ErrSequenceGapTooLarge marks a packet_id jump wider than maxLookAhead;
// the worker transitions to FAILED rather than absorb it into Omitted.
var ErrSequenceGapTooLarge = errors.New("exchange: sequence gap exceeds max look-ahead")
