package ledger

import "errors"

var (
	// ErrCorruptStorage is returned when persisted ledger data exists but cannot be parsed.
	ErrCorruptStorage = errors.New("ledger storage is corrupt")

	// ErrHashMismatch marks an entry whose stored digest differs from its recomputed digest.
	ErrHashMismatch = errors.New("entry digest mismatch")

	// ErrChainBreak marks an entry whose previous digest does not match its predecessor.
	ErrChainBreak = errors.New("hash chain is broken")

	// ErrAnnotationUnavailable is reported when the summarizer failed or timed out.
	ErrAnnotationUnavailable = errors.New("annotation unavailable")

	// ErrChainConflict is returned by stores when an entry does not link to the current tail.
	ErrChainConflict = errors.New("entry does not extend the current chain head")

	ErrInvalidStatus   = errors.New("invalid decision status")
	ErrInvalidDecision = errors.New("invalid decision")
)
