package ledger

import "fmt"

// Finding names the kind of integrity failure found by Verify.
type Finding string

const (
	FindingNone         Finding = ""
	FindingHashMismatch Finding = "hash_mismatch"
	FindingChainBreak   Finding = "chain_break"
)

// Result is the outcome of a chain verification.
type Result struct {
	Valid bool `json:"valid"`
	// Index is the lowest failing entry, or -1 when the chain is valid.
	Index   int     `json:"index"`
	Finding Finding `json:"finding,omitempty"`
	// Expected and Actual are the digests that disagreed at Index.
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Checked  int    `json:"checked"`
}

// Err converts a failed Result into an error wrapping ErrHashMismatch or ErrChainBreak.
// It returns nil for a valid result.
func (r Result) Err() error {
	switch {
	case r.Valid:
		return nil
	case r.Finding == FindingHashMismatch:
		return fmt.Errorf("%w: entry %d (computed %s, stored %s)", ErrHashMismatch, r.Index, r.Expected, r.Actual)
	default:
		return fmt.Errorf("%w: entry %d has previous_digest %s but expected %s", ErrChainBreak, r.Index, r.Actual, r.Expected)
	}
}

// Verify replays entries in order, recomputing every digest and checking every link.
// The first failure reported is always the one with the lowest index; within one entry
// the content check runs before the link check.
func Verify(entries []Entry) Result {
	expectedPrev := ZeroSentinel
	for i, entry := range entries {
		computed, err := ComputeDigest(entry.Record)
		if err != nil || computed != entry.Digest {
			return Result{
				Index:    i,
				Finding:  FindingHashMismatch,
				Expected: computed,
				Actual:   entry.Digest,
				Checked:  i + 1,
			}
		}

		if entry.Record.PreviousDigest != expectedPrev {
			return Result{
				Index:    i,
				Finding:  FindingChainBreak,
				Expected: expectedPrev,
				Actual:   entry.Record.PreviousDigest,
				Checked:  i + 1,
			}
		}

		expectedPrev = entry.Digest
	}

	return Result{Valid: true, Index: -1, Checked: len(entries)}
}
