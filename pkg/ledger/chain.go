package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/routeledger/pkg/canonicalize"
)

// ComputeDigest returns the digest of the canonical form of r.
func ComputeDigest(r DecisionRecord) (string, error) {
	h, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return "", fmt.Errorf("failed to compute record digest: %w", err)
	}
	return h, nil
}

// TailDigest returns the digest of the last entry in s, or ZeroSentinel when s is empty.
func TailDigest(ctx context.Context, s Store) (string, error) {
	tail, ok, err := s.Tail(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read chain head: %w", err)
	}
	if !ok {
		return ZeroSentinel, nil
	}
	return tail.Digest, nil
}

// BuildEntry assembles the next entry for s without appending it.
// The caller must hold the writer lock until the entry is appended.
func BuildEntry(ctx context.Context, s Store, d Decision, note Annotation, now time.Time) (Entry, error) {
	if err := d.Validate(); err != nil {
		return Entry{}, err
	}
	d = d.normalized()

	trace, err := normalizeTrace(d.ReasoningTrace)
	if err != nil {
		return Entry{}, err
	}

	prev, err := TailDigest(ctx, s)
	if err != nil {
		return Entry{}, err
	}

	record := DecisionRecord{
		SubjectID:      d.SubjectID,
		Option:         d.Option,
		Status:         d.Status,
		ReasoningTrace: trace,
		Timestamp:      now.UTC().Format(TimestampLayout),
		PreviousDigest: prev,
	}
	applyAnnotation(&record, note)

	digest, err := ComputeDigest(record)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Record: record, Digest: digest}, nil
}

func applyAnnotation(r *DecisionRecord, note Annotation) {
	status := note.Status
	text := strings.TrimSpace(note.Text)

	switch {
	case text == "" && status == AnnotationProvided:
		status = AnnotationUnavailable
	case status == "" && text != "":
		status = AnnotationProvided
	case status == "":
		status = AnnotationNotRequested
	}

	if status != AnnotationProvided {
		r.Annotation = FallbackAnnotation
		r.AnnotationStatus = status
		r.AnnotationSource = nil
		return
	}

	r.Annotation = note.Text
	r.AnnotationStatus = AnnotationProvided
	r.AnnotationSource = note.Source.clone()
}

// normalizeTrace gives the trace the shape it has after a JSON round trip, so an entry
// held in memory is identical to the same entry reloaded from storage. Numbers become
// json.Number and keep their exact value.
func normalizeTrace(trace map[string]any) (map[string]any, error) {
	if len(trace) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(trace)
	if err != nil {
		return nil, fmt.Errorf("%w: reasoning_trace is not JSON-serializable: %w", ErrInvalidDecision, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: reasoning_trace: %w", ErrInvalidDecision, err)
	}
	return out, nil
}
