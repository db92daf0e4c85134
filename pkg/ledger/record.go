// Package ledger implements the append-only, hash-chained decision ledger:
// the record model, chain building, integrity verification and queries.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/routeledger/pkg/canonicalize"
)

// ZeroSentinel is the previous digest of the first entry in every ledger.
var ZeroSentinel = strings.Repeat("0", canonicalize.DigestSize)

// FallbackAnnotation replaces the summarizer text when none is available.
const FallbackAnnotation = "Summary not available"

// TimestampLayout renders UTC instants as ISO-8601 with an explicit +00:00 offset.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// Status is the outcome of a decision.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every valid Status in lifecycle order.
var Statuses = []Status{StatusProposed, StatusApproved, StatusRejected, StatusCompleted, StatusFailed}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// AnnotationStatus records how the annotation text of an entry was obtained.
type AnnotationStatus string

const (
	AnnotationProvided     AnnotationStatus = "provided"
	AnnotationUnavailable  AnnotationStatus = "unavailable"
	AnnotationNotRequested AnnotationStatus = "not_requested"
)

// AnnotationSource describes the summarizer call that produced an annotation.
type AnnotationSource struct {
	Model      string         `json:"model,omitempty"`
	Region     string         `json:"region,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      map[string]int `json:"usage,omitempty"`
}

// Annotation is the human-readable summary attached to a decision.
type Annotation struct {
	Text   string
	Status AnnotationStatus
	Source *AnnotationSource
}

// Decision holds the caller-supplied fields of a record.
type Decision struct {
	SubjectID      string
	Option         string
	Status         Status
	ReasoningTrace map[string]any
}

// Validate checks the fields a caller must provide.
func (d Decision) Validate() error {
	if strings.TrimSpace(d.SubjectID) == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidDecision)
	}
	if strings.TrimSpace(d.Option) == "" {
		return fmt.Errorf("%w: option is required", ErrInvalidDecision)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}
	return nil
}

// normalized returns d with its identifiers in Unicode NFC, so one subject spelled two
// ways is still one subject. The trace is stored as given.
func (d Decision) normalized() Decision {
	d.SubjectID = norm.NFC.String(d.SubjectID)
	d.Option = norm.NFC.String(d.Option)
	return d
}

// DecisionRecord is the hashed payload of a ledger entry.
type DecisionRecord struct {
	SubjectID        string            `json:"subject_id"`
	Option           string            `json:"option"`
	Status           Status            `json:"status"`
	ReasoningTrace   map[string]any    `json:"reasoning_trace,omitempty"`
	Timestamp        string            `json:"timestamp"`
	PreviousDigest   string            `json:"previous_digest"`
	Annotation       string            `json:"annotation"`
	AnnotationStatus AnnotationStatus  `json:"annotation_status"`
	AnnotationSource *AnnotationSource `json:"annotation_source,omitempty"`
}

// Time parses the record timestamp.
func (r DecisionRecord) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, r.Timestamp)
}

// Entry is a record plus the digest of its canonical form.
type Entry struct {
	Record DecisionRecord `json:"data"`
	Digest string         `json:"hash"`
}

// Clone returns a deep copy of the entry, so callers can never reach stored state.
func (e Entry) Clone() Entry {
	out := e
	out.Record.ReasoningTrace = cloneMap(e.Record.ReasoningTrace)
	out.Record.AnnotationSource = e.Record.AnnotationSource.clone()
	return out
}

func (s *AnnotationSource) clone() *AnnotationSource {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Usage != nil {
		cp.Usage = make(map[string]int, len(s.Usage))
		for k, v := range s.Usage {
			cp.Usage[k] = v
		}
	}
	return &cp
}

// CloneEntries deep-copies a slice of entries.
func CloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
