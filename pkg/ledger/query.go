package ledger

import (
	"time"

	"golang.org/x/text/unicode/norm"
)

// QueryBySubject returns the entries concerning subjectID, in insertion order.
func QueryBySubject(entries []Entry, subjectID string) []Entry {
	subjectID = norm.NFC.String(subjectID)
	results := make([]Entry, 0)
	for _, e := range entries {
		if e.Record.SubjectID == subjectID {
			results = append(results, e.Clone())
		}
	}
	return results
}

// QueryAll returns every entry in insertion order.
func QueryAll(entries []Entry) []Entry {
	return CloneEntries(entries)
}

// Filter defines filtering criteria for queries. Zero fields match everything.
type Filter struct {
	SubjectID string
	Status    Status
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// Apply returns the matching subsequence of entries, preserving order.
func (f Filter) Apply(entries []Entry) []Entry {
	f.SubjectID = norm.NFC.String(f.SubjectID)
	results := make([]Entry, 0)
	for _, e := range entries {
		if !f.matches(e) {
			continue
		}
		results = append(results, e.Clone())
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results
}

func (f Filter) matches(e Entry) bool {
	if f.SubjectID != "" && e.Record.SubjectID != f.SubjectID {
		return false
	}
	if f.Status != "" && e.Record.Status != f.Status {
		return false
	}
	if f.Since != nil || f.Until != nil {
		ts, err := e.Record.Time()
		if err != nil {
			return false
		}
		if f.Since != nil && ts.Before(*f.Since) {
			return false
		}
		if f.Until != nil && ts.After(*f.Until) {
			return false
		}
	}
	return true
}
