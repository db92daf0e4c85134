package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/routeledger/pkg/canonicalize"
)

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithClock(steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))}, opts...)
	return New(NewMemoryStore(), opts...)
}

func entries(t *testing.T, l *Ledger) []Entry {
	t.Helper()
	all, err := l.GetLogs(context.Background(), "")
	require.NoError(t, err)
	return all
}

// scenarioA appends ("S1","RouteA","approved") then ("S2","RouteB","rejected").
func scenarioA(t *testing.T) *Ledger {
	t.Helper()
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.LogDecision(ctx, "S1", "RouteA", StatusApproved, nil)
	require.NoError(t, err)
	_, err = l.LogDecision(ctx, "S2", "RouteB", StatusRejected, nil)
	require.NoError(t, err)
	return l
}

func TestScenarioA_VerifyAndQuery(t *testing.T) {
	l := scenarioA(t)
	ctx := context.Background()

	res, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, -1, res.Index)
	assert.Equal(t, 2, res.Checked)

	s1, err := l.GetLogs(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, s1, 1)
	assert.Equal(t, "RouteA", s1[0].Record.Option)
}

func TestScenarioB_ContentTampering(t *testing.T) {
	all := entries(t, scenarioA(t))
	all[1].Record.Option = "RouteC"

	res := Verify(all)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, FindingHashMismatch, res.Finding)
	assert.True(t, errors.Is(res.Err(), ErrHashMismatch))
}

func TestScenarioC_LinkTampering(t *testing.T) {
	all := entries(t, scenarioA(t))
	all[1].Record.PreviousDigest = canonicalize.HashBytes([]byte("random"))

	res := Verify(all)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Index)
	assert.True(t, errors.Is(res.Err(), ErrHashMismatch), "content check runs first on the edited record")
}

func TestVerify_ChainBreakWithRecomputedDigest(t *testing.T) {
	all := entries(t, scenarioA(t))
	all[1].Record.PreviousDigest = canonicalize.HashBytes([]byte("random"))
	digest, err := ComputeDigest(all[1].Record)
	require.NoError(t, err)
	all[1].Digest = digest

	res := Verify(all)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, FindingChainBreak, res.Finding)
	assert.Equal(t, all[0].Digest, res.Expected)
	assert.True(t, errors.Is(res.Err(), ErrChainBreak))
}

func TestVerify_FirstEntryMustUseSentinel(t *testing.T) {
	all := entries(t, scenarioA(t))
	all[0].Record.PreviousDigest = strings.Repeat("f", canonicalize.DigestSize)
	digest, err := ComputeDigest(all[0].Record)
	require.NoError(t, err)
	all[0].Digest = digest

	res := Verify(all)
	assert.False(t, res.Valid)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, FindingChainBreak, res.Finding)
}

func TestVerify_ReorderDeleteInsert(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.LogDecision(ctx, fmt.Sprintf("S%d", i), "RouteA", StatusProposed, nil)
		require.NoError(t, err)
	}
	all := entries(t, l)

	reordered := []Entry{all[0], all[2], all[1], all[3]}
	assert.Equal(t, 1, Verify(reordered).Index)

	deleted := []Entry{all[0], all[1], all[3]}
	assert.Equal(t, 2, Verify(deleted).Index)

	inserted := []Entry{all[0], all[1], all[0], all[2], all[3]}
	assert.Equal(t, 2, Verify(inserted).Index)
}

func TestVerify_Empty(t *testing.T) {
	res := Verify(nil)
	assert.True(t, res.Valid)
	assert.Equal(t, -1, res.Index)
	assert.NoError(t, res.Err())
}

func TestChainValidAfterEveryAppend(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := l.LogDecision(ctx, fmt.Sprintf("S%d", i%3), "Route", Statuses[i%len(Statuses)], map[string]any{"i": i})
		require.NoError(t, err)

		res, err := l.VerifyIntegrity(ctx)
		require.NoError(t, err)
		require.True(t, res.Valid, "invalid after append %d: %+v", i, res)
	}
}

func TestContentTamperingDetectedAtEveryIndex(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := l.LogDecision(ctx, "S1", "Route", StatusApproved, map[string]any{"cost": i})
		require.NoError(t, err)
	}

	mutations := map[string]func(r *DecisionRecord){
		"subject":    func(r *DecisionRecord) { r.SubjectID += "x" },
		"option":     func(r *DecisionRecord) { r.Option = "other" },
		"status":     func(r *DecisionRecord) { r.Status = StatusFailed },
		"trace":      func(r *DecisionRecord) { r.ReasoningTrace = map[string]any{"cost": -1.0} },
		"timestamp":  func(r *DecisionRecord) { r.Timestamp = "2020-01-01T00:00:00.000000+00:00" },
		"annotation": func(r *DecisionRecord) { r.Annotation = "edited" },
	}
	for name, mutate := range mutations {
		for i := 0; i < 6; i++ {
			all := entries(t, l)
			mutate(&all[i].Record)
			res := Verify(all)
			assert.False(t, res.Valid, "%s@%d", name, i)
			assert.Equal(t, i, res.Index, "%s@%d", name, i)
		}
	}
}

func TestVerify_DetectsUnicodeRespelling(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	composed := norm.NFC.String("Route caf\u00e9")
	decomposed := norm.NFD.String(composed)
	require.NotEqual(t, composed, decomposed)

	for _, opt := range []string{"RouteA", composed, "RouteB"} {
		_, err := l.LogDecision(ctx, "S1", opt, StatusApproved, map[string]any{"note": composed})
		require.NoError(t, err)
	}

	all := entries(t, l)
	all[1].Record.Option = decomposed
	res := Verify(all)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, FindingHashMismatch, res.Finding)

	all = entries(t, l)
	all[2].Record.ReasoningTrace["note"] = decomposed
	res = Verify(all)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.Index)
}

func TestLogDecision_NormalizesIdentifiers(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	decomposed := norm.NFD.String("S\u00e9ville")

	_, err := l.LogDecision(ctx, decomposed, norm.NFD.String("Route caf\u00e9"), StatusApproved, nil)
	require.NoError(t, err)

	all := entries(t, l)
	require.Len(t, all, 1)
	assert.Equal(t, "S\u00e9ville", all[0].Record.SubjectID)
	assert.Equal(t, "Route caf\u00e9", all[0].Record.Option)

	for _, subject := range []string{decomposed, "S\u00e9ville"} {
		got, err := l.GetLogs(ctx, subject)
		require.NoError(t, err)
		assert.Len(t, got, 1, subject)
	}
}

func TestLogDecision_TraceNumbersKeepPrecision(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.LogDecision(ctx, "S1", "RouteA", StatusApproved, map[string]any{
		"id":   int64(9007199254740993),
		"cost": 0.1,
	})
	require.NoError(t, err)

	all := entries(t, l)
	assert.Equal(t, json.Number("9007199254740993"), all[0].Record.ReasoningTrace["id"])
	assert.Equal(t, json.Number("0.1"), all[0].Record.ReasoningTrace["cost"])

	all[0].Record.ReasoningTrace["id"] = json.Number("9007199254740992")
	res := Verify(all)
	assert.False(t, res.Valid, "an off-by-one above 2^53 must change the digest")
	assert.Equal(t, 0, res.Index)
}

func TestFirstEntryUsesZeroSentinel(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, nil)
	require.NoError(t, err)

	all := entries(t, l)
	require.Len(t, all, 1)
	assert.Equal(t, ZeroSentinel, all[0].Record.PreviousDigest)
	assert.Len(t, ZeroSentinel, canonicalize.DigestSize)
	assert.Equal(t, strings.Repeat("0", 64), ZeroSentinel)
}

func TestLogDecision_ReturnsDigestOfAppendedEntry(t *testing.T) {
	l := newTestLedger(t)
	digest, err := l.LogDecision(context.Background(), "12345", "Route A", StatusApproved, map[string]any{"score": 95})
	require.NoError(t, err)
	assert.True(t, canonicalize.IsDigest(digest))

	all := entries(t, l)
	require.Len(t, all, 1)
	assert.Equal(t, digest, all[0].Digest)
	assert.Equal(t, json.Number("95"), all[0].Record.ReasoningTrace["score"])
}

func TestLogDecision_Validation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.LogDecision(ctx, "", "RouteA", StatusApproved, nil)
	assert.True(t, errors.Is(err, ErrInvalidDecision))

	_, err = l.LogDecision(ctx, "S1", " ", StatusApproved, nil)
	assert.True(t, errors.Is(err, ErrInvalidDecision))

	_, err = l.LogDecision(ctx, "S1", "RouteA", Status("maybe"), nil)
	assert.True(t, errors.Is(err, ErrInvalidStatus))

	_, err = l.LogDecision(ctx, "S1", "RouteA", StatusApproved, map[string]any{"bad": make(chan int)})
	assert.True(t, errors.Is(err, ErrInvalidDecision))

	assert.Empty(t, entries(t, l))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Approved ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, st)

	_, err = ParseStatus("pending")
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestTimestampFormat(t *testing.T) {
	l := New(NewMemoryStore(), WithClock(func() time.Time {
		return time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.FixedZone("CET", 3600))
	}))
	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, nil)
	require.NoError(t, err)

	rec := entries(t, l)[0].Record
	assert.Equal(t, "2026-03-04T04:06:07.123456+00:00", rec.Timestamp)
	ts, err := rec.Time()
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2026, 3, 4, 4, 6, 7, 123456000, time.UTC)))
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) Append(ctx context.Context, e Entry) error { return f.err }

func TestLogDecision_FailedAppendLeavesNoEntry(t *testing.T) {
	mem := NewMemoryStore()
	l := New(&failingStore{MemoryStore: mem, err: errors.New("disk full")})

	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	all, err := mem.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryStore_RejectsStaleTail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := BuildEntry(ctx, s, Decision{SubjectID: "S1", Option: "A", Status: StatusApproved}, Annotation{}, now)
	require.NoError(t, err)
	stale, err := BuildEntry(ctx, s, Decision{SubjectID: "S2", Option: "B", Status: StatusApproved}, Annotation{}, now)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, first))
	err = s.Append(ctx, stale)
	assert.True(t, errors.Is(err, ErrChainConflict))
}

func TestBuildEntry_DoesNotMutateStore(t *testing.T) {
	s := NewMemoryStore()
	_, err := BuildEntry(context.Background(), s, Decision{SubjectID: "S1", Option: "A", Status: StatusApproved}, Annotation{}, time.Now())
	require.NoError(t, err)

	_, ok, err := s.Tail(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

type stubAnnotator struct {
	note  Annotation
	err   error
	block bool
	calls int
}

func (s *stubAnnotator) Annotate(ctx context.Context, d Decision) (Annotation, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return Annotation{}, ctx.Err()
	}
	return s.note, s.err
}

func TestAnnotation_Provided(t *testing.T) {
	ann := &stubAnnotator{note: Annotation{
		Text:   "Rerouted via RouteA to avoid port strike.",
		Source: &AnnotationSource{Model: "summarizer-1", StopReason: "stop", Usage: map[string]int{"total_tokens": 42}},
	}}
	l := newTestLedger(t, WithAnnotator(ann))

	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, nil)
	require.NoError(t, err)

	rec := entries(t, l)[0].Record
	assert.Equal(t, "Rerouted via RouteA to avoid port strike.", rec.Annotation)
	assert.Equal(t, AnnotationProvided, rec.AnnotationStatus)
	require.NotNil(t, rec.AnnotationSource)
	assert.Equal(t, 42, rec.AnnotationSource.Usage["total_tokens"])
}

func TestAnnotation_FailureUsesFallback(t *testing.T) {
	ann := &stubAnnotator{err: errors.New("service down")}
	l := newTestLedger(t, WithAnnotator(ann))

	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, nil)
	require.NoError(t, err)

	rec := entries(t, l)[0].Record
	assert.Equal(t, FallbackAnnotation, rec.Annotation)
	assert.Equal(t, AnnotationUnavailable, rec.AnnotationStatus)
	assert.Nil(t, rec.AnnotationSource)
}

func TestAnnotation_TimeoutUsesFallback(t *testing.T) {
	ann := &stubAnnotator{block: true}
	l := newTestLedger(t, WithAnnotator(ann), WithAnnotationTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	rec := entries(t, l)[0].Record
	assert.Equal(t, AnnotationUnavailable, rec.AnnotationStatus)
	assert.Equal(t, FallbackAnnotation, rec.Annotation)
}

func TestAnnotation_EmptyTextIsUnavailable(t *testing.T) {
	l := newTestLedger(t, WithAnnotator(&stubAnnotator{note: Annotation{Text: "  "}}))
	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, AnnotationUnavailable, entries(t, l)[0].Record.AnnotationStatus)
}

func TestAnnotation_CallerSuppliedAndSkipped(t *testing.T) {
	ann := &stubAnnotator{note: Annotation{Text: "from service"}}
	l := newTestLedger(t, WithAnnotator(ann))
	ctx := context.Background()

	_, err := l.LogDecision(ctx, "S1", "RouteA", StatusApproved, nil, WithAnnotation(Annotation{Text: "from caller"}))
	require.NoError(t, err)
	_, err = l.LogDecision(ctx, "S1", "RouteB", StatusRejected, nil, SkipAnnotation())
	require.NoError(t, err)

	all := entries(t, l)
	assert.Equal(t, "from caller", all[0].Record.Annotation)
	assert.Equal(t, AnnotationProvided, all[0].Record.AnnotationStatus)
	assert.Equal(t, FallbackAnnotation, all[1].Record.Annotation)
	assert.Equal(t, AnnotationNotRequested, all[1].Record.AnnotationStatus)
	assert.Equal(t, 0, ann.calls)
}

func TestConcurrentLogDecisionNeverForks(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	const writers = 16
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.LogDecision(ctx, fmt.Sprintf("S%d", w), "Route", StatusProposed, map[string]any{"i": i}); err != nil {
					t.Errorf("writer %d: %v", w, err)
				}
			}
		}(w)
	}

	// Readers run alongside the writers.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				res, err := l.VerifyIntegrity(ctx)
				if err != nil || !res.Valid {
					t.Errorf("concurrent verify: %+v %v", res, err)
				}
			}
		}()
	}
	wg.Wait()

	res, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, writers*perWriter, res.Checked)
}

func TestGetLogs_ReturnsCopies(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.LogDecision(context.Background(), "S1", "RouteA", StatusApproved, map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	first := entries(t, l)
	first[0].Record.ReasoningTrace["nested"].(map[string]any)["k"] = "changed"

	res, err := l.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestCanonicalRecord_Golden(t *testing.T) {
	rec := DecisionRecord{
		SubjectID:        "S1",
		Option:           "RouteA",
		Status:           StatusApproved,
		ReasoningTrace:   map[string]any{"time": 2.5, "cost": 100, "note": "<fast> & cheap"},
		Timestamp:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(TimestampLayout),
		PreviousDigest:   ZeroSentinel,
		Annotation:       FallbackAnnotation,
		AnnotationStatus: AnnotationUnavailable,
	}

	b, err := canonicalize.JCS(rec)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "canonical_record", b)

	digest, err := ComputeDigest(rec)
	require.NoError(t, err)
	assert.Equal(t, "98569d790b1d66e657df44d11aab98c8927cb9b577b7e11bf77f834702f659e2", digest)
}
