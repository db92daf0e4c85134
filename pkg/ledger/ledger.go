package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/routeledger/pkg/lock"
)

// DefaultAnnotationTimeout bounds a single summarizer call.
const DefaultAnnotationTimeout = 10 * time.Second

// Annotator produces a human-readable summary of a decision.
// Implementations may call external services; the ledger bounds them with a timeout.
type Annotator interface {
	Annotate(ctx context.Context, d Decision) (Annotation, error)
}

// Observer receives operation spans and integrity results.
type Observer interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
	RecordIntegrity(ctx context.Context, r Result)
}

type noopObserver struct{}

func (noopObserver) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (noopObserver) RecordIntegrity(context.Context, Result) {}

// Ledger is the decision log used by collaborators. It owns the single-writer
// discipline around its Store: read tail, build, append.
type Ledger struct {
	store             Store
	locker            lock.Locker
	annotator         Annotator
	annotationTimeout time.Duration
	clock             func() time.Time
	observer          Observer
	logger            *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker replaces the default in-process writer lock.
func WithLocker(l lock.Locker) Option {
	return func(lg *Ledger) { lg.locker = l }
}

// WithAnnotator sets the summarizer consulted before each append.
func WithAnnotator(a Annotator) Option {
	return func(lg *Ledger) { lg.annotator = a }
}

// WithAnnotationTimeout bounds each summarizer call.
func WithAnnotationTimeout(d time.Duration) Option {
	return func(lg *Ledger) {
		if d > 0 {
			lg.annotationTimeout = d
		}
	}
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(lg *Ledger) { lg.clock = clock }
}

// WithObserver attaches tracing and metrics.
func WithObserver(o Observer) Option {
	return func(lg *Ledger) {
		if o != nil {
			lg.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// New creates a Ledger over an already initialized store.
func New(store Store, opts ...Option) *Ledger {
	lg := &Ledger{
		store:             store,
		locker:            lock.NewLocal(),
		annotationTimeout: DefaultAnnotationTimeout,
		clock:             time.Now,
		observer:          noopObserver{},
		logger:            slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Locker returns the writer lock that serializes appends.
func (l *Ledger) Locker() lock.Locker { return l.locker }

type logOptions struct {
	annotation *Annotation
	skip       bool
}

// LogOption configures a single LogDecision call.
type LogOption func(*logOptions)

// WithAnnotation supplies an annotation the caller already obtained.
func WithAnnotation(a Annotation) LogOption {
	return func(o *logOptions) { o.annotation = &a }
}

// SkipAnnotation records the decision without consulting the annotator.
func SkipAnnotation() LogOption {
	return func(o *logOptions) { o.skip = true }
}

// LogDecision builds, appends and persists one entry and returns its digest.
// A failed call leaves the ledger unchanged.
func (l *Ledger) LogDecision(ctx context.Context, subjectID, option string, status Status, trace map[string]any, opts ...LogOption) (string, error) {
	entry, err := l.Record(ctx, Decision{
		SubjectID:      subjectID,
		Option:         option,
		Status:         status,
		ReasoningTrace: trace,
	}, opts...)
	if err != nil {
		return "", err
	}
	return entry.Digest, nil
}

// Record is LogDecision returning the full appended entry.
func (l *Ledger) Record(ctx context.Context, d Decision, opts ...LogOption) (entry Entry, err error) {
	if err := d.Validate(); err != nil {
		return Entry{}, err
	}

	ctx, done := l.observer.TrackOperation(ctx, "ledger.log_decision",
		attribute.String("subject_id", d.SubjectID),
		attribute.String("status", string(d.Status)),
	)
	defer func() { done(err) }()

	var o logOptions
	for _, opt := range opts {
		opt(&o)
	}

	// The summarizer runs before the lock is taken so a slow service never stalls writers.
	note := l.annotate(ctx, d, o)

	unlock, err := l.locker.Lock(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to acquire ledger writer lock: %w", err)
	}
	defer unlock()

	entry, err = BuildEntry(ctx, l.store, d, note, l.clock())
	if err != nil {
		return Entry{}, err
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}

	l.logger.InfoContext(ctx, "logged decision",
		"subject_id", d.SubjectID,
		"status", d.Status,
		"digest", entry.Digest,
		"annotation_status", entry.Record.AnnotationStatus,
	)
	return entry, nil
}

func (l *Ledger) annotate(ctx context.Context, d Decision, o logOptions) Annotation {
	if o.annotation != nil {
		return *o.annotation
	}
	if o.skip || l.annotator == nil {
		return Annotation{Status: AnnotationNotRequested}
	}

	actx, cancel := context.WithTimeout(ctx, l.annotationTimeout)
	defer cancel()

	note, err := l.annotator.Annotate(actx, d)
	if err == nil && strings.TrimSpace(note.Text) == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		l.logger.WarnContext(ctx, "annotation unavailable, using fallback",
			"subject_id", d.SubjectID,
			"error", fmt.Errorf("%w: %w", ErrAnnotationUnavailable, err),
		)
		return Annotation{Status: AnnotationUnavailable}
	}
	note.Status = AnnotationProvided
	return note
}

// GetLogs returns all entries, or only those for subjectID when it is non-empty.
func (l *Ledger) GetLogs(ctx context.Context, subjectID string) (entries []Entry, err error) {
	ctx, done := l.observer.TrackOperation(ctx, "ledger.get_logs", attribute.String("subject_id", subjectID))
	defer func() { done(err) }()

	if subjectID != "" {
		if q, ok := l.store.(SubjectQuerier); ok {
			return q.QueryBySubject(ctx, norm.NFC.String(subjectID))
		}
	}

	all, err := l.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if subjectID == "" {
		return QueryAll(all), nil
	}
	return QueryBySubject(all, subjectID), nil
}

// Query returns entries matching f in insertion order.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	all, err := l.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return f.Apply(all), nil
}

// VerifyIntegrity audits the whole chain. Integrity findings are returned in the
// Result; the error is reserved for storage read failures.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (res Result, err error) {
	ctx, done := l.observer.TrackOperation(ctx, "ledger.verify")
	defer func() { done(err) }()

	entries, err := l.store.GetAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read ledger: %w", err)
	}

	res = Verify(entries)
	l.observer.RecordIntegrity(ctx, res)
	if !res.Valid {
		l.logger.ErrorContext(ctx, "ledger integrity check failed",
			"index", res.Index,
			"finding", res.Finding,
			"error", res.Err(),
		)
		return res, nil
	}
	l.logger.InfoContext(ctx, "ledger integrity verified", "entries", res.Checked)
	return res, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
