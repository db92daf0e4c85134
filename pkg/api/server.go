// Package api exposes the decision ledger over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/routeledger/pkg/checkpoint"
	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
	"github.com/Mindburn-Labs/routeledger/pkg/lock"
	"github.com/Mindburn-Labs/routeledger/pkg/query"
)

const maxBodyBytes = 1 << 20

// Server serves the ledger API.
type Server struct {
	ledger *ledger.Ledger
	signer *checkpoint.Signer
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSigner enables GET /v1/checkpoint.
func WithSigner(s *checkpoint.Signer) Option {
	return func(srv *Server) { srv.signer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// NewServer creates a Server over l.
func NewServer(l *ledger.Ledger, opts ...Option) *Server {
	s := &Server{
		ledger: l,
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/decisions", s.handleLogDecision)
		r.Get("/decisions", s.handleGetLogs)
		r.Get("/decisions/{digest}", s.handleGetDecision)
		r.Get("/integrity", s.handleVerify)
		r.Get("/checkpoint", s.handleCheckpoint)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type logDecisionRequest struct {
	SubjectID      string         `json:"subject_id"`
	Option         string         `json:"option"`
	Status         string         `json:"status"`
	ReasoningTrace map[string]any `json:"reasoning_trace,omitempty"`
	// Annotation, when set, is recorded as provided and the summarizer is skipped.
	Annotation *string `json:"annotation,omitempty"`
}

type logDecisionResponse struct {
	Digest    string `json:"digest"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleLogDecision(w http.ResponseWriter, r *http.Request) {
	var req logDecisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	status, err := ledger.ParseStatus(req.Status)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	var opts []ledger.LogOption
	if req.Annotation != nil {
		opts = append(opts, ledger.WithAnnotation(ledger.Annotation{
			Text:   *req.Annotation,
			Status: ledger.AnnotationProvided,
		}))
	}

	entry, err := s.ledger.Record(r.Context(), ledger.Decision{
		SubjectID:      req.SubjectID,
		Option:         req.Option,
		Status:         status,
		ReasoningTrace: req.ReasoningTrace,
	}, opts...)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInvalidDecision), errors.Is(err, ledger.ErrInvalidStatus):
		WriteBadRequest(w, r, err.Error())
		return
	case errors.Is(err, lock.ErrNotAcquired):
		WriteError(w, r, http.StatusServiceUnavailable, "ledger writer is busy, retry later")
		return
	case errors.Is(err, ledger.ErrChainConflict):
		WriteError(w, r, http.StatusConflict, "ledger head moved during append, retry")
		return
	default:
		WriteInternal(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, logDecisionResponse{
		Digest:    entry.Digest,
		Timestamp: entry.Record.Timestamp,
	})
}

type logsResponse struct {
	Entries []ledger.Entry `json:"entries"`
	Count   int            `json:"count"`
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f, err := parseFilter(q.Get("subject_id"), q.Get("status"), q.Get("since"), q.Get("until"), q.Get("limit"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	var entries []ledger.Entry
	if expr := q.Get("filter"); expr != "" {
		prg, err := query.Compile(expr)
		if err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
		// CEL sees positions in the full ledger, so the subject pushdown is skipped.
		all, err := s.ledger.GetLogs(r.Context(), "")
		if err != nil {
			WriteInternal(w, r, s.logger, err)
			return
		}
		entries, err = prg.Filter(all)
		if err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
	} else {
		entries, err = s.ledger.GetLogs(r.Context(), f.SubjectID)
		if err != nil {
			WriteInternal(w, r, s.logger, err)
			return
		}
	}

	entries = f.Apply(entries)
	writeJSON(w, http.StatusOK, logsResponse{Entries: entries, Count: len(entries)})
}

func parseFilter(subject, status, since, until, limit string) (ledger.Filter, error) {
	f := ledger.Filter{SubjectID: subject}
	if status != "" {
		st, err := ledger.ParseStatus(status)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return f, fmt.Errorf("invalid since: %w", err)
		}
		f.Since = &t
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339Nano, until)
		if err != nil {
			return f, fmt.Errorf("invalid until: %w", err)
		}
		f.Until = &t
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", limit)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	all, err := s.ledger.GetLogs(r.Context(), "")
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	for _, e := range all {
		if e.Digest == digest {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	WriteNotFound(w, r, fmt.Sprintf("no entry with digest %s", digest))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.VerifyIntegrity(r.Context())
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		WriteNotFound(w, r, "checkpoint signing is not configured")
		return
	}
	token, err := s.signer.Checkpoint(r.Context(), s.ledger.Store())
	if err != nil {
		if errors.Is(err, checkpoint.ErrInvalidCheckpoint) {
			WriteError(w, r, http.StatusConflict, err.Error())
			return
		}
		WriteInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
