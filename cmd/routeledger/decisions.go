package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
	"github.com/Mindburn-Labs/routeledger/pkg/query"
)

func newLogCommand(opts *rootOptions) *cobra.Command {
	var (
		subject    string
		option     string
		status     string
		trace      string
		annotation string
		noAnnotate bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Append one routing decision and print its digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := ledger.ParseStatus(status)
			if err != nil {
				return err
			}
			var reasoning map[string]any
			if trace != "" {
				dec := json.NewDecoder(strings.NewReader(trace))
				dec.UseNumber()
				if err := dec.Decode(&reasoning); err != nil {
					return fmt.Errorf("--trace must be a JSON object: %w", err)
				}
			}

			var logOpts []ledger.LogOption
			switch {
			case cmd.Flags().Changed("annotation"):
				logOpts = append(logOpts, ledger.WithAnnotation(ledger.Annotation{
					Text:   annotation,
					Status: ledger.AnnotationProvided,
				}))
			case noAnnotate:
				logOpts = append(logOpts, ledger.SkipAnnotation())
			}

			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			digest, err := rt.ledger.LogDecision(cmd.Context(), subject, option, st, reasoning, logOpts...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), digest)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject identifier (REQUIRED)")
	cmd.Flags().StringVar(&option, "option", "", "chosen option (REQUIRED)")
	cmd.Flags().StringVar(&status, "status", string(ledger.StatusProposed), "decision status")
	cmd.Flags().StringVar(&trace, "trace", "", "reasoning trace as a JSON object")
	cmd.Flags().StringVar(&annotation, "annotation", "", "record this annotation instead of calling the summarizer")
	cmd.Flags().BoolVar(&noAnnotate, "no-annotate", false, "skip the summarizer")
	return cmd
}

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		status  string
		since   string
		until   string
		limit   int
		filter  string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print ledger entries as JSON, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := ledger.Filter{SubjectID: subject, Limit: limit}
			if status != "" {
				st, err := ledger.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			var err error
			if f.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if f.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}

			var prg *query.Program
			if filter != "" {
				if prg, err = query.Compile(filter); err != nil {
					return err
				}
			}

			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			var entries []ledger.Entry
			if prg != nil {
				all, err := rt.ledger.GetLogs(cmd.Context(), "")
				if err != nil {
					return err
				}
				if entries, err = prg.Filter(all); err != nil {
					return err
				}
			} else if entries, err = rt.ledger.GetLogs(cmd.Context(), subject); err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), f.Apply(entries))
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "only entries for this subject")
	cmd.Flags().StringVar(&status, "status", "", "only entries with this status")
	cmd.Flags().StringVar(&since, "since", "", "only entries at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "only entries at or before this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (0 = all)")
	cmd.Flags().StringVar(&filter, "filter", "", "CEL expression over record, digest and index")
	return cmd
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func writeEntries(w io.Writer, entries []ledger.Entry) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
