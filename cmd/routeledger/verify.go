package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/routeledger/pkg/checkpoint"
	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

// verifyReport is the --json output of verify.
type verifyReport struct {
	Ledger     string        `json:"ledger"`
	Result     ledger.Result `json:"result"`
	Checkpoint *checkReport  `json:"checkpoint,omitempty"`
}

type checkReport struct {
	LedgerSize int    `json:"ledger_size"`
	ChainHead  string `json:"chain_head"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

// newVerifyCommand implements `routeledger verify`.
//
// Exit codes:
//
//	0 = the chain (and checkpoint, when given) verified
//	1 = tampering or a checkpoint mismatch was found
//	2 = runtime error
func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		jsonOutput bool
		tokenPath  string
		pubKeyPath string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Audit the hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			res, err := rt.ledger.VerifyIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			report := verifyReport{Ledger: rt.cfg.Store.Backend, Result: res}
			if rt.cfg.Store.Backend != "postgres" {
				report.Ledger += ":" + rt.cfg.Store.Path
			}

			if tokenPath != "" {
				if pubKeyPath == "" {
					pubKeyPath = rt.cfg.Checkpoint.KeyPath
				}
				if pubKeyPath == "" {
					return fmt.Errorf("--pubkey or checkpoint.key_path is required with --checkpoint")
				}
				report.Checkpoint, err = checkAgainst(cmd, rt, tokenPath, pubKeyPath)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}

			if !res.Valid || (report.Checkpoint != nil && !report.Checkpoint.Valid) {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output results as JSON")
	cmd.Flags().StringVar(&tokenPath, "checkpoint", "", "also check the ledger against this checkpoint token file")
	cmd.Flags().StringVar(&pubKeyPath, "pubkey", "", "checkpoint verification key (PEM); defaults to checkpoint.key_path")
	return cmd
}

func checkAgainst(cmd *cobra.Command, rt *runtime, tokenPath, pubKeyPath string) (*checkReport, error) {
	raw, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	pub, err := checkpoint.LoadPublicKey(pubKeyPath)
	if err != nil {
		return nil, err
	}

	claims, err := checkpoint.NewVerifier(pub, rt.cfg.Checkpoint.Issuer).Verify(strings.TrimSpace(string(raw)))
	if err != nil {
		return &checkReport{Error: err.Error()}, nil
	}
	rep := &checkReport{LedgerSize: claims.LedgerSize, ChainHead: claims.ChainHead, Valid: true}

	entries, err := rt.store.GetAll(cmd.Context())
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Check(claims, entries); err != nil {
		rep.Valid = false
		rep.Error = err.Error()
	}
	return rep, nil
}

func printReport(w io.Writer, r verifyReport) {
	ok := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)

	fmt.Fprintf(w, "ledger:  %s\n", r.Ledger)
	fmt.Fprintf(w, "checked: %d entries\n", r.Result.Checked)
	if r.Result.Valid {
		ok.Fprintln(w, "PASS  hash chain intact")
	} else {
		bad.Fprintf(w, "FAIL  %s at entry %d\n", r.Result.Finding, r.Result.Index)
	}

	if c := r.Checkpoint; c != nil {
		switch {
		case c.Valid:
			ok.Fprintf(w, "PASS  checkpoint covers %d entries\n", c.LedgerSize)
		case c.LedgerSize == 0 && c.ChainHead == "":
			bad.Fprintln(w, "FAIL  checkpoint signature invalid")
		default:
			bad.Fprintf(w, "FAIL  ledger diverges from checkpoint of %d entries\n", c.LedgerSize)
		}
	}
}
