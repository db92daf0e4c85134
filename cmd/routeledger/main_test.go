package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
	"github.com/Mindburn-Labs/routeledger/pkg/store"
)

func init() {
	color.NoColor = true
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"routeledger"}, args...), &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// logDecisions appends one decision per option for subject S1, then one for S2.
func logDecisions(t *testing.T, path string, options ...string) []string {
	t.Helper()
	var digests []string
	for _, opt := range options {
		res := run(t, "--ledger", path, "log", "--subject", "S1", "--option", opt,
			"--status", "APPROVED", "--trace", `{"cost":42,"reason":"shortest"}`, "--no-annotate")
		require.Equal(t, 0, res.code, res.stderr)
		digest := strings.TrimSpace(res.stdout)
		require.Len(t, digest, 64)
		digests = append(digests, digest)
	}
	res := run(t, "--ledger", path, "log", "--subject", "S2", "--option", "RouteZ", "--annotation", "Manual override.")
	require.Equal(t, 0, res.code, res.stderr)
	return append(digests, strings.TrimSpace(res.stdout))
}

func tamper(t *testing.T, path string, mutate func([]ledger.Entry)) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	entries, err := store.DecodeEntries(raw)
	require.NoError(t, err)
	mutate(entries)
	out, err := store.EncodeEntries(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o600))
}

func normalize(out, dir string) []byte {
	return []byte(strings.ReplaceAll(out, dir, "<dir>"))
}

func TestLogAndLogs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	digests := logDecisions(t, path, "RouteA", "RouteB")

	res := run(t, "--ledger", path, "logs", "--subject", "S1")
	require.Equal(t, 0, res.code, res.stderr)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, digests[0], entries[0].Digest)
	assert.Equal(t, digests[0], entries[1].Record.PreviousDigest)
	assert.Equal(t, ledger.AnnotationNotRequested, entries[0].Record.AnnotationStatus)

	res = run(t, "--ledger", path, "logs", "--filter", `record.annotation_status == "provided"`)
	require.Equal(t, 0, res.code, res.stderr)
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Manual override.", entries[0].Record.Annotation)

	res = run(t, "--ledger", path, "logs", "--subject", "nobody")
	require.Equal(t, 0, res.code)
	assert.Equal(t, "[]\n", res.stdout)
}

func TestLog_TraceKeepsLargeIntegers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	res := run(t, "--ledger", path, "log", "--subject", "S1", "--option", "RouteA",
		"--trace", `{"id":9007199254740993}`, "--no-annotate")
	require.Equal(t, 0, res.code, res.stderr)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id": 9007199254740993`)

	res = run(t, "--ledger", path, "verify")
	assert.Equal(t, 0, res.code, res.stdout)
}

func TestLog_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	res := run(t, "--ledger", path, "log", "--subject", "S1", "--option", "A", "--status", "MAYBE")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "invalid decision status")

	res = run(t, "--ledger", path, "log", "--subject", "", "--option", "A", "--no-annotate")
	assert.Equal(t, 2, res.code)

	res = run(t, "--ledger", path, "log", "--subject", "S1", "--option", "A", "--trace", "[1,2]")
	assert.Equal(t, 2, res.code)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "rejected decisions never create the ledger")
}

func TestVerify_Pass(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	logDecisions(t, path, "RouteA")

	res := run(t, "--ledger", path, "verify")
	require.Equal(t, 0, res.code, res.stderr)
	goldie.New(t).Assert(t, "verify_pass", normalize(res.stdout, dir))
}

func TestVerify_Tampered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	logDecisions(t, path, "RouteA", "RouteB")
	tamper(t, path, func(e []ledger.Entry) { e[1].Record.Option = "RouteC" })

	res := run(t, "--ledger", path, "verify")
	assert.Equal(t, 1, res.code)
	goldie.New(t).Assert(t, "verify_tampered", normalize(res.stdout, dir))

	res = run(t, "--ledger", path, "verify", "--json")
	assert.Equal(t, 1, res.code)
	var report verifyReport
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &report))
	assert.False(t, report.Result.Valid)
	assert.Equal(t, 1, report.Result.Index)
	assert.Equal(t, ledger.FindingHashMismatch, report.Result.Finding)
}

func TestVerify_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"a ledger"}`), 0o600))

	res := run(t, "--ledger", path, "verify")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "corrupt")
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.json")
	digests := logDecisions(t, src, "RouteA", "RouteB")
	bundle := filepath.Join(dir, "ledger.json.zst")

	res := run(t, "--ledger", src, "export", "--out", bundle)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, bundle+"\n", res.stdout)

	dst := filepath.Join(dir, "dst.json")
	res = run(t, "--ledger", dst, "import", "--in", bundle)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "imported 3 entries\n", res.stdout)

	res = run(t, "--ledger", dst, "logs")
	require.Equal(t, 0, res.code)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, digests[2], entries[2].Digest)

	res = run(t, "--ledger", dst, "import", "--in", bundle)
	assert.Equal(t, 2, res.code, "import refuses a non-empty ledger")

	tamper(t, src, func(e []ledger.Entry) { e[0].Record.Status = ledger.StatusFailed })
	res = run(t, "--ledger", src, "export", "--out", filepath.Join(dir, "bad.zst"))
	assert.Equal(t, 2, res.code, "a tampered ledger is never exported")
}

func TestExport_ToArchiveSink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.json")
	logDecisions(t, src, "RouteA")
	t.Setenv("ROUTELEDGER_ARCHIVE_DIR", filepath.Join(dir, "archive"))

	res := run(t, "--ledger", src, "export")
	require.Equal(t, 0, res.code, res.stderr)
	name := strings.TrimSpace(res.stdout)
	assert.True(t, strings.HasPrefix(name, "ledger-"))
	assert.FileExists(t, filepath.Join(dir, "archive", name))

	res = run(t, "--ledger", filepath.Join(dir, "dst.json"), "import", "--name", name)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "imported 2 entries\n", res.stdout)
}

func TestCheckpointFlow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	key := filepath.Join(dir, "checkpoint.key")
	token := filepath.Join(dir, "checkpoint.jwt")
	logDecisions(t, path, "RouteA")

	res := run(t, "checkpoint", "keygen", "--out", key)
	require.Equal(t, 0, res.code, res.stderr)
	assert.FileExists(t, key+".pub")
	assert.Equal(t, 2, run(t, "checkpoint", "keygen", "--out", key).code, "keygen never overwrites")

	res = run(t, "--ledger", path, "checkpoint", "sign", "--key", key, "--out", token)
	require.Equal(t, 0, res.code, res.stderr)

	// Growth keeps the checkpoint valid.
	logDecisions(t, path, "RouteB")
	res = run(t, "--ledger", path, "verify", "--checkpoint", token, "--pubkey", key+".pub", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	var report verifyReport
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &report))
	require.NotNil(t, report.Checkpoint)
	assert.True(t, report.Checkpoint.Valid)
	assert.Equal(t, 2, report.Checkpoint.LedgerSize)

	// A fully re-chained ledger passes the chain audit but not the checkpoint.
	other := filepath.Join(dir, "other.json")
	logDecisions(t, other, "RouteQ", "RouteR")
	res = run(t, "--ledger", other, "verify", "--checkpoint", token, "--pubkey", key+".pub")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "PASS  hash chain intact")
	assert.Contains(t, res.stdout, "FAIL  ledger diverges from checkpoint of 2 entries")

	res = run(t, "--ledger", path, "verify", "--checkpoint", token)
	assert.Equal(t, 2, res.code, "a checkpoint needs a verification key")
}

func TestUnknownCommand(t *testing.T) {
	res := run(t, "frobnicate")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "unknown command")
}

func TestServe_RefusesTamperedLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	logDecisions(t, path, "RouteA")
	tamper(t, path, func(e []ledger.Entry) { e[1].Record.PreviousDigest = ledger.ZeroSentinel })

	res := run(t, "--ledger", path, "serve", "--addr", "127.0.0.1:0")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "entry digest mismatch")
}
