// Package archive exports verified ledger snapshots as compressed bundles and imports them back.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/Mindburn-Labs/routeledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
	"github.com/Mindburn-Labs/routeledger/pkg/lock"
	"github.com/Mindburn-Labs/routeledger/pkg/store"
)

// FormatVersion is written into every bundle this package produces.
const FormatVersion = "1.0.0"

// SupportedFormats is the range of bundle versions Decode accepts.
const SupportedFormats = "^1"

// maxDecodedSize bounds the memory a single bundle may decompress into.
const maxDecodedSize = 1 << 30

var (
	ErrInvalidBundle     = errors.New("invalid bundle")
	ErrUnsupportedFormat = errors.New("unsupported bundle format")
	ErrUnverifiedLedger  = errors.New("ledger failed verification")
	ErrTargetNotEmpty    = errors.New("import target is not empty")
)

// Bundle is a self-describing snapshot of a whole ledger.
type Bundle struct {
	BundleID      string         `json:"bundle_id"`
	FormatVersion string         `json:"format_version"`
	CreatedAt     time.Time      `json:"created_at"`
	EntryCount    int            `json:"entry_count"`
	ChainHead     string         `json:"chain_head"`
	Entries       []ledger.Entry `json:"entries"`
	BundleHash    string         `json:"bundle_hash,omitempty"`
}

// zstdEncoder and zstdDecoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// NewBundle snapshots entries. It refuses a ledger that does not verify, so a bundle
// never launders a tampered chain into a fresh-looking archive.
func NewBundle(entries []ledger.Entry, now time.Time) (*Bundle, error) {
	if res := ledger.Verify(entries); !res.Valid {
		return nil, fmt.Errorf("%w: %w", ErrUnverifiedLedger, res.Err())
	}

	head := ledger.ZeroSentinel
	if n := len(entries); n > 0 {
		head = entries[n-1].Digest
	}

	b := &Bundle{
		BundleID:      uuid.NewString(),
		FormatVersion: FormatVersion,
		CreatedAt:     now.UTC(),
		EntryCount:    len(entries),
		ChainHead:     head,
		Entries:       ledger.CloneEntries(entries),
	}
	hash, err := b.computeHash()
	if err != nil {
		return nil, err
	}
	b.BundleHash = hash
	return b, nil
}

// Export snapshots the current contents of s.
func Export(ctx context.Context, s ledger.Store) (*Bundle, error) {
	entries, err := s.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return NewBundle(entries, time.Now())
}

func (b *Bundle) computeHash() (string, error) {
	unsigned := *b
	unsigned.BundleHash = ""
	h, err := canonicalize.CanonicalHash(unsigned)
	if err != nil {
		return "", fmt.Errorf("failed to hash bundle: %w", err)
	}
	return h, nil
}

// Name is the object name sinks store the bundle under.
func (b *Bundle) Name() string {
	return fmt.Sprintf("ledger-%s-%s.json.zst", b.CreatedAt.UTC().Format("20060102T150405Z"), b.BundleID)
}

// Encode renders the bundle as zstd-compressed JSON.
func Encode(b *Bundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

type wireBundle struct {
	Bundle
	Entries json.RawMessage `json:"entries"`
}

// Decode decompresses and fully checks a bundle: format version, bundle hash,
// declared size and head, and the chain itself.
func Decode(data []byte) (*Bundle, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrInvalidBundle, err)
	}

	var wire wireBundle
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}

	if err := checkFormat(wire.FormatVersion); err != nil {
		return nil, err
	}

	entries, err := store.DecodeEntries(wire.Entries)
	if err != nil {
		return nil, fmt.Errorf("%w: entries: %w", ErrInvalidBundle, err)
	}
	b := wire.Bundle
	b.Entries = entries

	want, err := b.computeHash()
	if err != nil {
		return nil, err
	}
	if want != b.BundleHash {
		return nil, fmt.Errorf("%w: bundle hash %s does not match contents %s", ErrInvalidBundle, b.BundleHash, want)
	}
	if b.EntryCount != len(entries) {
		return nil, fmt.Errorf("%w: entry_count %d but %d entries", ErrInvalidBundle, b.EntryCount, len(entries))
	}

	res := ledger.Verify(entries)
	if !res.Valid {
		return nil, fmt.Errorf("%w: %w", ErrUnverifiedLedger, res.Err())
	}
	head := ledger.ZeroSentinel
	if n := len(entries); n > 0 {
		head = entries[n-1].Digest
	}
	if head != b.ChainHead {
		return nil, fmt.Errorf("%w: chain_head %s but ledger ends at %s", ErrInvalidBundle, b.ChainHead, head)
	}
	return &b, nil
}

func checkFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsupportedFormat, version, err)
	}
	c, err := semver.NewConstraint(SupportedFormats)
	if err != nil {
		return fmt.Errorf("archive: bad format constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedFormat, version, SupportedFormats)
	}
	return nil
}

// Import decodes data and writes its entries to dst, which must be empty. locker is held
// from the emptiness check until the entries are stored; nil means the caller is the only
// writer. Stores implementing ledger.BatchAppender receive the whole chain in one call, so
// a failure leaves the target empty. It returns the number of entries imported.
func Import(ctx context.Context, data []byte, dst ledger.Store, locker lock.Locker) (int, error) {
	b, err := Decode(data)
	if err != nil {
		return 0, err
	}

	if locker != nil {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire ledger writer lock: %w", err)
		}
		defer unlock()
	}

	if _, ok, err := dst.Tail(ctx); err != nil {
		return 0, fmt.Errorf("failed to read import target: %w", err)
	} else if ok {
		return 0, ErrTargetNotEmpty
	}

	if batch, ok := dst.(ledger.BatchAppender); ok {
		if err := batch.AppendBatch(ctx, b.Entries); err != nil {
			return 0, fmt.Errorf("failed to import entries: %w", err)
		}
		return len(b.Entries), nil
	}
	for i, e := range b.Entries {
		if err := dst.Append(ctx, e); err != nil {
			return i, fmt.Errorf("failed to import entry %d: %w", i, err)
		}
	}
	return len(b.Entries), nil
}
