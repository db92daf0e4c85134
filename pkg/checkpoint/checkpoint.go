// Package checkpoint signs and checks statements of the form "the ledger had n entries
// ending at digest d". A checkpoint held outside the ledger detects a rewrite that
// re-chains every entry, which Verify alone cannot see.
package checkpoint

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/routeledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

// DefaultIssuer identifies checkpoints issued by this module.
const DefaultIssuer = "routeledger"

var (
	ErrInvalidCheckpoint  = errors.New("invalid checkpoint")
	ErrCheckpointMismatch = errors.New("ledger does not match checkpoint")
)

// Claims is the signed checkpoint payload.
type Claims struct {
	jwt.RegisteredClaims
	LedgerSize int    `json:"ledger_size"`
	ChainHead  string `json:"chain_head"`
}

// Signer issues EdDSA-signed checkpoints.
type Signer struct {
	key    ed25519.PrivateKey
	issuer string
	clock  func() time.Time
}

func NewSigner(key ed25519.PrivateKey, issuer string) *Signer {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{key: key, issuer: issuer, clock: time.Now}
}

// Public returns the verification key matching the signer.
func (s *Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign creates a checkpoint for a ledger of size entries whose last digest is head.
func (s *Signer) Sign(size int, head string) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("%w: negative ledger size", ErrInvalidCheckpoint)
	}
	if !canonicalize.IsDigest(head) {
		return "", fmt.Errorf("%w: chain head %q is not a digest", ErrInvalidCheckpoint, head)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(), // JTI
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(s.clock().UTC()),
		},
		LedgerSize: size,
		ChainHead:  head,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign checkpoint: %w", err)
	}
	return signed, nil
}

// Checkpoint signs the current head of st. A ledger that fails verification is never signed.
func (s *Signer) Checkpoint(ctx context.Context, st ledger.Store) (string, error) {
	entries, err := st.GetAll(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read ledger: %w", err)
	}
	if res := ledger.Verify(entries); !res.Valid {
		return "", fmt.Errorf("%w: %w", ErrInvalidCheckpoint, res.Err())
	}
	head := ledger.ZeroSentinel
	if n := len(entries); n > 0 {
		head = entries[n-1].Digest
	}
	return s.Sign(len(entries), head)
}

// Verifier checks checkpoint signatures.
type Verifier struct {
	key    ed25519.PublicKey
	issuer string
}

func NewVerifier(key ed25519.PublicKey, issuer string) *Verifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{key: key, issuer: issuer}
}

// Verify parses token and returns its claims when the signature and issuer are valid.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckpoint, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckpoint, jwt.ErrTokenSignatureInvalid)
	}
	if claims.LedgerSize < 0 || !canonicalize.IsDigest(claims.ChainHead) {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidCheckpoint)
	}
	return claims, nil
}

// Check reports whether entries still extend the checkpointed ledger: it must hold at
// least LedgerSize entries and the entry at LedgerSize-1 must carry ChainHead.
func Check(c *Claims, entries []ledger.Entry) error {
	if c.LedgerSize == 0 {
		if c.ChainHead != ledger.ZeroSentinel {
			return fmt.Errorf("%w: empty checkpoint with head %s", ErrCheckpointMismatch, c.ChainHead)
		}
		return nil
	}
	if len(entries) < c.LedgerSize {
		return fmt.Errorf("%w: ledger has %d entries, checkpoint covers %d", ErrCheckpointMismatch, len(entries), c.LedgerSize)
	}
	if got := entries[c.LedgerSize-1].Digest; got != c.ChainHead {
		return fmt.Errorf("%w: entry %d has digest %s, checkpoint says %s", ErrCheckpointMismatch, c.LedgerSize-1, got, c.ChainHead)
	}
	return nil
}
