// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// and SHA-256 digests for deterministic hashing of ledger records.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// DigestSize is the length of a hex-encoded digest.
const DigestSize = sha256.Size * 2

// exactPrefix tags numbers that a float64 would round. Strings carrying it are rejected,
// so a tagged number never shares canonical bytes with a string.
const exactPrefix = "\x00exact:"

// maxExponent bounds the decimal exponent of numbers accepted for hashing.
const maxExponent = 1000

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshalled with encoding/json first so struct tags and omitempty apply. Strings are
// hashed byte for byte. A number that float64 would round is serialised as its exact
// rational value instead, so two distinct numbers never share a form.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	pinned, err := pinNumbers(generic)
	if err != nil {
		return nil, err
	}

	// Re-marshal of decoded values escapes HTML; jcs.Transform re-serialises strings itself.
	raw, err := json.Marshal(pinned)
	if err != nil {
		return nil, fmt.Errorf("jcs: re-marshal failed: %w", err)
	}

	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it as lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsDigest reports whether s has the shape of a hex digest produced by HashBytes.
func IsDigest(s string) bool {
	if len(s) != DigestSize {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func pinNumbers(v any) (any, error) {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, exactPrefix) {
			return nil, fmt.Errorf("jcs: string %q uses a reserved prefix", t)
		}
		return t, nil
	case json.Number:
		return pinNumber(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := pinNumbers(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			if strings.HasPrefix(k, exactPrefix) {
				return nil, fmt.Errorf("jcs: key %q uses a reserved prefix", k)
			}
			n, err := pinNumbers(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		// nil, bool
		return v, nil
	}
}

// pinNumber keeps n when it is the shortest decimal of some float64, which is the form
// RFC 8785 emits. Any other value is replaced with a tagged string of its exact value in
// lowest terms.
func pinNumber(n json.Number) (any, error) {
	s := n.String()
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return nil, fmt.Errorf("jcs: number %s is out of range", s)
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("jcs: number %s is out of range", s)
	}
	exact, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("jcs: invalid number %s", s)
	}
	shortest, _ := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if exact.Cmp(shortest) == 0 {
		return n, nil
	}
	return exactPrefix + exact.RatString(), nil
}
