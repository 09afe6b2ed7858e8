package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Prefix is prepended to every fingerprint.
const Prefix = "fp:"

// Sentinel errors for fingerprint operations.
var (
	ErrInvalid      = errors.New("fingerprint: invalid fingerprint")
	ErrCanonicalize = errors.New("fingerprint: input cannot be canonicalized")
	ErrEmptyPrompt  = errors.New("fingerprint: prompt is empty")
)

// Fingerprint is an immutable cache key for one evaluation request.
type Fingerprint string

// String returns the fingerprint as a string.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string {
	s := strings.TrimPrefix(string(f), Prefix)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Validate checks that f has the shape produced by DefaultKeyer.
func Validate(f Fingerprint) error {
	s := string(f)
	if !strings.HasPrefix(s, Prefix) {
		return ErrInvalid
	}
	digest := strings.TrimPrefix(s, Prefix)
	if len(digest) != sha256.Size*2 {
		return ErrInvalid
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return ErrInvalid
	}
	return nil
}

// Params are the invocation parameters that influence the model's output.
type Params struct {
	Model       string         `json:"model,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Keyer generates fingerprints from evaluation inputs.
//
// Contract:
// - Determinism: same inputs must produce the same key, regardless of map iteration order.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	Key(prompt string, sample any, params Params) (Fingerprint, error)
}

// DefaultKeyer generates SHA-256 based fingerprints.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key generates a deterministic fingerprint.
// Format: fp:<hex(sha256(canonical JSON))>
func (k *DefaultKeyer) Key(prompt string, sample any, params Params) (Fingerprint, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	tuple := map[string]any{
		"prompt": prompt,
		"sample": sample,
		"params": params,
	}
	canonical, err := canonicalize(tuple)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCanonicalize, err)
	}

	sum := sha256.Sum256(canonical)
	return Fingerprint(Prefix + hex.EncodeToString(sum[:])), nil
}

var defaultKeyer = NewDefaultKeyer()

// Of computes a fingerprint with the default keyer.
func Of(prompt string, sample any, params Params) (Fingerprint, error) {
	return defaultKeyer.Key(prompt, sample, params)
}

// canonicalize produces a deterministic JSON representation of v.
// Structs and typed maps are normalized through a JSON round-trip so that
// their keys are sorted too.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	case string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return json.Marshal(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		var generic any
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return nil, err
		}
		switch generic.(type) {
		case map[string]any, []any:
			return canonicalize(generic)
		default:
			return raw, nil
		}
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')
	return result, nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}
		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, ']')
	return result, nil
}

// Ensure DefaultKeyer implements Keyer
var _ Keyer = (*DefaultKeyer)(nil)
