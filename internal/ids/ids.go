// Package ids provides identifier generation and canonical-JSON serialization
// helpers shared by the audit log and signing-permit packages, both of which
// hash a fixed, known field set and therefore need a small deterministic
// marshaler rather than a general-purpose canonicalization library.
package ids

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// New returns a fresh random UUID rendered as a string, matching the
// id shape used throughout spec.md §3 ("128-bit UUIDs rendered as strings").
func New() string {
	return uuid.NewString()
}

// Parse validates that s is a well-formed UUID string.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Canonical marshals v into canonical JSON: object keys sorted lexicographically,
// no insignificant whitespace. v is typically a map[string]any assembled by the
// caller from a fixed field set (audit events, signing permits).
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
