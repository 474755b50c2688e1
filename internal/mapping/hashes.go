package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

// Hashes maps each enabled non-link field to a hash of its normalized value.
// Comparing hashes field by field tells which mapped fields changed.
type Hashes map[string]string

// Hashes computes the per-field hashes of e under m.
func (m *Mapping) Hashes(e *model.Event) Hashes {
	h := make(Hashes)
	for _, field := range m.MappedFields() {
		data, _ := json.Marshal(normalize(field, accessors[field].get(e)))
		sum := sha256.Sum256(data)
		h[field] = hex.EncodeToString(sum[:8])
	}
	return h
}

// Encode serializes h for storage.
func (h Hashes) Encode() string {
	data, _ := json.Marshal(h)
	return string(data)
}

// ParseHashes decodes stored hashes. Empty or unreadable input returns nil.
func ParseHashes(s string) Hashes {
	if s == "" {
		return nil
	}
	var h Hashes
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}

// Changed returns the fields whose hash differs between prev and cur,
// sorted. With no previous hashes every field counts as changed.
//
// A field unknown to prev was enabled since the last observation. Its
// current value is adopted as the baseline and not reported, so enabling a
// field never rewrites the other side with historical values. The cost: if
// the first edit to a re-enabled field lands in the same notification that
// first observes it, that edit is recorded without being propagated. The
// next edit propagates normally.
func Changed(prev, cur Hashes) []string {
	var out []string
	for field, hash := range cur {
		old, known := prev[field]
		if prev == nil || (known && old != hash) {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

// Pending returns the fields among fields whose value in src is not
// already recorded for the target.
func Pending(target, src Hashes, fields []string) []string {
	var out []string
	for _, field := range fields {
		if target == nil || target[field] != src[field] {
			out = append(out, field)
		}
	}
	return out
}

// Equal reports whether h and other hold the same hashes.
func (h Hashes) Equal(other Hashes) bool {
	if len(h) != len(other) {
		return false
	}
	for k, v := range h {
		if other[k] != v {
			return false
		}
	}
	return true
}

// With returns a copy of h with the named fields taken from src. A nil h
// stays nil.
func (h Hashes) With(src Hashes, fields []string) Hashes {
	if h == nil {
		return nil
	}
	out := make(Hashes, len(h))
	for k, v := range h {
		out[k] = v
	}
	for _, f := range fields {
		if v, ok := src[f]; ok {
			out[f] = v
		}
	}
	return out
}
