package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint computes the deterministic cache key for a request in a
// category. Requests are normalized before hashing so that semantically
// identical requests collide: map keys are emitted in sorted order
// (encoding/json guarantees this for maps) and string values are trimmed and
// lowercased.
func Fingerprint(request map[string]any, category string) string {
	normalized := normalize(request)

	// json.Marshal sorts map keys, giving a stable rendering.
	data, err := json.Marshal(normalized)
	if err != nil {
		// Maps of printable values cannot fail to marshal; fall back to the
		// unhashed rendering rather than panicking on exotic inputs.
		data = []byte(fmt.Sprintf("%v", normalized))
	}

	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintContent hashes opaque result content for novelty comparison.
// Whitespace runs are collapsed and text is lowercased so cosmetic
// differences do not register as new information.
func FingerprintContent(content string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(content)), " ")

	h := sha256.Sum256([]byte(collapsed))
	return hex.EncodeToString(h[:])
}

func normalize(in any) any {
	switch v := in.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[strings.ToLower(strings.TrimSpace(k))] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = normalize(val)
		}
		return out
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	default:
		return v
	}
}
