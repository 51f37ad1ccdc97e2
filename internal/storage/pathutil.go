// Package storage archives event records to rotating JSONL files.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PathSegment turns an endpoint id into a filesystem-safe file name. When a
// character has to be replaced, a short hash of the id is appended so distinct
// ids never share a file.
func PathSegment(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unknown"
	}
	var b strings.Builder
	replaced := false
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			replaced = true
		}
	}
	if replaced {
		sum := sha256.Sum256([]byte(id))
		b.WriteByte('-')
		b.WriteString(hex.EncodeToString(sum[:4]))
	}
	return b.String()
}
