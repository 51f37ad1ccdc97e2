package sse

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// Preview bounds a block payload for logging. Payloads over the limit are cut
// and identified by the SHA-256 of the full payload.
type Preview struct {
	Text      string
	Truncated bool
	Size      int
	SHA256    string
}

// NewPreview keeps at most maxBytes bytes of data. A non-positive limit keeps
// everything.
func NewPreview(data string, maxBytes int) Preview {
	out, truncated, size, sum := truncateBytes([]byte(data), maxBytes)
	return Preview{Text: string(out), Truncated: truncated, Size: size, SHA256: sum}
}

func (p Preview) LogValue() slog.Value {
	if !p.Truncated {
		return slog.StringValue(p.Text)
	}
	return slog.GroupValue(
		slog.String("text", p.Text),
		slog.Int("size", p.Size),
		slog.String("sha256", p.SHA256),
	)
}

func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}
