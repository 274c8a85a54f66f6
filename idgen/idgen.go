// Package idgen mints record identifiers.
package idgen

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	alphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength = 9
)

// Generate returns prefix_<unix millis>_<9 random lowercase alphanumerics>,
// e.g. "user_1760745600000_k3x9q2m1a". Uniqueness rests on the clock and
// the random suffix only: collisions are improbable, not impossible.
// Safe for concurrent use.
func Generate(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + 13 + 1 + suffixLength)
	b.WriteString(prefix)
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 10))
	b.WriteByte('_')
	for range suffixLength {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// Prefix returns the prefix an id was generated with, or "" if id does not
// have the generated shape.
func Prefix(id string) string {
	last := strings.LastIndexByte(id, '_')
	if last <= 0 || len(id)-last-1 != suffixLength {
		return ""
	}
	mid := strings.LastIndexByte(id[:last], '_')
	if mid < 0 {
		return ""
	}
	if _, err := strconv.ParseInt(id[mid+1:last], 10, 64); err != nil {
		return ""
	}
	return id[:mid]
}
