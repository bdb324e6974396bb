package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BuildKey hashes a kind and its dimensions into a fixed-width key. The
// dimension order does not matter.
func BuildKey(kind string, dims map[string]string) string {
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{strings.ToLower(strings.TrimSpace(kind))}
	for _, name := range names {
		parts = append(parts, name+"="+strings.TrimSpace(dims[name]))
	}
	h := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// CanonicalTime renders t for use as a key dimension.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func CanonicalInt(v int) string {
	return fmt.Sprintf("%d", v)
}
