package types

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
)

func sortStrings(s []string) {
	sort.Strings(s)
}

// hashPrefix returns the first 12 hex characters of the md5 sum of raw,
// matching the truncation the original dependency-hash computation used.
func hashPrefix(raw string) string {
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:12]
}
