package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lowercases and trims a query before hashing.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// HashQuery returns the hex sha256 of "{queryType}:{Normalize(query)}".
// Casing and surrounding whitespace of query do not change the hash; the
// type prefix keeps identical text under different types apart.
func HashQuery(query, queryType string) string {
	sum := sha256.Sum256([]byte(queryType + ":" + Normalize(query)))
	return hex.EncodeToString(sum[:])
}
