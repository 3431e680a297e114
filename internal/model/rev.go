package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Revision tokens have the form "<generation>-<hash>". The generation is
// bumped on every write and the hash is derived from the previous revision
// and the new body, so concurrent writes at the same generation produce
// distinct tokens. The token is the store's causality marker: it alone
// arbitrates which of two concurrent writes wins, never wall-clock time.

// NewRev computes the revision token for a write that replaces prevRev
func NewRev(prevRev string, body []byte) string {
	gen := RevGeneration(prevRev) + 1
	h := sha256.New()
	h.Write([]byte(prevRev))
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(h.Sum(nil))[:16])
}

// RevGeneration returns the generation counter of a revision token.
// An empty or malformed token has generation zero.
func RevGeneration(rev string) int64 {
	i := strings.IndexByte(rev, '-')
	if i <= 0 {
		return 0
	}
	gen, err := strconv.ParseInt(rev[:i], 10, 64)
	if err != nil {
		return 0
	}
	return gen
}

// revHash returns the hash part of a revision token
func revHash(rev string) string {
	i := strings.IndexByte(rev, '-')
	if i < 0 {
		return ""
	}
	return rev[i+1:]
}

// Supersedes reports whether revision a wins over revision b under the
// store's deterministic last-write-wins rule: higher generation wins, and
// equal generations resolve by lexicographically larger hash. Any revision
// supersedes the empty one.
func Supersedes(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	ga, gb := RevGeneration(a), RevGeneration(b)
	if ga != gb {
		return ga > gb
	}
	return revHash(a) > revHash(b)
}
