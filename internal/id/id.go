// Package id generates sortable, prefixed identifiers.
//
// An identifier is 26 characters: a 3-character type prefix, an underscore,
// 12 lowercase hex characters of unix milliseconds, and a 10-character random
// tail. Ascending IDs sort in creation order within a process; descending IDs
// invert the time component so the newest sorts first under lexicographic
// listing.
package id

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Type prefixes.
const (
	Session    = "ses"
	Message    = "msg"
	Part       = "prt"
	Permission = "per"
	Question   = "qst"
)

const timeMask = 0xFFFFFFFFFFFF // 48 bits of milliseconds

var (
	mu       sync.Mutex
	lastTime uint64
)

// Ascending returns an identifier that sorts after all identifiers generated
// earlier in this process.
func Ascending(prefix string) string {
	return generate(prefix, false)
}

// Descending returns an identifier that sorts before all identifiers
// generated earlier in this process.
func Descending(prefix string) string {
	return generate(prefix, true)
}

func generate(prefix string, descending bool) string {
	mu.Lock()
	now := ulid.Now() // unix milliseconds
	// Guarantee strict monotonicity even within one millisecond.
	if now <= lastTime {
		now = lastTime + 1
	}
	lastTime = now
	mu.Unlock()

	t := now & timeMask
	if descending {
		t = ^t & timeMask
	}

	return fmt.Sprintf("%s_%012x%s", prefix, t, tail())
}

// tail returns 10 characters of randomness, the entropy portion of a ULID.
func tail() string {
	u := ulid.Make().String() // 26 chars, last 10 are entropy
	return strings.ToLower(u[16:])
}

// Prefix reports the type prefix of an identifier, or "" if malformed.
func Prefix(identifier string) string {
	i := strings.IndexByte(identifier, '_')
	if i != 3 {
		return ""
	}
	return identifier[:3]
}
