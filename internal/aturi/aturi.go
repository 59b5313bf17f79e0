// Package aturi parses and builds AT-Protocol URIs
// (at://{did}/{collection}/{rkey}) and mints new record keys.
package aturi

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Parse splits an AT-URI into its three components. ok is false if uri does
// not have the at://did/collection/rkey shape.
func Parse(uri string) (did, collection, rkey string, ok bool) {
	rest, found := strings.CutPrefix(uri, "at://")
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// Build constructs an AT-URI from its components.
func Build(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// Collection returns the collection segment of uri, or "" if uri isn't a
// well-formed AT-URI.
func Collection(uri string) string {
	_, collection, _, ok := Parse(uri)
	if !ok {
		return ""
	}
	return collection
}

// Rkey returns the rkey segment of uri, or "" if uri isn't a well-formed
// AT-URI.
func Rkey(uri string) string {
	_, _, rkey, ok := Parse(uri)
	if !ok {
		return ""
	}
	return rkey
}

// tidAlphabet is the AT-Protocol base32-sortable alphabet used for TIDs.
const tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

var tidMu sync.Mutex
var lastTIDMicros int64

// NewTID mints a new AT-Protocol timestamp identifier: a 13-character
// base32-sortable encoding of a 64-bit value packing a microsecond-precision
// timestamp shifted left by 10 bits and a 10-bit clock identifier taken from
// the low bits of that same timestamp, monotonic within this process.
func NewTID() string {
	tidMu.Lock()
	defer tidMu.Unlock()

	micros := time.Now().UnixMicro()
	if micros <= lastTIDMicros {
		micros = lastTIDMicros + 1
	}
	lastTIDMicros = micros

	clockID := int64(micros % 1024)
	v := (micros << 10) | clockID

	var b [13]byte
	for i := 12; i >= 0; i-- {
		b[i] = tidAlphabet[v&0x1f]
		v >>= 5
	}
	return string(b[:])
}
