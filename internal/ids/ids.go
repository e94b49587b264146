// Package ids generates job identifiers and supplies the broker's notion of
// current time.
package ids

import (
	"crypto/rand"
	"time"
)

const (
	idLength = 32
	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// New returns a 32-character random alphanumeric identifier, suitable for
// tagging a job payload for tracing across the ready/delayed/reserved
// structures.
func New() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// panicking here surfaces a misconfigured environment immediately
		// rather than silently handing out predictable IDs.
		panic("ids: crypto/rand unavailable: " + err.Error())
	}

	id := make([]byte, idLength)
	for i, b := range buf {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(id)
}

// currentTime is the injectable clock used throughout the broker so tests
// can control availability and visibility-expiry calculations.
var currentTime = func() time.Time {
	return time.Now()
}

// Now returns the current time as seen by the broker.
func Now() time.Time {
	return currentTime()
}

// NowUnix returns the current time in integer Unix seconds.
func NowUnix() int64 {
	return currentTime().Unix()
}

// SetClock overrides the clock used by Now/NowUnix. Intended for tests;
// pass nil to restore the real clock.
func SetClock(fn func() time.Time) {
	if fn == nil {
		currentTime = time.Now
		return
	}
	currentTime = fn
}
