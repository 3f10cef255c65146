package remote

import (
	"errors"
	"math/rand"
	"strings"
	"time"
)

// transientSignatures is the fixed allow-list of failures worth retrying.
// Anything else (non-zero exit, auth failure, unknown host) fails at once.
var transientSignatures = []string{
	"econnreset",
	"connection reset",
	"etimedout",
	"timed out",
	"timeout",
	"econnrefused",
	"connection refused",
	"handshake",
	"keepalive",
}

// IsTransient reports whether err matches a transient network signature.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

const (
	baseBackoff = 1000 * time.Millisecond
	maxBackoff  = 10000 * time.Millisecond
	maxJitter   = 0.3
)

// Backoff returns min(1000 * 2^(attempt-1), 10000) ms for attempt >= 1.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// withJitter adds up to 30% of d, using r in [0,1).
func withJitter(d time.Duration, r float64) time.Duration {
	return d + time.Duration(float64(d)*maxJitter*r)
}

func defaultRand() float64 { return rand.Float64() }
