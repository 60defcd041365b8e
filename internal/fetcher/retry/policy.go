package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Policy computes waits between attempts.
type Policy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// JitterFraction adds up to this share of the base wait at random.
	JitterFraction float64
	// RateLimitMultiplier scales the wait after a 429 without Retry-After.
	RateLimitMultiplier float64
}

// DefaultPolicy returns five attempts with 2s..300s exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         5,
		InitialWait:         2 * time.Second,
		MaxWait:             300 * time.Second,
		JitterFraction:      0.2,
		RateLimitMultiplier: 2,
	}
}

// BaseBackoff is the un-jittered wait after the (attempt+1)th failure:
// min(MaxWait, InitialWait * 2^attempt).
func (p Policy) BaseBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialWait) * math.Pow(2, float64(attempt))
	if p.MaxWait > 0 && delay > float64(p.MaxWait) {
		return p.MaxWait
	}
	return time.Duration(delay)
}

// Backoff returns the jittered wait for the given failure. A server-provided
// Retry-After wins for rate limiting; otherwise rate limiting waits longer
// than ordinary failures. The result never exceeds MaxWait.
func (p Policy) Backoff(attempt int, kind crawler.ErrorKind, retryAfter time.Duration) time.Duration {
	if kind == crawler.KindRateLimited && retryAfter > 0 {
		return p.capped(retryAfter)
	}
	base := p.BaseBackoff(attempt)
	if kind == crawler.KindRateLimited && p.RateLimitMultiplier > 1 {
		base = time.Duration(float64(base) * p.RateLimitMultiplier)
	}
	jitter := randomJitter(time.Duration(float64(base) * p.JitterFraction))
	return p.capped(base + jitter)
}

// Defers reports whether a rate-limited response asks for a longer wait than
// MaxWait allows.
func (p Policy) Defers(kind crawler.ErrorKind, retryAfter time.Duration) bool {
	return kind == crawler.KindRateLimited && p.MaxWait > 0 && retryAfter > p.MaxWait
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.MaxWait > 0 && d > p.MaxWait {
		return p.MaxWait
	}
	return d
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
