package sshgateway

import "time"

// inputRateLimit is the maximum number of messages allowed per second per
// socket. Messages beyond this rate are dropped.
const inputRateLimit = 200

// inputRateBurst is the token bucket burst size, allowing short bursts of
// rapid input (e.g., paste operations) before rate limiting kicks in.
const inputRateBurst = 200

// tokenBucket implements a simple token bucket rate limiter for inbound
// terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
