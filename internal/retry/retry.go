// Package retry implements the backoff policy for outbound payment
// provider calls. Transport-level failures are retried with exponential
// backoff, provider rejections are returned to the caller untouched.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"syscall"
	"time"
)

// Class says whether an error is worth retrying.
type Class int

const (
	// Permanent errors are business outcomes: the provider answered and
	// said no. Retrying will not change the answer.
	Permanent Class = iota
	// Transient errors are transport failures that a later attempt may
	// not hit: resets, refused connections, DNS, timeouts.
	Transient
)

// Policy holds the retry parameters for one call site.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// Default matches the provider client configuration: three attempts,
// one second initial delay, doubling.
func Default() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Second, BackoffMultiplier: 2}
}

var transientMarkers = []string{
	"econnreset",
	"econnrefused",
	"econnaborted",
	"connection reset",
	"connection refused",
	"connection aborted",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"temporary failure",
	"tls handshake",
	"eof",
}

// Classify inspects err and decides whether a retry could help. nil is
// Permanent, there is nothing to retry.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		// the caller gave up, do not spin on its behalf
		return Permanent
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return Transient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	// wrapped client libraries sometimes stringify the cause
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	return Permanent
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed with err.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return Classify(err) == Transient
}

// DelayFor returns the pause after the given attempt (1-based):
// InitialDelay * BackoffMultiplier^(attempt-1).
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Pow(p.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(p.InitialDelay) * mult)
}

// Do runs op until it succeeds, the policy is exhausted, or ctx ends.
// The delay between attempts honors ctx cancellation. The last error is
// returned as-is so callers can still classify it.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(p.DelayFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
