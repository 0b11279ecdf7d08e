// Package provider contains the four LLM backend adapters and their shared
// plumbing. Every adapter funnels its failures through ClassifyHTTPStatus so
// the transient/permanent/rate_limited_remote split stays identical across
// providers instead of drifting per adapter.
package provider

import (
	"context"
	"errors"
	"net/http"

	out "mailcore/core/port/out"
)

// ClassifyHTTPStatus maps an HTTP status code to a breaker-relevant failure
// kind, per spec: 5xx and transport errors are transient, 4xx other than
// 429 is permanent, 429 is rate_limited_remote.
func ClassifyHTTPStatus(status int) out.FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return out.FailureRateLimitedRemote
	case status >= 500:
		return out.FailureTransient
	case status >= 400:
		return out.FailurePermanent
	default:
		return out.FailureNone
	}
}

// ClassifyTransportError maps a raw transport-level error (connection
// refused, DNS failure, timeout) to a failure kind.
func ClassifyTransportError(err error) out.FailureKind {
	if err == nil {
		return out.FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return out.FailureTimeout
	}
	return out.FailureTransient
}

// wrapErr builds a *out.ProviderError with the given classification.
func wrapErr(kind out.FailureKind, msg string, cause error) *out.ProviderError {
	return &out.ProviderError{Kind: kind, Message: msg, Err: cause}
}
