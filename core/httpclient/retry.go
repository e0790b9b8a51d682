package httpclient

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// ShouldRetry reports whether a transport error looks transient: dial
// failures and timeouts. Context cancellation is never retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() || opErr.Op == "dial" {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		if urlErr.Timeout() {
			return true
		}
		return ShouldRetry(urlErr.Err)
	}

	return false
}
