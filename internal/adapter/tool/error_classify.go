package tool

import (
	"context"
	"errors"
	"strings"

	"parley/internal/domain"
)

var transientSentinels = []error{
	domain.ErrTransport,
	domain.ErrRateLimit,
	context.DeadlineExceeded,
}

// transientPatterns are matched case-insensitively against error text from
// backends that do not wrap a sentinel.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
}

// isTransient reports whether err looks like a failure that may clear up on
// its own.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range transientSentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
