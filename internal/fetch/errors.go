package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrWatchdogTimeout marks a call that ran past the per-call watchdog.
// Classified transient: observed upstream hangs recover on a fresh connection.
var ErrWatchdogTimeout = errors.New("upstream call exceeded watchdog timeout")

// disconnectPhrases are the message fragments the upstreams emit on a dropped
// connection. Matched case-insensitively as a fallback when the error chain
// carries no typed network error.
var disconnectPhrases = []string{
	"lost connection",
	"server has gone away",
	"connection was killed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"i/o timeout",
}

// IsTransient reports whether an error is a retriable infrastructure failure:
// a dropped connection or a watchdog timeout. Everything else — auth failures,
// malformed parameters, schema errors — is fatal and must propagate without
// retry so real configuration mistakes are never masked by a retry loop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWatchdogTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range disconnectPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
