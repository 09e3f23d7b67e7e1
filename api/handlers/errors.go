package handlers

import (
	"log/slog"
	"regexp"

	"github.com/getsentry/sentry-go"
)

var (
	// scheme://userinfo@ in any URL.
	urlUserinfo = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s'"]+@`)
	// Query strings of URLs, which may carry tokens.
	urlQuery = regexp.MustCompile(`(://[^\s'"?]*)\?[^\s'"]*`)
	// key=value secrets as found in DSNs and driver errors.
	secretPair = regexp.MustCompile(`(?i)\b(password|passwd|pwd|token|api_key|apikey|secret)=[^\s&'"]+`)
)

// internalError logs err, reports it to Sentry, and returns operation as the
// message safe to show to clients.
func internalError(operation string, err error) string {
	slog.Error(operation, "error", err)
	sentry.CaptureException(err)
	return operation
}

// SanitizeError returns the error text with URL credentials, URL query
// strings and key=value secrets redacted.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = urlUserinfo.ReplaceAllString(msg, "${1}***@")
	msg = urlQuery.ReplaceAllString(msg, "${1}?...")
	msg = secretPair.ReplaceAllString(msg, "${1}=***")
	return msg
}
