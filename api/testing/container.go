package apitesting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

const startAttempts = 3

// startBackoff is multiplied by the attempt number between container starts.
var startBackoff = 750 * time.Millisecond

// startContainer runs start until it succeeds, retrying transient Docker
// failures.
func startContainer[C any](name string, start func() (C, error)) (C, error) {
	var zero C
	for attempt := 1; ; attempt++ {
		c, err := start()
		if err == nil {
			return c, nil
		}
		if !isRetryableContainerStartErr(err) || attempt == startAttempts {
			return zero, fmt.Errorf("failed to start %s container after %d attempts: %w", name, attempt, err)
		}
		time.Sleep(time.Duration(attempt) * startBackoff)
	}
}

func terminate(name string, c testcontainers.Container, logError func(msg string, args ...any)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Terminate(ctx); err != nil {
		logError("failed to terminate "+name+" container", "error", err)
	}
}

// isRetryableContainerStartErr reports whether a container start failure is
// a transient Docker condition worth retrying.
func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"port is already allocated",
		"address already in use",
		"connection reset by peer",
		"context deadline exceeded",
		"i/o timeout",
		"no such container",
		"is already in progress",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
