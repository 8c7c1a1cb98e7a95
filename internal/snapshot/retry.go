package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/AltynCore/keste/internal/storage"
	"github.com/AltynCore/keste/pkg/database"
)

type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// WithRetry runs fn until it succeeds, returns an error that retrying cannot
// fix, or runs out of attempts.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, operation string, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	wait := cfg.InitialWait

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < cfg.MaxAttempts {
			logger.Warn("operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"error", err,
				"next_wait", wait,
			)

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(wait):
			}

			wait = time.Duration(float64(wait) * cfg.Multiplier)
			if wait > cfg.MaxWait {
				wait = cfg.MaxWait
			}
		}
	}

	return zero, lastErr
}

var permanentErrors = []error{
	context.Canceled,
	context.DeadlineExceeded,
	database.ErrExecution,
	database.ErrFormat,
	database.ErrNotFound,
	storage.ErrInvalidPath,
}

var permanentMessages = []string{
	"permission denied",
	"access denied",
	"invalid access key",
	"signature does not match",
	"no such bucket",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range permanentMessages {
		if strings.Contains(msg, s) {
			return false
		}
	}

	return true
}
