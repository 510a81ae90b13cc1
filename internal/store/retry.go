package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// retryOp executes fn with exponential backoff and jitter while it keeps
// failing with a transient error.
func retryOp(ctx context.Context, cfg retryConfig, dialect Dialect, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !isTransient(dialect, lastErr) || attempt == cfg.maxRetries {
			return lastErr
		}
		select {
		case <-time.After(backoffDelay(cfg, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// backoffDelay is baseDelay * 2^attempt, capped at maxDelay, plus jitter in
// [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	if cfg.baseDelay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	return isTransient(SQLite, err) || isTransient(Postgres, err)
}

func isTransient(dialect Dialect, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if dialect == Postgres {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "40001", // serialization_failure
				"40P01": // deadlock_detected
				return true
			}
			return false
		}
		var connectErr *pgconn.ConnectError
		return errors.As(err, &connectErr)
	}

	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
