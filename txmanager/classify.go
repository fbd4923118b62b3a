package txmanager

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// FailureKind classifies a failed attempt.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureDeadlock
	FailureTimeout
	FailureOther
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureDeadlock:
		return "deadlock"
	case FailureTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Retryable reports whether the failure is transient.
func (k FailureKind) Retryable() bool {
	return k == FailureDeadlock || k == FailureTimeout
}

// Postgres SQLSTATE codes treated as transient.
const (
	sqlStateDeadlock        = "40P01"
	sqlStateSerialization   = "40001"
	sqlStateLockNotAvail    = "55P03"
	sqlStateQueryCanceled   = "57014"
	mysqlDeadlockMessage    = "error 1213"
	mysqlLockTimeoutMessage = "error 1205"
)

var (
	deadlockIndicators = []string{
		"deadlock",
		"could not serialize",
		"serialization failure",
		"database is locked",
		"database table is locked",
		"lock",
		"concurrent",
	}
	timeoutIndicators = []string{
		"timeout",
		"timed out",
		"etimedout",
		"esockettimedout",
	}
)

// Classify decides whether err is a deadlock, a timeout or anything else.
// Driver error codes are checked first (pgx, lib/pq, sqlite3), then context
// and network timeouts, then the message.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	if errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return FailureOther
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if kind, ok := classifySQLState(pgErr.Code); ok {
			return kind
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if kind, ok := classifySQLState(string(pqErr.Code)); ok {
			return kind
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return FailureDeadlock
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, mysqlDeadlockMessage):
		return FailureDeadlock
	case strings.Contains(msg, mysqlLockTimeoutMessage):
		return FailureTimeout
	}
	for _, s := range deadlockIndicators {
		if strings.Contains(msg, s) {
			return FailureDeadlock
		}
	}
	for _, s := range timeoutIndicators {
		if strings.Contains(msg, s) {
			return FailureTimeout
		}
	}
	return FailureOther
}

func classifySQLState(code string) (FailureKind, bool) {
	switch code {
	case sqlStateDeadlock, sqlStateSerialization, sqlStateLockNotAvail:
		return FailureDeadlock, true
	case sqlStateQueryCanceled:
		return FailureTimeout, true
	}
	return FailureOther, false
}

// Backoff returns the wait before attempt+1: base*2^(attempt-1) capped at
// max, plus up to 10% jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	return backoff(attempt, base, max, rand.Float64)
}

func backoff(attempt int, base, max time.Duration, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(float64(d) * 0.1 * random())
	return d + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
