package schema

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LockOutcome tags which branch of the advisory-lock guard ran.
type LockOutcome int

const (
	// LockAcquired means this process held the lock and ran the DDL itself.
	LockAcquired LockOutcome = iota
	// LockContended means another process held the lock; this process
	// verified the object exists instead of creating it.
	LockContended
)

func (o LockOutcome) String() string {
	if o == LockContended {
		return "contended"
	}
	return "acquired"
}

const (
	contendedVerifyAttempts = 5
	contendedVerifyDelay    = 200 * time.Millisecond
)

// withAdvisoryLock guards creation of shared, rarely-changing objects (the
// audit trigger function, the settings trigger). Under pg_try_advisory_lock
// the winner creates; a loser does not wait for the lock but polls verify
// until the winner's work is visible. Both branches are surfaced as a tagged
// outcome so they stay independently testable.
//
// Advisory locks are session-scoped, so acquire, create and unlock all run on
// one pinned connection; through the pool the unlock could land on a
// different session and leak the lock until the holding connection is closed.
func withAdvisoryLock(ctx context.Context, db *sql.DB, key int64, verify func(ctx context.Context) (bool, error), create func(ctx context.Context, conn *sql.Conn) error) (LockOutcome, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return LockAcquired, fmt.Errorf("acquire advisory lock %d: %w", key, err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		return LockAcquired, fmt.Errorf("acquire advisory lock %d: %w", key, err)
	}

	if acquired {
		defer func() {
			var released bool
			_ = conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released)
		}()
		return LockAcquired, create(ctx, conn)
	}

	for i := 0; i < contendedVerifyAttempts; i++ {
		ok, err := verify(ctx)
		if err != nil {
			return LockContended, err
		}
		if ok {
			return LockContended, nil
		}
		select {
		case <-ctx.Done():
			return LockContended, ctx.Err()
		case <-time.After(contendedVerifyDelay):
		}
	}
	return LockContended, fmt.Errorf("advisory lock %d contended and object never appeared", key)
}
