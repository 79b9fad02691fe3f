package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"

	"go.uber.org/zap"
)

// Manager implements lease-based mutual exclusion over named resources.
// Lease rows live in the shared Postgres store, so the guarantees hold
// across processes and machines. Every state transition is a single
// atomic statement; there is no read-then-write anywhere in this
// package.
type Manager struct {
	db     *sql.DB
	logger *log.Logger
}

// Info is a snapshot of a lease row, for operator inspection.
type Info struct {
	Name       string    `json:"name"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func NewManager(db *sql.DB, logger *log.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// Acquire takes the named lease for holder. It succeeds when no live
// lease exists, when the previous lease has lapsed, or when holder
// already owns it (re-entrant acquire refreshes the lease). A false
// return is contention, not an error; callers retry later.
func (m *Manager) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := m.db.ExecContext(ctx, `
        INSERT INTO locks (name, holder_id, acquired_at, expires_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (name) DO UPDATE
        SET holder_id = EXCLUDED.holder_id,
            acquired_at = EXCLUDED.acquired_at,
            expires_at = EXCLUDED.expires_at
        WHERE locks.expires_at <= $3 OR locks.holder_id = EXCLUDED.holder_id
    `, name, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock rows affected: %w", err)
	}
	return n > 0, nil
}

// Release drops the lease only if holder still owns it. Releasing with
// a mismatched holder is a no-op returning false, so a zombie holder
// cannot free a lock it lost to expiry.
func (m *Manager) Release(ctx context.Context, name, holder string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
        DELETE FROM locks WHERE name = $1 AND holder_id = $2
    `, name, holder)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock rows affected: %w", err)
	}
	return n > 0, nil
}

// Extend refreshes the lease expiry while holder still owns a live
// lease. Long-running tasks call this before the lease lapses.
func (m *Manager) Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := m.db.ExecContext(ctx, `
        UPDATE locks SET expires_at = $4
        WHERE name = $1 AND holder_id = $2 AND expires_at > $3
    `, name, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lock rows affected: %w", err)
	}
	return n > 0, nil
}

// CleanupExpired removes lapsed lease rows. Idempotent and safe to run
// concurrently with acquisition: it only touches rows whose lease has
// already expired.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
        DELETE FROM locks WHERE expires_at <= $1
    `, time.Now())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks rows affected: %w", err)
	}
	return n, nil
}

// ForceRelease unconditionally drops the named lease. Operator-only
// incident escape hatch; still a single atomic statement.
func (m *Manager) ForceRelease(ctx context.Context, name string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
        DELETE FROM locks WHERE name = $1
    `, name)
	if err != nil {
		return false, fmt.Errorf("force release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("force release lock rows affected: %w", err)
	}
	if n > 0 {
		m.logger.Warn("Force released lock", zap.String("name", name))
	}
	return n > 0, nil
}

// List returns all lease rows, live or lapsed.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	rows, err := m.db.QueryContext(ctx, `
        SELECT name, holder_id, acquired_at, expires_at FROM locks ORDER BY name
    `)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []Info
	for rows.Next() {
		var l Info
		if err := rows.Scan(&l.Name, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
