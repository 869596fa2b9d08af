// Package dedupe suppresses platform re-deliveries of the same callback.
//
// The platform retries a callback it did not see answered in time. Each
// inbound message key is recorded once in SQLite; later deliveries inside the
// TTL are acknowledged without running handlers again. Only keys are kept,
// never message content.
package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Ledger records callback keys with an expiry.
type Ledger struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger wraps a database bootstrapped by storage.OpenSQLite.
func NewLedger(db *sql.DB, ttl time.Duration, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, ttl: ttl, logger: logger, now: time.Now}
}

// FirstSeen records key and reports whether this is its first live delivery.
// An expired entry for the same key counts as unseen and is replaced.
func (l *Ledger) FirstSeen(ctx context.Context, key, msgType, fromUser string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("dedupe key is empty")
	}
	now := l.now()
	expires := now.Add(l.ttl)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM seen_callbacks WHERE dedupe_key = ? AND expires_at <= ?;",
		key, now.UnixMilli(),
	); err != nil {
		return false, fmt.Errorf("clear expired key: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_callbacks(dedupe_key, msg_type, from_user, first_seen, expires_at)
VALUES (?, ?, ?, ?, ?);`,
		key, msgType, fromUser, now.UnixMilli(), expires.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if n == 0 {
		if _, err := tx.ExecContext(ctx, "UPDATE seen_callbacks SET hits = hits + 1 WHERE dedupe_key = ?;", key); err != nil {
			return false, fmt.Errorf("count duplicate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n == 1, nil
}

// Forget removes key so a later delivery is processed again.
func (l *Ledger) Forget(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM seen_callbacks WHERE dedupe_key = ?;", key); err != nil {
		return fmt.Errorf("forget key: %w", err)
	}
	return nil
}

// Prune deletes expired keys and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM seen_callbacks WHERE expires_at <= ?;", l.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen callbacks: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarises the ledger for admin output.
type Stats struct {
	Keys       int64 `json:"keys"`
	Duplicates int64 `json:"duplicates"`
}

// Stats counts live keys and suppressed duplicates.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(hits - 1), 0) FROM seen_callbacks WHERE expires_at > ?;",
		l.now().UnixMilli(),
	).Scan(&st.Keys, &st.Duplicates)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return st, nil
}

// RunPruner prunes every interval until ctx is done.
func (l *Ledger) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Prune(ctx)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("prune seen callbacks failed", "error", err)
				}
				continue
			}
			if n > 0 {
				l.logger.Debug("pruned seen callbacks", "removed", n)
			}
		}
	}
}
