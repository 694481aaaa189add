package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"workorder-backend/internal/store"
)

// Prune deletes audit_logs rows created before cutoff.
func Prune(ctx context.Context, db *sql.DB, dialect store.Dialect, cutoff time.Time) (int64, error) {
	pb := dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM audit_logs WHERE created_at < %s", pb.Add(cutoff.UTC()))
	n, err := store.Exec(ctx, db, sqlStr, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("prune audit logs: %w", err)
	}
	return n, nil
}

// RunRetention prunes records older than retention every interval until ctx
// is cancelled. A zero retention disables pruning.
func RunRetention(ctx context.Context, db *sql.DB, dialect store.Dialect, retention, interval time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := Prune(ctx, db, dialect, now.Add(-retention))
			if err != nil {
				logger.Error("audit retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("audit retention pruned records", zap.Int64("deleted", n))
			}
		}
	}
}
