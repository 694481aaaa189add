package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"workorder-backend/internal/store"
)

var auditColumns = []string{
	"id", "user_id", "action", "resource_type", "resource_id",
	"old_values", "new_values", "ip_address", "user_agent", "result", "created_at",
}

// pendingFactor bounds how many records a failing database can hold back,
// as a multiple of the flush size. Beyond that the oldest records are dropped.
const pendingFactor = 4

// BufferedSink collects records in memory and periodically writes them to
// the audit_logs table in one batch insert. A failed insert puts the batch
// back at the head of the buffer for the next flush.
type BufferedSink struct {
	mu         sync.Mutex
	records    []Record
	db         *sql.DB
	dialect    store.Dialect
	logger     *zap.Logger
	maxSize    int
	maxPending int
	ticker     *time.Ticker
	done       chan struct{}
	stopped    sync.Once
	flushMu    sync.Mutex
}

// NewBufferedSink creates a sink that flushes on a timer or when full.
func NewBufferedSink(db *sql.DB, dialect store.Dialect, maxSize, flushIntervalMs int, logger *zap.Logger) *BufferedSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize < 1 {
		maxSize = 1
	}
	if flushIntervalMs < 1 {
		flushIntervalMs = 250
	}
	s := &BufferedSink{
		db:         db,
		dialect:    dialect,
		logger:     logger,
		maxSize:    maxSize,
		maxPending: maxSize * pendingFactor,
		done:       make(chan struct{}),
	}
	s.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go s.run()
	return s
}

func (s *BufferedSink) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("audit buffer flush failed", zap.Error(err), zap.Int("pending", s.Pending()))
			}
		}
	}
}

// Log enqueues rec. A full buffer is flushed on the calling audit worker.
// A failed flush keeps the records buffered, so it is logged here rather
// than reported against rec.
func (s *BufferedSink) Log(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	full := len(s.records) >= s.maxSize
	s.mu.Unlock()
	if full {
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("audit buffer flush failed", zap.Error(err), zap.Int("pending", s.Pending()))
		}
	}
	return nil
}

// Pending returns the number of records not yet written.
func (s *BufferedSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Flush writes all buffered records in a single transaction. On failure the
// batch is requeued and the error returned.
func (s *BufferedSink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.records) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.records
	s.records = nil
	s.mu.Unlock()

	if err := s.insert(ctx, batch); err != nil {
		s.requeue(batch, err)
		return err
	}
	s.logger.Debug("audit records flushed", zap.Int("count", len(batch)))
	return nil
}

func (s *BufferedSink) insert(ctx context.Context, batch []Record) error {
	pb := s.dialect.NewParamBuilder()
	placeholders := make([]string, 0, len(batch))
	for _, r := range batch {
		oldJSON, err := encodeValues(r.OldValues)
		if err != nil {
			s.dropped(r, err)
			continue
		}
		newJSON, err := encodeValues(r.NewValues)
		if err != nil {
			s.dropped(r, err)
			continue
		}
		var resourceID any
		if r.ResourceID != nil {
			resourceID = fmt.Sprint(r.ResourceID)
		}
		vals := []any{r.ID, nullable(r.UserID), r.Action, r.ResourceType, resourceID,
			oldJSON, newJSON, nullable(r.IPAddress), nullable(r.UserAgent), r.Result, r.CreatedAt}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = pb.Add(v)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
	}
	if len(placeholders) == 0 {
		return nil
	}

	sqlStr := fmt.Sprintf("INSERT INTO audit_logs (%s) VALUES %s",
		strings.Join(auditColumns, ", "), strings.Join(placeholders, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit buffer begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		tx.Rollback()
		return fmt.Errorf("audit buffer insert %d records: %w", len(placeholders), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit buffer commit: %w", err)
	}
	return nil
}

// requeue puts a failed batch ahead of records logged since it was taken,
// dropping the oldest once maxPending is exceeded.
func (s *BufferedSink) requeue(batch []Record, cause error) {
	s.mu.Lock()
	merged := make([]Record, 0, len(batch)+len(s.records))
	merged = append(merged, batch...)
	merged = append(merged, s.records...)
	var lost []Record
	if over := len(merged) - s.maxPending; over > 0 {
		lost = merged[:over]
		merged = merged[over:]
	}
	s.records = merged
	s.mu.Unlock()

	for _, r := range lost {
		s.dropped(r, cause)
	}
}

func (s *BufferedSink) dropped(r Record, cause error) {
	s.logger.Error("audit record dropped",
		zap.String("audit_id", r.ID),
		zap.String("action", r.Action),
		zap.String("resource_type", r.ResourceType),
		zap.Any("resource_id", r.ResourceID),
		zap.Error(cause))
}

// Close halts the ticker and flushes what is left. Records that still cannot
// be written are dropped and logged individually.
func (s *BufferedSink) Close(ctx context.Context) error {
	s.stopped.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	err := s.Flush(ctx)
	if err == nil {
		return nil
	}
	s.mu.Lock()
	lost := s.records
	s.records = nil
	s.mu.Unlock()
	for _, r := range lost {
		s.dropped(r, err)
	}
	return err
}

func encodeValues(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode audit values: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
