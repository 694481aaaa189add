package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"workorder-backend/internal/audit"
	"workorder-backend/internal/metadata"
	"workorder-backend/internal/store"
)

// BatchOperation is one step of a Batch call.
type BatchOperation struct {
	Op     metadata.Operation `json:"op"`
	Entity string             `json:"entity"`
	ID     any                `json:"id,omitempty"`
	Data   map[string]any     `json:"data,omitempty"`
}

type BatchResult struct {
	Op      metadata.Operation `json:"op"`
	Entity  string             `json:"entity"`
	Record  map[string]any     `json:"record,omitempty"`
	Cascade *CascadeResult     `json:"cascade,omitempty"`
}

// Batch runs create, update and delete operations in one transaction on one
// connection. Either every operation commits or none does; audit records are
// dispatched only after the commit succeeds.
func (s *Service) Batch(ctx context.Context, pc *metadata.PermissionContext, ops []BatchOperation, ac *audit.Context) ([]BatchResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("_batch", "batch", time.Since(start).Seconds()) }()

	if len(ops) == 0 {
		return nil, fieldError("operations", "required", "Batch requires at least one operation")
	}

	entities := make([]*metadata.Entity, len(ops))
	var details []ErrorDetail
	for i, op := range ops {
		field := fmt.Sprintf("operations[%d]", i)
		switch op.Op {
		case metadata.OpCreate, metadata.OpUpdate, metadata.OpDelete:
		default:
			details = append(details, ErrorDetail{Field: field, Rule: "op", Message: fmt.Sprintf("Unsupported batch operation %q", op.Op)})
			continue
		}
		e, err := s.resolve(op.Entity)
		if err != nil {
			return nil, err
		}
		if op.Op != metadata.OpCreate && op.ID == nil {
			details = append(details, ErrorDetail{Field: field, Rule: "id", Message: "id is required for update and delete"})
		}
		entities[i] = e
	}
	if len(details) > 0 {
		return nil, ValidationError(details)
	}

	results := make([]BatchResult, len(ops))
	var pending []*pendingAudit
	var cascades []*CascadeResult

	err := s.store.WithTransaction(ctx, func(tx store.Querier) error {
		for i, op := range ops {
			e := entities[i]
			res := BatchResult{Op: op.Op, Entity: op.Entity}
			var p *pendingAudit
			var err error

			switch op.Op {
			case metadata.OpCreate:
				var row map[string]any
				row, p, err = s.createTx(ctx, tx, e, pc, op.Data, ac)
				res.Record = FilterRecord(row, e)
			case metadata.OpUpdate:
				var row map[string]any
				row, p, err = s.updateTx(ctx, tx, e, pc, op.ID, op.Data, ac)
				res.Record = FilterRecord(row, e)
			case metadata.OpDelete:
				var del *DeleteResult
				del, p, err = s.deleteTx(ctx, tx, e, pc, op.ID, ac)
				if del != nil {
					res.Record, res.Cascade = del.Record, del.Cascade
					cascades = append(cascades, del.Cascade)
				}
			}
			if err != nil {
				return annotateBatchError(i, err)
			}
			results[i] = res
			if p != nil {
				pending = append(pending, p)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("batch rolled back", zap.Int("operations", len(ops)), zap.Error(err))
		return nil, err
	}

	for _, c := range cascades {
		s.recordCascade(c)
	}
	for _, p := range pending {
		s.dispatch(p)
	}
	return results, nil
}

// annotateBatchError prefixes the failing operation's index while keeping
// the error's kind and status.
func annotateBatchError(i int, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		cp := *appErr
		cp.Message = fmt.Sprintf("operation %d: %s", i, appErr.Message)
		return &cp
	}
	return fmt.Errorf("operation %d: %w", i, err)
}
