package engine

import (
	"context"
	"fmt"

	"workorder-backend/internal/metadata"
	"workorder-backend/internal/store"
)

type CascadeDetail struct {
	Table       string `json:"table"`
	ForeignKey  string `json:"foreign_key"`
	Polymorphic bool   `json:"polymorphic"`
	Deleted     int64  `json:"deleted"`
}

type CascadeResult struct {
	TotalDeleted int64           `json:"total_deleted"`
	Details      []CascadeDetail `json:"details"`
}

// DeleteDependents removes every declared dependent of parentID, one DELETE
// per dependent, in declared order. Dependents may share a table, so the
// statements run sequentially on q. The first failure aborts and is
// returned; the caller's transaction decides the rest.
func DeleteDependents(ctx context.Context, q store.Querier, d store.Dialect, entity *metadata.Entity, parentID any) (*CascadeResult, error) {
	res := &CascadeResult{Details: []CascadeDetail{}}

	for _, dep := range entity.Dependents {
		var sql string
		var args []any
		switch dep.Kind {
		case metadata.DependentForeignKey:
			sql = fmt.Sprintf("DELETE FROM %s WHERE %s = %s", dep.Table, dep.ForeignKey, d.Placeholder(1))
			args = []any{parentID}
		case metadata.DependentPolymorphic:
			sql = fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
				dep.Table, dep.ForeignKey, d.Placeholder(1), dep.TypeColumn, d.Placeholder(2))
			// polymorphic id columns hold text ids, the way the audit sinks write them
			args = []any{fmt.Sprint(parentID), dep.TypeValue}
		default:
			return nil, fmt.Errorf("cascade %s: unknown dependent kind %q", dep.Table, dep.Kind)
		}

		n, err := store.Exec(ctx, q, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("cascade delete from %s: %w", dep.Table, err)
		}
		res.TotalDeleted += n
		res.Details = append(res.Details, CascadeDetail{
			Table:       dep.Table,
			ForeignKey:  dep.ForeignKey,
			Polymorphic: dep.Kind == metadata.DependentPolymorphic,
			Deleted:     n,
		})
	}
	return res, nil
}

// CheckDeleteGuards fails with a ConstraintError while any guarded table
// still references parentID.
func CheckDeleteGuards(ctx context.Context, q store.Querier, d store.Dialect, entity *metadata.Entity, parentID any) error {
	for _, g := range entity.DeleteGuards {
		sql := fmt.Sprintf("SELECT COUNT(*) AS total FROM %s WHERE %s = %s", g.Table, g.ForeignKey, d.Placeholder(1))
		row, err := store.QueryRow(ctx, q, sql, parentID)
		if err != nil {
			return fmt.Errorf("delete guard %s: %w", g.Table, err)
		}
		count, err := toInt64(row["total"])
		if err != nil {
			return fmt.Errorf("delete guard %s: %w", g.Table, err)
		}
		if count > 0 {
			msg := g.Message
			if msg == "" {
				msg = fmt.Sprintf("Cannot delete %s: %d related %s records exist", entity.EntityKey, count, g.Table)
			}
			return ConstraintError(msg)
		}
	}
	return nil
}
