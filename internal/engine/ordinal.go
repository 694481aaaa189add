package engine

import (
	"context"
	"fmt"

	"workorder-backend/internal/metadata"
	"workorder-backend/internal/store"
)

// NextOrdinalValue returns MAX(field)+1 for table, or defaultValue when the
// table is empty. table and field must be a declared ordinal pair; anything
// else is rejected before a statement is issued.
func NextOrdinalValue(ctx context.Context, q store.Querier, reg *metadata.Registry, table, field string, defaultValue int64) (int64, error) {
	entity, ok := reg.FindOrdinal(table, field)
	if !ok {
		return 0, fieldError(field, "ordinal", "%s.%s is not an ordinal field", table, field)
	}

	sql := fmt.Sprintf("SELECT MAX(%s) AS max_value FROM %s", field, entity.TableName)
	row, err := store.QueryRow(ctx, q, sql)
	if err != nil {
		return 0, fmt.Errorf("next ordinal %s.%s: %w", table, field, err)
	}
	if row["max_value"] == nil {
		return defaultValue, nil
	}
	current, err := toInt64(row["max_value"])
	if err != nil {
		return 0, fmt.Errorf("next ordinal %s.%s: %w", table, field, err)
	}
	return current + 1, nil
}
