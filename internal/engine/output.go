package engine

import (
	"workorder-backend/internal/metadata"
)

// alwaysSensitive is removed from every record regardless of entity
// configuration; no output whitelist can bring these back.
var alwaysSensitive = map[string]struct{}{
	"auth0_id":           {},
	"refresh_token":      {},
	"refresh_token_hash": {},
	"api_key":            {},
	"api_secret":         {},
	"client_secret":      {},
	"password_hash":      {},
}

// IsAlwaysSensitive reports whether field is in the global redaction set.
func IsAlwaysSensitive(field string) bool {
	_, ok := alwaysSensitive[field]
	return ok
}

// FilterRecord returns a redacted copy of record. The input is not modified.
// A nil record yields nil.
func FilterRecord(record map[string]any, entity *metadata.Entity) map[string]any {
	if record == nil {
		return nil
	}

	var drop map[string]struct{}
	var keep map[string]struct{}
	if entity != nil {
		if len(entity.SensitiveFields) > 0 {
			drop = make(map[string]struct{}, len(entity.SensitiveFields))
			for _, f := range entity.SensitiveFields {
				drop[f] = struct{}{}
			}
		}
		if len(entity.OutputFields) > 0 {
			keep = make(map[string]struct{}, len(entity.OutputFields))
			for _, f := range entity.OutputFields {
				keep[f] = struct{}{}
			}
		}
	}

	out := make(map[string]any, len(record))
	for k, v := range record {
		if IsAlwaysSensitive(k) {
			continue
		}
		if _, ok := drop[k]; ok {
			continue
		}
		if keep != nil {
			if _, ok := keep[k]; !ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// FilterRecords applies FilterRecord element-wise into a new slice.
func FilterRecords(records []map[string]any, entity *metadata.Entity) []map[string]any {
	if records == nil {
		return nil
	}
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = FilterRecord(r, entity)
	}
	return out
}

// FilterAny accepts a single record or a slice of records.
func FilterAny(v any, entity *metadata.Entity) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return FilterRecord(val, entity)
	case []map[string]any:
		return FilterRecords(val, entity)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = FilterAny(item, entity)
		}
		return out
	}
	return v
}
