package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"workorder-backend/internal/metadata"
)

// validateCreate checks an insert payload against metadata and returns the
// coerced column values, including auto-managed timestamps and generated
// uuid keys.
func validateCreate(e *metadata.Entity, data map[string]any, now time.Time) (map[string]any, error) {
	var details []ErrorDetail
	values := make(map[string]any, len(data)+2)

	for _, name := range sortedKeys(data) {
		f := e.GetField(name)
		if f == nil {
			details = append(details, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("Unknown field: %s", name)})
			continue
		}
		if f.Readonly || f.IsAuto() {
			details = append(details, ErrorDetail{Field: name, Rule: "readonly", Message: fmt.Sprintf("Field %s is read-only", name)})
			continue
		}
		v, detail := checkValue(f, data[name])
		if detail != nil {
			details = append(details, *detail)
			continue
		}
		values[name] = v
	}

	for _, name := range e.Columns() {
		f := e.GetField(name)
		if f.IsAuto() || (name == e.PrimaryKey && f.Type == "uuid") {
			continue
		}
		if _, given := data[name]; given && len(details) > 0 && values[name] == nil && data[name] != nil {
			continue // already reported above
		}
		if e.IsRequired(name) && values[name] == nil {
			details = append(details, ErrorDetail{Field: name, Rule: "required", Message: fmt.Sprintf("Field %s is required", name)})
		}
	}
	if len(details) > 0 {
		return nil, ValidationError(details)
	}

	for _, f := range e.Fields {
		if f.IsAuto() {
			values[f.Name] = now.UTC()
		}
	}
	if pk := e.GetField(e.PrimaryKey); pk.Type == "uuid" && values[e.PrimaryKey] == nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate %s id: %w", e.EntityKey, err)
		}
		values[e.PrimaryKey] = id.String()
	}
	return values, nil
}

// validateUpdate checks an update payload against the current row. Fields
// whose value is unchanged are dropped, so resubmitting a full record does
// not trip the immutable checks. An empty result means nothing changes.
func validateUpdate(e *metadata.Entity, current, data map[string]any, now time.Time) (map[string]any, error) {
	var details []ErrorDetail
	values := make(map[string]any, len(data)+1)

	for _, name := range sortedKeys(data) {
		f := e.GetField(name)
		if f == nil {
			details = append(details, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("Unknown field: %s", name)})
			continue
		}
		v, detail := checkValue(f, data[name])
		if detail != nil {
			details = append(details, *detail)
			continue
		}
		if sameValue(f, v, current[name]) {
			continue
		}
		switch {
		case e.IsImmutable(name):
			details = append(details, ErrorDetail{Field: name, Rule: "immutable", Message: fmt.Sprintf("Field %s cannot be changed", name)})
			continue
		case f.Readonly || f.IsAuto():
			details = append(details, ErrorDetail{Field: name, Rule: "readonly", Message: fmt.Sprintf("Field %s is read-only", name)})
			continue
		case v == nil && e.IsRequired(name):
			details = append(details, ErrorDetail{Field: name, Rule: "required", Message: fmt.Sprintf("Field %s is required", name)})
			continue
		}
		values[name] = v
	}
	if len(details) > 0 {
		return nil, ValidationError(details)
	}

	if len(values) > 0 {
		for _, f := range e.Fields {
			if f.Auto == "update" {
				values[f.Name] = now.UTC()
			}
		}
	}
	return values, nil
}

func checkValue(f *metadata.Field, raw any) (any, *ErrorDetail) {
	v, err := coerceValue(f, raw)
	if err != nil {
		return nil, &ErrorDetail{Field: f.Name, Rule: "type", Message: fmt.Sprintf("Invalid value for %s: %v", f.Name, err)}
	}
	if !f.AllowsValue(v) {
		return nil, &ErrorDetail{Field: f.Name, Rule: "enum", Message: fmt.Sprintf("Field %s must be one of: %s", f.Name, strings.Join(f.Enum, ", "))}
	}
	return v, nil
}

// sameValue compares a coerced request value with the stored one. Stored
// values arrive in driver form (time.Time, numeric text, 0/1 booleans), so
// both sides are normalized by field type before comparing.
func sameValue(f *metadata.Field, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch f.Type {
	case "timestamp", "date":
		ta, errA := toTime(a)
		tb, errB := toTime(b)
		if errA != nil || errB != nil {
			break
		}
		if f.Type == "date" {
			return ta.Format(time.DateOnly) == tb.Format(time.DateOnly)
		}
		return ta.Equal(tb)
	case "int", "bigint":
		na, errA := toInt64(a)
		nb, errB := toInt64(b)
		if errA == nil && errB == nil {
			return na == nb
		}
	case "decimal":
		na, errA := toFloat64(a)
		nb, errB := toFloat64(storedText(b))
		if errA == nil && errB == nil {
			return na == nb
		}
	case "boolean":
		if n, err := toInt64(b); err == nil {
			b = n != 0
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(storedText(b))
}

// storedText unwraps []byte column values some drivers return for text and
// numeric columns.
func storedText(v any) any {
	if raw, ok := v.([]byte); ok {
		return string(raw)
	}
	return v
}

func joinList(items []string) string {
	return strings.Join(items, ", ")
}

func joinColumns(e *metadata.Entity) string {
	return joinList(e.Columns())
}
