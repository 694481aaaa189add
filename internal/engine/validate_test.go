package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder-backend/internal/metadata"
)

func jsonRoundTrip(t *testing.T, row map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestValidateUpdate_ResubmittedRecordIsUnchanged(t *testing.T) {
	e := workOrderEntity()
	// driver forms: time.Time for timestamps, numeric text for decimals
	current := map[string]any{
		"id":            int64(2),
		"title":         "Boiler leak",
		"status":        "assigned",
		"priority":      int64(5),
		"customer_id":   int64(1),
		"technician_id": nil,
		"total":         "480.00",
		"created_at":    time.Date(2026, 1, 1, 8, 30, 0, 0, time.UTC),
	}

	values, err := validateUpdate(e, current, jsonRoundTrip(t, current), time.Now())
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestValidateUpdate_ChangedTimestampIsReadOnly(t *testing.T) {
	e := workOrderEntity()
	current := map[string]any{"created_at": time.Date(2026, 1, 1, 8, 30, 0, 0, time.UTC)}

	_, err := validateUpdate(e, current, map[string]any{"created_at": "2026-01-02T08:30:00Z"}, time.Now())
	require.ErrorIs(t, err, ErrValidation)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Details, 1)
	assert.Equal(t, "readonly", appErr.Details[0].Rule)
}

func TestSameValue_NormalizesStoredForms(t *testing.T) {
	field := func(typ string) *metadata.Field { return &metadata.Field{Name: "f", Type: typ} }
	ts := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		typ    string
		in     any
		stored any
		want   bool
	}{
		{"timestamp vs sqlite text", "timestamp", ts, "2026-03-04 10:00:00+00:00", true},
		{"timestamp other zone", "timestamp", ts, ts.In(time.FixedZone("x", 3600)), true},
		{"timestamp differs", "timestamp", ts, ts.Add(time.Second), false},
		{"date vs midnight time", "date", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), true},
		{"decimal vs numeric text", "decimal", 12.5, "12.50", true},
		{"decimal vs bytes", "decimal", 12.5, []byte("12.5"), true},
		{"decimal differs", "decimal", 12.5, "12.51", false},
		{"int vs float", "int", int64(3), float64(3), true},
		{"boolean vs sqlite int", "boolean", true, int64(1), true},
		{"boolean false vs sqlite int", "boolean", false, int64(1), false},
		{"string", "string", "a", "a", true},
		{"nil vs value", "string", nil, "a", false},
		{"nil vs nil", "string", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameValue(field(tt.typ), tt.in, tt.stored))
		})
	}
}

func TestCoerceValue_Timestamps(t *testing.T) {
	f := &metadata.Field{Name: "scheduled_for", Type: "timestamp"}

	v, err := coerceValue(f, "2026-05-01T09:00:00+02:00")
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC).Equal(v.(time.Time)))

	v, err = coerceValue(&metadata.Field{Name: "issued_on", Type: "date"}, "2026-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), v)

	_, err = coerceValue(f, "next tuesday")
	assert.Error(t, err)
	_, err = coerceValue(f, 42)
	assert.Error(t, err)
}
