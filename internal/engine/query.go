package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"workorder-backend/internal/config"
	"workorder-backend/internal/metadata"
	"workorder-backend/internal/store"
)

type FilterOperator string

const (
	OpEq  FilterOperator = "eq"
	OpGt  FilterOperator = "gt"
	OpGte FilterOperator = "gte"
	OpLt  FilterOperator = "lt"
	OpLte FilterOperator = "lte"
	OpIn  FilterOperator = "in"
	OpNot FilterOperator = "not"
)

var comparisonSQL = map[FilterOperator]string{
	OpEq:  "=",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

type Filter struct {
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// QuerySpec is the caller's search/filter/sort/pagination request.
type QuerySpec struct {
	Search    string             `json:"search,omitempty"`
	Filters   map[string]Filter  `json:"filters,omitempty"`
	SortBy    string             `json:"sort_by,omitempty"`
	SortOrder metadata.SortOrder `json:"sort_order,omitempty"`
	Page      int                `json:"page,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// Query is a parameterized query descriptor. Where fragments reference
// placeholders owned by the query's param builder, so fragments added later
// (row-level rules, primary key lookups) keep numbering consistent.
type Query struct {
	Where   []string
	OrderBy string
	Limit   int
	Offset  int

	dialect store.Dialect
	pb      store.ParamBuilder
}

func NewQuery(d store.Dialect) *Query {
	return &Query{dialect: d, pb: d.NewParamBuilder()}
}

// Bind adds a parameter and returns its placeholder.
func (q *Query) Bind(v any) string {
	return q.pb.Add(v)
}

// And appends a WHERE fragment.
func (q *Query) And(fragment string) {
	q.Where = append(q.Where, fragment)
}

// Params returns the bound values for the WHERE clause, in placeholder order.
func (q *Query) Params() []any {
	return q.pb.Params()
}

func (q *Query) whereSQL() string {
	if len(q.Where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.Where, " AND ")
}

// SelectSQL renders the full SELECT. Limit and offset are bound after the
// WHERE params; a zero limit renders no LIMIT clause.
func (q *Query) SelectSQL(entity *metadata.Entity) (string, []any) {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(entity.Columns(), ", "), entity.TableName, q.whereSQL())
	if q.OrderBy != "" {
		sql += " ORDER BY " + q.OrderBy
	}

	params := append([]any(nil), q.Params()...)
	if q.Limit > 0 {
		n := len(params)
		sql += fmt.Sprintf(" LIMIT %s OFFSET %s", q.dialect.Placeholder(n+1), q.dialect.Placeholder(n+2))
		params = append(params, q.Limit, q.Offset)
	}
	return sql, params
}

// CountSQL renders a COUNT over the same WHERE clause.
func (q *Query) CountSQL(entity *metadata.Entity) (string, []any) {
	return fmt.Sprintf("SELECT COUNT(*) AS total FROM %s%s", entity.TableName, q.whereSQL()), q.Params()
}

// BuildQuery turns a QuerySpec into a Query using only the entity's
// whitelisted fields. Identifiers in the SQL text are metadata names that
// passed identifier validation at load; every request value is bound.
func BuildQuery(entity *metadata.Entity, spec QuerySpec, d store.Dialect, limits config.QueryConfig) (*Query, error) {
	q := NewQuery(d)

	if term := strings.TrimSpace(spec.Search); term != "" && len(entity.SearchableFields) > 0 {
		parts := make([]string, len(entity.SearchableFields))
		for i, field := range entity.SearchableFields {
			parts[i] = d.ILikeExpr(field, q.Bind("%"+likeEscaper.Replace(term)+"%"))
		}
		q.And("(" + strings.Join(parts, " OR ") + ")")
	}

	var details []ErrorDetail
	for _, field := range sortedKeys(spec.Filters) {
		clause, detail := buildFilter(entity, q, field, spec.Filters[field])
		if detail != nil {
			details = append(details, *detail)
			continue
		}
		q.And(clause)
	}
	if len(details) > 0 {
		return nil, ValidationError(details)
	}

	orderBy, err := buildOrderBy(entity, spec)
	if err != nil {
		return nil, err
	}
	q.OrderBy = orderBy

	q.Limit, q.Offset = paginate(spec.Page, spec.Limit, limits)
	return q, nil
}

func buildFilter(entity *metadata.Entity, q *Query, field string, f Filter) (string, *ErrorDetail) {
	if !entity.IsFilterable(field) {
		return "", &ErrorDetail{Field: field, Rule: "filterable", Message: fmt.Sprintf("Field %s is not filterable", field)}
	}
	def := entity.GetField(field)
	op := f.Operator
	if op == "" {
		op = OpEq
	}

	if sqlOp, ok := comparisonSQL[op]; ok {
		v, err := coerceValue(def, f.Value)
		if err != nil {
			return "", &ErrorDetail{Field: field, Rule: "type", Message: err.Error()}
		}
		if v == nil {
			if op == OpEq {
				return field + " IS NULL", nil
			}
			return "", &ErrorDetail{Field: field, Rule: "type", Message: fmt.Sprintf("Operator %s requires a value", op)}
		}
		return fmt.Sprintf("%s %s %s", field, sqlOp, q.Bind(v)), nil
	}

	switch op {
	case OpIn:
		list, ok := asList(f.Value)
		if !ok {
			return "", &ErrorDetail{Field: field, Rule: "operator", Message: "Operator in requires an array value"}
		}
		values, err := coerceList(def, list)
		if err != nil {
			return "", &ErrorDetail{Field: field, Rule: "type", Message: err.Error()}
		}
		return store.InExpr(field, q.pb, values), nil
	case OpNot:
		if list, ok := asList(f.Value); ok {
			values, err := coerceList(def, list)
			if err != nil {
				return "", &ErrorDetail{Field: field, Rule: "type", Message: err.Error()}
			}
			return store.NotInExpr(field, q.pb, values), nil
		}
		v, err := coerceValue(def, f.Value)
		if err != nil {
			return "", &ErrorDetail{Field: field, Rule: "type", Message: err.Error()}
		}
		if v == nil {
			return field + " IS NOT NULL", nil
		}
		return fmt.Sprintf("%s <> %s", field, q.Bind(v)), nil
	}

	return "", &ErrorDetail{Field: field, Rule: "operator", Message: fmt.Sprintf("Unsupported operator: %s", op)}
}

func buildOrderBy(entity *metadata.Entity, spec QuerySpec) (string, error) {
	order, err := normalizeSortOrder(spec.SortOrder)
	if err != nil {
		return "", err
	}

	var by metadata.SortSpec
	if spec.SortBy == "" {
		by = entity.Sort()
		if spec.SortOrder != "" {
			by.Order = order
		}
	} else {
		if !entity.IsSortable(spec.SortBy) {
			return "", fieldError(spec.SortBy, "sortable", "Field %s is not sortable", spec.SortBy)
		}
		by = metadata.SortSpec{Field: spec.SortBy, Order: order}
	}

	orderBy := fmt.Sprintf("%s %s", by.Field, by.Order)
	if by.Field != entity.PrimaryKey {
		// stable pages when the sort column has duplicates
		orderBy += fmt.Sprintf(", %s ASC", entity.PrimaryKey)
	}
	return orderBy, nil
}

func normalizeSortOrder(o metadata.SortOrder) (metadata.SortOrder, error) {
	switch strings.ToUpper(string(o)) {
	case "", "ASC":
		return metadata.SortAsc, nil
	case "DESC":
		return metadata.SortDesc, nil
	}
	return "", fieldError("sort_order", "oneof", "Sort order must be ASC or DESC, got %q", o)
}

// likeEscaper makes search input match literally inside a LIKE pattern.
// Dialects declare backslash as the ESCAPE character.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// maxOffset keeps OFFSET inside a 32-bit range for any page number.
const maxOffset = math.MaxInt32

// paginate normalizes page and limit and computes the offset.
func paginate(page, limit int, limits config.QueryConfig) (int, int) {
	maxLimit := limits.MaxLimit
	if maxLimit < 1 {
		maxLimit = 100
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = limits.DefaultLimit
		if limit <= 0 {
			limit = 25
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if page-1 > maxOffset/limit {
		page = maxOffset/limit + 1
	}
	return limit, (page - 1) * limit
}

// PageFromOffset recovers the 1-based page number for list responses.
func PageFromOffset(limit, offset int) int {
	if limit <= 0 {
		return 1
	}
	return offset/limit + 1
}

// asList accepts any slice or array value, such as []any decoded from JSON
// or []string parsed from a query string.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false // []byte is a scalar
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func coerceList(field *metadata.Field, list []any) ([]any, error) {
	out := make([]any, len(list))
	for i, item := range list {
		v, err := coerceValue(field, item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// coerceValue converts request values (query-string text or decoded JSON) to
// the Go type matching the field's declared type.
func coerceValue(field *metadata.Field, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch field.Type {
	case "int", "bigint":
		return toInt64(val)
	case "decimal":
		return toFloat64(val)
	case "boolean":
		switch b := val.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
		return nil, fmt.Errorf("expected boolean, got %T", val)
	case "timestamp", "date":
		return toTime(val)
	case "json":
		return val, nil
	default:
		switch s := val.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
		if _, isMap := val.(map[string]any); isMap {
			return nil, fmt.Errorf("expected scalar value, got object")
		}
		if _, isList := asList(val); isList {
			return nil, fmt.Errorf("expected scalar value, got array")
		}
		return val, nil
	}
}

func toInt64(val any) (int64, error) {
	switch n := val.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", val)
}

func toFloat64(val any) (float64, error) {
	switch n := val.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", val)
}

// timeLayouts are tried in order when parsing timestamp and date text,
// covering RFC3339 from JSON clients and the text forms SQLite stores.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func toTime(val any) (time.Time, error) {
	switch t := val.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("expected timestamp, got %q", t)
	}
	return time.Time{}, fmt.Errorf("expected timestamp, got %T", val)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
