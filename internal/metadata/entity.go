package metadata

import (
	"fmt"
	"slices"
	"sort"
)

type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

type SortSpec struct {
	Field string    `yaml:"field" json:"field" validate:"required,identifier"`
	Order SortOrder `yaml:"order" json:"order" validate:"omitempty,oneof=ASC DESC"`
}

// DependentKind selects the cascade-delete strategy for a dependent table.
type DependentKind string

const (
	DependentForeignKey  DependentKind = "foreign_key"
	DependentPolymorphic DependentKind = "polymorphic"
)

// Dependent is a table whose rows are removed before the parent row.
// Polymorphic dependents share one table across parent types and are
// narrowed by TypeColumn = TypeValue.
type Dependent struct {
	Kind       DependentKind `yaml:"kind" json:"kind" validate:"required,oneof=foreign_key polymorphic"`
	Table      string        `yaml:"table" json:"table" validate:"required,identifier"`
	ForeignKey string        `yaml:"foreign_key" json:"foreign_key" validate:"required,identifier"`
	TypeColumn string        `yaml:"type_column,omitempty" json:"type_column,omitempty" validate:"required_if=Kind polymorphic,omitempty,identifier"`
	TypeValue  string        `yaml:"type_value,omitempty" json:"type_value,omitempty" validate:"required_if=Kind polymorphic"`
}

// DeleteGuard blocks deletion while rows in Table still reference the parent.
type DeleteGuard struct {
	Table      string `yaml:"table" json:"table" validate:"required,identifier"`
	ForeignKey string `yaml:"foreign_key" json:"foreign_key" validate:"required,identifier"`
	Message    string `yaml:"message,omitempty" json:"message,omitempty"`
}

type Entity struct {
	EntityKey     string            `yaml:"entity_key" json:"entity_key" validate:"required,identifier"`
	TableName     string            `yaml:"table_name" json:"table_name" validate:"required,identifier"`
	PrimaryKey    string            `yaml:"primary_key" json:"primary_key" validate:"required,identifier"`
	IdentityField string            `yaml:"identity_field,omitempty" json:"identity_field,omitempty" validate:"omitempty,identifier"`
	DisplayField  string            `yaml:"display_field,omitempty" json:"display_field,omitempty" validate:"omitempty,identifier"`
	RLSResource   string            `yaml:"rls_resource" json:"rls_resource" validate:"required,identifier"`
	Fields        map[string]*Field `yaml:"fields" json:"fields" validate:"required,min=1,dive"`

	SearchableFields []string  `yaml:"searchable_fields,omitempty" json:"searchable_fields,omitempty"`
	FilterableFields []string  `yaml:"filterable_fields,omitempty" json:"filterable_fields,omitempty"`
	SortableFields   []string  `yaml:"sortable_fields,omitempty" json:"sortable_fields,omitempty"`
	RequiredFields   []string  `yaml:"required_fields,omitempty" json:"required_fields,omitempty"`
	ImmutableFields  []string  `yaml:"immutable_fields,omitempty" json:"immutable_fields,omitempty"`
	SensitiveFields  []string  `yaml:"sensitive_fields,omitempty" json:"sensitive_fields,omitempty"`
	OutputFields     []string  `yaml:"output_fields,omitempty" json:"output_fields,omitempty"`
	OrdinalFields    []string  `yaml:"ordinal_fields,omitempty" json:"ordinal_fields,omitempty"`
	DefaultSort      *SortSpec `yaml:"default_sort,omitempty" json:"default_sort,omitempty"`

	Dependents            []Dependent   `yaml:"dependents,omitempty" json:"dependents,omitempty" validate:"dive"`
	DeleteGuards          []DeleteGuard `yaml:"delete_guards,omitempty" json:"delete_guards,omitempty" validate:"dive"`
	AuditEnabled          *bool         `yaml:"audit_enabled,omitempty" json:"audit_enabled,omitempty"`
	SystemProtectedValues []string      `yaml:"system_protected_values,omitempty" json:"system_protected_values,omitempty"`

	columns []string
}

// GetField returns the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	return e.Fields[name]
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	_, ok := e.Fields[name]
	return ok
}

// Columns returns the primary key followed by every other field in name order.
func (e *Entity) Columns() []string {
	if e.columns != nil {
		return e.columns
	}
	return e.buildColumns()
}

func (e *Entity) buildColumns() []string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		if name != e.PrimaryKey {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{e.PrimaryKey}, names...)
}

func (e *Entity) IsSearchable(name string) bool { return slices.Contains(e.SearchableFields, name) }
func (e *Entity) IsFilterable(name string) bool { return slices.Contains(e.FilterableFields, name) }
func (e *Entity) IsSortable(name string) bool   { return slices.Contains(e.SortableFields, name) }
func (e *Entity) IsOrdinal(name string) bool    { return slices.Contains(e.OrdinalFields, name) }

// IsRequired reports whether a field must be present on create, either via
// the required_fields whitelist or the field's own flag.
func (e *Entity) IsRequired(name string) bool {
	if slices.Contains(e.RequiredFields, name) {
		return true
	}
	f := e.Fields[name]
	return f != nil && f.Required
}

// IsImmutable reports whether a field may not change after create.
func (e *Entity) IsImmutable(name string) bool {
	if name == e.PrimaryKey || slices.Contains(e.ImmutableFields, name) {
		return true
	}
	f := e.Fields[name]
	return f != nil && f.Immutable
}

// Auditable reports whether mutations on this entity produce audit records.
// Defaults to true.
func (e *Entity) Auditable() bool {
	return e.AuditEnabled == nil || *e.AuditEnabled
}

// IsProtectedValue reports whether v is one of the system-protected identity values.
func (e *Entity) IsProtectedValue(v any) bool {
	if v == nil || len(e.SystemProtectedValues) == 0 {
		return false
	}
	return slices.Contains(e.SystemProtectedValues, fmt.Sprint(v))
}

// ProtectedField is the column compared against SystemProtectedValues:
// the identity field when declared, otherwise the display field.
func (e *Entity) ProtectedField() string {
	if e.IdentityField != "" {
		return e.IdentityField
	}
	return e.DisplayField
}

// Sort returns the entity's default ordering, falling back to the primary key.
func (e *Entity) Sort() SortSpec {
	if e.DefaultSort != nil {
		s := *e.DefaultSort
		if s.Order == "" {
			s.Order = SortAsc
		}
		return s
	}
	return SortSpec{Field: e.PrimaryKey, Order: SortAsc}
}
