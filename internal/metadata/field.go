package metadata

// Reference describes a foreign key to another entity.
type Reference struct {
	Entity string `yaml:"entity" json:"entity" validate:"required"`
	Field  string `yaml:"field" json:"field" validate:"required,identifier"`
}

type Field struct {
	Name       string     `yaml:"-" json:"-"`
	Type       string     `yaml:"type" json:"type" validate:"required,oneof=string text int bigint decimal boolean uuid timestamp date json"`
	Required   bool       `yaml:"required,omitempty" json:"required,omitempty"`
	Readonly   bool       `yaml:"readonly,omitempty" json:"readonly,omitempty"`   // never accepted from clients
	Immutable  bool       `yaml:"immutable,omitempty" json:"immutable,omitempty"` // set on create, never changed
	Nullable   bool       `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Enum       []string   `yaml:"enum,omitempty" json:"enum,omitempty"`
	References *Reference `yaml:"references,omitempty" json:"references,omitempty"`
	Auto       string     `yaml:"auto,omitempty" json:"auto,omitempty" validate:"omitempty,oneof=create update"`
}

// IsAuto returns true if the field is auto-managed by the engine.
func (f *Field) IsAuto() bool {
	return f.Auto == "create" || f.Auto == "update"
}

// IsNumeric reports whether the field holds an integer or decimal value.
func (f *Field) IsNumeric() bool {
	switch f.Type {
	case "int", "bigint", "decimal":
		return true
	}
	return false
}

// AllowsValue reports whether v satisfies the field's enum, if any.
func (f *Field) AllowsValue(v any) bool {
	if len(f.Enum) == 0 || v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, e := range f.Enum {
		if e == s {
			return true
		}
	}
	return false
}
