package metadata

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the "identifier" tag registered.
// Identifiers are the only metadata strings ever placed into SQL text.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return IsIdentifier(fl.Field().String())
		})
	})
	return validate
}

// IsIdentifier reports whether s is a safe lower-case SQL identifier.
func IsIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

// ValidatePermissionContext checks that the caller identity is complete.
func ValidatePermissionContext(pc *PermissionContext) error {
	if pc == nil {
		return errors.New("permission context is required")
	}
	return Validator().Struct(pc)
}

// validateEntity runs struct-tag validation and the cross-field checks the
// tags cannot express. All problems are reported together.
func validateEntity(e *Entity) error {
	if e == nil {
		return errors.New("nil entity definition")
	}

	var errs []error
	if err := Validator().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	for name, f := range e.Fields {
		if !IsIdentifier(name) {
			errs = append(errs, fmt.Errorf("field name %q is not a valid identifier", name))
		}
		if f == nil {
			errs = append(errs, fmt.Errorf("field %q has no definition", name))
		}
	}

	if e.PrimaryKey != "" && !e.HasField(e.PrimaryKey) {
		errs = append(errs, fmt.Errorf("primary_key %q is not a declared field", e.PrimaryKey))
	}
	for label, name := range map[string]string{"identity_field": e.IdentityField, "display_field": e.DisplayField} {
		if name != "" && !e.HasField(name) {
			errs = append(errs, fmt.Errorf("%s %q is not a declared field", label, name))
		}
	}

	lists := []struct {
		label string
		names []string
	}{
		{"searchable_fields", e.SearchableFields},
		{"filterable_fields", e.FilterableFields},
		{"sortable_fields", e.SortableFields},
		{"required_fields", e.RequiredFields},
		{"immutable_fields", e.ImmutableFields},
		{"output_fields", e.OutputFields},
		{"ordinal_fields", e.OrdinalFields},
	}
	for _, l := range lists {
		for _, name := range l.names {
			if !e.HasField(name) {
				errs = append(errs, fmt.Errorf("%s references undeclared field %q", l.label, name))
			}
		}
	}
	for _, name := range e.OrdinalFields {
		if f := e.GetField(name); f != nil && !f.IsNumeric() {
			errs = append(errs, fmt.Errorf("ordinal field %q must be numeric", name))
		}
	}
	for _, name := range e.SensitiveFields {
		if !IsIdentifier(name) {
			errs = append(errs, fmt.Errorf("sensitive_fields entry %q is not a valid identifier", name))
		}
	}

	if e.DefaultSort != nil && e.DefaultSort.Field != "" && !e.HasField(e.DefaultSort.Field) {
		errs = append(errs, fmt.Errorf("default_sort references undeclared field %q", e.DefaultSort.Field))
	}

	if len(e.SystemProtectedValues) > 0 && e.ProtectedField() == "" {
		errs = append(errs, errors.New("system_protected_values requires identity_field or display_field"))
	}

	for i, d := range e.Dependents {
		switch d.Kind {
		case DependentForeignKey:
			if d.TypeColumn != "" || d.TypeValue != "" {
				errs = append(errs, fmt.Errorf("dependents[%d]: foreign_key dependent must not set type_column/type_value", i))
			}
		case DependentPolymorphic:
			// type_column/type_value enforced by tags
		default:
			errs = append(errs, fmt.Errorf("dependents[%d]: unknown kind %q", i, d.Kind))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("entity %q: %w", e.EntityKey, errors.Join(errs...))
}
