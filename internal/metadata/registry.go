package metadata

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownEntity is returned when an entity key is not registered.
var ErrUnknownEntity = errors.New("unknown entity")

// Registry holds every entity definition. It is built once at startup and is
// read-only afterwards, so lookups need no locking.
type Registry struct {
	entities map[string]*Entity
	byTable  map[string]*Entity
}

// NewRegistry validates all definitions and builds the registry. Any invalid
// or duplicate definition fails the whole load.
func NewRegistry(entities []*Entity) (*Registry, error) {
	r := &Registry{
		entities: make(map[string]*Entity, len(entities)),
		byTable:  make(map[string]*Entity, len(entities)),
	}

	var errs []error
	for _, e := range entities {
		if err := validateEntity(e); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.entities[e.EntityKey]; dup {
			errs = append(errs, fmt.Errorf("duplicate entity_key %q", e.EntityKey))
			continue
		}
		if other, dup := r.byTable[e.TableName]; dup {
			errs = append(errs, fmt.Errorf("table_name %q declared by both %q and %q", e.TableName, other.EntityKey, e.EntityKey))
			continue
		}
		for name, f := range e.Fields {
			f.Name = name
		}
		e.columns = e.buildColumns()
		r.entities[e.EntityKey] = e
		r.byTable[e.TableName] = e
	}

	for _, e := range r.entities {
		for name, f := range e.Fields {
			if f.References != nil {
				if _, ok := r.entities[f.References.Entity]; !ok {
					errs = append(errs, fmt.Errorf("entity %q: field %q references unknown entity %q", e.EntityKey, name, f.References.Entity))
				}
			}
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid entity metadata: %w", errors.Join(errs...))
	}
	return r, nil
}

// Get returns the entity for key, or ErrUnknownEntity.
func (r *Registry) Get(key string) (*Entity, error) {
	e, ok := r.entities[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, key)
	}
	return e, nil
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.entities[key]
	return ok
}

// GetByTable resolves the REST path segment (table name) to an entity.
func (r *Registry) GetByTable(table string) (*Entity, error) {
	e, ok := r.byTable[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, table)
	}
	return e, nil
}

// FindOrdinal returns the entity owning table if field is one of its
// declared ordinal fields.
func (r *Registry) FindOrdinal(table, field string) (*Entity, bool) {
	e, ok := r.byTable[table]
	if !ok || !e.IsOrdinal(field) {
		return nil, false
	}
	return e, true
}

// AllEntities returns all registered entities ordered by key.
func (r *Registry) AllEntities() []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityKey < out[j].EntityKey })
	return out
}

// ValidateCandidate checks a definition that would replace (or join) the
// registered ones, without modifying the registry. References may point at
// registered entities or at the candidate itself.
func (r *Registry) ValidateCandidate(e *Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	if other, ok := r.byTable[e.TableName]; ok && other.EntityKey != e.EntityKey {
		return fmt.Errorf("table_name %q already belongs to %q", e.TableName, other.EntityKey)
	}
	var errs []error
	for name, f := range e.Fields {
		if f.References == nil || f.References.Entity == e.EntityKey {
			continue
		}
		if _, ok := r.entities[f.References.Entity]; !ok {
			errs = append(errs, fmt.Errorf("field %q references unknown entity %q", name, f.References.Entity))
		}
	}
	return errors.Join(errs...)
}
