package engine

import (
	"fmt"
	"strings"

	"workorder-backend/internal/metadata"
)

type rowRule struct {
	column         string
	contextKey     string
	bypassPriority int
	bypass         bool
}

// RowCondition restricts Column to equal Value.
type RowCondition struct {
	Column string
	Value  any
}

// RowFilter is the row-level restriction for one caller on one resource.
// The zero value restricts nothing. Conditions are OR-combined: a row is
// visible if any applicable ownership path matches.
type RowFilter struct {
	Conditions []RowCondition
	DenyAll    bool
}

// Unrestricted reports whether the filter adds nothing to a query.
func (f RowFilter) Unrestricted() bool {
	return !f.DenyAll && len(f.Conditions) == 0
}

// Apply ANDs the restriction into q.
func (f RowFilter) Apply(q *Query) {
	if f.DenyAll {
		q.And("1 = 0")
		return
	}
	if len(f.Conditions) == 0 {
		return
	}
	parts := make([]string, len(f.Conditions))
	for i, c := range f.Conditions {
		parts[i] = fmt.Sprintf("%s = %s", c.Column, q.Bind(c.Value))
	}
	if len(parts) == 1 {
		q.And(parts[0])
		return
	}
	q.And("(" + strings.Join(parts, " OR ") + ")")
}

// RLSBuilder derives row-level restrictions from the policy's row_level
// section. It is independent of the Evaluator: an allowed operation may
// still be narrowed to zero rows.
type RLSBuilder struct {
	rules map[string][]rowRule
}

func NewRLSBuilder(p *Policy) (*RLSBuilder, error) {
	prio := make(map[string]int, len(p.Roles))
	for _, r := range p.Roles {
		prio[r.Name] = r.Priority
	}

	b := &RLSBuilder{rules: make(map[string][]rowRule, len(p.RowLevel))}
	for resource, defs := range p.RowLevel {
		for i, d := range defs {
			r := rowRule{column: d.Column, contextKey: d.ContextKey}
			if d.BypassRole != "" {
				bp, ok := prio[d.BypassRole]
				if !ok {
					return nil, fmt.Errorf("row_level.%s[%d]: unknown role %q", resource, i, d.BypassRole)
				}
				r.bypassPriority, r.bypass = bp, true
			}
			b.rules[resource] = append(b.rules[resource], r)
		}
	}
	return b, nil
}

// Build returns the restriction for pc on resource. Rules the caller's
// priority bypasses are skipped; a rule whose context value the caller lacks
// contributes nothing, and if no applicable rule can be satisfied every row
// is hidden.
func (b *RLSBuilder) Build(pc *metadata.PermissionContext, resource string) RowFilter {
	rules := b.rules[resource]
	if len(rules) == 0 {
		return RowFilter{}
	}
	if pc == nil {
		return RowFilter{DenyAll: true}
	}

	var f RowFilter
	applicable := 0
	for _, r := range rules {
		if r.bypass && pc.RolePriority >= r.bypassPriority {
			// one bypassed ownership path means full visibility
			return RowFilter{}
		}
		applicable++
		v, ok := pc.Value(r.contextKey)
		if !ok {
			continue
		}
		f.Conditions = append(f.Conditions, RowCondition{Column: r.column, Value: v})
	}
	if applicable > 0 && len(f.Conditions) == 0 {
		return RowFilter{DenyAll: true}
	}
	return f
}
