package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"workorder-backend/internal/metadata"
	"workorder-backend/internal/metrics"
)

// Policy is the permission matrix file: the role hierarchy, per-resource
// operation rules and row-level rules.
type Policy struct {
	Roles    []RoleDef                                 `yaml:"roles" validate:"required,min=1,dive"`
	Rules    map[string]map[metadata.Operation]RuleDef `yaml:"rules"`
	RowLevel map[string][]RowRuleDef                   `yaml:"row_level"`
}

type RoleDef struct {
	Name     string `yaml:"name" validate:"required,identifier"`
	Priority int    `yaml:"priority" validate:"gte=0"`
}

// RuleDef requires a minimum role, a predicate, or both.
type RuleDef struct {
	MinRole   string `yaml:"min_role,omitempty"`
	Predicate string `yaml:"predicate,omitempty"`
}

type RowRuleDef struct {
	Column     string `yaml:"column" validate:"required,identifier"`
	ContextKey string `yaml:"context_key" validate:"required"`
	BypassRole string `yaml:"bypass_role,omitempty"`
}

// LoadPolicyFile reads and validates the permission matrix.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func ParsePolicy(data []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	if err := metadata.Validator().Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid permissions: %w", err)
	}

	seen := make(map[string]bool, len(p.Roles))
	for _, r := range p.Roles {
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate role %q", r.Name)
		}
		seen[r.Name] = true
	}

	var errs []error
	for resource, ops := range p.Rules {
		for op, rule := range ops {
			if !op.Valid() {
				errs = append(errs, fmt.Errorf("rules.%s: unknown operation %q", resource, op))
			}
			if rule.MinRole == "" && rule.Predicate == "" {
				errs = append(errs, fmt.Errorf("rules.%s.%s: min_role or predicate is required", resource, op))
			}
			if rule.MinRole != "" && !seen[rule.MinRole] {
				errs = append(errs, fmt.Errorf("rules.%s.%s: unknown role %q", resource, op, rule.MinRole))
			}
		}
	}
	for resource, rules := range p.RowLevel {
		for i, rule := range rules {
			if err := metadata.Validator().Struct(rule); err != nil {
				errs = append(errs, fmt.Errorf("row_level.%s[%d]: %w", resource, i, err))
			}
			if rule.BypassRole != "" && !seen[rule.BypassRole] {
				errs = append(errs, fmt.Errorf("row_level.%s[%d]: unknown role %q", resource, i, rule.BypassRole))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &p, nil
}

// Decision is the outcome of CanPerform. MinimumRole is set on denials
// caused by role priority so callers can explain what access is needed.
type Decision struct {
	Allowed         bool
	Reason          string
	MinimumRole     string
	MinimumPriority int
}

type requirement struct {
	minRole     string
	minPriority int
	hasMin      bool
	predicate   *vm.Program
}

// Evaluator answers whether a role may perform an operation on a resource.
// It is built once from a Policy and never mutated, so it is safe for
// concurrent use.
type Evaluator struct {
	roles   []RoleDef // ascending priority
	byName  map[string]int
	rules   map[string]map[metadata.Operation]requirement
	metrics *metrics.Metrics
}

// predicateEnv is the shape predicates are compiled against.
var predicateEnv = map[string]any{
	"user_id":    "",
	"role":       "",
	"priority":   0,
	"resource":   "",
	"operation":  "",
	"attributes": map[string]any{},
}

func NewEvaluator(p *Policy, m *metrics.Metrics) (*Evaluator, error) {
	e := &Evaluator{
		roles:   append([]RoleDef(nil), p.Roles...),
		byName:  make(map[string]int, len(p.Roles)),
		rules:   make(map[string]map[metadata.Operation]requirement, len(p.Rules)),
		metrics: m,
	}
	sort.SliceStable(e.roles, func(i, j int) bool { return e.roles[i].Priority < e.roles[j].Priority })
	for _, r := range e.roles {
		e.byName[r.Name] = r.Priority
	}

	for resource, ops := range p.Rules {
		reqs := make(map[metadata.Operation]requirement, len(ops))
		for op, rule := range ops {
			var req requirement
			if rule.MinRole != "" {
				prio, ok := e.byName[rule.MinRole]
				if !ok {
					return nil, fmt.Errorf("rules.%s.%s: unknown role %q", resource, op, rule.MinRole)
				}
				req.minRole, req.minPriority, req.hasMin = rule.MinRole, prio, true
			}
			if rule.Predicate != "" {
				prog, err := expr.Compile(rule.Predicate, expr.Env(predicateEnv), expr.AsBool())
				if err != nil {
					return nil, fmt.Errorf("rules.%s.%s: compile predicate: %w", resource, op, err)
				}
				req.predicate = prog
			}
			reqs[op] = req
		}
		e.rules[resource] = reqs
	}
	return e, nil
}

// RolePriority resolves a role name from the hierarchy.
func (e *Evaluator) RolePriority(role string) (int, bool) {
	p, ok := e.byName[role]
	return p, ok
}

// lowestRoleAtLeast names the least privileged role that satisfies priority.
func (e *Evaluator) lowestRoleAtLeast(priority int) string {
	for _, r := range e.roles {
		if r.Priority >= priority {
			return r.Name
		}
	}
	return ""
}

// CanPerform evaluates pc.Resource / pc.Operation. Unknown pairs are denied.
func (e *Evaluator) CanPerform(pc metadata.PermissionContext) Decision {
	d := e.decide(pc)
	e.metrics.ObservePermission(pc.Resource, string(pc.Operation), d.Allowed)
	return d
}

func (e *Evaluator) decide(pc metadata.PermissionContext) Decision {
	req, ok := e.rules[pc.Resource][pc.Operation]
	if !ok {
		return Decision{Reason: fmt.Sprintf("No permission rule for %s on %s", pc.Operation, pc.Resource)}
	}

	if req.hasMin && pc.RolePriority < req.minPriority {
		return Decision{
			Reason:          fmt.Sprintf("Role %s cannot %s %s; requires %s or higher", pc.Role, pc.Operation, pc.Resource, req.minRole),
			MinimumRole:     e.lowestRoleAtLeast(req.minPriority),
			MinimumPriority: req.minPriority,
		}
	}

	if req.predicate != nil {
		attrs := pc.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		env := map[string]any{
			"user_id":    pc.UserID,
			"role":       pc.Role,
			"priority":   pc.RolePriority,
			"resource":   pc.Resource,
			"operation":  string(pc.Operation),
			"attributes": attrs,
		}
		out, err := expr.Run(req.predicate, env)
		if err != nil {
			return Decision{Reason: fmt.Sprintf("Permission rule for %s on %s could not be evaluated", pc.Operation, pc.Resource)}
		}
		if allowed, _ := out.(bool); !allowed {
			return Decision{Reason: fmt.Sprintf("Permission denied for %s on %s", pc.Operation, pc.Resource)}
		}
	}

	return Decision{Allowed: true, MinimumRole: req.minRole, MinimumPriority: req.minPriority}
}
