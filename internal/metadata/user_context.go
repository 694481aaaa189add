package metadata

// Operation is one of the four CRUD verbs the permission matrix is keyed by.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpRead, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PermissionContext represents the authenticated caller, set by auth
// middleware. Resource and Operation are filled in by the engine per call.
type PermissionContext struct {
	UserID       string         `json:"user_id" validate:"required"`
	Role         string         `json:"role" validate:"required"`
	RolePriority int            `json:"role_priority" validate:"gte=0"`
	Resource     string         `json:"resource,omitempty"`
	Operation    Operation      `json:"operation,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"` // e.g. technician_id
}

// For returns a copy of the context scoped to a resource and operation.
func (pc PermissionContext) For(resource string, op Operation) PermissionContext {
	pc.Resource = resource
	pc.Operation = op
	return pc
}

// Value resolves a context key used by row-level rules. "user_id" and
// "role" map to the caller's identity; anything else is looked up in
// Attributes.
func (pc *PermissionContext) Value(key string) (any, bool) {
	switch key {
	case "user_id":
		return pc.UserID, pc.UserID != ""
	case "role":
		return pc.Role, pc.Role != ""
	}
	v, ok := pc.Attributes[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
