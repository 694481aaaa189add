package audit

import (
	"strings"

	"workorder-backend/internal/metadata"
)

// Context carries per-request audit data. It is built by the transport
// layer and consumed by the Bridge; it is never persisted on its own.
type Context struct {
	UserID    string
	IPAddress string
	UserAgent string
	OldValues map[string]any
	NewValues map[string]any
}

// WithValues returns a copy of c carrying the given before/after images.
// A nil receiver yields nil so a missing context stays missing.
func (c *Context) WithValues(oldValues, newValues map[string]any) *Context {
	if c == nil {
		return nil
	}
	cp := *c
	cp.OldValues = oldValues
	cp.NewValues = newValues
	return &cp
}

// Request is the part of an inbound request the audit helpers read.
type Request interface {
	Header(name string) string
	RemoteIP() string
	Principal() *metadata.PermissionContext
}

// BuildAuditContext extracts caller identity and client details from r.
// A nil request yields a context holding only the given values.
func BuildAuditContext(r Request, oldValues, newValues map[string]any) *Context {
	ac := &Context{OldValues: oldValues, NewValues: newValues}
	if r == nil {
		return ac
	}
	if p := r.Principal(); p != nil {
		ac.UserID = p.UserID
	}
	ac.IPAddress = GetClientIP(r)
	ac.UserAgent = GetUserAgent(r)
	return ac
}

// GetClientIP prefers the first X-Forwarded-For entry, then the direct
// connection address. Empty means unknown.
func GetClientIP(r Request) string {
	if r == nil {
		return ""
	}
	if fwd := r.Header("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return r.RemoteIP()
}

func GetUserAgent(r Request) string {
	if r == nil {
		return ""
	}
	return r.Header("User-Agent")
}
