// Package request defines the immutable tool request consumed by every
// gateway component, plus the optional caller-supplied security context.
package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/toolgate/toolgate/internal/types"
)

// ToolRequest describes one attempted tool invocation. It is created by the
// calling agent layer and read-only to every gateway component.
type ToolRequest struct {
	RequestID  string          `json:"request_id"`
	ToolName   string          `json:"tool_name"`
	Operation  types.Operation `json:"operation"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	TargetPath string          `json:"target_path,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// New builds a ToolRequest with a fresh request id and timestamp.
func New(toolName string, op types.Operation) ToolRequest {
	return ToolRequest{
		RequestID: uuid.NewString(),
		ToolName:  toolName,
		Operation: op,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks structural validity. Content-level threat checks belong to
// the security package; this only rejects requests that are malformed.
func (r *ToolRequest) Validate() error {
	if r.RequestID == "" {
		return errors.New("request id is required")
	}
	if r.ToolName == "" {
		return errors.New("tool name is required")
	}
	if !r.Operation.Valid() {
		return fmt.Errorf("invalid operation: %q", r.Operation)
	}
	return nil
}

// Parameter returns the string form of a parameter value, or "" if absent.
func (r *ToolRequest) Parameter(key string) string {
	v, ok := r.Parameters[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// AuthLevel describes how strongly the caller is authenticated.
type AuthLevel string

const (
	AuthNone     AuthLevel = "none"
	AuthBasic    AuthLevel = "basic"
	AuthVerified AuthLevel = "verified"
	AuthAdmin    AuthLevel = "admin"
)

// SecurityContext carries caller identity supplied alongside a request.
// Absence of a context is meaningful: policies may require one.
type SecurityContext struct {
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	AuthLevel   AuthLevel `json:"auth_level,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
}

// HasPermission reports whether the context grants the named permission.
func (c *SecurityContext) HasPermission(name string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Permissions {
		if p == name {
			return true
		}
	}
	return false
}
