package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks requests rejected before any storage access:
	// missing tenant context, unknown tables, malformed policy.
	ErrConfiguration = errors.New("configuration error")

	// ErrIsolationViolation marks operations that would cross a tenant
	// boundary. Nothing is persisted for a violating call.
	ErrIsolationViolation = errors.New("isolation violation")

	// ErrAccessDenied marks operations rejected by table role restrictions.
	ErrAccessDenied = errors.New("access denied")

	// ErrExecution wraps storage failures. Not a security decision on its
	// own; repeated occurrence is a monitoring signal.
	ErrExecution = errors.New("execution error")

	ErrNotFound       = errors.New("not found")
	ErrTenantRequired = errors.New("tenant id required")
	ErrTenantUnknown  = errors.New("unknown tenant")
	ErrTenantInactive = errors.New("tenant inactive")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrInvalidColumn  = errors.New("invalid column name")
)

// ConfigError describes a request that failed closed before storage access.
type ConfigError struct {
	Table  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: table %q: %s", e.Table, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// ViolationError describes an attempted cross-tenant read or mutation.
type ViolationError struct {
	Table  string
	Op     Operation
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("isolation violation: %s on %q: %s", e.Op, e.Table, e.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrIsolationViolation }

// DeniedError describes a role that lacks permission on a restricted table.
type DeniedError struct {
	Table string
	Role  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: role %q may not write %q", e.Role, e.Table)
}

func (e *DeniedError) Unwrap() error { return ErrAccessDenied }

// ExecError wraps an underlying storage failure so callers can distinguish
// it from enforcement decisions with errors.Is(err, ErrExecution).
type ExecError struct {
	Table string
	Op    Operation
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execution error: %s on %q: %v", e.Op, e.Table, e.Err)
}

func (e *ExecError) Unwrap() error { return ErrExecution }
