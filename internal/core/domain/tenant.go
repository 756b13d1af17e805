package domain

import (
	"regexp"
	"time"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// Tenant is one housing cooperative as known to the tenant directory.
type Tenant struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// TenantContext carries the validated identity a call executes under. It is
// immutable for the lifetime of the call; every guarded operation derives its
// tenant predicate from TenantID and nothing else.
type TenantContext struct {
	TenantID    string
	ActorID     string
	ActorRole   string
	ClientIP    string
	ClientAgent string
}

func (c TenantContext) Validate() error {
	if c.TenantID == "" {
		return ErrTenantRequired
	}
	if !tenantIDPattern.MatchString(c.TenantID) {
		return &ConfigError{Reason: "tenant id contains invalid characters"}
	}
	return nil
}

// Alert is the payload handed to the notification collaborator when the
// continuous monitor detects a failure.
type Alert struct {
	TenantID string    `json:"tenant_id"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Evidence string    `json:"evidence"`
	RaisedAt time.Time `json:"raised_at"`
}
