// Package tenants models the isolation boundary that owns scripts, secrets,
// and users, and carries the rate/quota/capability policy the rest of the
// broker enforces against.
package tenants

import "time"

// Status represents the current lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is the identity boundary for scripts, secrets, and users.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	// RateLimit is the number of execution starts permitted per rolling
	// 60-second window (spec §4.3 check 3).
	RateLimit int `json:"rate_limit"`
	// APIQuota is the number of execution starts permitted per calendar
	// month (spec §4.3 check 4).
	APIQuota int `json:"api_quota"`
	// Grants lists the capability namespaces this tenant's scripts may
	// request (e.g. "database.access", "http.access", "events.dispatch").
	Grants []string `json:"grants"`

	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
}

// IsActive reports whether the tenant may currently have scripts admitted.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// HasGrant reports whether the tenant has been granted the given capability
// namespace (e.g. "database", "database.access", "http.access").
func (t *Tenant) HasGrant(grant string) bool {
	for _, g := range t.Grants {
		if g == grant {
			return true
		}
	}
	return false
}

// HasAllGrants reports whether every required capability is a subset of
// the tenant's grants (spec §3 Script invariant).
func (t *Tenant) HasAllGrants(required []string) bool {
	for _, r := range required {
		if !t.HasGrant(r) {
			return false
		}
	}
	return true
}

// CreateRequest contains the data needed to provision a new tenant.
type CreateRequest struct {
	Name      string   `json:"name"`
	RateLimit int      `json:"rate_limit"`
	APIQuota  int      `json:"api_quota"`
	Grants    []string `json:"grants"`
}
