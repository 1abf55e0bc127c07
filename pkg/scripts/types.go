// Package scripts models per-tenant programs and their immutable source
// versions.
package scripts

import "time"

// ApprovalStatus gates which ScriptVersions are eligible for execution.
type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "draft"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Script is a per-tenant program. Capability requests must be a subset of
// the owning tenant's grants (enforced by the Admission Controller).
type Script struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenant_id"`
	Name                 string    `json:"name"`
	Language             string    `json:"language"`
	Active               bool      `json:"active"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	TimeoutSeconds       int       `json:"timeout_seconds,omitempty"`
	MemoryMB             int       `json:"memory_mb,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	CreatedBy            string    `json:"created_by"`
	UpdatedBy            string    `json:"updated_by"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`

	// SecurityScore is the Static Validator's last-computed score in
	// [0,100] for the currently approved version (spec §4.1).
	SecurityScore int `json:"security_score"`
}

// SoftDeleted reports whether the script has been soft-deleted.
func (s *Script) SoftDeleted() bool {
	return s.DeletedAt != nil
}

// ScriptVersion is an immutable snapshot of a Script's source.
type ScriptVersion struct {
	ID          string         `json:"id"`
	ScriptID    string         `json:"script_id"`
	Version     int            `json:"version"`
	Source      string         `json:"source"`
	Checksum    string         `json:"checksum"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	Approval    ApprovalStatus `json:"approval"`
	SecurityScore int          `json:"security_score"`
}

// Eligible reports whether this version may be dispatched for execution.
func (v *ScriptVersion) Eligible() bool {
	return v.Approval == ApprovalApproved
}
