// Package principal defines Citadel's principal schema. A principal is any
// identity that can request access: students, faculty, administrators, and
// visitors. Roles carry a derived security clearance used by the JIT
// elevation checks.
//
// # Principal ID Format
//
// Principal IDs are 16-character lowercase hexadecimal strings (64 bits of
// entropy), generated at creation and immutable.
package principal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role is the organizational role of a principal.
type Role string

const (
	// RoleStudent is a regular student principal.
	RoleStudent Role = "student"
	// RoleFaculty is a teaching or research staff principal.
	RoleFaculty Role = "faculty"
	// RoleAdmin is an administrator with approval authority.
	RoleAdmin Role = "admin"
	// RoleVisitor is a guest principal with a restricted segment set.
	RoleVisitor Role = "visitor"
)

// IsValid returns true if the Role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleAdmin, RoleVisitor:
		return true
	}
	return false
}

// String returns the string representation of the Role.
func (r Role) String() string {
	return string(r)
}

// Clearance returns the derived security clearance for the role.
// Segments carry a security level in 1..5; a principal may only hold
// JIT grants on segments at or below their clearance.
func (r Role) Clearance() int {
	switch r {
	case RoleAdmin:
		return 5
	case RoleFaculty:
		return 3
	default:
		return 1
	}
}

// AllRoles returns all valid role values.
func AllRoles() []Role {
	return []Role{RoleStudent, RoleFaculty, RoleAdmin, RoleVisitor}
}

// Principal represents an identity known to the access-control core.
type Principal struct {
	// ID is the unique principal identifier (16 lowercase hex chars).
	ID string `yaml:"id" json:"id"`

	// Role determines base permissions and derived clearance.
	Role Role `yaml:"role" json:"role"`

	// Department is the organizational unit, used by department_match checks.
	Department string `yaml:"department" json:"department"`

	// Active is false once the principal is deactivated. Deactivation revokes
	// all live sessions within one continuous-auth cycle.
	Active bool `yaml:"active" json:"active"`

	// MFAEnabled indicates the principal has an enrolled MFA factor.
	MFAEnabled bool `yaml:"mfa_enabled" json:"mfa_enabled"`

	// AllowedSegments is the visitor's assigned segment set. Empty for
	// non-visitor roles.
	AllowedSegments []string `yaml:"allowed_segments,omitempty" json:"allowed_segments,omitempty"`

	// HostPrincipalID is the sponsoring principal for visitors, notified on
	// route violations. Empty for non-visitor roles.
	HostPrincipalID string `yaml:"host_principal_id,omitempty" json:"host_principal_id,omitempty"`

	// CreatedAt is when the principal was registered.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// LastSeenAt is the most recent authenticated activity.
	LastSeenAt time.Time `yaml:"last_seen_at" json:"last_seen_at"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// principalIDRegex matches valid principal IDs (16 lowercase hex chars).
var principalIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewPrincipalID generates a new 16-character lowercase hex principal ID.
// It uses crypto/rand for cryptographic randomness.
func NewPrincipalID() string {
	bytes := make([]byte, 8)
	_, err := rand.Read(bytes)
	if err != nil {
		// This should never happen with crypto/rand.
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidatePrincipalID checks if the given string is a valid principal ID.
func ValidatePrincipalID(id string) bool {
	return principalIDRegex.MatchString(id)
}

// Validate checks that the principal record is well-formed.
func (p *Principal) Validate() error {
	if !ValidatePrincipalID(p.ID) {
		return fmt.Errorf("invalid principal ID: %q", p.ID)
	}
	if !p.Role.IsValid() {
		return fmt.Errorf("invalid role: %q", p.Role)
	}
	if strings.TrimSpace(p.Department) == "" {
		return fmt.Errorf("department is required")
	}
	if p.Role != RoleVisitor && len(p.AllowedSegments) > 0 {
		return fmt.Errorf("allowed_segments is only valid for visitors")
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// CanApprove reports whether the principal can approve elevation and
// emergency requests. Only active administrators hold approval authority.
func (p *Principal) CanApprove() bool {
	return p.Active && p.Role == RoleAdmin
}
