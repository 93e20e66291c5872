// Package segment defines resource segments, the protected zones of the
// access-control core. Segments carry a security level in 1..5, role
// allowlists, and JIT/dual-approval requirements. Automated response may
// place a segment into a locked state; an administrator clears it.
//
// # Lock State
//
// A segment is locked while Locked is true. A lockdown applied by the
// response engine carries LockedUntil; once that passes the lock no longer
// takes effect, but the Locked flag itself is only cleared by an
// administrator via Unlock. Locks applied by administrators have no
// LockedUntil and hold until explicitly cleared.
package segment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/citadelzt/citadel/principal"
)

// Security level bounds for segments.
const (
	// MinSecurityLevel is the lowest segment classification.
	MinSecurityLevel = 1
	// MaxSecurityLevel is the highest segment classification.
	MaxSecurityLevel = 5
)

// Segment represents a protected resource zone.
type Segment struct {
	// ID is the unique segment identifier (16 lowercase hex chars).
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable segment name.
	Name string `yaml:"name" json:"name"`

	// Category groups segments for coordinated-attack lockdowns
	// (e.g. "lab", "server-room", "records").
	Category string `yaml:"category" json:"category"`

	// SecurityLevel classifies the segment from 1 (open) to 5 (critical).
	// JIT grants require the principal's clearance to meet this level.
	SecurityLevel int `yaml:"security_level" json:"security_level"`

	// RequiresJIT marks segments that can only be entered through an
	// approved elevation grant.
	RequiresJIT bool `yaml:"requires_jit" json:"requires_jit"`

	// RequiresDualApproval marks segments whose JIT grants need two
	// distinct approvers.
	RequiresDualApproval bool `yaml:"requires_dual_approval" json:"requires_dual_approval"`

	// AllowedRoles lists roles permitted to request access. Empty means
	// all roles.
	AllowedRoles []principal.Role `yaml:"allowed_roles,omitempty" json:"allowed_roles,omitempty"`

	// RestrictedAreaOf lists parent segment IDs this segment is a
	// restricted sub-area of. Visitors holding access to a parent do not
	// inherit access here.
	RestrictedAreaOf []string `yaml:"restricted_area_of,omitempty" json:"restricted_area_of,omitempty"`

	// Locked is set by the response engine or an administrator. See the
	// package comment for expiry semantics.
	Locked bool `yaml:"locked" json:"locked"`

	// LockedUntil bounds a response-engine lockdown. Zero means the lock
	// holds until an administrator clears it.
	LockedUntil time.Time `yaml:"locked_until,omitempty" json:"locked_until,omitempty"`

	// LockedReason records why the segment was locked.
	LockedReason string `yaml:"locked_reason,omitempty" json:"locked_reason,omitempty"`

	// CreatedAt is when the segment was registered.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// segmentIDRegex matches valid segment IDs (16 lowercase hex chars).
var segmentIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewSegmentID generates a new 16-character lowercase hex segment ID.
func NewSegmentID() string {
	bytes := make([]byte, 8)
	_, err := rand.Read(bytes)
	if err != nil {
		// This should never happen with crypto/rand.
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateSegmentID checks if the given string is a valid segment ID.
func ValidateSegmentID(id string) bool {
	return segmentIDRegex.MatchString(id)
}

// Validate checks that the segment record is well-formed.
func (s *Segment) Validate() error {
	if !ValidateSegmentID(s.ID) {
		return fmt.Errorf("invalid segment ID: %q", s.ID)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(s.Category) == "" {
		return fmt.Errorf("category is required")
	}
	if s.SecurityLevel < MinSecurityLevel || s.SecurityLevel > MaxSecurityLevel {
		return fmt.Errorf("security_level must be in %d..%d, got %d", MinSecurityLevel, MaxSecurityLevel, s.SecurityLevel)
	}
	for _, role := range s.AllowedRoles {
		if !role.IsValid() {
			return fmt.Errorf("invalid role in allowed_roles: %q", role)
		}
	}
	if s.RequiresDualApproval && !s.RequiresJIT {
		return fmt.Errorf("requires_dual_approval implies requires_jit")
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// IsLocked reports whether the lock is in effect at the given time.
// A lock with a LockedUntil in the past no longer takes effect even though
// the flag remains set until an administrator clears it.
func (s *Segment) IsLocked(now time.Time) bool {
	if !s.Locked {
		return false
	}
	if s.LockedUntil.IsZero() {
		return true
	}
	return now.Before(s.LockedUntil)
}

// AllowsRole reports whether the role may request access to this segment.
// An empty allowlist admits every role.
func (s *Segment) AllowsRole(role principal.Role) bool {
	if len(s.AllowedRoles) == 0 {
		return true
	}
	for _, allowed := range s.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// IsRestrictedArea reports whether this segment is a restricted sub-area
// of any parent segment.
func (s *Segment) IsRestrictedArea() bool {
	return len(s.RestrictedAreaOf) > 0
}
