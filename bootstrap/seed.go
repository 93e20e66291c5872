package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/segment"
)

// Seeder loads baseline records into a fresh installation: a catch-all
// default policy, the standard segment set, and a bootstrap administrator.
// Seeding is idempotent per concern, an area that already has records is
// left alone.
type Seeder struct {
	Policies   policy.Store
	Segments   segment.Store
	Principals principal.Store

	clock func() time.Time
}

// NewSeeder creates a Seeder over the given stores.
func NewSeeder(policies policy.Store, segments segment.Store, principals principal.Store) *Seeder {
	return &Seeder{
		Policies:   policies,
		Segments:   segments,
		Principals: principals,
		clock:      time.Now,
	}
}

// SeedResult reports what a seeding run created.
type SeedResult struct {
	// PolicyID is the created default policy, empty when policies
	// already existed.
	PolicyID string `json:"policy_id,omitempty"`

	// SegmentIDs are the created segments, keyed by name.
	SegmentIDs map[string]string `json:"segment_ids,omitempty"`

	// AdminID is the created bootstrap administrator, empty when
	// admins already existed.
	AdminID string `json:"admin_id,omitempty"`
}

// Seed populates each empty area and reports what was created.
func (s *Seeder) Seed(ctx context.Context) (*SeedResult, error) {
	now := s.clock()
	result := &SeedResult{}

	policies, err := s.Policies.List(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	if len(policies) == 0 {
		p := defaultPolicy(now)
		if err := s.Policies.Create(ctx, p); err != nil {
			return nil, fmt.Errorf("seed default policy: %w", err)
		}
		result.PolicyID = p.ID
	}

	segments, err := s.Segments.List(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) == 0 {
		result.SegmentIDs = make(map[string]string)
		for _, seg := range defaultSegments(now) {
			if err := s.Segments.Create(ctx, seg); err != nil {
				return nil, fmt.Errorf("seed segment %s: %w", seg.Name, err)
			}
			result.SegmentIDs[seg.Name] = seg.ID
		}
	}

	admins, err := s.Principals.ListByRole(ctx, principal.RoleAdmin, 1)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	if len(admins) == 0 {
		admin := &principal.Principal{
			ID:         principal.NewPrincipalID(),
			Role:       principal.RoleAdmin,
			Department: "operations",
			Active:     true,
			MFAEnabled: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.Principals.Create(ctx, admin); err != nil {
			return nil, fmt.Errorf("seed admin: %w", err)
		}
		result.AdminID = admin.ID
	}

	return result, nil
}

// defaultPolicy is the lowest-priority catch-all: any role, ordinary
// confidence bar, MFA on. Installations tighten from here.
func defaultPolicy(now time.Time) *policy.Policy {
	return &policy.Policy{
		ID:       policy.NewPolicyID(),
		Name:     "default-baseline",
		Priority: 1000,
		Active:   true,
		Rules: []policy.Rule{
			{
				Name:          "baseline-any-resource",
				ResourceType:  "*",
				MinConfidence: 70,
				MFARequired:   true,
			},
		},
		CreatedBy: "bootstrap",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// defaultSegments is the standard campus zone set.
func defaultSegments(now time.Time) []*segment.Segment {
	mk := func(name, category string, level int, jit, dual bool) *segment.Segment {
		return &segment.Segment{
			ID:                   segment.NewSegmentID(),
			Name:                 name,
			Category:             category,
			SecurityLevel:        level,
			RequiresJIT:          jit,
			RequiresDualApproval: dual,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
	}
	return []*segment.Segment{
		mk("library-commons", "common", 1, false, false),
		mk("research-lab", "lab", 3, true, false),
		mk("student-records", "records", 4, true, false),
		mk("server-room", "server-room", 5, true, true),
	}
}
