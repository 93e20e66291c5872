package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/segment"
)

func newTestSeeder() (*Seeder, *policy.MemoryStore, *segment.MemoryStore, *principal.MemoryStore) {
	policies := policy.NewMemoryStore()
	segments := segment.NewMemoryStore()
	principals := principal.NewMemoryStore()
	s := NewSeeder(policies, segments, principals)
	s.clock = func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	}
	return s, policies, segments, principals
}

func TestSeedPopulatesFreshInstallation(t *testing.T) {
	ctx := context.Background()
	seeder, policies, segments, principals := newTestSeeder()

	result, err := seeder.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed() = %v", err)
	}

	if result.PolicyID == "" {
		t.Error("Seed() created no default policy")
	}
	p, err := policies.Get(ctx, result.PolicyID)
	if err != nil {
		t.Fatalf("Get(policy) = %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("seeded policy invalid: %v", err)
	}
	if !p.Active || p.Rules[0].ResourceType != "*" {
		t.Errorf("seeded policy = %+v, want an active catch-all", p)
	}

	if len(result.SegmentIDs) != 4 {
		t.Fatalf("SegmentIDs = %v, want 4 segments", result.SegmentIDs)
	}
	for name, id := range result.SegmentIDs {
		seg, err := segments.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(segment %s) = %v", name, err)
		}
		if err := seg.Validate(); err != nil {
			t.Errorf("seeded segment %s invalid: %v", name, err)
		}
	}

	if result.AdminID == "" {
		t.Fatal("Seed() created no admin")
	}
	admin, err := principals.Get(ctx, result.AdminID)
	if err != nil {
		t.Fatalf("Get(admin) = %v", err)
	}
	if admin.Role != principal.RoleAdmin || !admin.Active || !admin.MFAEnabled {
		t.Errorf("seeded admin = %+v, want active admin with MFA", admin)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	seeder, policies, _, _ := newTestSeeder()

	if _, err := seeder.Seed(ctx); err != nil {
		t.Fatalf("Seed() = %v", err)
	}

	second, err := seeder.Seed(ctx)
	if err != nil {
		t.Fatalf("second Seed() = %v", err)
	}
	if second.PolicyID != "" || second.AdminID != "" || second.SegmentIDs != nil {
		t.Errorf("second Seed() = %+v, want nothing created", second)
	}

	all, err := policies.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("policies after two seeds = %d, want 1", len(all))
	}
}

func TestSeedLeavesExistingAreasAlone(t *testing.T) {
	ctx := context.Background()
	seeder, policies, _, _ := newTestSeeder()

	now := time.Now()
	existing := &policy.Policy{
		ID:       policy.NewPolicyID(),
		Name:     "site-policy",
		Priority: 10,
		Active:   true,
		Rules: []policy.Rule{
			{Name: "labs", ResourceType: "lab", MinConfidence: 80},
		},
		CreatedBy: "admin",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := policies.Create(ctx, existing); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	result, err := seeder.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed() = %v", err)
	}
	if result.PolicyID != "" {
		t.Error("Seed() replaced an existing policy area")
	}
	if len(result.SegmentIDs) != 4 {
		t.Errorf("Seed() skipped empty segment area, got %v", result.SegmentIDs)
	}
}
