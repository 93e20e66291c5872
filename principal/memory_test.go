package principal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreCreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := validPrincipal()
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.ID != p.ID || got.Role != p.Role || got.Department != p.Department {
		t.Errorf("Get() = %+v, want %+v", got, p)
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := validPrincipal()
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := store.Create(ctx, p); !errors.Is(err, ErrPrincipalExists) {
		t.Errorf("Create() duplicate = %v, want ErrPrincipalExists", err)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "0000000000000001")
	if !errors.Is(err, ErrPrincipalNotFound) {
		t.Errorf("Get() = %v, want ErrPrincipalNotFound", err)
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := validPrincipal()
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	current, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	current.Active = false
	if err := store.Update(ctx, current); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Active {
		t.Error("Update() did not persist Active = false")
	}
}

func TestMemoryStoreUpdateConcurrentModification(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := validPrincipal()
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	stale, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}

	fresh, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	fresh.Department = "mathematics"
	if err := store.Update(ctx, fresh); err != nil {
		t.Fatalf("Update() fresh = %v", err)
	}

	stale.Department = "physics"
	if err := store.Update(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("Update() stale = %v, want ErrConcurrentModification", err)
	}
}

func TestMemoryStoreUpdateNotFound(t *testing.T) {
	store := NewMemoryStore()

	p := validPrincipal()
	err := store.Update(context.Background(), p)
	if !errors.Is(err, ErrPrincipalNotFound) {
		t.Errorf("Update() = %v, want ErrPrincipalNotFound", err)
	}
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := validPrincipal()
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := store.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if err := store.Delete(ctx, p.ID); err != nil {
		t.Errorf("Delete() second call = %v, want nil", err)
	}
	if _, err := store.Get(ctx, p.ID); !errors.Is(err, ErrPrincipalNotFound) {
		t.Errorf("Get() after delete = %v, want ErrPrincipalNotFound", err)
	}
}

func TestMemoryStoreListByRole(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := validPrincipal()
		p.Role = RoleFaculty
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create() = %v", err)
		}
	}
	student := validPrincipal()
	if err := store.Create(ctx, student); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	faculty, err := store.ListByRole(ctx, RoleFaculty, 0)
	if err != nil {
		t.Fatalf("ListByRole() = %v", err)
	}
	if len(faculty) != 3 {
		t.Errorf("ListByRole(faculty) = %d principals, want 3", len(faculty))
	}

	limited, err := store.ListByRole(ctx, RoleFaculty, 2)
	if err != nil {
		t.Fatalf("ListByRole() = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListByRole(faculty, 2) = %d principals, want 2", len(limited))
	}
}

func TestMemoryStoreListByDepartment(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := validPrincipal()
	a.Department = "physics"
	b := validPrincipal()
	b.Department = "physics"
	c := validPrincipal()
	c.Department = "chemistry"
	for _, p := range []*Principal{a, b, c} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create() = %v", err)
		}
	}

	got, err := store.ListByDepartment(ctx, "physics", 0)
	if err != nil {
		t.Fatalf("ListByDepartment() = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListByDepartment(physics) = %d principals, want 2", len(got))
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := validPrincipal()
	p.Role = RoleVisitor
	p.AllowedSegments = []string{"library"}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	// Mutating the original after Create must not affect stored state.
	p.AllowedSegments[0] = "server-room"

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.AllowedSegments[0] != "library" {
		t.Errorf("stored segments mutated through caller slice: %v", got.AllowedSegments)
	}

	// Mutating a returned copy must not affect stored state.
	got.AllowedSegments[0] = "lab"
	again, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if again.AllowedSegments[0] != "library" {
		t.Errorf("stored segments mutated through returned copy: %v", again.AllowedSegments)
	}
}

func TestMemoryStoreUpdateRefreshesUpdatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := validPrincipal()
	p.UpdatedAt = time.Now().Add(-time.Hour)
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	before := p.UpdatedAt
	if err := store.Update(ctx, p); err != nil {
		t.Fatalf("Update() = %v", err)
	}
	if !p.UpdatedAt.After(before) {
		t.Errorf("Update() did not refresh UpdatedAt: %v -> %v", before, p.UpdatedAt)
	}
}
