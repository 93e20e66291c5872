package threat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedPrediction(t *testing.T, s Store, mutate func(*Prediction)) *Prediction {
	t.Helper()
	p := validPrediction()
	p.ID = NewPredictionID()
	if mutate != nil {
		mutate(p)
	}
	if err := s.Create(context.Background(), p); err != nil {
		t.Fatalf("seeding prediction: %v", err)
	}
	return p
}

func TestMemoryStore_CreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := validPrediction()
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Type != p.Type || got.Confidence != p.Confidence {
		t.Errorf("Get() = %+v, want %+v", got, p)
	}

	// The store must not alias caller memory.
	got.Indicators[0].Value = 999
	again, _ := s.Get(ctx, p.ID)
	if again.Indicators[0].Value == 999 {
		t.Error("store should return independent copies")
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := validPrediction()
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Create(ctx, p); !errors.Is(err, ErrPredictionExists) {
		t.Errorf("duplicate Create() = %v, want ErrPredictionExists", err)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "ffffffffffffffff"); !errors.Is(err, ErrPredictionNotFound) {
		t.Errorf("Get() = %v, want ErrPredictionNotFound", err)
	}
}

func TestMemoryStore_UpdateOptimisticLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := validPrediction()
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	fresh, _ := s.Get(ctx, p.ID)
	fresh.Status = StatusConfirmed
	if err := s.Update(ctx, fresh); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if !fresh.UpdatedAt.After(p.UpdatedAt) {
		t.Error("Update() should advance UpdatedAt on the caller's struct")
	}

	// A second writer holding the original read loses the race.
	stale := p.Clone()
	stale.Status = StatusFalsePositive
	if err := s.Update(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale Update() = %v, want ErrConcurrentModification", err)
	}
}

func TestMemoryStore_UpdateNotFound(t *testing.T) {
	s := NewMemoryStore()
	p := validPrediction()
	if err := s.Update(context.Background(), p); !errors.Is(err, ErrPredictionNotFound) {
		t.Errorf("Update() = %v, want ErrPredictionNotFound", err)
	}
}

func TestMemoryStore_ListByPrincipal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	older := seedPrediction(t, s, func(p *Prediction) {
		p.CreatedAt = base.Add(-2 * time.Hour)
	})
	newer := seedPrediction(t, s, func(p *Prediction) {
		p.CreatedAt = base.Add(-time.Hour)
	})
	seedPrediction(t, s, func(p *Prediction) {
		p.PrincipalID = "00000000000000bb"
		p.CreatedAt = base
	})

	got, err := s.ListByPrincipal(ctx, "00000000000000aa", 0)
	if err != nil {
		t.Fatalf("ListByPrincipal() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListByPrincipal() = %d predictions, want 2", len(got))
	}
	if got[0].ID != newer.ID || got[1].ID != older.ID {
		t.Errorf("expected newest first: got %s, %s", got[0].ID, got[1].ID)
	}

	limited, _ := s.ListByPrincipal(ctx, "00000000000000aa", 1)
	if len(limited) != 1 || limited[0].ID != newer.ID {
		t.Errorf("limit 1 should return only the newest")
	}
}

func TestMemoryStore_ListByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seedPrediction(t, s, func(p *Prediction) { p.Status = StatusConfirmed })
	seedPrediction(t, s, nil)

	confirmed, err := s.ListByStatus(ctx, StatusConfirmed, 0)
	if err != nil {
		t.Fatalf("ListByStatus() error: %v", err)
	}
	if len(confirmed) != 1 || confirmed[0].Status != StatusConfirmed {
		t.Errorf("ListByStatus(confirmed) = %+v", confirmed)
	}
}

func TestMemoryStore_ListSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seedPrediction(t, s, func(p *Prediction) { p.CreatedAt = base.Add(-48 * time.Hour) })
	recent := seedPrediction(t, s, func(p *Prediction) { p.CreatedAt = base.Add(-time.Hour) })
	boundary := seedPrediction(t, s, func(p *Prediction) { p.CreatedAt = base.Add(-24 * time.Hour) })

	got, err := s.ListSince(ctx, base.Add(-24*time.Hour), 0)
	if err != nil {
		t.Fatalf("ListSince() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSince() = %d predictions, want 2 (boundary inclusive)", len(got))
	}
	if got[0].ID != recent.ID || got[1].ID != boundary.ID {
		t.Errorf("expected newest first: got %s, %s", got[0].ID, got[1].ID)
	}
}
