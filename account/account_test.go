package account

import (
	"errors"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-accounts-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)

	a := &Account{WorkspaceID: "ws-1", Billing: BillingPayPerUse}
	if err := s.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" {
		t.Fatal("Create did not assign an id")
	}

	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkspaceID != "ws-1" || got.Billing != BillingPayPerUse {
		t.Errorf("Get = %+v, want ws-1 pay_per_use", got)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_CreateValidation(t *testing.T) {
	s := newTestStore(t)

	if err := s.Create(&Account{Billing: BillingPayPerUse}); err == nil {
		t.Error("Create without workspace succeeded")
	}
	if err := s.Create(&Account{WorkspaceID: "ws-1", Billing: "prepaid"}); err == nil {
		t.Error("Create with unknown billing mode succeeded")
	}
}

func TestSQLiteStore_AddCost(t *testing.T) {
	s := newTestStore(t)
	a := &Account{WorkspaceID: "ws-1", Billing: BillingPayPerUse}
	s.Create(a)

	if err := s.AddCost(a.ID, 1.25); err != nil {
		t.Fatalf("AddCost: %v", err)
	}
	if err := s.AddCost(a.ID, 0.75); err != nil {
		t.Fatalf("AddCost: %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.CostAccruedUSD != 2.0 {
		t.Errorf("CostAccruedUSD = %v, want 2.0", got.CostAccruedUSD)
	}

	if err := s.AddCost(a.ID, -1); err == nil {
		t.Error("AddCost with negative amount succeeded")
	}
	if err := s.AddCost("missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddCost missing = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ActiveSessions_FloorAtZero(t *testing.T) {
	s := newTestStore(t)
	a := &Account{WorkspaceID: "ws-1", Billing: BillingSubscription}
	s.Create(a)

	s.IncrementActive(a.ID)
	s.IncrementActive(a.ID)
	got, _ := s.Get(a.ID)
	if got.ActiveSessions != 2 {
		t.Fatalf("ActiveSessions = %d, want 2", got.ActiveSessions)
	}

	for i := 0; i < 4; i++ {
		if err := s.DecrementActive(a.ID); err != nil {
			t.Fatalf("DecrementActive: %v", err)
		}
	}
	got, _ = s.Get(a.ID)
	if got.ActiveSessions != 0 {
		t.Errorf("ActiveSessions = %d after over-decrement, want 0", got.ActiveSessions)
	}
}
