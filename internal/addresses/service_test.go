package addresses

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/karmalink/backend/internal/keylock"
	"gorm.io/gorm"
)

type countingIssuer struct {
	mu     sync.Mutex
	issued int
}

func (c *countingIssuer) IssueReceivingAddress(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return fmt.Sprintf("RECV-%d", c.issued), nil
}

func newTestService(t *testing.T, name string, issuer AddressIssuer) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ReceivingAddress{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Locks:      keylock.NewManager(),
		Issuer:     issuer,
		PriceBytes: 3000,
		Clock:      func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestGetOrAssignIssuesOncePerTriple(t *testing.T) {
	issuer := &countingIssuer{}
	service := newTestService(t, "addresses_once", issuer)
	ctx := context.Background()

	first, err := service.GetOrAssign(ctx, "DEVICE-1", "USER-ADDR", 7)
	if err != nil {
		t.Fatalf("first assign failed: %v", err)
	}
	if first.Address != "RECV-1" {
		t.Fatalf("expected RECV-1, got %q", first.Address)
	}
	if first.PriceBytes != 3000 {
		t.Fatalf("expected price snapshot of 3000, got %d", first.PriceBytes)
	}

	second, err := service.GetOrAssign(ctx, "DEVICE-1", "USER-ADDR", 7)
	if err != nil {
		t.Fatalf("second assign failed: %v", err)
	}
	if second.Address != first.Address {
		t.Fatalf("expected stable address %q, got %q", first.Address, second.Address)
	}
	if issuer.issued != 1 {
		t.Fatalf("expected a single wallet issuance, got %d", issuer.issued)
	}
}

func TestGetOrAssignDistinctTriples(t *testing.T) {
	issuer := &countingIssuer{}
	service := newTestService(t, "addresses_distinct", issuer)
	ctx := context.Background()

	first, err := service.GetOrAssign(ctx, "DEVICE-1", "USER-ADDR", 7)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	second, err := service.GetOrAssign(ctx, "DEVICE-1", "USER-ADDR", 8)
	if err != nil {
		t.Fatalf("assign for second identity failed: %v", err)
	}
	if first.Address == second.Address {
		t.Fatal("expected a new address for a different identity")
	}
}

func TestGetOrAssignConcurrentCallsConverge(t *testing.T) {
	issuer := &countingIssuer{}
	service := newTestService(t, "addresses_concurrent", issuer)
	ctx := context.Background()

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			row, err := service.GetOrAssign(ctx, "DEVICE-1", "USER-ADDR", 7)
			results[slot] = row.Address
			errs[slot] = err
		}(i)
	}
	wg.Wait()

	for slot, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", slot, err)
		}
	}
	for slot := 1; slot < callers; slot++ {
		if results[slot] != results[0] {
			t.Fatalf("expected all callers to converge on one address, got %q and %q", results[0], results[slot])
		}
	}
	if issuer.issued != 1 {
		t.Fatalf("expected a single wallet issuance under contention, got %d", issuer.issued)
	}
}

func TestSetVisibilityKeepsAddress(t *testing.T) {
	issuer := &countingIssuer{}
	service := newTestService(t, "addresses_visibility", issuer)
	ctx := context.Background()

	assigned, err := service.GetOrAssign(ctx, "DEVICE-1", "USER-ADDR", 7)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if assigned.PostPublicly != nil {
		t.Fatal("expected visibility to start unset")
	}

	if err := service.SetVisibility(ctx, "DEVICE-1", "USER-ADDR", 7, true); err != nil {
		t.Fatalf("set visibility failed: %v", err)
	}

	row, err := service.FindByAddress(ctx, assigned.Address)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if row.PostPublicly == nil || !*row.PostPublicly {
		t.Fatal("expected public visibility to be recorded")
	}
	if row.Address != assigned.Address {
		t.Fatal("expected the assigned address to survive the visibility change")
	}
}

func TestFindByAddressUnknown(t *testing.T) {
	service := newTestService(t, "addresses_unknown", &countingIssuer{})
	if _, err := service.FindByAddress(context.Background(), "MISSING"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
