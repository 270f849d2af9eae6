package identity

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/karmalink/backend/internal/keylock"
	"github.com/karmalink/backend/internal/users"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, name string) (*Service, *gorm.DB) {
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
	if err := db.AutoMigrate(&Identity{}, &Version{}, &users.User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Locks:    keylock.NewManager(),
		Clock:    func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func testProfile(karma int64) Profile {
	return Profile{
		ProviderID:  "prov-1",
		DisplayName: "alice",
		Karma:       karma,
		CreatedAt:   time.Unix(1_500_000_000, 0),
		RawJSON:     `{"id":"prov-1"}`,
	}
}

func mustCreateUser(t *testing.T, db *gorm.DB, deviceAddress string) {
	t.Helper()
	if err := db.Create(&users.User{DeviceAddress: deviceAddress, CreatedAtSeconds: 1}).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
}

func TestUpsertRecordsVersionHistory(t *testing.T) {
	service, db := newTestService(t, "identity_upsert")
	ctx := context.Background()

	row, status, err := service.Upsert(ctx, testProfile(500))
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if status != StatusNew {
		t.Fatalf("expected StatusNew, got %q", status)
	}
	if row.DataVersion != 1 {
		t.Fatalf("expected data version 1, got %d", row.DataVersion)
	}

	row, status, err = service.Upsert(ctx, testProfile(500))
	if err != nil {
		t.Fatalf("unchanged upsert failed: %v", err)
	}
	if status != StatusUnchanged {
		t.Fatalf("expected StatusUnchanged, got %q", status)
	}
	if row.DataVersion != 1 {
		t.Fatalf("expected data version to stay at 1, got %d", row.DataVersion)
	}

	row, status, err = service.Upsert(ctx, testProfile(900))
	if err != nil {
		t.Fatalf("updated upsert failed: %v", err)
	}
	if status != StatusUpdated {
		t.Fatalf("expected StatusUpdated, got %q", status)
	}
	if row.DataVersion != 2 || row.Karma != 900 {
		t.Fatalf("expected version 2 with karma 900, got version %d karma %d", row.DataVersion, row.Karma)
	}

	var versionCount int64
	if err := db.Model(&Version{}).Where("identity_id = ?", row.ID).Count(&versionCount).Error; err != nil {
		t.Fatalf("version count failed: %v", err)
	}
	if versionCount != 2 {
		t.Fatalf("expected 2 version rows, got %d", versionCount)
	}

	current, err := service.CurrentVersion(ctx, row.ID)
	if err != nil {
		t.Fatalf("current version lookup failed: %v", err)
	}
	if current.Version != 2 || current.Karma != 900 {
		t.Fatalf("expected current version 2 with karma 900, got version %d karma %d", current.Version, current.Karma)
	}
}

func TestRequestBindingStoresPendingIdentity(t *testing.T) {
	service, db := newTestService(t, "identity_binding")
	ctx := context.Background()
	mustCreateUser(t, db, "DEVICE-1")

	row, _, err := service.Upsert(ctx, testProfile(500))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	result, err := service.RequestBinding(ctx, "DEVICE-1", row.ID)
	if err != nil {
		t.Fatalf("binding request failed: %v", err)
	}
	if result.Status != BindingConfirmationRequired {
		t.Fatalf("expected confirmation_required, got %q", result.Status)
	}

	// A repeated assertion of the pending identity is a no-op.
	result, err = service.RequestBinding(ctx, "DEVICE-1", row.ID)
	if err != nil {
		t.Fatalf("repeated binding request failed: %v", err)
	}
	if result.Status != BindingAlreadyBound {
		t.Fatalf("expected already_bound for the pending identity, got %q", result.Status)
	}
}

func TestConfirmPendingAcceptPromotes(t *testing.T) {
	service, db := newTestService(t, "identity_confirm_accept")
	ctx := context.Background()
	mustCreateUser(t, db, "DEVICE-1")

	row, _, err := service.Upsert(ctx, testProfile(500))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := service.RequestBinding(ctx, "DEVICE-1", row.ID); err != nil {
		t.Fatalf("binding request failed: %v", err)
	}

	confirmed, err := service.ConfirmPending(ctx, "DEVICE-1", true)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.ID != row.ID {
		t.Fatalf("expected confirmed identity %d, got %d", row.ID, confirmed.ID)
	}

	var user users.User
	if err := db.Where("device_address = ?", "DEVICE-1").Take(&user).Error; err != nil {
		t.Fatalf("user lookup failed: %v", err)
	}
	if user.IdentityID == nil || *user.IdentityID != row.ID {
		t.Fatal("expected identity to be bound after accept")
	}
	if user.PendingIdentityID != nil {
		t.Fatal("expected pending slot to clear after accept")
	}
}

func TestConfirmPendingRejectClears(t *testing.T) {
	service, db := newTestService(t, "identity_confirm_reject")
	ctx := context.Background()
	mustCreateUser(t, db, "DEVICE-1")

	row, _, err := service.Upsert(ctx, testProfile(500))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := service.RequestBinding(ctx, "DEVICE-1", row.ID); err != nil {
		t.Fatalf("binding request failed: %v", err)
	}

	if _, err := service.ConfirmPending(ctx, "DEVICE-1", false); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	var user users.User
	if err := db.Where("device_address = ?", "DEVICE-1").Take(&user).Error; err != nil {
		t.Fatalf("user lookup failed: %v", err)
	}
	if user.IdentityID != nil {
		t.Fatal("expected identity to stay unbound after reject")
	}
	if user.PendingIdentityID != nil {
		t.Fatal("expected pending slot to clear after reject")
	}
}

func TestConfirmPendingWithoutPending(t *testing.T) {
	service, db := newTestService(t, "identity_confirm_none")
	mustCreateUser(t, db, "DEVICE-1")

	if _, err := service.ConfirmPending(context.Background(), "DEVICE-1", true); err != ErrNoPendingIdentity {
		t.Fatalf("expected ErrNoPendingIdentity, got %v", err)
	}
}

func TestRequestBindingReplacesPriorPending(t *testing.T) {
	service, db := newTestService(t, "identity_binding_replace")
	ctx := context.Background()
	mustCreateUser(t, db, "DEVICE-1")

	first, _, err := service.Upsert(ctx, testProfile(500))
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	second, _, err := service.Upsert(ctx, Profile{
		ProviderID:  "prov-2",
		DisplayName: "bob",
		Karma:       100,
		CreatedAt:   time.Unix(1_500_000_000, 0),
	})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if _, err := service.RequestBinding(ctx, "DEVICE-1", first.ID); err != nil {
		t.Fatalf("first binding request failed: %v", err)
	}
	result, err := service.RequestBinding(ctx, "DEVICE-1", second.ID)
	if err != nil {
		t.Fatalf("second binding request failed: %v", err)
	}
	if result.Status != BindingConfirmationRequired {
		t.Fatalf("expected confirmation_required for a different identity, got %q", result.Status)
	}

	var user users.User
	if err := db.Where("device_address = ?", "DEVICE-1").Take(&user).Error; err != nil {
		t.Fatalf("user lookup failed: %v", err)
	}
	if user.PendingIdentityID == nil || *user.PendingIdentityID != second.ID {
		t.Fatal("expected the newer identity to replace the prior pending choice")
	}
}
