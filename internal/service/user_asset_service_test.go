package service

import (
	"context"
	"testing"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/repository"
)

func TestUserCreateRequiresAdminAndDefaultsRole(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))
	plain := identityOf(svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser))

	in := CreateUserInput{Name: "Bob", Username: " Bob ", Password: "secret", ExternalTagID: "U002"}
	_, err := svc.users.Create(ctx, plain, in)
	requireKind(t, err, domain.KindForbidden)

	created, err := svc.users.Create(ctx, admin, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Username != "bob" || created.Role != domain.RoleUser || !created.IsActive {
		t.Fatalf("unexpected user %+v", created)
	}
	if created.PasswordHash == "secret" {
		t.Fatal("password must be hashed")
	}
	if _, err := svc.creds.Verify(ctx, "BOB", "secret"); err != nil {
		t.Fatalf("verify new user: %v", err)
	}

	_, err = svc.users.Create(ctx, admin, in)
	requireKind(t, err, domain.KindInvalidRequest)
}

func TestUserDeactivationRevokesSessions(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin)
	alice := svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	raw, _, err := svc.sessions.Issue(ctx, alice.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	inactive := false
	if _, err := svc.users.Update(ctx, identityOf(admin), alice.ID, UpdateUserInput{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	n, err := svc.store.Sessions().CountActiveByUserID(ctx, alice.ID, time.Now())
	if err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected sessions revoked, got %d", n)
	}
	_, err = svc.sessions.Resolve(ctx, raw)
	requireKind(t, err, domain.KindUnauthenticated)
}

func TestAdminCannotRemoveOwnAccess(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin)
	inactive := false
	_, err := svc.users.Update(ctx, identityOf(admin), admin.ID, UpdateUserInput{IsActive: &inactive})
	requireKind(t, err, domain.KindInvalidRequest)
	role := domain.RoleUser
	_, err = svc.users.Update(ctx, identityOf(admin), admin.ID, UpdateUserInput{Role: &role})
	requireKind(t, err, domain.KindInvalidRequest)
}

func TestUserListIncludesActiveAssignments(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))
	alice := svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	asset := svc.seedAsset(t, "A1", domain.AssetAvailable)
	if _, err := svc.ledger.Checkout(ctx, admin, CheckoutRequest{AssetID: asset.ID, UserID: alice.ID}); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	page, err := svc.users.List(ctx, admin, repository.UserListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 users, got %d", page.Total)
	}
	for _, v := range page.Items {
		want := 0
		if v.ID == alice.ID {
			want = 1
		}
		if len(v.ActiveAssignments) != want {
			t.Fatalf("user %s: expected %d active assignments, got %d", v.Username, want, len(v.ActiveAssignments))
		}
	}
}

func TestEnsureAdminCreatesThenResets(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	in := BootstrapAdminInput{Username: "root", Password: "first", ExternalTagID: "U000"}
	user, created, err := svc.users.EnsureAdmin(ctx, in)
	if err != nil || !created || user.Role != domain.RoleAdmin {
		t.Fatalf("expected admin created, got %+v created=%v err=%v", user, created, err)
	}
	in.Password = "second"
	_, created, err = svc.users.EnsureAdmin(ctx, in)
	if err != nil || created {
		t.Fatalf("expected reset without create, got created=%v err=%v", created, err)
	}
	if _, err := svc.creds.Verify(ctx, "root", "second"); err != nil {
		t.Fatalf("expected new password to verify: %v", err)
	}
}

func TestAssetCreateValidatesStatus(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))

	_, err := svc.assets.Create(ctx, admin, CreateAssetInput{Name: "Drill", ExternalTagID: "A1", Status: domain.AssetCheckedOut})
	requireKind(t, err, domain.KindInvalidRequest)

	asset, err := svc.assets.Create(ctx, admin, CreateAssetInput{Name: "Drill", ExternalTagID: "A1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if asset.Status != domain.AssetAvailable || asset.Barcode != "A1" {
		t.Fatalf("unexpected defaults %+v", asset)
	}
}

func TestAssetUpdateAndDeleteRejectCheckedOut(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))
	user := svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	asset := svc.seedAsset(t, "A1", domain.AssetAvailable)
	if _, err := svc.ledger.Checkout(ctx, admin, CheckoutRequest{AssetID: asset.ID, UserID: user.ID}); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	missing := domain.AssetMissing
	_, err := svc.assets.Update(ctx, admin, asset.ID, UpdateAssetInput{Status: &missing})
	requireKind(t, err, domain.KindInvalidRequest)
	_, err = svc.assets.Delete(ctx, admin, asset.ID)
	requireKind(t, err, domain.KindInvalidRequest)

	name := "Renamed drill"
	updated, err := svc.assets.Update(ctx, admin, asset.ID, UpdateAssetInput{Name: &name})
	if err != nil {
		t.Fatalf("rename while checked out: %v", err)
	}
	if updated.Status != domain.AssetCheckedOut || updated.HolderUserID == nil {
		t.Fatalf("rename must not touch custody, got %+v", updated)
	}
	assertCustodyConsistent(t, svc, asset.ID)
}

func TestAssetDeleteRetiresAndHidesFromReads(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))
	asset := svc.seedAsset(t, "A1", domain.AssetAvailable)

	retired, err := svc.assets.Delete(ctx, admin, asset.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if retired.Status != domain.AssetRetired || retired.DeletedAt == nil {
		t.Fatalf("unexpected retired asset %+v", retired)
	}
	_, err = svc.assets.Get(ctx, admin, asset.ID)
	requireKind(t, err, domain.KindNotFound)
	found, err := svc.assets.Lookup(ctx, admin, "A1")
	if err != nil || len(found) != 0 {
		t.Fatalf("expected retired asset hidden from lookup, got %d (%v)", len(found), err)
	}
	history, err := svc.assets.History(ctx, admin, asset.ID)
	if err != nil || history.Asset.ID != asset.ID {
		t.Fatalf("expected history of retired asset, got %v", err)
	}
}

func TestAssetLookupMissCacheInvalidatedOnCreate(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))

	found, err := svc.assets.Lookup(ctx, admin, "NEW-1")
	if err != nil || len(found) != 0 {
		t.Fatalf("expected empty lookup, got %d (%v)", len(found), err)
	}
	if _, err := svc.assets.Create(ctx, admin, CreateAssetInput{Name: "Ladder", ExternalTagID: "NEW-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	found, err = svc.assets.Lookup(ctx, admin, "new-1")
	if err != nil || len(found) != 1 {
		t.Fatalf("expected created asset after invalidation, got %d (%v)", len(found), err)
	}

	_, err = svc.assets.Lookup(ctx, admin, "  ")
	requireKind(t, err, domain.KindInvalidRequest)
	_, err = svc.assets.Lookup(ctx, nil, "A1")
	requireKind(t, err, domain.KindUnauthenticated)
}

func TestInventoryReaderCounts(t *testing.T) {
	svc := newServicesForTest(t)
	ctx := context.Background()
	admin := identityOf(svc.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin))
	user := svc.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	a1 := svc.seedAsset(t, "A1", domain.AssetAvailable)
	svc.seedAsset(t, "A2", domain.AssetMissing)
	due := time.Now().Add(time.Hour)
	if _, err := svc.ledger.Checkout(ctx, admin, CheckoutRequest{AssetID: a1.ID, UserID: user.ID, DueAt: &due}); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	reader := NewInventoryReader(svc.store)
	counts, err := reader.AssetCountsByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.AssetCheckedOut] != 1 || counts[domain.AssetMissing] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
	overdue, err := reader.OverdueAssignmentCount(ctx, time.Now().Add(2*time.Hour))
	if err != nil || overdue != 1 {
		t.Fatalf("expected 1 overdue, got %d (%v)", overdue, err)
	}
}
