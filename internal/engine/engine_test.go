package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ringtrade/internal/eventbus"
	"ringtrade/internal/models"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts, eventbus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func mustCreateTenant(t *testing.T, e *Engine) *models.CreateTenantResponse {
	t.Helper()
	created, err := e.CreateTenant("test")
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return created
}

func submitOne(t *testing.T, e *Engine, tenantID, wallet, nftID string, value float64) {
	t.Helper()
	err := e.SubmitInventory(tenantID, models.SubmitInventoryRequest{
		WalletID: wallet,
		NFTs: []models.NFTInput{{
			ID:       nftID,
			Metadata: []byte(fmt.Sprintf(`{"estimatedValueUSD": %g}`, value)),
		}},
	})
	if err != nil {
		t.Fatalf("SubmitInventory(%s, %s): %v", wallet, nftID, err)
	}
}

func wantNFTs(t *testing.T, e *Engine, tenantID, wallet string, ids ...string) {
	t.Helper()
	err := e.SubmitWants(tenantID, models.SubmitWantsRequest{
		WalletID:   wallet,
		WantedNFTs: ids,
	})
	if err != nil {
		t.Fatalf("SubmitWants(%s): %v", wallet, err)
	}
}

func TestCreateTenantAndResolveKey(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	tn, err := e.ResolveKey(created.APIKey)
	if err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
	if tn.ID != created.TenantID {
		t.Errorf("resolved tenant %s, want %s", tn.ID, created.TenantID)
	}
	if tn.KeyHash != HashKey(created.APIKey) {
		t.Error("tenant stores something other than the key hash")
	}
	if tn.KeyHash == created.APIKey {
		t.Error("raw API key retained server-side")
	}

	if _, err := e.ResolveKey("bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ResolveKey(bogus) = %v, want ErrUnauthorized", err)
	}
	if _, err := e.ResolveKey(""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ResolveKey(empty) = %v, want ErrUnauthorized", err)
	}
}

func TestTenantCap(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{Limits: Limits{MaxTenants: 2}})

	mustCreateTenant(t, e)
	mustCreateTenant(t, e)
	if _, err := e.CreateTenant("third"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("third CreateTenant = %v, want ErrResourceExhausted", err)
	}
}

func TestDeleteTenantReleasesKey(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	if err := e.DeleteTenant(created.TenantID); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if _, err := e.Tenant(created.TenantID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Tenant after delete = %v, want ErrNotFound", err)
	}
	if _, err := e.ResolveKey(created.APIKey); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ResolveKey after delete = %v, want ErrUnauthorized", err)
	}
	if err := e.DeleteTenant(created.TenantID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete = %v, want ErrNotFound", err)
	}
}

func TestSubmitInventoryBatchIsAtomic(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	err := e.SubmitInventory(created.TenantID, models.SubmitInventoryRequest{
		WalletID: "alice",
		NFTs: []models.NFTInput{
			{ID: "good"},
			{ID: ""},
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), "nfts[1]") {
		t.Errorf("error should name the offending index: %v", err)
	}

	// Nothing from the batch landed.
	tn, err := e.Tenant(created.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if stats := tn.Stats(); stats.Graph.Wallets != 0 || stats.Graph.NFTs != 0 {
		t.Errorf("graph not empty after rejected batch: %+v", stats.Graph)
	}
}

func TestSubmitInventoryRejectsNegativeValue(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	err := e.SubmitInventory(created.TenantID, models.SubmitInventoryRequest{
		WalletID: "alice",
		NFTs: []models.NFTInput{{
			ID:       "bad",
			Metadata: []byte(`{"estimatedValueUSD": -5}`),
		}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), "nfts[0]") {
		t.Errorf("error should name nfts[0]: %v", err)
	}
}

func TestSubmitWantsRejectsOwnNFT(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	submitOne(t, e, created.TenantID, "alice", "nft-1", 10)

	err := e.SubmitWants(created.TenantID, models.SubmitWantsRequest{
		WalletID:   "alice",
		WantedNFTs: []string{"nft-1"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), "already owns") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestSubmitWantsForUnseenNFT(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	// Wants may reference NFTs the engine has not seen; they bind later.
	wantNFTs(t, e, created.TenantID, "alice", "future-nft")

	tn, _ := e.Tenant(created.TenantID)
	view, err := tn.WalletView("alice")
	if err != nil {
		t.Fatalf("WalletView: %v", err)
	}
	if len(view.WantedNFTs) != 1 || view.WantedNFTs[0] != "future-nft" {
		t.Errorf("wants = %v, want [future-nft]", view.WantedNFTs)
	}
}

func TestOwnershipTransferRebinds(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	submitOne(t, e, created.TenantID, "alice", "nft-1", 10)

	err := e.SubmitInventory(created.TenantID, models.SubmitInventoryRequest{
		WalletID: "alice",
		NFTs: []models.NFTInput{{
			ID:        "nft-1",
			Ownership: &models.Ownership{OwnerID: "bob"},
		}},
	})
	if err != nil {
		t.Fatalf("transfer submit: %v", err)
	}

	tn, _ := e.Tenant(created.TenantID)
	aliceView, err := tn.WalletView("alice")
	if err != nil {
		t.Fatalf("alice view: %v", err)
	}
	if len(aliceView.Inventory) != 0 {
		t.Errorf("alice still holds %v after transfer", aliceView.Inventory)
	}
	bobView, err := tn.WalletView("bob")
	if err != nil {
		t.Fatalf("bob view: %v", err)
	}
	if len(bobView.Inventory) != 1 || bobView.Inventory[0] != "nft-1" {
		t.Errorf("bob inventory = %v, want [nft-1]", bobView.Inventory)
	}
}

func TestWalletCapOnWants(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{Limits: Limits{MaxWalletsPerTenant: 1}})
	created := mustCreateTenant(t, e)

	submitOne(t, e, created.TenantID, "alice", "nft-1", 10)

	err := e.SubmitWants(created.TenantID, models.SubmitWantsRequest{
		WalletID:   "bob",
		WantedNFTs: []string{"nft-1"},
	})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
}

func TestRemoveWantUnknown(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)

	submitOne(t, e, created.TenantID, "alice", "nft-1", 10)

	if err := e.RemoveWant(created.TenantID, "alice", "never-wanted"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveWant unknown = %v, want ErrNotFound", err)
	}
	if err := e.RemoveWant(created.TenantID, "ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveWant ghost wallet = %v, want ErrNotFound", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)
	tid := created.TenantID

	submitOne(t, e, tid, "alice", "nft-a", 100)
	err := e.SubmitInventory(tid, models.SubmitInventoryRequest{
		WalletID: "bob",
		NFTs: []models.NFTInput{{
			ID:         "nft-b",
			Metadata:   []byte(`{"estimatedValueUSD": 100}`),
			Collection: &models.Collection{ID: "kitties"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	wantNFTs(t, e, tid, "alice", "nft-b")
	wantNFTs(t, e, tid, "bob", "nft-a")
	err = e.SubmitWants(tid, models.SubmitWantsRequest{
		WalletID:          "carol",
		WantedCollections: []string{"kitties"},
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := e.SnapshotTenant(tid)
	if err != nil {
		t.Fatalf("SnapshotTenant: %v", err)
	}
	recs := e.Records()
	if len(recs) != 1 {
		t.Fatalf("Records len = %d, want 1", len(recs))
	}

	restored := newTestEngine(t, Options{})
	if err := restored.RestoreTenant(recs[0], snap); err != nil {
		t.Fatalf("RestoreTenant: %v", err)
	}

	// The original API key still resolves after a restart.
	tn, err := restored.ResolveKey(created.APIKey)
	if err != nil {
		t.Fatalf("ResolveKey after restore: %v", err)
	}
	if tn.ID != tid {
		t.Errorf("restored tenant id = %s, want %s", tn.ID, tid)
	}

	for _, wallet := range []string{"alice", "bob", "carol"} {
		orig, err := mustTenant(t, e, tid).WalletView(wallet)
		if err != nil {
			t.Fatalf("original view %s: %v", wallet, err)
		}
		got, err := tn.WalletView(wallet)
		if err != nil {
			t.Fatalf("restored view %s: %v", wallet, err)
		}
		if !equalStrings(orig.Inventory, got.Inventory) ||
			!equalStrings(orig.WantedNFTs, got.WantedNFTs) ||
			!equalStrings(orig.WantedCollections, got.WantedCollections) {
			t.Errorf("wallet %s differs after restore:\n  orig %+v\n  got  %+v", wallet, orig, got)
		}
	}

	// The restored graph still yields the trade loop.
	res, err := restored.Discover(context.Background(), tid, "alice", "", &models.DiscoverSettings{MaxDepth: 3})
	if err != nil {
		t.Fatalf("Discover after restore: %v", err)
	}
	if len(res.Loops) != 1 {
		t.Errorf("restored discover found %d loops, want 1", len(res.Loops))
	}

	if err := restored.RestoreTenant(recs[0], snap); !errors.Is(err, ErrValidation) {
		t.Errorf("duplicate restore = %v, want ErrValidation", err)
	}
}

func TestSweepExpiresLoops(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	created := mustCreateTenant(t, e)
	tid := created.TenantID

	submitOne(t, e, tid, "alice", "nft-a", 100)
	submitOne(t, e, tid, "bob", "nft-b", 100)
	wantNFTs(t, e, tid, "alice", "nft-b")
	wantNFTs(t, e, tid, "bob", "nft-a")

	res, err := e.Discover(context.Background(), tid, "alice", "", &models.DiscoverSettings{MaxDepth: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(res.Loops))
	}

	if n := e.Sweep(time.Now().Add(time.Hour)); n < 1 {
		t.Errorf("Sweep expired %d entries, want >= 1", n)
	}
}

func TestEngineStats(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	mustCreateTenant(t, e)
	mustCreateTenant(t, e)

	st := e.Stats()
	if st.Tenants != 2 {
		t.Errorf("Tenants = %d, want 2", st.Tenants)
	}
	if st.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}
}

func mustTenant(t *testing.T, e *Engine, id string) *Tenant {
	t.Helper()
	tn, err := e.Tenant(id)
	if err != nil {
		t.Fatalf("Tenant(%s): %v", id, err)
	}
	return tn
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
