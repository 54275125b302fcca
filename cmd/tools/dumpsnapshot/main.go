package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"ringtrade/internal/storage"
	"ringtrade/internal/storage/pebbledb"
	"ringtrade/internal/storage/postgres"
)

// Inspects persisted tenant state without a running server: lists the
// tenant registry with per-tenant snapshot sizes, or dumps one tenant's
// full snapshot as JSON. Uses DB_URL when set, the pebble data dir
// otherwise.
func main() {
	var (
		dataDir  string
		tenantID string
	)

	flag.StringVar(&dataDir, "data-dir", "", "pebble data directory (falls back to DATA_DIR, then ./data)")
	flag.StringVar(&tenantID, "tenant", "", "dump this tenant's full snapshot as JSON")
	flag.Parse()

	ctx := context.Background()

	var (
		store storage.Store
		err   error
	)
	if dbURL := os.Getenv("DB_URL"); dbURL != "" {
		store, err = postgres.New(ctx, dbURL)
	} else {
		if dataDir == "" {
			dataDir = os.Getenv("DATA_DIR")
		}
		if dataDir == "" {
			dataDir = "./data"
		}
		store, err = pebbledb.Open(dataDir)
	}
	if err != nil {
		log.Fatalf("[dumpsnapshot] open store: %v", err)
	}
	defer store.Close()

	if tenantID != "" {
		snap, err := store.LoadSnapshot(ctx, tenantID)
		if err != nil {
			log.Fatalf("[dumpsnapshot] load %s: %v", tenantID, err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			log.Fatalf("[dumpsnapshot] encode: %v", err)
		}
		return
	}

	recs, err := store.ListTenantRecords(ctx)
	if err != nil {
		log.Fatalf("[dumpsnapshot] list tenants: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("No tenant records found.")
		return
	}

	for _, rec := range recs {
		wallets, nfts, wants, collWants := 0, 0, 0, 0
		snap, err := store.LoadSnapshot(ctx, rec.TenantID)
		if err == nil {
			wallets = len(snap.Wallets)
			nfts = len(snap.NFTs)
			for _, w := range snap.Wallets {
				wants += len(w.Wants)
				collWants += len(w.CollectionWants)
			}
		}
		fmt.Printf("%s  name=%q  created=%s\n", rec.TenantID, rec.Name, rec.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("    key hash: %s...\n", rec.APIKeyHash[:16])
		if err != nil {
			fmt.Printf("    snapshot: %v\n", err)
		} else {
			fmt.Printf("    snapshot: %d wallets, %d nfts, %d wants, %d collection wants\n",
				wallets, nfts, wants, collWants)
		}
	}
}
