package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ringtrade/internal/api"
	"ringtrade/internal/config"
	"ringtrade/internal/engine"
	"ringtrade/internal/eventbus"
	"ringtrade/internal/storage"
	"ringtrade/internal/storage/pebbledb"
	"ringtrade/internal/storage/postgres"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	apiPort := os.Getenv("PORT")
	if apiPort == "" {
		apiPort = "8080"
	}

	getEnvInt := func(key string, defaultVal int) int {
		if valStr := os.Getenv(key); valStr != "" {
			if val, err := strconv.Atoi(valStr); err == nil {
				return val
			}
		}
		return defaultVal
	}

	tuning := config.Default()
	if cfgPath := os.Getenv("CONFIG_FILE"); cfgPath != "" {
		var err error
		tuning, err = config.Load(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("Loaded tuning overrides from %s", cfgPath)
	}

	limits := engine.DefaultLimits()
	limits.MaxTenants = getEnvInt("MAX_TENANTS", limits.MaxTenants)
	limits.MaxWalletsPerTenant = getEnvInt("MAX_WALLETS_PER_TENANT", limits.MaxWalletsPerTenant)
	limits.MaxNFTsPerTenant = getEnvInt("MAX_NFTS_PER_TENANT", limits.MaxNFTsPerTenant)
	limits.MaxLoopsPerTenant = getEnvInt("MAX_LOOPS_PER_TENANT", limits.MaxLoopsPerTenant)
	limits.MaxQueueDepth = getEnvInt("MAX_QUEUE_DEPTH", limits.MaxQueueDepth)

	opts := engine.Options{
		Limits:         limits,
		Scorer:         tuning.ScorerConfig(),
		LoopTTL:        tuning.LoopTTL(),
		DefaultTimeout: time.Duration(getEnvInt("DISCOVER_TIMEOUT_MS", 500)) * time.Millisecond,
		MaxTimeout:     time.Duration(getEnvInt("DISCOVER_MAX_TIMEOUT_MS", 2000)) * time.Millisecond,
		WorkerPoolSize: getEnvInt("WORKER_POOL_SIZE", 0), // 0 = one per CPU
	}

	log.Println("Initializing RingTrade Backend...")
	log.Printf("API Port: %s", apiPort)
	log.Printf("Loop TTL: %s", opts.LoopTTL)

	// 2. Dependencies
	bus := eventbus.New()

	eng, err := engine.New(opts, bus)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer eng.Close()

	var store storage.Store
	if os.Getenv("ENABLE_PERSISTENCE") != "false" {
		if dbURL := os.Getenv("DB_URL"); dbURL != "" {
			store, err = postgres.New(context.Background(), dbURL)
			if err != nil {
				log.Fatalf("Failed to connect to DB: %v", err)
			}
			log.Printf("Persistence: postgres at %s", redactDatabaseURL(dbURL))
		} else {
			dataDir := os.Getenv("DATA_DIR")
			if dataDir == "" {
				dataDir = "./data"
			}
			store, err = pebbledb.Open(dataDir)
			if err != nil {
				log.Fatalf("Failed to open data dir %s: %v", dataDir, err)
			}
			log.Printf("Persistence: pebble at %s", dataDir)
		}
		defer store.Close()
	} else {
		log.Println("Persistence is DISABLED (ENABLE_PERSISTENCE=false); tenants will not survive restarts")
	}

	// 3. Restore persisted tenants. The loop caches are rebuilt by the
	// background workers, not restored.
	if store != nil {
		recs, err := store.ListTenantRecords(context.Background())
		if err != nil {
			log.Fatalf("Failed to list tenant records: %v", err)
		}
		restored := 0
		for _, rec := range recs {
			snap, err := store.LoadSnapshot(context.Background(), rec.TenantID)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					log.Printf("Failed to load snapshot for tenant %s: %v", rec.TenantID, err)
					continue
				}
				snap = nil
			}
			if err := eng.RestoreTenant(rec, snap); err != nil {
				log.Printf("Failed to restore tenant %s: %v", rec.TenantID, err)
				continue
			}
			restored++
		}
		if restored > 0 {
			log.Printf("Restored %d tenant(s) from storage", restored)
		}
	}

	// 4. Services
	api.BuildCommit = BuildCommit
	hub := api.NewHub(bus)
	apiServer := api.NewServer(eng, hub, apiPort)

	// 5. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)

	// Snapshot writer: periodic full flush, plus immediate record writes
	// on tenant lifecycle events so fresh API keys survive a crash.
	if store != nil {
		snapshotInterval := getEnvInt("SNAPSHOT_INTERVAL_SEC", 60)
		tenantEvents := make(chan eventbus.Event, 64)
		bus.Subscribe(eventbus.TypeTenantCreated, tenantEvents)
		bus.Subscribe(eventbus.TypeTenantDeleted, tenantEvents)

		go func() {
			ticker := time.NewTicker(time.Duration(snapshotInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-tenantEvents:
					switch evt.Type {
					case eventbus.TypeTenantCreated:
						saveTenantRecord(ctx, store, eng, evt.TenantID)
					case eventbus.TypeTenantDeleted:
						if err := store.DeleteTenant(ctx, evt.TenantID); err != nil {
							log.Printf("[snapshot] delete tenant %s: %v", evt.TenantID, err)
						}
					}
				case <-ticker.C:
					writeAllSnapshots(ctx, store, eng)
				}
			}
		}()
	}

	// Cache sweeper: evict expired loops so memory follows the TTL even
	// on idle tenants.
	sweepInterval := getEnvInt("SWEEP_INTERVAL_SEC", 60)
	go func() {
		ticker := time.NewTicker(time.Duration(sweepInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := eng.Sweep(time.Now()); n > 0 {
					log.Printf("[sweeper] expired %d cached loops", n)
				}
			}
		}
	}()

	// Handle SIGINT/SIGTERM; main blocks on sigChan below.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting API Server on :%s", apiPort)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	cancel()

	// Final flush so restarts pick up the latest graphs.
	if store != nil {
		writeAllSnapshots(shutdownCtx, store, eng)
		log.Println("Final snapshot written.")
	}
}

// writeAllSnapshots persists every tenant's record and graph snapshot.
// Failures are logged per tenant; one bad tenant does not block the rest.
func writeAllSnapshots(ctx context.Context, store storage.Store, eng *engine.Engine) {
	for _, rec := range eng.Records() {
		if err := store.SaveTenantRecord(ctx, rec); err != nil {
			log.Printf("[snapshot] record %s: %v", rec.TenantID, err)
			continue
		}
		snap, err := eng.SnapshotTenant(rec.TenantID)
		if err != nil {
			// Deleted between Records and here.
			continue
		}
		if err := store.SaveSnapshot(ctx, rec.TenantID, snap); err != nil {
			log.Printf("[snapshot] snapshot %s: %v", rec.TenantID, err)
		}
	}
}

func saveTenantRecord(ctx context.Context, store storage.Store, eng *engine.Engine, tenantID string) {
	for _, rec := range eng.Records() {
		if rec.TenantID == tenantID {
			if err := store.SaveTenantRecord(ctx, rec); err != nil {
				log.Printf("[snapshot] record %s: %v", tenantID, err)
			}
			return
		}
	}
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
