package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"ringtrade/internal/models"
)

// Seeds a demo barter graph through the public API: creates a tenant,
// submits wallets with inventory and randomized cross-wants, then runs
// one discovery to show the engine found loops.
func main() {
	var (
		baseURL   string
		adminKey  string
		tenant    string
		wallets   int
		nftsEach  int
		wantsEach int
		seed      int64
	)

	flag.StringVar(&baseURL, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&adminKey, "admin-key", "", "admin API key (falls back to ADMIN_API_KEY)")
	flag.StringVar(&tenant, "tenant", "demo", "tenant name to create")
	flag.IntVar(&wallets, "wallets", 12, "number of wallets to seed")
	flag.IntVar(&nftsEach, "nfts-per-wallet", 3, "NFTs per wallet")
	flag.IntVar(&wantsEach, "wants-per-wallet", 4, "wanted NFTs per wallet")
	flag.Int64Var(&seed, "seed", 42, "RNG seed for reproducible graphs")
	flag.Parse()

	if adminKey == "" {
		adminKey = os.Getenv("ADMIN_API_KEY")
	}
	if adminKey == "" {
		log.Fatal("admin key is required (--admin-key or ADMIN_API_KEY)")
	}

	rng := rand.New(rand.NewSource(seed))
	client := &http.Client{Timeout: 10 * time.Second}
	started := time.Now()

	// 1. Tenant
	var created models.CreateTenantResponse
	err := call(client, "POST", baseURL+"/admin/tenants",
		map[string]string{"X-Admin-Key": adminKey},
		map[string]string{"name": tenant}, &created)
	if err != nil {
		log.Fatalf("[seedgraph] create tenant: %v", err)
	}
	log.Printf("[seedgraph] tenant %s created", created.TenantID)
	authed := map[string]string{"X-API-Key": created.APIKey}

	// 2. Inventory
	allNFTs := make([]string, 0, wallets*nftsEach)
	owners := make(map[string]string, wallets*nftsEach)
	for i := 0; i < wallets; i++ {
		wallet := fmt.Sprintf("wallet-%03d", i)
		nfts := make([]models.NFTInput, nftsEach)
		for j := 0; j < nftsEach; j++ {
			id := fmt.Sprintf("nft-%03d-%d", i, j)
			value := 50 + rng.Float64()*450
			meta, _ := json.Marshal(map[string]interface{}{
				"name":              fmt.Sprintf("Demo #%03d-%d", i, j),
				"estimatedValueUSD": float64(int(value*100)) / 100,
			})
			nfts[j] = models.NFTInput{
				ID:         id,
				Metadata:   meta,
				Collection: &models.Collection{ID: fmt.Sprintf("set-%d", i%4)},
			}
			allNFTs = append(allNFTs, id)
			owners[id] = wallet
		}
		req := models.SubmitInventoryRequest{WalletID: wallet, NFTs: nfts}
		if err := call(client, "POST", baseURL+"/inventory/submit", authed, req, nil); err != nil {
			log.Fatalf("[seedgraph] inventory %s: %v", wallet, err)
		}
	}
	log.Printf("[seedgraph] %d wallets, %d NFTs submitted", wallets, len(allNFTs))

	// 3. Wants: each wallet wants a random sample of other wallets' NFTs.
	for i := 0; i < wallets; i++ {
		wallet := fmt.Sprintf("wallet-%03d", i)
		picked := make(map[string]bool)
		wanted := make([]string, 0, wantsEach)
		for len(wanted) < wantsEach && len(picked) < len(allNFTs) {
			id := allNFTs[rng.Intn(len(allNFTs))]
			if picked[id] {
				continue
			}
			picked[id] = true
			if owners[id] == wallet {
				continue
			}
			wanted = append(wanted, id)
		}
		req := models.SubmitWantsRequest{WalletID: wallet, WantedNFTs: wanted}
		if i%3 == 0 {
			req.WantedCollections = []string{fmt.Sprintf("set-%d", (i+1)%4)}
		}
		if err := call(client, "POST", baseURL+"/wants/submit", authed, req, nil); err != nil {
			log.Fatalf("[seedgraph] wants %s: %v", wallet, err)
		}
	}

	// 4. One discovery to prove the graph is live.
	var res models.DiscoverResponse
	err = call(client, "POST", baseURL+"/trade/discover", authed,
		models.DiscoverRequest{WalletID: "wallet-000"}, &res)
	if err != nil {
		log.Fatalf("[seedgraph] discover: %v", err)
	}

	fmt.Printf("\nSeeded in %s\n", time.Since(started).Truncate(time.Millisecond))
	fmt.Printf("  tenant:  %s\n", created.TenantID)
	fmt.Printf("  api key: %s\n", created.APIKey)
	fmt.Printf("  discover wallet-000: %d loops (truncated=%t fromCache=%t)\n",
		len(res.Loops), res.Truncated, res.FromCache)
	for i, l := range res.Loops {
		if i == 3 {
			fmt.Printf("  ...\n")
			break
		}
		fmt.Printf("  loop %s... score=%.3f participants=%d value=$%.2f\n",
			l.ID[:12], l.Score, l.Participants, l.TotalValueUSD)
	}
}

func call(client *http.Client, method, url string, headers map[string]string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}
