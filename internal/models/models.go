package models

import (
	"encoding/json"
	"time"
)

// SubmitInventoryRequest is the body of POST /inventory/submit.
type SubmitInventoryRequest struct {
	WalletID string     `json:"walletId"`
	NFTs     []NFTInput `json:"nfts"`
}

// NFTInput is one inventory item in a submission batch. Metadata is kept
// as an opaque blob; only the fields named in NFTMetadata are parsed.
type NFTInput struct {
	ID         string          `json:"id"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Ownership  *Ownership      `json:"ownership,omitempty"`
	Collection *Collection     `json:"collection,omitempty"`
}

// NFTMetadata carries the only metadata fields the engine interprets.
type NFTMetadata struct {
	Name              string   `json:"name,omitempty"`
	Description       string   `json:"description,omitempty"`
	EstimatedValueUSD *float64 `json:"estimatedValueUSD,omitempty"`
}

// ParseNFTMetadata extracts the interpreted fields from an opaque
// metadata blob. A nil or empty blob yields the zero value.
func ParseNFTMetadata(raw json.RawMessage) (NFTMetadata, error) {
	var m NFTMetadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	return m, nil
}

// Ownership names the wallet currently holding an NFT.
type Ownership struct {
	OwnerID string `json:"ownerId"`
}

// Collection identifies the collection an NFT belongs to.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SubmitWantsRequest is the body of POST /wants/submit.
type SubmitWantsRequest struct {
	WalletID          string   `json:"walletId"`
	WantedNFTs        []string `json:"wantedNFTs,omitempty"`
	WantedCollections []string `json:"wantedCollections,omitempty"`
}

// DiscoverRequest is the body of POST /trade/discover.
type DiscoverRequest struct {
	WalletID string            `json:"walletId"`
	NFTID    string            `json:"nftId,omitempty"`
	Settings *DiscoverSettings `json:"settings,omitempty"`
}

// DiscoverSettings tunes a single discovery query. Zero values mean
// "use the engine default"; ConsiderCollections is a pointer so an
// explicit false survives decoding.
type DiscoverSettings struct {
	MaxDepth            int     `json:"maxDepth,omitempty"`
	MinEfficiency       float64 `json:"minEfficiency,omitempty"`
	ConsiderCollections *bool   `json:"considerCollections,omitempty"`
	MaxResults          int     `json:"maxResults,omitempty"`
	TimeoutMs           int     `json:"timeoutMs,omitempty"`
}

// DiscoverResponse is the body returned by POST /trade/discover.
type DiscoverResponse struct {
	Loops     []LoopPayload `json:"loops"`
	Truncated bool          `json:"truncated"`
	FromCache bool          `json:"fromCache"`
}

// LoopPayload is one candidate trade loop on the wire.
type LoopPayload struct {
	ID            string        `json:"id"`
	Participants  int           `json:"participants"`
	Steps         []StepPayload `json:"steps"`
	TotalValueUSD float64       `json:"totalValueUSD"`
	Score         float64       `json:"score"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

// StepPayload is a single give/receive edge inside a loop.
type StepPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	NFT  string `json:"nft"`
}

// CreateTenantRequest is the body of POST /admin/tenants.
type CreateTenantRequest struct {
	Name string `json:"name,omitempty"`
}

// CreateTenantResponse returns freshly minted tenant credentials. The
// apiKey is shown exactly once; only its hash is retained server-side.
type CreateTenantResponse struct {
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name,omitempty"`
	APIKey    string    `json:"apiKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// TenantInfo is the redacted tenant view returned by GET /admin/tenants.
type TenantInfo struct {
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Wallets   int       `json:"wallets"`
	NFTs      int       `json:"nfts"`
	Loops     int       `json:"loops"`
}

// WalletView is returned by GET /wallets/{walletId}.
type WalletView struct {
	WalletID          string    `json:"walletId"`
	Inventory         []string  `json:"inventory"`
	WantedNFTs        []string  `json:"wantedNFTs"`
	WantedCollections []string  `json:"wantedCollections"`
	LastActivity      time.Time `json:"lastActivity"`
}
