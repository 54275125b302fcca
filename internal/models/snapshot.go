package models

import (
	"encoding/json"
	"time"
)

// TenantSnapshot is the persisted graph layout consumed by the snapshot
// stores. The loop cache is deliberately absent: it is rebuilt by the
// background worker after a restore.
type TenantSnapshot struct {
	Wallets map[string]WalletSnapshot `json:"wallets"`
	NFTs    map[string]NFTSnapshot    `json:"nfts"`
}

// WalletSnapshot is one wallet's persisted state.
type WalletSnapshot struct {
	Inventory       []string  `json:"inventory"`
	Wants           []string  `json:"wants"`
	CollectionWants []string  `json:"collectionWants"`
	LastActivity    time.Time `json:"lastActivity"`
}

// NFTSnapshot is one NFT's persisted state.
type NFTSnapshot struct {
	Owner      string          `json:"owner"`
	Collection string          `json:"collection,omitempty"`
	Name       string          `json:"name,omitempty"`
	Value      *float64        `json:"value,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// TenantRecord is the persisted registry entry for a tenant. APIKeyHash
// is the hex SHA-256 of the key; the key itself is never stored.
type TenantRecord struct {
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name,omitempty"`
	APIKeyHash string    `json:"apiKeyHash"`
	CreatedAt  time.Time `json:"createdAt"`
}
