package graph

import (
	"fmt"
	"sort"

	"ringtrade/internal/models"
)

// Snapshot encodes the store into the persisted layout. Slices are
// sorted so successive snapshots of an unchanged graph are identical.
func (s *Store) Snapshot() *models.TenantSnapshot {
	snap := &models.TenantSnapshot{
		Wallets: make(map[string]models.WalletSnapshot, len(s.wallets)),
		NFTs:    make(map[string]models.NFTSnapshot, len(s.nfts)),
	}
	for id, w := range s.wallets {
		snap.Wallets[id] = models.WalletSnapshot{
			Inventory:       sortedKeys(w.Inventory),
			Wants:           sortedKeys(w.Wants),
			CollectionWants: sortedKeys(w.CollectionWants),
			LastActivity:    w.LastActivity,
		}
	}
	for id, n := range s.nfts {
		snap.NFTs[id] = models.NFTSnapshot{
			Owner:      n.Owner,
			Collection: n.Collection,
			Name:       n.Name,
			Value:      n.Value,
			Metadata:   n.Metadata,
		}
	}
	return snap
}

// Restore replaces the store's contents with a snapshot. NFT ownership
// is authoritative: wallet inventories are rebuilt from the NFT table,
// and wants that violate consistency (self-wants) are pruned.
func (s *Store) Restore(snap *models.TenantSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}

	s.wallets = make(map[string]*Wallet, len(snap.Wallets))
	s.nfts = make(map[string]*NFT, len(snap.NFTs))
	s.wanters = make(map[string]map[string]struct{})
	s.collSubs = make(map[string]map[string]struct{})
	s.collMembers = make(map[string]map[string]struct{})

	for id, ws := range snap.Wallets {
		if id == "" {
			return fmt.Errorf("snapshot wallet with empty id")
		}
		w := &Wallet{
			ID:              id,
			Inventory:       make(map[string]struct{}),
			Wants:           make(map[string]struct{}, len(ws.Wants)),
			CollectionWants: make(map[string]struct{}, len(ws.CollectionWants)),
			LastActivity:    ws.LastActivity,
		}
		for _, coll := range ws.CollectionWants {
			w.CollectionWants[coll] = struct{}{}
			addToSet(s.collSubs, coll, id)
		}
		s.wallets[id] = w
	}

	for id, ns := range snap.NFTs {
		if id == "" {
			return fmt.Errorf("snapshot nft with empty id")
		}
		if ns.Owner == "" {
			return fmt.Errorf("snapshot nft %s has no owner", id)
		}
		owner, ok := s.wallets[ns.Owner]
		if !ok {
			return fmt.Errorf("snapshot nft %s owned by unknown wallet %s", id, ns.Owner)
		}
		s.nfts[id] = &NFT{
			ID:         id,
			Owner:      ns.Owner,
			Collection: ns.Collection,
			Name:       ns.Name,
			Value:      ns.Value,
			Metadata:   ns.Metadata,
		}
		owner.Inventory[id] = struct{}{}
		if ns.Collection != "" {
			addToSet(s.collMembers, ns.Collection, id)
		}
	}

	for id, ws := range snap.Wallets {
		w := s.wallets[id]
		for _, nftID := range ws.Wants {
			if n, ok := s.nfts[nftID]; ok && n.Owner == id {
				continue // owned since the want was recorded
			}
			w.Wants[nftID] = struct{}{}
			addToSet(s.wanters, nftID, id)
		}
	}

	s.adjMu.Lock()
	s.adj = make(map[string][]Edge)
	s.adjDirty = make(map[string]struct{}, len(s.wallets))
	for id := range s.wallets {
		s.adjDirty[id] = struct{}{}
	}
	s.adjMu.Unlock()
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
