package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an operation references a wallet, NFT or
// want that the store does not hold.
var ErrNotFound = errors.New("not found")

// NFT is a tenant-scoped item. Owner is always a known wallet; Value is
// nil when no estimate was supplied. Metadata is the untouched inbound
// blob.
type NFT struct {
	ID         string
	Owner      string
	Collection string
	Name       string
	Value      *float64
	Metadata   json.RawMessage
}

// Wallet is a participant. Inventory holds owned NFT ids, Wants holds
// explicitly wanted NFT ids, CollectionWants holds collection
// subscriptions that expand against current and future membership.
type Wallet struct {
	ID              string
	Inventory       map[string]struct{}
	Wants           map[string]struct{}
	CollectionWants map[string]struct{}
	LastActivity    time.Time
}

// Edge is one derived wants-graph edge out of an owner's adjacency row:
// the owner holds NFT and To wants it. ViaCollection marks edges that
// exist only through a collection subscription.
type Edge struct {
	To            string
	NFT           string
	ViaCollection bool
}

// Effect reports which wallets a mutation touched so the caller can
// mark them dirty. PrevOwner is set only on an ownership transfer.
type Effect struct {
	Affected  []string
	PrevOwner string
}

// Store is a single tenant's barter graph. It is NOT internally
// synchronized: the owning tenant's RWMutex guards every method. The
// derived adjacency is the one exception; it rebuilds lazily under its
// own mutex so that concurrent shared-lock readers stay safe.
type Store struct {
	wallets     map[string]*Wallet
	nfts        map[string]*NFT
	wanters     map[string]map[string]struct{} // nft id -> wallets wanting it
	collSubs    map[string]map[string]struct{} // collection id -> subscribed wallets
	collMembers map[string]map[string]struct{} // collection id -> member nft ids

	adjMu    sync.Mutex
	adj      map[string][]Edge
	adjDirty map[string]struct{}
}

// NewStore returns an empty graph.
func NewStore() *Store {
	return &Store{
		wallets:     make(map[string]*Wallet),
		nfts:        make(map[string]*NFT),
		wanters:     make(map[string]map[string]struct{}),
		collSubs:    make(map[string]map[string]struct{}),
		collMembers: make(map[string]map[string]struct{}),
		adj:         make(map[string][]Edge),
		adjDirty:    make(map[string]struct{}),
	}
}

func (s *Store) ensureWallet(id string, now time.Time) *Wallet {
	w, ok := s.wallets[id]
	if !ok {
		w = &Wallet{
			ID:              id,
			Inventory:       make(map[string]struct{}),
			Wants:           make(map[string]struct{}),
			CollectionWants: make(map[string]struct{}),
		}
		s.wallets[id] = w
	}
	w.LastActivity = now
	return w
}

// AddNFT inserts an NFT or updates an existing one. Re-adding under a
// different owner is an ownership transfer: the previous owner loses
// the item and both owners land in the effect. A want the new owner
// held for this NFT is pruned (a wallet never wants what it owns).
func (s *Store) AddNFT(in NFT, now time.Time) (Effect, error) {
	if in.ID == "" {
		return Effect{}, fmt.Errorf("nft id is required")
	}
	if in.Owner == "" {
		return Effect{}, fmt.Errorf("nft %s: owner id is required", in.ID)
	}

	owner := s.ensureWallet(in.Owner, now)
	eff := Effect{Affected: []string{in.Owner}}

	existing, ok := s.nfts[in.ID]
	if ok {
		if existing.Owner != in.Owner {
			prev := s.wallets[existing.Owner]
			delete(prev.Inventory, in.ID)
			prev.LastActivity = now
			eff.PrevOwner = existing.Owner
			eff.Affected = append(eff.Affected, existing.Owner)
			s.markAdjDirty(existing.Owner)
		}
		if in.Collection != existing.Collection {
			s.dropCollectionMember(existing.Collection, in.ID)
		}
		existing.Owner = in.Owner
		existing.Collection = in.Collection
		existing.Name = in.Name
		if in.Value != nil {
			existing.Value = in.Value
		}
		if len(in.Metadata) > 0 {
			existing.Metadata = in.Metadata
		}
	} else {
		n := in
		s.nfts[in.ID] = &n
	}

	owner.Inventory[in.ID] = struct{}{}
	if in.Collection != "" {
		addToSet(s.collMembers, in.Collection, in.ID)
	}

	// Acquiring an item satisfies the owner's want for it.
	if _, wanted := owner.Wants[in.ID]; wanted {
		delete(owner.Wants, in.ID)
		dropFromSet(s.wanters, in.ID, in.Owner)
	}

	s.markAdjDirty(in.Owner)
	return eff, nil
}

// RemoveNFT deletes an NFT together with every want referencing it.
func (s *Store) RemoveNFT(id string) (Effect, error) {
	n, ok := s.nfts[id]
	if !ok {
		return Effect{}, fmt.Errorf("nft %s: %w", id, ErrNotFound)
	}

	eff := Effect{Affected: []string{n.Owner}}
	if owner, ok := s.wallets[n.Owner]; ok {
		delete(owner.Inventory, id)
	}
	for wid := range s.wanters[id] {
		if w, ok := s.wallets[wid]; ok {
			delete(w.Wants, id)
			eff.Affected = append(eff.Affected, wid)
		}
	}
	delete(s.wanters, id)
	s.dropCollectionMember(n.Collection, id)
	delete(s.nfts, id)

	s.markAdjDirty(n.Owner)
	return eff, nil
}

// AddWant registers an explicit NFT want. The NFT may be unknown (it
// can arrive later); wanting an item the wallet already owns is
// rejected.
func (s *Store) AddWant(walletID, nftID string, now time.Time) error {
	if walletID == "" || nftID == "" {
		return fmt.Errorf("wallet id and nft id are required")
	}
	if n, ok := s.nfts[nftID]; ok && n.Owner == walletID {
		return fmt.Errorf("wallet %s already owns nft %s", walletID, nftID)
	}
	w := s.ensureWallet(walletID, now)
	w.Wants[nftID] = struct{}{}
	addToSet(s.wanters, nftID, walletID)
	if n, ok := s.nfts[nftID]; ok {
		s.markAdjDirty(n.Owner)
	}
	return nil
}

// AddCollectionWant subscribes a wallet to a whole collection. The
// subscription expands against current membership and keeps expanding
// as new NFTs of the collection arrive.
func (s *Store) AddCollectionWant(walletID, collectionID string, now time.Time) error {
	if walletID == "" || collectionID == "" {
		return fmt.Errorf("wallet id and collection id are required")
	}
	w := s.ensureWallet(walletID, now)
	w.CollectionWants[collectionID] = struct{}{}
	addToSet(s.collSubs, collectionID, walletID)
	s.markOwnersDirty(collectionID)
	return nil
}

// RemoveWant removes an explicit NFT want or, failing that, a
// collection subscription under the same id.
func (s *Store) RemoveWant(walletID, id string) error {
	w, ok := s.wallets[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	if _, ok := w.Wants[id]; ok {
		delete(w.Wants, id)
		dropFromSet(s.wanters, id, walletID)
		if n, ok := s.nfts[id]; ok {
			s.markAdjDirty(n.Owner)
		}
		return nil
	}
	if _, ok := w.CollectionWants[id]; ok {
		delete(w.CollectionWants, id)
		dropFromSet(s.collSubs, id, walletID)
		s.markOwnersDirty(id)
		return nil
	}
	return fmt.Errorf("want %s for wallet %s: %w", id, walletID, ErrNotFound)
}

// RemoveWallet deletes a wallet, its inventory and its wants.
func (s *Store) RemoveWallet(id string) (Effect, error) {
	w, ok := s.wallets[id]
	if !ok {
		return Effect{}, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}

	var eff Effect
	owned := make([]string, 0, len(w.Inventory))
	for nftID := range w.Inventory {
		owned = append(owned, nftID)
	}
	for _, nftID := range owned {
		sub, err := s.RemoveNFT(nftID)
		if err == nil {
			eff.Affected = append(eff.Affected, sub.Affected...)
		}
	}
	for nftID := range w.Wants {
		dropFromSet(s.wanters, nftID, id)
		if n, ok := s.nfts[nftID]; ok {
			eff.Affected = append(eff.Affected, n.Owner)
			s.markAdjDirty(n.Owner)
		}
	}
	for coll := range w.CollectionWants {
		dropFromSet(s.collSubs, coll, id)
		s.markOwnersDirty(coll)
	}
	delete(s.wallets, id)
	s.adjMu.Lock()
	delete(s.adj, id)
	delete(s.adjDirty, id)
	s.adjMu.Unlock()
	return eff, nil
}

// CollectGarbage removes each candidate wallet that holds nothing and
// wants nothing. Returns the ids actually removed.
func (s *Store) CollectGarbage(candidates []string) []string {
	var removed []string
	for _, id := range candidates {
		w, ok := s.wallets[id]
		if !ok {
			continue
		}
		if len(w.Inventory) == 0 && len(w.Wants) == 0 && len(w.CollectionWants) == 0 {
			delete(s.wallets, id)
			s.adjMu.Lock()
			delete(s.adj, id)
			delete(s.adjDirty, id)
			s.adjMu.Unlock()
			removed = append(removed, id)
		}
	}
	return removed
}

// Wallet returns a wallet by id.
func (s *Store) Wallet(id string) (*Wallet, bool) {
	w, ok := s.wallets[id]
	return w, ok
}

// NFT returns an NFT by id.
func (s *Store) NFT(id string) (*NFT, bool) {
	n, ok := s.nfts[id]
	return n, ok
}

// OwnerOf resolves an NFT to its current owner.
func (s *Store) OwnerOf(nftID string) (string, bool) {
	n, ok := s.nfts[nftID]
	if !ok {
		return "", false
	}
	return n.Owner, true
}

// WantsNFT reports whether the wallet wants the NFT, explicitly or via
// a collection subscription when includeCollections is set.
func (s *Store) WantsNFT(walletID, nftID string, includeCollections bool) bool {
	w, ok := s.wallets[walletID]
	if !ok {
		return false
	}
	if _, ok := w.Wants[nftID]; ok {
		return true
	}
	if !includeCollections {
		return false
	}
	n, ok := s.nfts[nftID]
	if !ok || n.Collection == "" {
		return false
	}
	_, sub := w.CollectionWants[n.Collection]
	return sub
}

// WantsCollection reports an active collection subscription.
func (s *Store) WantsCollection(walletID, collectionID string) bool {
	w, ok := s.wallets[walletID]
	if !ok {
		return false
	}
	_, sub := w.CollectionWants[collectionID]
	return sub
}

// NFTValue returns the value estimate, nil when unknown.
func (s *Store) NFTValue(nftID string) *float64 {
	if n, ok := s.nfts[nftID]; ok {
		return n.Value
	}
	return nil
}

// NFTCollection returns the collection id, empty when none.
func (s *Store) NFTCollection(nftID string) string {
	if n, ok := s.nfts[nftID]; ok {
		return n.Collection
	}
	return ""
}

// WalletLastActivity returns the wallet's last mutation time.
func (s *Store) WalletLastActivity(walletID string) (time.Time, bool) {
	if w, ok := s.wallets[walletID]; ok {
		return w.LastActivity, true
	}
	return time.Time{}, false
}

// WantIndegree counts the wallets wanting an NFT, explicit wants plus
// collection subscribers.
func (s *Store) WantIndegree(nftID string) int {
	seen := make(map[string]struct{}, len(s.wanters[nftID]))
	for w := range s.wanters[nftID] {
		seen[w] = struct{}{}
	}
	if n, ok := s.nfts[nftID]; ok && n.Collection != "" {
		for w := range s.collSubs[n.Collection] {
			seen[w] = struct{}{}
		}
	}
	if n, ok := s.nfts[nftID]; ok {
		delete(seen, n.Owner)
	}
	return len(seen)
}

func addToSet(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func dropFromSet(m map[string]map[string]struct{}, key, member string) {
	if set, ok := m[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func (s *Store) dropCollectionMember(coll, nftID string) {
	if coll != "" {
		dropFromSet(s.collMembers, coll, nftID)
	}
}

func (s *Store) markAdjDirty(owner string) {
	s.adjMu.Lock()
	s.adjDirty[owner] = struct{}{}
	s.adjMu.Unlock()
}

// CollectionOwners returns the distinct wallets holding NFTs of the
// collection, sorted.
func (s *Store) CollectionOwners(collectionID string) []string {
	seen := make(map[string]struct{})
	for nftID := range s.collMembers[collectionID] {
		if n, ok := s.nfts[nftID]; ok {
			seen[n.Owner] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// markOwnersDirty invalidates the adjacency row of every wallet holding
// an NFT of the collection.
func (s *Store) markOwnersDirty(collectionID string) {
	s.adjMu.Lock()
	defer s.adjMu.Unlock()
	for nftID := range s.collMembers[collectionID] {
		if n, ok := s.nfts[nftID]; ok {
			s.adjDirty[n.Owner] = struct{}{}
		}
	}
}

// Adjacency returns the derived wants-graph, rebuilding stale rows
// first. Rows only become stale under the tenant's exclusive lock, so
// once any shared-lock reader drains the dirty set the map is
// write-free until the next mutation; callers must not modify it.
func (s *Store) Adjacency() map[string][]Edge {
	s.adjMu.Lock()
	defer s.adjMu.Unlock()
	if len(s.adjDirty) > 0 {
		for owner := range s.adjDirty {
			s.rebuildRow(owner)
		}
		s.adjDirty = make(map[string]struct{})
	}
	return s.adj
}

// rebuildRow recomputes one owner's outgoing edges. Iteration is sorted
// so that enumeration order, and with it loop fingerprint sets, stays
// deterministic for a given graph state.
func (s *Store) rebuildRow(owner string) {
	w, ok := s.wallets[owner]
	if !ok {
		delete(s.adj, owner)
		return
	}

	nftIDs := make([]string, 0, len(w.Inventory))
	for id := range w.Inventory {
		nftIDs = append(nftIDs, id)
	}
	sort.Strings(nftIDs)

	var row []Edge
	for _, nftID := range nftIDs {
		n := s.nfts[nftID]
		if n == nil {
			continue
		}
		explicit := s.wanters[nftID]
		candidates := make(map[string]bool, len(explicit))
		for wid := range explicit {
			candidates[wid] = false
		}
		if n.Collection != "" {
			for wid := range s.collSubs[n.Collection] {
				if _, ok := candidates[wid]; !ok {
					candidates[wid] = true
				}
			}
		}
		wanterIDs := make([]string, 0, len(candidates))
		for wid := range candidates {
			wanterIDs = append(wanterIDs, wid)
		}
		sort.Strings(wanterIDs)
		for _, wid := range wanterIDs {
			if wid == owner {
				continue
			}
			if _, ok := s.wallets[wid]; !ok {
				continue
			}
			row = append(row, Edge{To: wid, NFT: nftID, ViaCollection: candidates[wid]})
		}
	}

	if len(row) == 0 {
		delete(s.adj, owner)
		return
	}
	s.adj[owner] = row
}

// Neighborhood returns the wallets reachable from seed within depth
// hops of the wants-graph, seed included, sorted by id.
func (s *Store) Neighborhood(seed string, depth int) []string {
	if _, ok := s.wallets[seed]; !ok {
		return nil
	}
	adj := s.Adjacency()

	visited := map[string]struct{}{seed: {}}
	frontier := []string{seed}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, v := range frontier {
			for _, e := range adj[v] {
				if _, ok := visited[e.To]; !ok {
					visited[e.To] = struct{}{}
					next = append(next, e.To)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(visited))
	for v := range visited {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// AllWallets returns every wallet id, sorted. Used for tenant-wide
// discovery seeds and snapshotting.
func (s *Store) AllWallets() []string {
	out := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats summarises the store for status reporting.
type Stats struct {
	Wallets         int `json:"wallets"`
	NFTs            int `json:"nfts"`
	ExplicitWants   int `json:"explicitWants"`
	CollectionWants int `json:"collectionWants"`
}

// Stats counts the primary indices.
func (s *Store) Stats() Stats {
	st := Stats{Wallets: len(s.wallets), NFTs: len(s.nfts)}
	for _, set := range s.wanters {
		st.ExplicitWants += len(set)
	}
	for _, set := range s.collSubs {
		st.CollectionWants += len(set)
	}
	return st
}

// WantIndegrees returns len(wanters) per live NFT, one value per NFT,
// unsorted. The scorer derives its tenant demand median from it.
func (s *Store) WantIndegrees() []float64 {
	out := make([]float64, 0, len(s.nfts))
	for id := range s.nfts {
		out = append(out, float64(s.WantIndegree(id)))
	}
	return out
}
