package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"ringtrade/internal/eventbus"
	"ringtrade/internal/graph"
	"ringtrade/internal/models"
	"ringtrade/internal/worker"
)

// Mutation kinds carried on graph_mutated events.
const (
	KindInventorySubmitted = "inventory_submitted"
	KindWantsSubmitted     = "wants_submitted"
	KindNFTRemoved         = "nft_removed"
	KindWantRemoved        = "want_removed"
	KindWalletRemoved      = "wallet_removed"
)

// MutationEvent is the graph_mutated payload.
type MutationEvent struct {
	Kind    string   `json:"kind"`
	Wallets []string `json:"wallets"`
	Version uint64   `json:"version"`
}

// SubmitInventory applies an addNFT batch atomically: the whole batch
// is validated first, naming the offending index on failure, then
// applied under one exclusive lock.
func (e *Engine) SubmitInventory(tenantID string, req models.SubmitInventoryRequest) error {
	t, err := e.Tenant(tenantID)
	if err != nil {
		return err
	}
	if req.WalletID == "" {
		return fmt.Errorf("%w: walletId is required", ErrValidation)
	}
	if len(req.NFTs) == 0 {
		return fmt.Errorf("%w: nfts batch is empty", ErrValidation)
	}

	// Decode and shape-check outside the lock.
	items := make([]graph.NFT, len(req.NFTs))
	for i, in := range req.NFTs {
		if in.ID == "" {
			return fmt.Errorf("%w: nfts[%d]: id is required", ErrValidation, i)
		}
		meta, err := models.ParseNFTMetadata(in.Metadata)
		if err != nil {
			return fmt.Errorf("%w: nfts[%d]: metadata: %s", ErrValidation, i, err)
		}
		if meta.EstimatedValueUSD != nil && *meta.EstimatedValueUSD < 0 {
			return fmt.Errorf("%w: nfts[%d]: estimatedValueUSD is negative", ErrValidation, i)
		}
		owner := req.WalletID
		if in.Ownership != nil && in.Ownership.OwnerID != "" {
			owner = in.Ownership.OwnerID
		}
		var coll string
		if in.Collection != nil {
			coll = in.Collection.ID
		}
		items[i] = graph.NFT{
			ID:         in.ID,
			Owner:      owner,
			Collection: coll,
			Name:       meta.Name,
			Value:      meta.EstimatedValueUSD,
			Metadata:   in.Metadata,
		}
	}

	now := time.Now()
	marks := make(map[string]worker.Reason)

	t.mu.Lock()
	if err := t.checkInventoryCaps(items, e.opts.Limits); err != nil {
		t.mu.Unlock()
		return err
	}
	for _, it := range items {
		eff, err := t.graph.AddNFT(it, now)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrInternal, err)
		}
		reason := worker.ReasonInventoryChanged
		if eff.PrevOwner != "" {
			reason = worker.ReasonOwnershipTransferred
		}
		for _, w := range eff.Affected {
			noteDirty(marks, w, reason)
		}
	}
	v := t.commit(marks, nil)
	t.mu.Unlock()

	e.afterMutation(t, marks, v, now, KindInventorySubmitted)
	return nil
}

// SubmitWants applies an addWant batch atomically. Wants for NFTs the
// engine has not seen yet are accepted; they bind when the NFT arrives.
func (e *Engine) SubmitWants(tenantID string, req models.SubmitWantsRequest) error {
	t, err := e.Tenant(tenantID)
	if err != nil {
		return err
	}
	if req.WalletID == "" {
		return fmt.Errorf("%w: walletId is required", ErrValidation)
	}
	if len(req.WantedNFTs) == 0 && len(req.WantedCollections) == 0 {
		return fmt.Errorf("%w: wants batch is empty", ErrValidation)
	}
	for i, id := range req.WantedNFTs {
		if id == "" {
			return fmt.Errorf("%w: wantedNFTs[%d]: id is required", ErrValidation, i)
		}
	}
	for i, id := range req.WantedCollections {
		if id == "" {
			return fmt.Errorf("%w: wantedCollections[%d]: id is required", ErrValidation, i)
		}
	}

	now := time.Now()
	marks := make(map[string]worker.Reason)

	t.mu.Lock()
	if _, known := t.graph.Wallet(req.WalletID); !known {
		if t.graph.Stats().Wallets+1 > e.opts.Limits.MaxWalletsPerTenant {
			t.mu.Unlock()
			return fmt.Errorf("%w: wallet cap %d reached", ErrResourceExhausted, e.opts.Limits.MaxWalletsPerTenant)
		}
	}
	for i, id := range req.WantedNFTs {
		if n, ok := t.graph.NFT(id); ok && n.Owner == req.WalletID {
			t.mu.Unlock()
			return fmt.Errorf("%w: wantedNFTs[%d]: wallet %s already owns %s", ErrValidation, i, req.WalletID, id)
		}
	}

	for _, id := range req.WantedNFTs {
		if err := t.graph.AddWant(req.WalletID, id, now); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrInternal, err)
		}
		if owner, ok := t.graph.OwnerOf(id); ok {
			noteDirty(marks, owner, worker.ReasonWantsChanged)
		}
	}
	for _, cid := range req.WantedCollections {
		if err := t.graph.AddCollectionWant(req.WalletID, cid, now); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrInternal, err)
		}
		for _, owner := range t.graph.CollectionOwners(cid) {
			if owner != req.WalletID {
				noteDirty(marks, owner, worker.ReasonWantsChanged)
			}
		}
	}
	noteDirty(marks, req.WalletID, worker.ReasonWantsChanged)
	v := t.commit(marks, nil)
	t.mu.Unlock()

	e.afterMutation(t, marks, v, now, KindWantsSubmitted)
	return nil
}

// RemoveNFT deletes an NFT and every want referencing it, and eagerly
// drops cached loops carrying it.
func (e *Engine) RemoveNFT(tenantID, nftID string) error {
	t, err := e.Tenant(tenantID)
	if err != nil {
		return err
	}
	if nftID == "" {
		return fmt.Errorf("%w: nftId is required", ErrValidation)
	}

	now := time.Now()
	marks := make(map[string]worker.Reason)

	t.mu.Lock()
	eff, err := t.graph.RemoveNFT(nftID)
	if err != nil {
		t.mu.Unlock()
		if errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("nft %s: %w", nftID, ErrNotFound)
		}
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}
	for i, w := range eff.Affected {
		if i == 0 {
			noteDirty(marks, w, worker.ReasonInventoryChanged)
		} else {
			noteDirty(marks, w, worker.ReasonWantsChanged)
		}
	}
	t.cache.InvalidateNFT(nftID)
	v := t.commit(marks, marks)
	t.mu.Unlock()

	e.afterMutation(t, marks, v, now, KindNFTRemoved)
	return nil
}

// RemoveWant drops an explicit NFT want or a collection subscription.
func (e *Engine) RemoveWant(tenantID, walletID, id string) error {
	t, err := e.Tenant(tenantID)
	if err != nil {
		return err
	}
	if walletID == "" || id == "" {
		return fmt.Errorf("%w: walletId and id are required", ErrValidation)
	}

	now := time.Now()
	marks := make(map[string]worker.Reason)

	t.mu.Lock()
	w, ok := t.graph.Wallet(walletID)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	if _, isNFT := w.Wants[id]; isNFT {
		if owner, ok := t.graph.OwnerOf(id); ok {
			noteDirty(marks, owner, worker.ReasonWantsChanged)
		}
	} else if _, isColl := w.CollectionWants[id]; isColl {
		for _, owner := range t.graph.CollectionOwners(id) {
			if owner != walletID {
				noteDirty(marks, owner, worker.ReasonWantsChanged)
			}
		}
	} else {
		t.mu.Unlock()
		return fmt.Errorf("want %s for wallet %s: %w", id, walletID, ErrNotFound)
	}
	if err := t.graph.RemoveWant(walletID, id); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInternal, err)
	}
	noteDirty(marks, walletID, worker.ReasonWantsChanged)
	v := t.commit(marks, marks)
	t.mu.Unlock()

	e.afterMutation(t, marks, v, now, KindWantRemoved)
	return nil
}

// RemoveWallet deletes a wallet with its inventory and wants, and
// eagerly drops every cached loop it or its NFTs participated in.
func (e *Engine) RemoveWallet(tenantID, walletID string) error {
	t, err := e.Tenant(tenantID)
	if err != nil {
		return err
	}
	if walletID == "" {
		return fmt.Errorf("%w: walletId is required", ErrValidation)
	}

	now := time.Now()
	marks := make(map[string]worker.Reason)

	t.mu.Lock()
	w, ok := t.graph.Wallet(walletID)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	owned := make([]string, 0, len(w.Inventory))
	for nftID := range w.Inventory {
		owned = append(owned, nftID)
	}
	sort.Strings(owned)

	eff, err := t.graph.RemoveWallet(walletID)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInternal, err)
	}
	for _, aw := range eff.Affected {
		if aw != walletID {
			noteDirty(marks, aw, worker.ReasonWantsChanged)
		}
	}
	t.cache.Invalidate(walletID)
	for _, nftID := range owned {
		t.cache.InvalidateNFT(nftID)
	}
	delete(t.dirty, walletID)
	v := t.commit(marks, marks)
	t.mu.Unlock()

	e.afterMutation(t, marks, v, now, KindWalletRemoved)
	return nil
}

// commit finishes a mutation under the exclusive lock: bumps the graph
// version, garbage-collects emptied wallets from the candidate set, and
// stamps the surviving dirty marks. Collected wallets lose their cache
// entries and dirty bookkeeping immediately.
func (t *Tenant) commit(marks map[string]worker.Reason, gcCandidates map[string]worker.Reason) uint64 {
	t.version++
	v := t.version

	if len(gcCandidates) > 0 {
		candidates := make([]string, 0, len(gcCandidates))
		for w := range gcCandidates {
			candidates = append(candidates, w)
		}
		sort.Strings(candidates)
		for _, w := range t.graph.CollectGarbage(candidates) {
			delete(marks, w)
			delete(t.dirty, w)
			t.cache.Invalidate(w)
		}
	}

	t.markDirty(marks, v)
	return v
}

// checkInventoryCaps rejects a batch that would push the tenant past
// its wallet or NFT caps. Only genuinely new entities count.
func (t *Tenant) checkInventoryCaps(items []graph.NFT, limits Limits) error {
	gs := t.graph.Stats()
	newNFTs := make(map[string]struct{})
	newWallets := make(map[string]struct{})
	for _, it := range items {
		if _, ok := t.graph.NFT(it.ID); !ok {
			newNFTs[it.ID] = struct{}{}
		}
		if _, ok := t.graph.Wallet(it.Owner); !ok {
			newWallets[it.Owner] = struct{}{}
		}
	}
	if gs.NFTs+len(newNFTs) > limits.MaxNFTsPerTenant {
		return fmt.Errorf("%w: nft cap %d reached", ErrResourceExhausted, limits.MaxNFTsPerTenant)
	}
	if gs.Wallets+len(newWallets) > limits.MaxWalletsPerTenant {
		return fmt.Errorf("%w: wallet cap %d reached", ErrResourceExhausted, limits.MaxWalletsPerTenant)
	}
	return nil
}

// afterMutation runs outside the tenant lock: wakes the worker for each
// dirty wallet and announces the mutation on the bus.
func (e *Engine) afterMutation(t *Tenant, marks map[string]worker.Reason, v uint64, now time.Time, kind string) {
	wallets := make([]string, 0, len(marks))
	for w, reason := range marks {
		e.pool.Mark(t.ID, w, reason, v, now)
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	e.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeGraphMutated,
		TenantID:  t.ID,
		Timestamp: now,
		Data:      MutationEvent{Kind: kind, Wallets: wallets, Version: v},
	})
}

func reasonRank(r worker.Reason) int {
	switch r {
	case worker.ReasonOwnershipTransferred:
		return 3
	case worker.ReasonInventoryChanged:
		return 2
	default:
		return 1
	}
}

// noteDirty records the strongest reason seen for a wallet in this
// batch; ownership beats inventory beats wants.
func noteDirty(marks map[string]worker.Reason, w string, r worker.Reason) {
	if cur, ok := marks[w]; ok && reasonRank(cur) >= reasonRank(r) {
		return
	}
	marks[w] = r
}
