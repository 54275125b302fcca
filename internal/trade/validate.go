package trade

import (
	"fmt"
	"time"
)

// View is the graph state consulted by validation and scoring. The
// tenant shared lock must be held for the duration of a call; the
// graph store satisfies it.
type View interface {
	OwnerOf(nftID string) (string, bool)
	WantsNFT(walletID, nftID string, includeCollections bool) bool
	WantsCollection(walletID, collectionID string) bool
	WantIndegree(nftID string) int
	NFTValue(nftID string) *float64
	NFTCollection(nftID string) string
	WalletLastActivity(walletID string) (time.Time, bool)
}

// ValidateOptions parameterises one validation pass.
type ValidateOptions struct {
	// MaxLength is the cycle-length cap the query ran under.
	MaxLength int
	// IncludeCollections allows wants satisfied via subscriptions.
	IncludeCollections bool
	// InventoryDirty reports whether a wallet's inventory changed after
	// the snapshot the loop was computed on. May be nil.
	InventoryDirty func(walletID string) bool
}

// Validate checks a candidate loop against the trade semantic. A non-nil
// return means the loop must be dropped; callers drop silently.
func Validate(loop *Loop, view View, opts ValidateOptions) error {
	k := len(loop.Steps)
	if k < 2 {
		return fmt.Errorf("loop of length %d", k)
	}
	if opts.MaxLength > 0 && k > opts.MaxLength {
		return fmt.Errorf("loop of length %d exceeds cap %d", k, opts.MaxLength)
	}

	wallets := make(map[string]struct{}, k)
	nfts := make(map[string]struct{}, k)
	for i, s := range loop.Steps {
		next := loop.Steps[(i+1)%k]
		if s.To != next.From {
			return fmt.Errorf("step %d: broken chain %s -> %s", i, s.To, next.From)
		}
		if s.From == s.To {
			return fmt.Errorf("step %d: self trade by %s", i, s.From)
		}
		if _, dup := wallets[s.From]; dup {
			return fmt.Errorf("wallet %s appears twice", s.From)
		}
		wallets[s.From] = struct{}{}
		if _, dup := nfts[s.NFT]; dup {
			return fmt.Errorf("nft %s appears twice", s.NFT)
		}
		nfts[s.NFT] = struct{}{}

		owner, ok := view.OwnerOf(s.NFT)
		if !ok || owner != s.From {
			return fmt.Errorf("step %d: %s does not own %s", i, s.From, s.NFT)
		}
		if !view.WantsNFT(s.To, s.NFT, opts.IncludeCollections) {
			return fmt.Errorf("step %d: %s does not want %s", i, s.To, s.NFT)
		}
	}

	if opts.InventoryDirty != nil {
		for w := range wallets {
			if opts.InventoryDirty(w) {
				return fmt.Errorf("wallet %s inventory changed since snapshot", w)
			}
		}
	}
	return nil
}
