package trade

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Step is one leg of a trade loop: From gives NFT to To.
type Step struct {
	From string
	To   string
	NFT  string
}

// Loop is a closed barter cycle: every participant gives exactly one
// NFT and receives exactly one. ID is the canonical fingerprint.
type Loop struct {
	ID           string
	Steps        []Step
	Participants int
	TotalValue   float64
	Score        float64
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// NewLoop builds a loop from an ordered step cycle and stamps its
// fingerprint and lifetime.
func NewLoop(steps []Step, now time.Time, ttl time.Duration) *Loop {
	return &Loop{
		ID:           Fingerprint(steps),
		Steps:        steps,
		Participants: len(steps),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

// Wallets returns the participant wallet ids in step order.
func (l *Loop) Wallets() []string {
	out := make([]string, len(l.Steps))
	for i, s := range l.Steps {
		out[i] = s.From
	}
	return out
}

// NFTs returns the traded NFT ids in step order.
func (l *Loop) NFTs() []string {
	out := make([]string, len(l.Steps))
	for i, s := range l.Steps {
		out[i] = s.NFT
	}
	return out
}

// Fingerprint hashes the lexicographically minimal rotation of the
// (giver, nft) sequence, so every rotation of the same loop shares one
// id while a reversed loop (opposite giving direction) gets another.
func Fingerprint(steps []Step) string {
	k := len(steps)
	if k == 0 {
		return ""
	}

	parts := make([]string, k)
	for i, s := range steps {
		parts[i] = s.From + "\x1f" + s.NFT
	}

	serialize := func(start int) string {
		var b strings.Builder
		for i := 0; i < k; i++ {
			b.WriteString(parts[(start+i)%k])
			b.WriteByte('\x1e')
		}
		return b.String()
	}

	min := serialize(0)
	for r := 1; r < k; r++ {
		if s := serialize(r); s < min {
			min = s
		}
	}

	sum := sha256.Sum256([]byte(min))
	return hex.EncodeToString(sum[:])
}
