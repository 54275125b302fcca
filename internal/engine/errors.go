package engine

import "errors"

// Error kinds the API boundary maps onto HTTP statuses. Operations wrap
// these with fmt.Errorf("%w: ...") so callers classify with errors.Is
// while keeping the human-readable detail.
var (
	// ErrValidation covers malformed input: bad ids, out-of-range
	// settings, a batch entry that cannot be applied.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers unknown tenants, wallets and NFTs in read
	// contexts.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized covers missing or unknown API keys.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrResourceExhausted covers per-tenant caps.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInternal covers invariant violations. Any occurrence is a bug.
	ErrInternal = errors.New("internal error")
)
