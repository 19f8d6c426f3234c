package core

import "errors"

// Typed error taxonomy (spec.md §7). Components return these sentinel
// kinds (wrapped with context via errors.Is-compatible %w) so callers at
// the transport boundary can translate to wire error codes without string
// matching.

// Validation errors — caller's fault, rejected before any state is touched.
var (
	ErrMissingField      = errors.New("MISSING_FIELD")
	ErrInvalidSignature  = errors.New("INVALID_SIGNATURE")
	ErrStaleNonce        = errors.New("STALE_NONCE")
	ErrDuplicateTx       = errors.New("DUPLICATE_TX")
	ErrFeeTooLow         = errors.New("FEE_TOO_LOW")
	ErrInvalidAmount     = errors.New("INVALID_AMOUNT")
	ErrSlippage          = errors.New("SLIPPAGE")
	ErrRatioMismatch     = errors.New("RATIO_MISMATCH")
)

// Business-rule errors — state-dependent, surfaced to the caller.
var (
	ErrPoolFull            = errors.New("POOL_FULL")
	ErrInsufficientBalance = errors.New("INSUFFICIENT_BALANCE")
	ErrValidatorUnknown    = errors.New("VALIDATOR_UNKNOWN")
	ErrValidatorJailed     = errors.New("VALIDATOR_JAILED")
	ErrStakeTooLow         = errors.New("STAKE_TOO_LOW")
	ErrPoolUninitialized   = errors.New("POOL_UNINITIALIZED")
	ErrPoolAlreadyInit     = errors.New("POOL_ALREADY_INITIALIZED")
	ErrNotFound            = errors.New("NOT_FOUND")
)

// Protocol errors — peer's fault; logged, peer deprioritized/disconnected,
// never affects local chain state.
var (
	ErrWrongChainID    = errors.New("WRONG_CHAIN_ID")
	ErrWrongGenesis    = errors.New("WRONG_GENESIS")
	ErrVersionRejected = errors.New("VERSION_REJECTED")
	ErrMalformedMsg    = errors.New("MALFORMED_MESSAGE")
	ErrInvalidBlockSig = errors.New("INVALID_BLOCK_SIGNATURE")
	ErrDeepReorg       = errors.New("DEEP_REORG_REJECTED")
)

// Invariant violations — treated as fatal bugs; the operation is aborted
// and the node should refuse to keep serving from corrupt state.
var (
	ErrInvariantKDecreased      = errors.New("INVARIANT_K_DECREASED")
	ErrInvariantSupplyDecreased = errors.New("INVARIANT_SUPPLY_DECREASED")
	ErrInvariantHashMismatch    = errors.New("INVARIANT_HASH_MISMATCH")
)
