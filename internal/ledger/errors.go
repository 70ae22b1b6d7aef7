package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientSupply = errors.New("ledger: insufficient supply")
	ErrPaymentMismatch    = errors.New("ledger: payment mismatch")
	ErrResourceCeiling    = errors.New("ledger: resource ceiling exceeded")
	ErrStaleListing       = errors.New("ledger: stale listing")
	ErrReverted           = errors.New("ledger: reverted")

	// ErrNotFound is returned by Receipt for an unknown transaction.
	ErrNotFound = errors.New("ledger: transaction not found")

	// ErrMalformedListing is returned by DecodeListing.
	ErrMalformedListing = errors.New("ledger: malformed listing")
)

// RevertKind classifies why the ledger refused a settlement.
type RevertKind int

const (
	RevertUnknown RevertKind = iota
	RevertInsufficientSupply
	RevertPaymentMismatch
	RevertResourceCeiling
	RevertStaleListing
)

func (k RevertKind) String() string {
	switch k {
	case RevertInsufficientSupply:
		return "insufficient_supply"
	case RevertPaymentMismatch:
		return "payment_mismatch"
	case RevertResourceCeiling:
		return "resource_ceiling"
	case RevertStaleListing:
		return "stale_listing"
	default:
		return "unknown"
	}
}

// RevertError is a ledger-side refusal. errors.Is matches it against the
// sentinel for its kind.
type RevertError struct {
	Kind   RevertKind
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("ledger: reverted (%s): %s", e.Kind, e.Reason)
}

func (e *RevertError) Unwrap() error {
	switch e.Kind {
	case RevertInsufficientSupply:
		return ErrInsufficientSupply
	case RevertPaymentMismatch:
		return ErrPaymentMismatch
	case RevertResourceCeiling:
		return ErrResourceCeiling
	case RevertStaleListing:
		return ErrStaleListing
	default:
		return ErrReverted
	}
}

// Retryable reports whether a fresh re-plan could plausibly succeed. Payment
// mismatch means the off-ledger computation diverged from the ledger's, so
// repeating it would fail the same way.
func (e *RevertError) Retryable() bool {
	return e.Kind == RevertInsufficientSupply || e.Kind == RevertStaleListing
}

// erc721IncorrectOwner is the selector of ERC721IncorrectOwner(address,uint256).
const erc721IncorrectOwner = "0x177e802f"

var revertPatterns = []struct {
	kind    RevertKind
	needles []string
}{
	// Order matters: "insufficient payment" must classify as payment.
	{RevertStaleListing, []string{erc721IncorrectOwner, "incorrectowner", "not owner", "no longer owns", "stale listing"}},
	{RevertPaymentMismatch, []string{"payment", "incorrect value", "msg.value", "incorrect amount"}},
	{RevertInsufficientSupply, []string{"insufficient listings", "insufficient supply", "not enough tickets", "not enough listings", "no listings"}},
	{RevertResourceCeiling, []string{"out of gas", "gas required exceeds", "exceeds block gas limit", "intrinsic gas too low", "gas limit reached"}},
}

// ClassifyRevert maps a ledger revert message to a RevertError.
func ClassifyRevert(reason string) *RevertError {
	reason = strings.TrimSpace(strings.TrimPrefix(reason, "execution reverted:"))
	lower := strings.ToLower(reason)
	for _, p := range revertPatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return &RevertError{Kind: p.kind, Reason: reason}
			}
		}
	}
	return &RevertError{Kind: RevertUnknown, Reason: reason}
}

// IsRevertMessage reports whether an RPC error text describes an execution
// revert or a gas refusal rather than a transport failure.
func IsRevertMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "revert") ||
		strings.Contains(lower, "gas required exceeds") ||
		strings.Contains(lower, "out of gas") ||
		strings.Contains(lower, erc721IncorrectOwner)
}
