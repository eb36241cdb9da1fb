package drops

import (
	"errors"
	"fmt"

	"keydrop/core/types"
)

var (
	errNilState     = errors.New("drops engine: state not configured")
	errNilScheduler = errors.New("drops engine: scheduler not configured")
	errNilCreator   = errors.New("drops engine: account creator not configured")

	// ErrInvariantViolation wraps defects in the surrounding orchestration.
	// They are logged and returned, never recovered from.
	ErrInvariantViolation = errors.New("drops: invariant violation")
	ErrUseOutOfRange      = fmt.Errorf("%w: key use out of range", ErrInvariantViolation)
	ErrAssetMissing       = fmt.Errorf("%w: asset missing from drop", ErrInvariantViolation)
	ErrAssetEmpty         = fmt.Errorf("%w: asset cannot back claim", ErrInvariantViolation)

	ErrInsufficientGas  = errors.New("drops: insufficient gas")
	ErrKeyNotFound      = errors.New("drops: key not found")
	ErrKeyExhausted     = errors.New("drops: key has no remaining uses")
	ErrDropNotFound     = errors.New("drops: drop not found")
	ErrClaimNotPending  = errors.New("drops: claim not pending")
	ErrPermissionDenied = errors.New("drops: entrypoint not permitted for this key use")
	ErrInvalidDrop      = errors.New("drops: invalid drop")
	ErrInvalidAsset     = errors.New("drops: invalid asset")
	ErrInvalidRequest   = errors.New("drops: invalid claim request")
)

// BudgetError reports a declared gas allowance that does not satisfy the
// entrypoint's requirement. No state has been touched when it is returned.
type BudgetError struct {
	Entrypoint string
	Required   types.Gas
	Provided   types.Gas
	Exact      bool
}

func (e *BudgetError) Error() string {
	if e.Exact {
		return fmt.Sprintf("drops: %s requires exactly %d gas, prepaid %d", e.Entrypoint, uint64(e.Required), uint64(e.Provided))
	}
	return fmt.Sprintf("drops: not enough gas attached for %s. Required: %d, Prepaid: %d", e.Entrypoint, uint64(e.Required), uint64(e.Provided))
}

// Unwrap lets callers match budget failures with errors.Is(err, ErrInsufficientGas).
func (e *BudgetError) Unwrap() error { return ErrInsufficientGas }
