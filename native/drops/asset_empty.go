package drops

import (
	"log/slog"
	"math/big"

	"keydrop/core/promise"
	"keydrop/core/types"
)

// EmptyAsset fills a key use that delivers nothing.
type EmptyAsset struct {
	id string
}

// NewEmptyAsset returns the placeholder asset registered under id.
func NewEmptyAsset(id string) *EmptyAsset { return &EmptyAsset{id: id} }

func (a *EmptyAsset) Kind() AssetKind { return KindEmpty }
func (a *EmptyAsset) ID() string      { return a.id }
func (a *EmptyAsset) IsEmpty() bool   { return true }

func (a *EmptyAsset) covers(*big.Int) bool { return true }

func (a *EmptyAsset) RequiredGas(s GasSchedule) types.Gas { return s.NoneAsset }

func (a *EmptyAsset) RefundAmount(*big.Int) *big.Int { return big.NewInt(0) }

func (a *EmptyAsset) External(*big.Int) *ExtAsset { return nil }

func (a *EmptyAsset) claim(*claimContext) (*promise.Promise, string) {
	return promise.Noop(), ""
}

// A no-op delivery cannot fail, so reaching this path means the outcome
// routing is broken.
func (a *EmptyAsset) onFailedClaim(logger *slog.Logger, _ string) (*big.Int, error) {
	logger.Error("failed claim reported for empty asset",
		slog.String("asset", a.id),
		slog.Any("error", ErrInvariantViolation))
	return big.NewInt(0), nil
}

func (a *EmptyAsset) clone() Asset { return &EmptyAsset{id: a.id} }
