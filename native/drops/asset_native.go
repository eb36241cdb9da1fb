package drops

import (
	"log/slog"
	"math/big"

	"keydrop/core/promise"
	"keydrop/core/types"
)

// NativeAsset delivers the platform currency. The per-use amount lives in the
// key use metadata, so the asset itself carries no ledger.
type NativeAsset struct {
	id string
}

// NewNativeAsset returns a native currency asset registered under id.
func NewNativeAsset(id string) *NativeAsset { return &NativeAsset{id: id} }

func (a *NativeAsset) Kind() AssetKind { return KindNative }
func (a *NativeAsset) ID() string      { return a.id }
func (a *NativeAsset) IsEmpty() bool   { return true }

func (a *NativeAsset) covers(*big.Int) bool { return true }

func (a *NativeAsset) RequiredGas(s GasSchedule) types.Gas { return s.NativeTransfer }

func (a *NativeAsset) RefundAmount(perUse *big.Int) *big.Int { return cloneBigInt(perUse) }

func (a *NativeAsset) External(perUse *big.Int) *ExtAsset {
	return &ExtAsset{ID: a.id, Kind: KindNative.String(), Amount: amountString(perUse)}
}

func (a *NativeAsset) claim(c *claimContext) (*promise.Promise, string) {
	amount := cloneBigInt(c.perUse)
	return promise.New(c.receiver).Transfer(amount), amount.String()
}

func (a *NativeAsset) onFailedClaim(_ *slog.Logger, claimed string) (*big.Int, error) {
	return parseAmount(claimed)
}

func (a *NativeAsset) clone() Asset { return &NativeAsset{id: a.id} }
