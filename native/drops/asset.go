package drops

import (
	"log/slog"
	"math/big"

	"keydrop/core/promise"
	"keydrop/core/types"
)

// AssetKind identifies the variant behind an Asset.
type AssetKind uint8

const (
	KindNative AssetKind = iota + 1
	KindFungible
	KindNonFungible
	KindFunctionCall
	KindEmpty
)

func (k AssetKind) String() string {
	switch k {
	case KindNative:
		return "near"
	case KindFungible:
		return "ft"
	case KindNonFungible:
		return "nft"
	case KindFunctionCall:
		return "fc"
	case KindEmpty:
		return "none"
	default:
		return "unknown"
	}
}

// Asset is one entry of a drop's asset table. The set of implementations is
// closed: the unexported methods keep other packages from adding variants, and
// a new variant in this package does not compile until it answers every
// operation below.
type Asset interface {
	Kind() AssetKind
	ID() string
	// IsEmpty reports whether the asset holds no funded inventory. Assets
	// without inventory (native, function-call, empty) always report true.
	IsEmpty() bool
	// RequiredGas is the delivery cost of one claim of this asset.
	RequiredGas(GasSchedule) types.Gas
	// RefundAmount is what the funder is owed for one unclaimed use.
	RefundAmount(perUse *big.Int) *big.Int
	// External renders the asset for read-only views. Empty assets return nil.
	External(perUse *big.Int) *ExtAsset

	// claim mutates the asset ledger and returns the delivery promise along
	// with a descriptor of what was taken from the ledger.
	claim(c *claimContext) (*promise.Promise, string)
	// covers reports whether the ledger can back one claim of perUse. The
	// engine checks it before claim.
	covers(perUse *big.Int) bool
	// onFailedClaim restores the ledger for a delivery that did not succeed and
	// returns the native amount owed back to the funder.
	onFailedClaim(logger *slog.Logger, claimed string) (*big.Int, error)
	clone() Asset
}

type claimContext struct {
	receiver string
	perUse   *big.Int
	fcArgs   AssetFCArgs
	dropID   string
	keyID    string
	funder   string
	gas      GasSchedule
	logger   *slog.Logger
}

// ExtAsset is the read-only rendering of an asset.
type ExtAsset struct {
	ID               string      `json:"id"`
	Kind             string      `json:"kind"`
	ContractID       string      `json:"contract_id,omitempty"`
	RegistrationCost string      `json:"registration_cost,omitempty"`
	Amount           string      `json:"amount,omitempty"`
	TokensRemaining  *int        `json:"tokens_remaining,omitempty"`
	Methods          []ExtMethod `json:"methods,omitempty"`
}

// ExtMethod is the read-only rendering of one function-call method.
type ExtMethod struct {
	ReceiverID      string `json:"receiver_id"`
	MethodName      string `json:"method_name"`
	Args            string `json:"args,omitempty"`
	AttachedDeposit string `json:"attached_deposit"`
	AttachedGas     uint64 `json:"attached_gas"`
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
