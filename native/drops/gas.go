package drops

import (
	"fmt"

	"keydrop/core/types"
)

// GasSchedule lists the fixed gas costs of every delivery path. All claim
// budgets are derived from it before any external call is issued, since the
// allowance cannot be extended once execution begins.
type GasSchedule struct {
	// OneCCC is the minimum overhead of one cross-contract call.
	OneCCC types.Gas
	// ClaimBase covers dispatch, bookkeeping and the resolution callback of a
	// plain claim.
	ClaimBase types.Gas
	// CreateAccount is attached to the account creation call.
	CreateAccount types.Gas
	// ResolveAccountCreation is the static gas of the continuation that runs
	// once the new account exists.
	ResolveAccountCreation types.Gas

	NativeTransfer types.Gas
	NoneAsset      types.Gas

	FTClaimLogic     types.Gas
	FTStorageDeposit types.Gas
	FTTransfer       types.Gas
	FTResolveBatch   types.Gas

	NFTClaimLogic types.Gas
	NFTTransfer   types.Gas
	NFTResolve    types.Gas

	FCClaimLogic types.Gas
}

// DefaultGasSchedule returns the production schedule.
func DefaultGasSchedule() GasSchedule {
	ccc := types.TeraGas(5)
	return GasSchedule{
		OneCCC:                 ccc,
		ClaimBase:              types.TeraGas(20) + ccc,
		CreateAccount:          types.TeraGas(28),
		ResolveAccountCreation: types.TeraGas(10) + ccc,
		NativeTransfer:         types.TeraGas(2),
		NoneAsset:              0,
		FTClaimLogic:           types.TeraGas(2) + 3*ccc,
		FTStorageDeposit:       types.TeraGas(5),
		FTTransfer:             types.TeraGas(5),
		FTResolveBatch:         types.TeraGas(5),
		NFTClaimLogic:          types.TeraGas(2) + 2*ccc,
		NFTTransfer:            types.TeraGas(10),
		NFTResolve:             types.TeraGas(5),
		FCClaimLogic:           types.TeraGas(2),
	}
}

// Validate rejects schedules that would make budgets meaningless.
func (s GasSchedule) Validate() error {
	if s.OneCCC == 0 {
		return fmt.Errorf("gas schedule: OneCCC must be positive")
	}
	if s.ClaimBase == 0 {
		return fmt.Errorf("gas schedule: ClaimBase must be positive")
	}
	if s.CreateAccount == 0 || s.ResolveAccountCreation == 0 {
		return fmt.Errorf("gas schedule: account creation costs must be positive")
	}
	if _, ok := s.BaseForCreateAccountAndClaim(); !ok {
		return fmt.Errorf("gas schedule: create-account base overflows")
	}
	return nil
}

// BaseForClaim is the protocol overhead of the claim entrypoint.
func (s GasSchedule) BaseForClaim() types.Gas { return s.ClaimBase }

// BaseForCreateAccountAndClaim is the protocol overhead of the account
// creation entrypoint.
func (s GasSchedule) BaseForCreateAccountAndClaim() (types.Gas, bool) {
	return types.SumGas(s.ClaimBase, s.CreateAccount, s.ResolveAccountCreation)
}

// CostOfOneClaim is the delivery cost of a single claim of asset.
func (s GasSchedule) CostOfOneClaim(asset Asset) types.Gas {
	if asset == nil {
		return 0
	}
	return asset.RequiredGas(s)
}

// CostOfClaimWithAccountCreation adds the cost of creating the receiving
// account ahead of the delivery.
func (s GasSchedule) CostOfClaimWithAccountCreation(asset Asset) (types.Gas, bool) {
	return types.SumGas(s.CreateAccount, s.ResolveAccountCreation, s.CostOfOneClaim(asset))
}

// AssetsGas sums the delivery cost of every asset owed on one key use.
func (s GasSchedule) AssetsGas(assets []Asset) (types.Gas, error) {
	var total types.Gas
	for _, asset := range assets {
		next, ok := types.AddGas(total, s.CostOfOneClaim(asset))
		if !ok {
			return 0, fmt.Errorf("%w: asset gas overflows", ErrInvariantViolation)
		}
		total = next
	}
	return total, nil
}

// RequiredForClaim is the full budget the claim entrypoint must receive.
func (s GasSchedule) RequiredForClaim(assets []Asset) (types.Gas, error) {
	assetGas, err := s.AssetsGas(assets)
	if err != nil {
		return 0, err
	}
	total, ok := types.AddGas(s.BaseForClaim(), assetGas)
	if !ok {
		return 0, fmt.Errorf("%w: claim gas overflows", ErrInvariantViolation)
	}
	return total, nil
}

// RequiredForCreateAccountAndClaim is the exact budget the account creation
// entrypoint must receive.
func (s GasSchedule) RequiredForCreateAccountAndClaim(assets []Asset) (types.Gas, error) {
	assetGas, err := s.AssetsGas(assets)
	if err != nil {
		return 0, err
	}
	base, ok := s.BaseForCreateAccountAndClaim()
	if !ok {
		return 0, fmt.Errorf("%w: create-account base overflows", ErrInvariantViolation)
	}
	total, ok := types.AddGas(base, assetGas)
	if !ok {
		return 0, fmt.Errorf("%w: create-account gas overflows", ErrInvariantViolation)
	}
	return total, nil
}
