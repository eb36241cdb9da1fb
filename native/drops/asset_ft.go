package drops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"keydrop/core/promise"
	"keydrop/core/types"
)

const (
	ftStorageDepositMethod = "storage_deposit"
	ftTransferMethod       = "ft_transfer"
	nftTransferMethod      = "nft_transfer"
	claimMemo              = "Keypom FT Tokens"
	nftClaimMemo           = "Keypom Linkdrop"
)

// oneUnit is the deposit token standards demand on transfer calls.
var oneUnit = big.NewInt(1)

// FungibleAsset delivers tokens from a fungible token contract. The funded
// balance is only touched through claim and onFailedClaim.
type FungibleAsset struct {
	id               string
	contractID       string
	registrationCost *big.Int
	balanceAvail     *big.Int
}

// NewFungibleAsset registers funded tokens of contractID. registrationCost is
// paid to the contract so that the receiver can hold a balance.
func NewFungibleAsset(id, contractID string, registrationCost, funded *big.Int) (*FungibleAsset, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: fungible asset %q without contract", ErrInvalidAsset, id)
	}
	if err := checkAmount(registrationCost); err != nil {
		return nil, err
	}
	if funded == nil {
		funded = big.NewInt(0)
	}
	if err := checkAmount(funded); err != nil {
		return nil, err
	}
	return &FungibleAsset{
		id:               id,
		contractID:       contractID,
		registrationCost: cloneBigInt(registrationCost),
		balanceAvail:     cloneBigInt(funded),
	}, nil
}

func (a *FungibleAsset) Kind() AssetKind { return KindFungible }
func (a *FungibleAsset) ID() string      { return a.id }

// ContractID returns the token contract.
func (a *FungibleAsset) ContractID() string { return a.contractID }

// RegistrationCost returns the storage registration fee paid on every claim.
func (a *FungibleAsset) RegistrationCost() *big.Int { return cloneBigInt(a.registrationCost) }

func (a *FungibleAsset) enoughBalance(amount *big.Int) bool {
	return amount != nil && a.balanceAvail.Cmp(amount) >= 0
}

func (a *FungibleAsset) IsEmpty() bool { return !a.enoughBalance(oneUnit) }

func (a *FungibleAsset) covers(perUse *big.Int) bool {
	return !a.IsEmpty() && perUse != nil && perUse.Sign() > 0 && a.enoughBalance(perUse)
}

func (a *FungibleAsset) RequiredGas(s GasSchedule) types.Gas {
	total, _ := types.SumGas(s.FTClaimLogic, s.FTStorageDeposit, s.FTTransfer, s.FTResolveBatch)
	return total
}

func (a *FungibleAsset) RefundAmount(*big.Int) *big.Int { return cloneBigInt(a.registrationCost) }

func (a *FungibleAsset) External(perUse *big.Int) *ExtAsset {
	return &ExtAsset{
		ID:               a.id,
		Kind:             KindFungible.String(),
		ContractID:       a.contractID,
		RegistrationCost: a.registrationCost.String(),
		Amount:           amountString(perUse),
	}
}

func (a *FungibleAsset) claim(c *claimContext) (*promise.Promise, string) {
	amount := c.perUse
	if !a.enoughBalance(amount) || amount.Sign() <= 0 {
		c.logger.Warn("not enough balance to claim fungible tokens, skipping asset claim",
			slog.String("asset", a.id),
			slog.String("contract", a.contractID),
			slog.String("available", a.balanceAvail.String()),
			slog.String("requested", amountString(amount)))
		return promise.Noop(), "0"
	}
	a.balanceAvail = new(big.Int).Sub(a.balanceAvail, amount)

	deposit, _ := json.Marshal(map[string]string{"account_id": c.receiver})
	transfer, _ := json.Marshal(map[string]string{
		"receiver_id": c.receiver,
		"amount":      amount.String(),
		"memo":        claimMemo,
	})
	p := promise.New(a.contractID).
		FunctionCall(ftStorageDepositMethod, deposit, a.registrationCost, c.gas.FTStorageDeposit).
		FunctionCall(ftTransferMethod, transfer, oneUnit, c.gas.FTTransfer)
	return p, amount.String()
}

func (a *FungibleAsset) onFailedClaim(logger *slog.Logger, claimed string) (*big.Int, error) {
	amount, err := parseAmount(claimed)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	restored, err := addAmount(a.balanceAvail, amount)
	if err != nil {
		return nil, err
	}
	a.balanceAvail = restored
	logger.Info("restored fungible balance after failed claim",
		slog.String("asset", a.id),
		slog.String("amount", amount.String()),
		slog.String("available", restored.String()))
	return cloneBigInt(a.registrationCost), nil
}

func (a *FungibleAsset) clone() Asset {
	return &FungibleAsset{
		id:               a.id,
		contractID:       a.contractID,
		registrationCost: cloneBigInt(a.registrationCost),
		balanceAvail:     cloneBigInt(a.balanceAvail),
	}
}
