package drops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"slices"

	"keydrop/core/promise"
	"keydrop/core/types"
)

// NonFungibleAsset delivers individual tokens of a non-fungible contract. The
// token list is consumed from the tail.
type NonFungibleAsset struct {
	id         string
	contractID string
	tokenIDs   []string
}

// NewNonFungibleAsset registers the deposited tokens of contractID.
func NewNonFungibleAsset(id, contractID string, tokenIDs []string) (*NonFungibleAsset, error) {
	if contractID == "" {
		return nil, fmt.Errorf("%w: non-fungible asset %q without contract", ErrInvalidAsset, id)
	}
	seen := make(map[string]struct{}, len(tokenIDs))
	for _, token := range tokenIDs {
		if token == "" {
			return nil, fmt.Errorf("%w: empty token id in %q", ErrInvalidAsset, id)
		}
		if _, dup := seen[token]; dup {
			return nil, fmt.Errorf("%w: duplicate token id %q in %q", ErrInvalidAsset, token, id)
		}
		seen[token] = struct{}{}
	}
	return &NonFungibleAsset{id: id, contractID: contractID, tokenIDs: slices.Clone(tokenIDs)}, nil
}

func (a *NonFungibleAsset) Kind() AssetKind { return KindNonFungible }
func (a *NonFungibleAsset) ID() string      { return a.id }

// ContractID returns the token contract.
func (a *NonFungibleAsset) ContractID() string { return a.contractID }

func (a *NonFungibleAsset) IsEmpty() bool { return len(a.tokenIDs) == 0 }

func (a *NonFungibleAsset) covers(*big.Int) bool { return !a.IsEmpty() }

func (a *NonFungibleAsset) RequiredGas(s GasSchedule) types.Gas {
	total, _ := types.SumGas(s.NFTClaimLogic, s.NFTTransfer, s.NFTResolve)
	return total
}

func (a *NonFungibleAsset) RefundAmount(*big.Int) *big.Int { return big.NewInt(0) }

func (a *NonFungibleAsset) External(*big.Int) *ExtAsset {
	remaining := len(a.tokenIDs)
	return &ExtAsset{
		ID:              a.id,
		Kind:            KindNonFungible.String(),
		ContractID:      a.contractID,
		TokensRemaining: &remaining,
	}
}

func (a *NonFungibleAsset) claim(c *claimContext) (*promise.Promise, string) {
	if len(a.tokenIDs) == 0 {
		c.logger.Warn("no tokens left to claim, skipping asset claim",
			slog.String("asset", a.id),
			slog.String("contract", a.contractID))
		return promise.Noop(), ""
	}
	last := len(a.tokenIDs) - 1
	token := a.tokenIDs[last]
	a.tokenIDs = a.tokenIDs[:last]

	args, _ := json.Marshal(map[string]string{
		"receiver_id": c.receiver,
		"token_id":    token,
		"memo":        nftClaimMemo,
	})
	return promise.New(a.contractID).FunctionCall(nftTransferMethod, args, oneUnit, c.gas.NFTTransfer), token
}

func (a *NonFungibleAsset) onFailedClaim(logger *slog.Logger, claimed string) (*big.Int, error) {
	if claimed == "" {
		return big.NewInt(0), nil
	}
	if slices.Contains(a.tokenIDs, claimed) {
		return nil, fmt.Errorf("%w: token %q already present in %q", ErrInvariantViolation, claimed, a.id)
	}
	a.tokenIDs = append(a.tokenIDs, claimed)
	logger.Info("restored token after failed claim",
		slog.String("asset", a.id),
		slog.String("token", claimed))
	return big.NewInt(0), nil
}

func (a *NonFungibleAsset) clone() Asset {
	return &NonFungibleAsset{id: a.id, contractID: a.contractID, tokenIDs: slices.Clone(a.tokenIDs)}
}
