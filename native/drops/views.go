package drops

import (
	"math/big"

	"keydrop/crypto"
)

// KeyInfo describes the next use of a key.
type KeyInfo struct {
	PublicKey                      string      `json:"public_key"`
	KeyID                          string      `json:"key_id"`
	DropID                         string      `json:"drop_id"`
	Funder                         string      `json:"funder_id"`
	CurrentUse                     uint32      `json:"current_use"`
	RemainingUses                  uint32      `json:"remaining_uses"`
	UsesPerKey                     uint32      `json:"uses_per_key"`
	RequiredGas                    uint64      `json:"required_gas"`
	RequiredGasWithAccountCreation uint64      `json:"required_gas_create_account"`
	Assets                         []*ExtAsset `json:"assets"`
	Config                         *UseConfig  `json:"config,omitempty"`
}

// KeyInformation reports the assets and gas requirements of pk's next use.
func (e *Engine) KeyInformation(pk crypto.PublicKey) (*KeyInfo, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok, err := e.state.KeyGet(pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	drop, err := e.loadDrop(key.DropID)
	if err != nil {
		return nil, err
	}
	info := &KeyInfo{
		PublicKey:     pk.String(),
		KeyID:         key.ID(),
		DropID:        drop.ID,
		Funder:        drop.Funder,
		RemainingUses: key.RemainingUses,
		UsesPerKey:    drop.UsesPerKey(),
		Assets:        []*ExtAsset{},
	}
	if key.RemainingUses == 0 {
		return info, nil
	}
	use, err := currentUse(drop, key)
	if err != nil {
		return nil, err
	}
	behavior, err := drop.Behaviors.ForUse(use)
	if err != nil {
		return nil, err
	}
	assets, err := resolveAssets(drop, behavior)
	if err != nil {
		return nil, err
	}
	claimGas, err := e.gas.RequiredForClaim(assets)
	if err != nil {
		return nil, err
	}
	createGas, err := e.gas.RequiredForCreateAccountAndClaim(assets)
	if err != nil {
		return nil, err
	}
	info.CurrentUse = use
	info.RequiredGas = uint64(claimGas)
	info.RequiredGasWithAccountCreation = uint64(createGas)
	info.Assets = externalUse(drop, use, behavior).Assets
	info.Config = behavior.Config
	return info, nil
}

// DropInformation renders a drop and its per-use assets.
func (e *Engine) DropInformation(dropID string) (*ExtDrop, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	drop, err := e.loadDrop(dropID)
	if err != nil {
		return nil, err
	}
	return drop.External(), nil
}

// FunderBalance returns the amount refunded to funder so far.
func (e *Engine) FunderBalance(funder string) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.FunderBalance(funder)
}
