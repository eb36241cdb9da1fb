package drops

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"keydrop/core/types"
	"keydrop/crypto"
)

type storedMethod struct {
	ReceiverID        string
	MethodName        string
	Args              string
	AttachedDeposit   *big.Int
	AttachedGas       uint64
	AccountIDField    string
	DropIDField       string
	KeyIDField        string
	FunderIDField     string
	ReceiverToClaimer bool
	UserArgsRule      uint8
}

type storedAsset struct {
	Kind             uint8
	ID               string
	ContractID       string
	RegistrationCost *big.Int
	Balance          *big.Int
	TokenIDs         []string
	Methods          []storedMethod
}

type storedMetadata struct {
	AssetID      string
	HasTokens    bool
	TokensPerUse *big.Int
}

type storedUse struct {
	Assets        []storedMetadata
	HasConfig     bool
	Permissions   uint8
	RootAccountID string
}

type storedDrop struct {
	ID       string
	Funder   string
	Metadata string
	Assets   []storedAsset
	PerUse   bool
	NumUses  uint32
	Uses     []storedUse
}

type storedKey struct {
	PublicKey     string
	DropID        string
	RemainingUses uint32
}

func storeAsset(a Asset) storedAsset {
	out := storedAsset{Kind: uint8(a.Kind()), ID: a.ID(), RegistrationCost: new(big.Int), Balance: new(big.Int)}
	switch v := a.(type) {
	case *FungibleAsset:
		out.ContractID = v.contractID
		out.RegistrationCost = cloneBigInt(v.registrationCost)
		out.Balance = cloneBigInt(v.balanceAvail)
	case *NonFungibleAsset:
		out.ContractID = v.contractID
		out.TokenIDs = append([]string{}, v.tokenIDs...)
	case *FunctionCallAsset:
		for _, m := range v.methods {
			out.Methods = append(out.Methods, storedMethod{
				ReceiverID:        m.ReceiverID,
				MethodName:        m.MethodName,
				Args:              m.Args,
				AttachedDeposit:   cloneBigInt(m.AttachedDeposit),
				AttachedGas:       uint64(m.AttachedGas),
				AccountIDField:    m.Injected.AccountIDField,
				DropIDField:       m.Injected.DropIDField,
				KeyIDField:        m.Injected.KeyIDField,
				FunderIDField:     m.Injected.FunderIDField,
				ReceiverToClaimer: m.ReceiverToClaimer,
				UserArgsRule:      uint8(m.UserArgsRule),
			})
		}
	}
	return out
}

func loadAsset(s storedAsset) (Asset, error) {
	switch AssetKind(s.Kind) {
	case KindNative:
		return NewNativeAsset(s.ID), nil
	case KindEmpty:
		return NewEmptyAsset(s.ID), nil
	case KindFungible:
		return &FungibleAsset{
			id:               s.ID,
			contractID:       s.ContractID,
			registrationCost: cloneBigInt(s.RegistrationCost),
			balanceAvail:     cloneBigInt(s.Balance),
		}, nil
	case KindNonFungible:
		return &NonFungibleAsset{id: s.ID, contractID: s.ContractID, tokenIDs: append([]string{}, s.TokenIDs...)}, nil
	case KindFunctionCall:
		methods := make([]MethodData, len(s.Methods))
		for i, m := range s.Methods {
			methods[i] = MethodData{
				ReceiverID:      m.ReceiverID,
				MethodName:      m.MethodName,
				Args:            m.Args,
				AttachedDeposit: cloneBigInt(m.AttachedDeposit),
				AttachedGas:     types.Gas(m.AttachedGas),
				Injected: InjectedArgs{
					AccountIDField: m.AccountIDField,
					DropIDField:    m.DropIDField,
					KeyIDField:     m.KeyIDField,
					FunderIDField:  m.FunderIDField,
				},
				ReceiverToClaimer: m.ReceiverToClaimer,
				UserArgsRule:      UserArgsRule(m.UserArgsRule),
			}
		}
		return &FunctionCallAsset{id: s.ID, methods: methods}, nil
	default:
		return nil, fmt.Errorf("%w: unknown asset kind %d", ErrInvalidDrop, s.Kind)
	}
}

func storeUse(b UseBehavior) storedUse {
	out := storedUse{}
	for _, md := range b.Assets {
		sm := storedMetadata{AssetID: md.AssetID, TokensPerUse: new(big.Int)}
		if md.TokensPerUse != nil {
			sm.HasTokens = true
			sm.TokensPerUse = cloneBigInt(md.TokensPerUse)
		}
		out.Assets = append(out.Assets, sm)
	}
	if b.Config != nil {
		out.HasConfig = true
		out.Permissions = uint8(b.Config.Permissions)
		out.RootAccountID = b.Config.RootAccountID
	}
	return out
}

func loadUse(s storedUse) UseBehavior {
	out := UseBehavior{Assets: make([]AssetMetadata, len(s.Assets))}
	for i, sm := range s.Assets {
		out.Assets[i] = AssetMetadata{AssetID: sm.AssetID}
		if sm.HasTokens {
			out.Assets[i].TokensPerUse = cloneBigInt(sm.TokensPerUse)
		}
	}
	if s.HasConfig {
		out.Config = &UseConfig{Permissions: Permission(s.Permissions), RootAccountID: s.RootAccountID}
	}
	return out
}

// EncodeRLP implements rlp.Encoder.
func (d *Drop) EncodeRLP(w io.Writer) error {
	stored := storedDrop{ID: d.ID, Funder: d.Funder, Metadata: d.Metadata, NumUses: d.UsesPerKey()}
	for _, id := range d.sortedAssetIDs() {
		stored.Assets = append(stored.Assets, storeAsset(d.Assets[id]))
	}
	switch v := d.Behaviors.(type) {
	case AllUses:
		stored.Uses = []storedUse{storeUse(v.Behavior)}
	case PerUse:
		stored.PerUse = true
		for _, b := range v {
			stored.Uses = append(stored.Uses, storeUse(b))
		}
	}
	return rlp.Encode(w, &stored)
}

// DecodeRLP implements rlp.Decoder.
func (d *Drop) DecodeRLP(s *rlp.Stream) error {
	var stored storedDrop
	if err := s.Decode(&stored); err != nil {
		return err
	}
	assets := make(map[string]Asset, len(stored.Assets))
	for _, sa := range stored.Assets {
		asset, err := loadAsset(sa)
		if err != nil {
			return err
		}
		assets[asset.ID()] = asset
	}
	var behaviors KeyUseBehaviors
	if stored.PerUse {
		per := make(PerUse, len(stored.Uses))
		for i, su := range stored.Uses {
			per[i] = loadUse(su)
		}
		behaviors = per
	} else {
		if len(stored.Uses) != 1 {
			return fmt.Errorf("%w: drop %q stores %d shared behaviors", ErrInvalidDrop, stored.ID, len(stored.Uses))
		}
		behaviors = AllUses{Behavior: loadUse(stored.Uses[0]), Uses: stored.NumUses}
	}
	*d = Drop{ID: stored.ID, Funder: stored.Funder, Metadata: stored.Metadata, Assets: assets, Behaviors: behaviors}
	return nil
}

// EncodeRLP implements rlp.Encoder.
func (k *Key) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &storedKey{PublicKey: k.PublicKey.String(), DropID: k.DropID, RemainingUses: k.RemainingUses})
}

// DecodeRLP implements rlp.Decoder.
func (k *Key) DecodeRLP(s *rlp.Stream) error {
	var stored storedKey
	if err := s.Decode(&stored); err != nil {
		return err
	}
	pk, err := crypto.ParsePublicKey(stored.PublicKey)
	if err != nil {
		return err
	}
	*k = Key{PublicKey: pk, DropID: stored.DropID, RemainingUses: stored.RemainingUses}
	return nil
}
