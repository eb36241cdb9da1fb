package drops

import (
	"fmt"
	"math/big"
	"sort"

	"keydrop/crypto"
)

// Drop is a funder's bundle of assets claimable through its keys.
type Drop struct {
	ID        string
	Funder    string
	Metadata  string
	Assets    map[string]Asset
	Behaviors KeyUseBehaviors
}

// NewDrop validates the asset table against the key use behaviors.
func NewDrop(id, funder string, assets []Asset, behaviors KeyUseBehaviors) (*Drop, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidDrop)
	}
	if err := crypto.ValidateAccountID(funder); err != nil {
		return nil, fmt.Errorf("%w: funder: %v", ErrInvalidDrop, err)
	}
	if behaviors == nil || behaviors.NumUses() == 0 {
		return nil, fmt.Errorf("%w: keys must have at least one use", ErrInvalidDrop)
	}
	table := make(map[string]Asset, len(assets))
	for _, asset := range assets {
		if asset == nil || asset.ID() == "" {
			return nil, fmt.Errorf("%w: asset without id", ErrInvalidDrop)
		}
		if _, dup := table[asset.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %q", ErrInvalidDrop, asset.ID())
		}
		table[asset.ID()] = asset
	}
	for i, behavior := range allBehaviors(behaviors) {
		for _, md := range behavior.Assets {
			asset, ok := table[md.AssetID]
			if !ok {
				return nil, fmt.Errorf("%w: use %d references unknown asset %q", ErrInvalidDrop, i+1, md.AssetID)
			}
			switch asset.Kind() {
			case KindFungible, KindNative:
				if md.TokensPerUse == nil || md.TokensPerUse.Sign() <= 0 {
					return nil, fmt.Errorf("%w: asset %q needs a positive amount per use", ErrInvalidDrop, md.AssetID)
				}
				if err := checkAmount(md.TokensPerUse); err != nil {
					return nil, err
				}
			default:
				if md.TokensPerUse != nil {
					return nil, fmt.Errorf("%w: asset %q does not take an amount per use", ErrInvalidDrop, md.AssetID)
				}
			}
		}
	}
	return &Drop{ID: id, Funder: funder, Assets: table, Behaviors: behaviors}, nil
}

// UsesPerKey is the number of uses every key of the drop starts with.
func (d *Drop) UsesPerKey() uint32 { return d.Behaviors.NumUses() }

// Asset looks up an entry of the asset table.
func (d *Drop) Asset(id string) (Asset, bool) {
	a, ok := d.Assets[id]
	return a, ok
}

// Clone returns a deep copy of the drop.
func (d *Drop) Clone() *Drop {
	if d == nil {
		return nil
	}
	assets := make(map[string]Asset, len(d.Assets))
	for id, a := range d.Assets {
		assets[id] = a.clone()
	}
	return &Drop{
		ID:        d.ID,
		Funder:    d.Funder,
		Metadata:  d.Metadata,
		Assets:    assets,
		Behaviors: cloneBehaviors(d.Behaviors),
	}
}

func (d *Drop) sortedAssetIDs() []string {
	ids := make([]string, 0, len(d.Assets))
	for id := range d.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneUse(b UseBehavior) UseBehavior {
	out := UseBehavior{Assets: make([]AssetMetadata, len(b.Assets))}
	for i, md := range b.Assets {
		out.Assets[i] = AssetMetadata{AssetID: md.AssetID}
		if md.TokensPerUse != nil {
			out.Assets[i].TokensPerUse = new(big.Int).Set(md.TokensPerUse)
		}
	}
	if b.Config != nil {
		cfg := *b.Config
		out.Config = &cfg
	}
	return out
}

func cloneBehaviors(b KeyUseBehaviors) KeyUseBehaviors {
	switch v := b.(type) {
	case AllUses:
		return AllUses{Behavior: cloneUse(v.Behavior), Uses: v.Uses}
	case PerUse:
		out := make(PerUse, len(v))
		for i, use := range v {
			out[i] = cloneUse(use)
		}
		return out
	default:
		return b
	}
}

// Key is an access key bound to a drop.
type Key struct {
	PublicKey     crypto.PublicKey
	DropID        string
	RemainingUses uint32
}

// ID is the short identifier of the key used in logs and events.
func (k *Key) ID() string { return crypto.KeyID(k.PublicKey) }

// Clone returns a copy of the key.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	out := *k
	return &out
}

// currentUse maps the remaining use counter onto a one-based use number.
func currentUse(drop *Drop, key *Key) (uint32, error) {
	total := drop.UsesPerKey()
	if key.RemainingUses == 0 || key.RemainingUses > total {
		return 0, fmt.Errorf("%w: key %s has %d of %d uses left", ErrUseOutOfRange, key.ID(), key.RemainingUses, total)
	}
	return total - key.RemainingUses + 1, nil
}

// ExtUse is the read-only rendering of one key use.
type ExtUse struct {
	Use    uint32      `json:"use"`
	Assets []*ExtAsset `json:"assets"`
	Config *UseConfig  `json:"config,omitempty"`
}

// ExtDrop is the read-only rendering of a drop.
type ExtDrop struct {
	ID         string      `json:"drop_id"`
	Funder     string      `json:"funder_id"`
	Metadata   string      `json:"metadata,omitempty"`
	UsesPerKey uint32      `json:"uses_per_key"`
	Assets     []*ExtAsset `json:"assets"`
	Uses       []ExtUse    `json:"uses"`
}

func externalUse(drop *Drop, use uint32, behavior UseBehavior) ExtUse {
	out := ExtUse{Use: use, Assets: []*ExtAsset{}, Config: behavior.Config}
	for _, md := range behavior.Assets {
		asset, ok := drop.Assets[md.AssetID]
		if !ok {
			continue
		}
		if ext := asset.External(md.TokensPerUse); ext != nil {
			out.Assets = append(out.Assets, ext)
		}
	}
	return out
}

// External renders the drop for views.
func (d *Drop) External() *ExtDrop {
	out := &ExtDrop{
		ID:         d.ID,
		Funder:     d.Funder,
		Metadata:   d.Metadata,
		UsesPerKey: d.UsesPerKey(),
		Assets:     []*ExtAsset{},
	}
	for _, id := range d.sortedAssetIDs() {
		if ext := d.Assets[id].External(nil); ext != nil {
			out.Assets = append(out.Assets, ext)
		}
	}
	switch v := d.Behaviors.(type) {
	case AllUses:
		out.Uses = []ExtUse{externalUse(d, 0, v.Behavior)}
	case PerUse:
		for i, behavior := range v {
			out.Uses = append(out.Uses, externalUse(d, uint32(i+1), behavior))
		}
	}
	return out
}
