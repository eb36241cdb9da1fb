// Package manifest loads drop and key definitions from YAML so operators can
// provision a store without an administrative API.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"keydrop/core/types"
	"keydrop/crypto"
	"keydrop/native/drops"
)

// ErrInvalidManifest wraps every manifest validation failure.
var ErrInvalidManifest = errors.New("manifest: invalid")

type fileManifest struct {
	Drops []dropFile `yaml:"drops"`
}

type dropFile struct {
	ID     string      `yaml:"id"`
	Funder string      `yaml:"funder"`
	Assets []assetFile `yaml:"assets"`
	// Uses with Use applies one behavior to every use; PerUse lists them.
	Uses   uint32    `yaml:"uses"`
	Use    *useFile  `yaml:"use"`
	PerUse []useFile `yaml:"per_use"`
	Keys   []keyFile `yaml:"keys"`
}

type assetFile struct {
	ID               string       `yaml:"id"`
	Kind             string       `yaml:"kind"`
	Contract         string       `yaml:"contract"`
	RegistrationCost string       `yaml:"registration_cost"`
	Balance          string       `yaml:"balance"`
	Tokens           []string     `yaml:"tokens"`
	Methods          []methodFile `yaml:"methods"`
}

type methodFile struct {
	Receiver          string     `yaml:"receiver"`
	Method            string     `yaml:"method"`
	Args              string     `yaml:"args"`
	Deposit           string     `yaml:"deposit"`
	GasTGas           uint64     `yaml:"gas_tgas"`
	ReceiverToClaimer bool       `yaml:"receiver_to_claimer"`
	UserArgsRule      string     `yaml:"user_args_rule"`
	Inject            injectFile `yaml:"inject"`
}

type injectFile struct {
	AccountID string `yaml:"account_id_field"`
	DropID    string `yaml:"drop_id_field"`
	KeyID     string `yaml:"key_id_field"`
	FunderID  string `yaml:"funder_id_field"`
}

type useFile struct {
	Assets []metadataFile `yaml:"assets"`
	Config *configFile    `yaml:"config"`
}

type metadataFile struct {
	Asset  string `yaml:"asset"`
	Amount string `yaml:"amount"`
}

type configFile struct {
	Permissions string `yaml:"permissions"`
	RootAccount string `yaml:"root_account"`
}

type keyFile struct {
	PublicKey     string  `yaml:"public_key"`
	RemainingUses *uint32 `yaml:"remaining_uses"`
}

// Entry is one drop with the keys that point at it.
type Entry struct {
	Drop *drops.Drop
	Keys []*drops.Key
}

// LoadFile decodes the manifest at path.
func LoadFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// Decode parses and validates a manifest.
func Decode(r io.Reader) ([]Entry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m fileManifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	entries := make([]Entry, 0, len(m.Drops))
	seenDrops := make(map[string]struct{})
	seenKeys := make(map[string]struct{})
	for i, df := range m.Drops {
		entry, err := df.build()
		if err != nil {
			return nil, fmt.Errorf("%w: drop %d: %v", ErrInvalidManifest, i, err)
		}
		if _, dup := seenDrops[entry.Drop.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate drop %q", ErrInvalidManifest, entry.Drop.ID)
		}
		seenDrops[entry.Drop.ID] = struct{}{}
		for _, key := range entry.Keys {
			if _, dup := seenKeys[key.ID()]; dup {
				return nil, fmt.Errorf("%w: key %s listed twice", ErrInvalidManifest, key.PublicKey)
			}
			seenKeys[key.ID()] = struct{}{}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (df dropFile) build() (Entry, error) {
	assets := make([]drops.Asset, 0, len(df.Assets))
	for _, af := range df.Assets {
		asset, err := af.build()
		if err != nil {
			return Entry{}, fmt.Errorf("asset %q: %w", af.ID, err)
		}
		assets = append(assets, asset)
	}
	behaviors, err := df.behaviors()
	if err != nil {
		return Entry{}, err
	}
	drop, err := drops.NewDrop(strings.TrimSpace(df.ID), strings.TrimSpace(df.Funder), assets, behaviors)
	if err != nil {
		return Entry{}, err
	}
	keys := make([]*drops.Key, 0, len(df.Keys))
	for _, kf := range df.Keys {
		pk, err := crypto.ParsePublicKey(kf.PublicKey)
		if err != nil {
			return Entry{}, fmt.Errorf("key %q: %w", kf.PublicKey, err)
		}
		remaining := drop.UsesPerKey()
		if kf.RemainingUses != nil {
			remaining = *kf.RemainingUses
		}
		if remaining == 0 || remaining > drop.UsesPerKey() {
			return Entry{}, fmt.Errorf("key %s: remaining uses %d outside 1..%d", pk, remaining, drop.UsesPerKey())
		}
		keys = append(keys, &drops.Key{PublicKey: pk, DropID: drop.ID, RemainingUses: remaining})
	}
	return Entry{Drop: drop, Keys: keys}, nil
}

func (df dropFile) behaviors() (drops.KeyUseBehaviors, error) {
	switch {
	case df.Use != nil && len(df.PerUse) > 0:
		return nil, errors.New("use and per_use are mutually exclusive")
	case df.Use != nil:
		behavior, err := df.Use.build()
		if err != nil {
			return nil, err
		}
		return drops.AllUses{Behavior: behavior, Uses: df.Uses}, nil
	case len(df.PerUse) > 0:
		if df.Uses != 0 && int(df.Uses) != len(df.PerUse) {
			return nil, fmt.Errorf("uses %d does not match %d per_use entries", df.Uses, len(df.PerUse))
		}
		out := make(drops.PerUse, 0, len(df.PerUse))
		for i, uf := range df.PerUse {
			behavior, err := uf.build()
			if err != nil {
				return nil, fmt.Errorf("use %d: %w", i+1, err)
			}
			out = append(out, behavior)
		}
		return out, nil
	default:
		return nil, errors.New("use or per_use required")
	}
}

func (uf useFile) build() (drops.UseBehavior, error) {
	behavior := drops.UseBehavior{Assets: make([]drops.AssetMetadata, 0, len(uf.Assets))}
	for _, mf := range uf.Assets {
		md := drops.AssetMetadata{AssetID: strings.TrimSpace(mf.Asset)}
		if strings.TrimSpace(mf.Amount) != "" {
			amount, err := parseAmount(mf.Amount)
			if err != nil {
				return behavior, fmt.Errorf("asset %q amount: %w", mf.Asset, err)
			}
			md.TokensPerUse = amount
		}
		behavior.Assets = append(behavior.Assets, md)
	}
	if uf.Config != nil {
		perm, err := parsePermission(uf.Config.Permissions)
		if err != nil {
			return behavior, err
		}
		behavior.Config = &drops.UseConfig{Permissions: perm, RootAccountID: strings.TrimSpace(uf.Config.RootAccount)}
	}
	return behavior, nil
}

func (af assetFile) build() (drops.Asset, error) {
	id := strings.TrimSpace(af.ID)
	switch strings.ToLower(strings.TrimSpace(af.Kind)) {
	case "near", "native":
		return drops.NewNativeAsset(id), nil
	case "none", "empty":
		return drops.NewEmptyAsset(id), nil
	case "ft":
		regCost, err := parseAmount(defaultZero(af.RegistrationCost))
		if err != nil {
			return nil, fmt.Errorf("registration_cost: %w", err)
		}
		balance, err := parseAmount(defaultZero(af.Balance))
		if err != nil {
			return nil, fmt.Errorf("balance: %w", err)
		}
		return drops.NewFungibleAsset(id, contractOr(af.Contract, id), regCost, balance)
	case "nft":
		return drops.NewNonFungibleAsset(id, contractOr(af.Contract, id), af.Tokens)
	case "fc":
		methods := make([]drops.MethodData, 0, len(af.Methods))
		for _, mf := range af.Methods {
			method, err := mf.build()
			if err != nil {
				return nil, fmt.Errorf("method %q: %w", mf.Method, err)
			}
			methods = append(methods, method)
		}
		return drops.NewFunctionCallAsset(id, methods)
	default:
		return nil, fmt.Errorf("unknown kind %q", af.Kind)
	}
}

func (mf methodFile) build() (drops.MethodData, error) {
	deposit, err := parseAmount(defaultZero(mf.Deposit))
	if err != nil {
		return drops.MethodData{}, fmt.Errorf("deposit: %w", err)
	}
	rule, err := parseArgsRule(mf.UserArgsRule)
	if err != nil {
		return drops.MethodData{}, err
	}
	return drops.MethodData{
		ReceiverID:      strings.TrimSpace(mf.Receiver),
		MethodName:      strings.TrimSpace(mf.Method),
		Args:            mf.Args,
		AttachedDeposit: deposit,
		AttachedGas:     types.TeraGas(mf.GasTGas),
		Injected: drops.InjectedArgs{
			AccountIDField: mf.Inject.AccountID,
			DropIDField:    mf.Inject.DropID,
			KeyIDField:     mf.Inject.KeyID,
			FunderIDField:  mf.Inject.FunderID,
		},
		ReceiverToClaimer: mf.ReceiverToClaimer,
		UserArgsRule:      rule,
	}, nil
}

func parsePermission(raw string) (drops.Permission, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "both":
		return drops.PermitBoth, nil
	case "claim":
		return drops.PermitClaimOnly, nil
	case "create_account_and_claim", "create_account":
		return drops.PermitCreateAccountOnly, nil
	default:
		return drops.PermitBoth, fmt.Errorf("unknown permissions %q", raw)
	}
}

func parseArgsRule(raw string) (drops.UserArgsRule, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return drops.UserArgsNone, nil
	case "all_user", "alluser":
		return drops.UserArgsAll, nil
	case "funder_preferred", "funderpreferred":
		return drops.UserArgsFunderPreferred, nil
	case "user_preferred", "userpreferred":
		return drops.UserArgsUserPreferred, nil
	default:
		return drops.UserArgsNone, fmt.Errorf("unknown user_args_rule %q", raw)
	}
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func defaultZero(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "0"
	}
	return raw
}

func contractOr(contract, id string) string {
	if c := strings.TrimSpace(contract); c != "" {
		return c
	}
	return id
}
