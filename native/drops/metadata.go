package drops

import (
	"fmt"
	"math/big"
)

// AssetMetadata binds an asset of the drop to one key use. TokensPerUse is
// only meaningful for fungible and native assets.
type AssetMetadata struct {
	AssetID      string
	TokensPerUse *big.Int
}

// Permission restricts which entrypoints may consume a key use.
type Permission uint8

const (
	PermitBoth Permission = iota
	PermitClaimOnly
	PermitCreateAccountOnly
)

func (p Permission) String() string {
	switch p {
	case PermitClaimOnly:
		return "claim"
	case PermitCreateAccountOnly:
		return "create_account_and_claim"
	default:
		return "both"
	}
}

func (p Permission) allows(entrypoint string) bool {
	switch p {
	case PermitClaimOnly:
		return entrypoint == EntrypointClaim
	case PermitCreateAccountOnly:
		return entrypoint == EntrypointCreateAccountAndClaim
	default:
		return true
	}
}

// UseConfig holds per-use options.
type UseConfig struct {
	Permissions Permission `json:"permissions"`
	// RootAccountID overrides the account that creates new receivers for
	// this use.
	RootAccountID string `json:"root_account_id,omitempty"`
}

// UseBehavior is what one key use delivers.
type UseBehavior struct {
	Assets []AssetMetadata
	Config *UseConfig
}

func (b UseBehavior) permits(entrypoint string) bool {
	if b.Config == nil {
		return true
	}
	return b.Config.Permissions.allows(entrypoint)
}

// KeyUseBehaviors resolves the behavior of a key use. Uses are numbered from
// one.
type KeyUseBehaviors interface {
	ForUse(use uint32) (UseBehavior, error)
	NumUses() uint32
	sealedBehaviors()
}

// AllUses applies the same behavior to every use of a key.
type AllUses struct {
	Behavior UseBehavior
	Uses     uint32
}

func (b AllUses) NumUses() uint32 { return b.Uses }

func (b AllUses) ForUse(use uint32) (UseBehavior, error) {
	if use == 0 || use > b.Uses {
		return UseBehavior{}, fmt.Errorf("%w: use %d of %d", ErrUseOutOfRange, use, b.Uses)
	}
	return b.Behavior, nil
}

func (AllUses) sealedBehaviors() {}

// PerUse gives every use its own behavior.
type PerUse []UseBehavior

func (b PerUse) NumUses() uint32 { return uint32(len(b)) }

func (b PerUse) ForUse(use uint32) (UseBehavior, error) {
	if use == 0 || int(use) > len(b) {
		return UseBehavior{}, fmt.Errorf("%w: use %d of %d", ErrUseOutOfRange, use, len(b))
	}
	return b[use-1], nil
}

func (PerUse) sealedBehaviors() {}

func allBehaviors(b KeyUseBehaviors) []UseBehavior {
	switch v := b.(type) {
	case AllUses:
		return []UseBehavior{v.Behavior}
	case PerUse:
		return v
	default:
		return nil
	}
}
