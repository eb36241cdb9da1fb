package drops

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

const maxAmountBits = 128

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// checkAmount ensures v is a non-negative value representable in the 128-bit
// ledger domain.
func checkAmount(v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidAsset)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: negative amount %s", ErrInvalidAsset, v)
	}
	if _, overflow := uint256.FromBig(v); overflow || v.BitLen() > maxAmountBits {
		return fmt.Errorf("%w: amount %s exceeds 128 bits", ErrInvalidAsset, v)
	}
	return nil
}

// addAmount returns a+b, failing when the sum leaves the 128-bit domain.
func addAmount(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(cloneBigInt(a))
	if overflow {
		return nil, fmt.Errorf("%w: amount %s out of range", ErrInvariantViolation, a)
	}
	y, overflow := uint256.FromBig(cloneBigInt(b))
	if overflow {
		return nil, fmt.Errorf("%w: amount %s out of range", ErrInvariantViolation, b)
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow || sum.BitLen() > maxAmountBits {
		return nil, fmt.Errorf("%w: balance overflow adding %s to %s", ErrInvariantViolation, b, a)
	}
	return sum.ToBig(), nil
}

// subAmount returns a-b and refuses to go negative.
func subAmount(a, b *big.Int) (*big.Int, error) {
	x, _ := uint256.FromBig(cloneBigInt(a))
	y, _ := uint256.FromBig(cloneBigInt(b))
	diff, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("%w: balance %s cannot cover %s", ErrInvariantViolation, a, b)
	}
	return diff.ToBig(), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrInvariantViolation, raw)
	}
	if err := checkAmount(v); err != nil {
		return nil, err
	}
	return v, nil
}
