package types

import (
	"math"
	"strconv"
)

// Gas measures the compute allowance attached to a claim or an external call.
type Gas uint64

// TGas is one tera-gas, the unit budgets are usually quoted in.
const TGas Gas = 1_000_000_000_000

// AddGas returns a+b and whether the sum fits in a Gas value.
func AddGas(a, b Gas) (Gas, bool) {
	if b > math.MaxUint64-a {
		return 0, false
	}
	return a + b, true
}

// SumGas adds every value, reporting false on overflow.
func SumGas(values ...Gas) (Gas, bool) {
	var total Gas
	for _, v := range values {
		next, ok := AddGas(total, v)
		if !ok {
			return 0, false
		}
		total = next
	}
	return total, true
}

// TeraGas converts a whole number of TGas into gas units.
func TeraGas(n uint64) Gas { return Gas(n) * TGas }

// String renders whole multiples of TGas compactly and everything else in raw
// gas units.
func (g Gas) String() string {
	if g != 0 && g%TGas == 0 {
		return strconv.FormatUint(uint64(g/TGas), 10) + " TGas"
	}
	return strconv.FormatUint(uint64(g), 10)
}
