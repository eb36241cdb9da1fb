package types

import (
	"math"
	"testing"
)

func TestAddGasOverflow(t *testing.T) {
	if _, ok := AddGas(Gas(math.MaxUint64), 1); ok {
		t.Fatalf("expected overflow to be reported")
	}
	sum, ok := AddGas(TeraGas(2), TeraGas(3))
	if !ok || sum != TeraGas(5) {
		t.Fatalf("unexpected sum %v ok=%v", sum, ok)
	}
}

func TestSumGas(t *testing.T) {
	total, ok := SumGas(TeraGas(1), TeraGas(2), 5)
	if !ok {
		t.Fatalf("unexpected overflow")
	}
	if total != 3*TGas+5 {
		t.Fatalf("unexpected total %d", total)
	}
	if _, ok := SumGas(Gas(math.MaxUint64), Gas(math.MaxUint64)); ok {
		t.Fatalf("expected overflow")
	}
}

func TestGasString(t *testing.T) {
	if got := TeraGas(20).String(); got != "20 TGas" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := Gas(1500).String(); got != "1500" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := Gas(0).String(); got != "0" {
		t.Fatalf("unexpected string %q", got)
	}
}
