package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// maxRefundEntries bounds the per-funder history kept alongside the balance.
const maxRefundEntries = 256

// RefundLedger tracks the native amount owed back to each funder after
// failed deliveries.
type RefundLedger struct {
	manager *Manager
}

// RefundRecord is the stored state of one funder.
type RefundRecord struct {
	Funder  string
	Balance *big.Int
	Credits uint64
	Recent  []RefundEntry
}

// RefundEntry is one credit applied to a funder.
type RefundEntry struct {
	Amount    *big.Int
	Timestamp int64
}

type storedRefundRecord struct {
	Balance *big.Int
	Credits uint64
	Recent  []storedRefundEntry
}

type storedRefundEntry struct {
	Amount    *big.Int
	Timestamp uint64
}

// RefundLedger returns a refund ledger helper bound to the manager.
func (m *Manager) RefundLedger() *RefundLedger {
	if m == nil {
		return nil
	}
	return &RefundLedger{manager: m}
}

// Credit adds amount to the funder's balance. The balance is bounded to 128
// bits like every other ledger amount.
func (l *RefundLedger) Credit(funder string, amount *big.Int, timestamp int64) (*RefundRecord, error) {
	if l == nil || l.manager == nil {
		return nil, fmt.Errorf("refund: ledger unavailable")
	}
	if funder == "" {
		return nil, fmt.Errorf("refund: funder required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("refund: credit amount must be positive")
	}
	stored, _, err := l.load(funder)
	if err != nil {
		return nil, err
	}
	current, overflow := uint256.FromBig(stored.Balance)
	if overflow {
		return nil, fmt.Errorf("refund: stored balance for %s out of range", funder)
	}
	delta, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("refund: credit %s out of range", amount)
	}
	next, overflow := new(uint256.Int).AddOverflow(current, delta)
	if overflow || next.BitLen() > 128 {
		return nil, fmt.Errorf("refund: balance overflow for %s", funder)
	}
	if timestamp < 0 {
		timestamp = 0
	}
	stored.Balance = next.ToBig()
	stored.Credits++
	stored.Recent = append(stored.Recent, storedRefundEntry{Amount: new(big.Int).Set(amount), Timestamp: uint64(timestamp)})
	if len(stored.Recent) > maxRefundEntries {
		stored.Recent = stored.Recent[len(stored.Recent)-maxRefundEntries:]
	}
	if err := l.manager.KVPut(refundLedgerKey(funder), stored); err != nil {
		return nil, err
	}
	return refundRecordFromStored(funder, stored), nil
}

// Record returns the ledger entry of funder.
func (l *RefundLedger) Record(funder string) (*RefundRecord, bool, error) {
	if l == nil || l.manager == nil {
		return nil, false, fmt.Errorf("refund: ledger unavailable")
	}
	stored, ok, err := l.load(funder)
	if err != nil || !ok {
		return nil, ok, err
	}
	return refundRecordFromStored(funder, stored), true, nil
}

func (l *RefundLedger) load(funder string) (*storedRefundRecord, bool, error) {
	var stored storedRefundRecord
	ok, err := l.manager.KVGet(refundLedgerKey(funder), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return &storedRefundRecord{Balance: big.NewInt(0), Recent: make([]storedRefundEntry, 0)}, false, nil
	}
	if stored.Balance == nil {
		stored.Balance = big.NewInt(0)
	}
	return &stored, true, nil
}

func refundRecordFromStored(funder string, stored *storedRefundRecord) *RefundRecord {
	record := &RefundRecord{
		Funder:  funder,
		Balance: new(big.Int).Set(stored.Balance),
		Credits: stored.Credits,
		Recent:  make([]RefundEntry, len(stored.Recent)),
	}
	for i, entry := range stored.Recent {
		record.Recent[i] = RefundEntry{Amount: new(big.Int).Set(entry.Amount), Timestamp: int64(entry.Timestamp)}
	}
	return record
}
