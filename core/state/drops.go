package state

import (
	"fmt"
	"math/big"

	"keydrop/crypto"
	"keydrop/native/drops"
)

// DropGet loads a drop. Callers receive a private copy.
func (m *Manager) DropGet(id string) (*drops.Drop, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var drop drops.Drop
	ok, err := m.KVGet(dropKey(id), &drop)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &drop, true, nil
}

// DropPut stores drop, replacing any previous version.
func (m *Manager) DropPut(drop *drops.Drop) error {
	if drop == nil || drop.ID == "" {
		return fmt.Errorf("state: drop id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.KVPut(dropKey(drop.ID), drop)
}

// KeyGet loads the access key registered for pk.
func (m *Manager) KeyGet(pk crypto.PublicKey) (*drops.Key, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyGet(pk)
}

func (m *Manager) keyGet(pk crypto.PublicKey) (*drops.Key, bool, error) {
	var key drops.Key
	ok, err := m.KVGet(accessKeyKey(pk.Hash()), &key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &key, true, nil
}

// KeyPut registers key against its drop.
func (m *Manager) KeyPut(key *drops.Key) error {
	if key == nil || key.PublicKey.IsZero() {
		return fmt.Errorf("state: key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.KVPut(accessKeyKey(key.PublicKey.Hash()), key)
}

// KeyDelete removes the key registered for pk.
func (m *Manager) KeyDelete(pk crypto.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.KVDelete(accessKeyKey(pk.Hash()))
}

// KeyUse decrements the remaining uses of pk in a single step so that two
// claims can never observe the same use.
func (m *Manager) KeyUse(pk crypto.PublicKey) (*drops.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok, err := m.keyGet(pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, drops.ErrKeyNotFound
	}
	if key.RemainingUses == 0 {
		return nil, drops.ErrKeyExhausted
	}
	key.RemainingUses--
	if err := m.KVPut(accessKeyKey(pk.Hash()), key); err != nil {
		return nil, err
	}
	return key, nil
}

// FunderCredit adds amount to the funder's refunded balance.
func (m *Manager) FunderCredit(funder string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.RefundLedger().Credit(funder, amount, m.nowFn().Unix())
	return err
}

// FunderBalance returns the total refunded to funder.
func (m *Manager) FunderBalance(funder string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok, err := m.RefundLedger().Record(funder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return record.Balance, nil
}
