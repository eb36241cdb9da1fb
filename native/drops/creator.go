package drops

import (
	"encoding/json"
	"math/big"

	"keydrop/core/promise"
	"keydrop/core/types"
	"keydrop/crypto"
)

const createAccountMethod = "create_account"

// AccountCreator builds the external call that creates a receiving account.
// root is empty unless the key use overrides the creating account.
type AccountCreator interface {
	CreateAccount(root, accountID string, pk crypto.PublicKey, gas types.Gas) *promise.Promise
}

// RootAccountCreator asks a root account contract to create sub-accounts.
type RootAccountCreator struct {
	Root string
	// Deposit funds the new account's storage.
	Deposit *big.Int
}

// CreateAccount implements AccountCreator.
func (c RootAccountCreator) CreateAccount(root, accountID string, pk crypto.PublicKey, gas types.Gas) *promise.Promise {
	if root == "" {
		root = c.Root
	}
	args, _ := json.Marshal(map[string]string{
		"new_account_id": accountID,
		"new_public_key": pk.String(),
	})
	return promise.New(root).FunctionCall(createAccountMethod, args, c.Deposit, gas)
}
