// Package promise models deferred external operations and the continuations
// that resolve them. A Promise is a set of independent branches; each branch is
// a chain of batches executed strictly in order against external receivers.
// Once every branch has an outcome the optional continuation runs exactly once
// and may hand back a further Promise, which is how claims chain account
// creation, delivery and resolution.
package promise

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"

	"keydrop/core/types"
)

var (
	// ErrUnreachable marks executor failures where the receiver could not be
	// reached, as opposed to an explicit rejection.
	ErrUnreachable = errors.New("promise: receiver unreachable")
	// ErrContinuationSet is returned when Then is called twice on a promise.
	ErrContinuationSet = errors.New("promise: continuation already set")
	// ErrJoinContinuation is returned when joining promises that already carry
	// a continuation.
	ErrJoinContinuation = errors.New("promise: cannot join a promise with a continuation")
	// ErrAlreadyScheduled is returned when the same promise is run twice.
	ErrAlreadyScheduled = errors.New("promise: already scheduled")
)

// ActionKind enumerates the supported external actions.
type ActionKind uint8

const (
	ActionTransfer ActionKind = iota + 1
	ActionFunctionCall
)

func (k ActionKind) String() string {
	switch k {
	case ActionTransfer:
		return "transfer"
	case ActionFunctionCall:
		return "function_call"
	default:
		return "unknown"
	}
}

// Action is a single step delivered to a receiver.
type Action struct {
	Kind    ActionKind
	Method  string
	Args    []byte
	Deposit *big.Int
	Gas     types.Gas
}

// Batch is a sequence of actions against one receiver.
type Batch struct {
	Receiver string
	Actions  []Action
}

// Callback resolves the outcomes of the preceding branches. Outcomes are index
// aligned with the branches of the promise the callback was attached to.
type Callback func(ctx context.Context, outcomes []Outcome) (*Promise, error)

// Promise is a deferred external operation.
type Promise struct {
	branches [][]Batch
	then     Callback
	started  atomic.Bool
}

// New starts a promise with a single empty batch against receiver. A promise
// that never receives an action resolves successfully without reaching the
// executor.
func New(receiver string) *Promise {
	return &Promise{branches: [][]Batch{{{Receiver: receiver}}}}
}

// Noop returns a promise that succeeds immediately.
func Noop() *Promise { return New("") }

func (p *Promise) lastBatch() *Batch {
	if len(p.branches) != 1 {
		panic("promise: actions can only be appended to a single-branch promise")
	}
	chain := p.branches[0]
	return &chain[len(chain)-1]
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Transfer appends a value transfer to the current batch.
func (p *Promise) Transfer(amount *big.Int) *Promise {
	batch := p.lastBatch()
	batch.Actions = append(batch.Actions, Action{Kind: ActionTransfer, Deposit: cloneAmount(amount)})
	return p
}

// FunctionCall appends a method call to the current batch.
func (p *Promise) FunctionCall(method string, args []byte, deposit *big.Int, gas types.Gas) *Promise {
	batch := p.lastBatch()
	batch.Actions = append(batch.Actions, Action{
		Kind:    ActionFunctionCall,
		Method:  method,
		Args:    append([]byte(nil), args...),
		Deposit: cloneAmount(deposit),
		Gas:     gas,
	})
	return p
}

// Next starts a new batch against receiver in the same branch. The new batch
// only runs once the previous one completed successfully.
func (p *Promise) Next(receiver string) *Promise {
	if len(p.branches) != 1 {
		panic("promise: cannot chain a batch onto a joint promise")
	}
	p.branches[0] = append(p.branches[0], Batch{Receiver: receiver})
	return p
}

// Then attaches the continuation.
func (p *Promise) Then(cb Callback) (*Promise, error) {
	if p.then != nil {
		return nil, ErrContinuationSet
	}
	p.then = cb
	return p, nil
}

// Join combines promises into one whose branches run independently. The
// branch order follows the argument order.
func Join(ps ...*Promise) (*Promise, error) {
	joint := &Promise{}
	for _, p := range ps {
		if p == nil {
			continue
		}
		if p.then != nil {
			return nil, ErrJoinContinuation
		}
		joint.branches = append(joint.branches, p.branches...)
	}
	if len(joint.branches) == 0 {
		return Noop(), nil
	}
	return joint, nil
}

// Branches returns a copy of the branch layout.
func (p *Promise) Branches() [][]Batch {
	out := make([][]Batch, len(p.branches))
	for i, chain := range p.branches {
		out[i] = append([]Batch(nil), chain...)
	}
	return out
}

// ActionCount returns the number of external actions across every branch.
func (p *Promise) ActionCount() int {
	total := 0
	for _, chain := range p.branches {
		for _, batch := range chain {
			total += len(batch.Actions)
		}
	}
	return total
}

// HasContinuation reports whether Then was called.
func (p *Promise) HasContinuation() bool { return p.then != nil }
