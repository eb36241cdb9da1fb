package drops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"keydrop/core/promise"
	"keydrop/core/types"
)

// UserArgsRule controls how caller-supplied arguments combine with the
// arguments configured by the funder.
type UserArgsRule uint8

const (
	// UserArgsNone ignores caller arguments.
	UserArgsNone UserArgsRule = iota
	// UserArgsAll replaces the funder arguments with the caller's.
	UserArgsAll
	// UserArgsFunderPreferred merges both, keeping funder values on conflict.
	UserArgsFunderPreferred
	// UserArgsUserPreferred merges both, keeping caller values on conflict.
	UserArgsUserPreferred
)

func (r UserArgsRule) String() string {
	switch r {
	case UserArgsAll:
		return "AllUser"
	case UserArgsFunderPreferred:
		return "FunderPreferred"
	case UserArgsUserPreferred:
		return "UserPreferred"
	default:
		return "None"
	}
}

// InjectedArgs names top-level argument fields that are overwritten with
// claim context before the call is sent. Empty names are skipped.
type InjectedArgs struct {
	AccountIDField string
	DropIDField    string
	KeyIDField     string
	FunderIDField  string
}

// MethodData describes one call of a function-call asset.
type MethodData struct {
	ReceiverID        string
	MethodName        string
	Args              string
	AttachedDeposit   *big.Int
	AttachedGas       types.Gas
	Injected          InjectedArgs
	ReceiverToClaimer bool
	UserArgsRule      UserArgsRule
}

// AssetFCArgs carries caller arguments for each method of one function-call
// asset. An empty entry means no arguments for that method.
type AssetFCArgs []string

// UserFCArgs holds caller arguments for every function-call asset of a key
// use, in metadata order.
type UserFCArgs []AssetFCArgs

// FunctionCallAsset invokes a fixed sequence of methods. Each method only
// runs once the previous one succeeded.
type FunctionCallAsset struct {
	id      string
	methods []MethodData
}

// NewFunctionCallAsset validates and registers methods under id.
func NewFunctionCallAsset(id string, methods []MethodData) (*FunctionCallAsset, error) {
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: function-call asset %q without methods", ErrInvalidAsset, id)
	}
	out := make([]MethodData, len(methods))
	for i, m := range methods {
		if m.MethodName == "" {
			return nil, fmt.Errorf("%w: method %d of %q has no name", ErrInvalidAsset, i, id)
		}
		if m.ReceiverID == "" && !m.ReceiverToClaimer {
			return nil, fmt.Errorf("%w: method %q of %q has no receiver", ErrInvalidAsset, m.MethodName, id)
		}
		if m.Args != "" {
			if _, err := decodeArgs(m.Args); err != nil {
				return nil, fmt.Errorf("%w: method %q of %q: %v", ErrInvalidAsset, m.MethodName, id, err)
			}
		}
		if m.AttachedDeposit == nil {
			m.AttachedDeposit = big.NewInt(0)
		}
		if err := checkAmount(m.AttachedDeposit); err != nil {
			return nil, err
		}
		m.AttachedDeposit = cloneBigInt(m.AttachedDeposit)
		out[i] = m
	}
	return &FunctionCallAsset{id: id, methods: out}, nil
}

func (a *FunctionCallAsset) Kind() AssetKind { return KindFunctionCall }
func (a *FunctionCallAsset) ID() string      { return a.id }
func (a *FunctionCallAsset) IsEmpty() bool   { return true }

func (a *FunctionCallAsset) covers(*big.Int) bool { return true }

// Methods returns a copy of the configured call sequence.
func (a *FunctionCallAsset) Methods() []MethodData {
	out := make([]MethodData, len(a.methods))
	for i, m := range a.methods {
		m.AttachedDeposit = cloneBigInt(m.AttachedDeposit)
		out[i] = m
	}
	return out
}

func (a *FunctionCallAsset) RequiredGas(s GasSchedule) types.Gas {
	total := s.FCClaimLogic
	for _, m := range a.methods {
		next, ok := types.SumGas(total, m.AttachedGas, s.OneCCC)
		if !ok {
			return ^types.Gas(0)
		}
		total = next
	}
	return total
}

func (a *FunctionCallAsset) RefundAmount(*big.Int) *big.Int {
	total := big.NewInt(0)
	for _, m := range a.methods {
		total.Add(total, m.AttachedDeposit)
	}
	return total
}

func (a *FunctionCallAsset) External(*big.Int) *ExtAsset {
	methods := make([]ExtMethod, len(a.methods))
	for i, m := range a.methods {
		methods[i] = ExtMethod{
			ReceiverID:      m.ReceiverID,
			MethodName:      m.MethodName,
			Args:            m.Args,
			AttachedDeposit: m.AttachedDeposit.String(),
			AttachedGas:     uint64(m.AttachedGas),
		}
	}
	return &ExtAsset{ID: a.id, Kind: KindFunctionCall.String(), Methods: methods}
}

func (a *FunctionCallAsset) claim(c *claimContext) (*promise.Promise, string) {
	var p *promise.Promise
	for i, m := range a.methods {
		receiver := m.ReceiverID
		if m.ReceiverToClaimer {
			receiver = c.receiver
		}
		var userArgs string
		if i < len(c.fcArgs) {
			userArgs = c.fcArgs[i]
		}
		args, err := buildArgs(m, userArgs, c)
		if err != nil {
			c.logger.Warn("ignoring caller arguments",
				slog.String("asset", a.id),
				slog.String("method", m.MethodName),
				slog.Any("error", err))
			args, _ = buildArgs(m, "", c)
		}
		if p == nil {
			p = promise.New(receiver)
		} else {
			p.Next(receiver)
		}
		p.FunctionCall(m.MethodName, args, m.AttachedDeposit, m.AttachedGas)
	}
	return p, ""
}

func (a *FunctionCallAsset) onFailedClaim(logger *slog.Logger, _ string) (*big.Int, error) {
	logger.Warn("function-call asset failed, deposits cannot be refunded", slog.String("asset", a.id))
	return big.NewInt(0), nil
}

func (a *FunctionCallAsset) clone() Asset {
	return &FunctionCallAsset{id: a.id, methods: a.Methods()}
}

func decodeArgs(raw string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("args must be a JSON object: %w", err)
	}
	if out == nil {
		out = make(map[string]json.RawMessage)
	}
	return out, nil
}

// buildArgs resolves the final argument object for m. Injected claim context
// is applied last so callers cannot spoof it.
func buildArgs(m MethodData, userArgs string, c *claimContext) ([]byte, error) {
	funder, err := decodeArgs(m.Args)
	if err != nil {
		return nil, err
	}
	merged := funder
	if userArgs != "" && m.UserArgsRule != UserArgsNone {
		user, err := decodeArgs(userArgs)
		if err != nil {
			return nil, err
		}
		switch m.UserArgsRule {
		case UserArgsAll:
			merged = user
		case UserArgsFunderPreferred:
			for k, v := range user {
				if _, ok := merged[k]; !ok {
					merged[k] = v
				}
			}
		case UserArgsUserPreferred:
			for k, v := range user {
				merged[k] = v
			}
		}
	}
	inject := func(field, value string) {
		if field == "" {
			return
		}
		encoded, _ := json.Marshal(value)
		merged[field] = encoded
	}
	inject(m.Injected.AccountIDField, c.receiver)
	inject(m.Injected.DropIDField, c.dropID)
	inject(m.Injected.KeyIDField, c.keyID)
	inject(m.Injected.FunderIDField, c.funder)
	return json.Marshal(merged)
}
