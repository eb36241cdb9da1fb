package drops

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keydrop/core/events"
	"keydrop/core/promise"
	"keydrop/core/types"
	"keydrop/crypto"
	"keydrop/observability"
)

// Entrypoints through which a key use can be consumed.
const (
	EntrypointClaim                 = "claim"
	EntrypointCreateAccountAndClaim = "create_account_and_claim"
)

type engineState interface {
	DropGet(id string) (*Drop, bool, error)
	DropPut(*Drop) error
	KeyGet(pk crypto.PublicKey) (*Key, bool, error)
	// KeyUse atomically decrements the remaining uses of a key.
	KeyUse(pk crypto.PublicKey) (*Key, error)
	FunderCredit(funder string, amount *big.Int) error
	FunderBalance(funder string) (*big.Int, error)
}

type scheduler interface {
	Submit(ctx context.Context, p *promise.Promise) *promise.Handle
}

// ClaimRequest consumes one key use and delivers its assets to an existing
// account.
type ClaimRequest struct {
	Signer     crypto.PublicKey
	AccountID  string
	FCArgs     UserFCArgs
	PrepaidGas types.Gas
}

// CreateAccountRequest consumes one key use, creates NewAccountID and
// delivers the assets to it.
type CreateAccountRequest struct {
	Signer       crypto.PublicKey
	NewAccountID string
	NewPublicKey crypto.PublicKey
	FCArgs       UserFCArgs
	PrepaidGas   types.Gas
}

// Engine validates claims, issues asset deliveries and settles their
// outcomes. Synchronous phases run under a single lock; external execution
// happens on the scheduler.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	sched   scheduler
	creator AccountCreator
	gas     GasSchedule
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.DropsMetrics
	tracer  trace.Tracer
	nowFn   func() time.Time
	pending map[uuid.UUID]*PendingClaim
}

// NewEngine creates a drops engine with the default gas schedule and a no-op
// emitter.
func NewEngine() *Engine {
	return &Engine{
		gas:     DefaultGasSchedule(),
		emitter: events.NoopEmitter{},
		logger:  slog.Default().With(slog.String("component", "drops")),
		tracer:  otel.Tracer("keydrop/native/drops"),
		nowFn:   time.Now,
		pending: make(map[uuid.UUID]*PendingClaim),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetScheduler configures where issued promises are executed.
func (e *Engine) SetScheduler(s scheduler) { e.sched = s }

// SetAccountCreator configures the account creation call used by
// CreateAccountAndClaim.
func (e *Engine) SetAccountCreator(c AccountCreator) { e.creator = c }

// SetGasSchedule replaces the gas schedule after validating it.
func (e *Engine) SetGasSchedule(s GasSchedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.gas = s
	e.mu.Unlock()
	return nil
}

// GasSchedule returns the active schedule.
func (e *Engine) GasSchedule() GasSchedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gas
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With(slog.String("component", "drops"))
}

// SetMetrics enables prometheus instrumentation.
func (e *Engine) SetMetrics(m *observability.DropsMetrics) { e.metrics = m }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time {
	if e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(dropsEvent{evt: event})
}

func (e *Engine) ready() error {
	if e.state == nil {
		return errNilState
	}
	if e.sched == nil {
		return errNilScheduler
	}
	return nil
}

func (e *Engine) invariant(msg string, err error, attrs ...any) {
	args := append([]any{slog.Any("error", err)}, attrs...)
	e.logger.Error(msg, args...)
}

// useSelection is the validated view of the key use about to be consumed.
type useSelection struct {
	key      *Key
	drop     *Drop
	use      uint32
	behavior UseBehavior
	assets   []Asset
}

func resolveAssets(drop *Drop, behavior UseBehavior) ([]Asset, error) {
	assets := make([]Asset, len(behavior.Assets))
	for i, md := range behavior.Assets {
		asset, ok := drop.Asset(md.AssetID)
		if !ok {
			return nil, fmt.Errorf("%w: %q in drop %s", ErrAssetMissing, md.AssetID, drop.ID)
		}
		assets[i] = asset
	}
	return assets, nil
}

func (e *Engine) loadDrop(id string) (*Drop, error) {
	drop, ok, err := e.state.DropGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDropNotFound, id)
	}
	return drop, nil
}

// selectUse runs every check that precedes a state change. Caller holds e.mu.
func (e *Engine) selectUse(pk crypto.PublicKey, entrypoint string) (*useSelection, error) {
	key, ok, err := e.state.KeyGet(pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, pk)
	}
	if key.RemainingUses == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyExhausted, key.ID())
	}
	drop, err := e.loadDrop(key.DropID)
	if err != nil {
		return nil, err
	}
	use, err := currentUse(drop, key)
	if err != nil {
		e.invariant("key use counter out of range", err, slog.String("drop_id", drop.ID), slog.String("key_id", key.ID()))
		return nil, err
	}
	behavior, err := drop.Behaviors.ForUse(use)
	if err != nil {
		e.invariant("key use has no behavior", err, slog.String("drop_id", drop.ID), slog.String("key_id", key.ID()))
		return nil, err
	}
	if !behavior.permits(entrypoint) {
		return nil, fmt.Errorf("%w: use %d allows %s only", ErrPermissionDenied, use, behavior.Config.Permissions)
	}
	assets, err := resolveAssets(drop, behavior)
	if err != nil {
		e.invariant("key use references missing asset", err, slog.String("drop_id", drop.ID))
		return nil, err
	}
	return &useSelection{key: key, drop: drop, use: use, behavior: behavior, assets: assets}, nil
}

func (e *Engine) rejectBudget(entrypoint string, required, provided types.Gas, exact bool) error {
	e.metrics.RecordBudgetRejection(entrypoint)
	e.metrics.ObserveClaim(entrypoint, "rejected")
	return &BudgetError{Entrypoint: entrypoint, Required: required, Provided: provided, Exact: exact}
}

func (e *Engine) newPending(entrypoint string, sel *useSelection, receiver string, fcArgs UserFCArgs) *PendingClaim {
	return &PendingClaim{
		id:         uuid.New(),
		entrypoint: entrypoint,
		dropID:     sel.drop.ID,
		keyID:      sel.key.ID(),
		funder:     sel.drop.Funder,
		receiver:   receiver,
		use:        sel.use,
		fcArgs:     fcArgs,
		stage:      stageDelivery,
		issuedAt:   e.now(),
		done:       make(chan struct{}),
	}
}

func (e *Engine) register(pc *PendingClaim) {
	e.pending[pc.id] = pc
	e.metrics.ClaimIssued()
	e.metrics.ObserveClaim(pc.entrypoint, "issued")
	e.emit(NewClaimIssuedEvent(pc))
}

// claimAssets decrements every asset ledger of the use, persists the drop and
// returns the joint delivery with the resolution hook attached. assets is
// index aligned with behavior.Assets. An asset that cannot back the claim is
// skipped with a no-op delivery. Caller holds e.mu.
func (e *Engine) claimAssets(pc *PendingClaim, drop *Drop, behavior UseBehavior, assets []Asset) (*promise.Promise, error) {
	promises := make([]*promise.Promise, 0, len(assets))
	claimed := make([]ClaimedAsset, 0, len(assets))
	fcIndex := 0
	for i, asset := range assets {
		md := behavior.Assets[i]
		var args AssetFCArgs
		if asset.Kind() == KindFunctionCall {
			if fcIndex < len(pc.fcArgs) {
				args = pc.fcArgs[fcIndex]
			}
			fcIndex++
		}
		if !asset.covers(md.TokensPerUse) {
			e.invariant("asset cannot back claim, skipping delivery",
				fmt.Errorf("%w: %s asset %q", ErrAssetEmpty, asset.Kind(), asset.ID()),
				slog.String("claim_id", pc.id.String()),
				slog.String("drop_id", pc.dropID),
				slog.String("asset", asset.ID()))
			e.metrics.RecordAssetSkip(asset.Kind().String())
			promises = append(promises, promise.Noop())
			claimed = append(claimed, ClaimedAsset{AssetID: asset.ID(), Kind: asset.Kind(), Skipped: true})
			continue
		}
		p, descriptor := asset.claim(&claimContext{
			receiver: pc.receiver,
			perUse:   md.TokensPerUse,
			fcArgs:   args,
			dropID:   pc.dropID,
			keyID:    pc.keyID,
			funder:   pc.funder,
			gas:      e.gas,
			logger:   e.logger,
		})
		promises = append(promises, p)
		claimed = append(claimed, ClaimedAsset{AssetID: asset.ID(), Kind: asset.Kind(), Claimed: descriptor})
	}
	if err := e.state.DropPut(drop); err != nil {
		return nil, fmt.Errorf("drops: persist drop %s: %w", drop.ID, err)
	}
	pc.assets = claimed

	joint, err := promise.Join(promises...)
	if err != nil {
		return nil, err
	}
	id := pc.id
	return joint.Then(func(ctx context.Context, outcomes []promise.Outcome) (*promise.Promise, error) {
		_, err := e.ResolveClaim(ctx, id, outcomes)
		return nil, err
	})
}

func (e *Engine) startSpan(ctx context.Context, name string, pk crypto.PublicKey) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("key", pk.String())))
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Claim consumes one use of req.Signer and delivers its assets to
// req.AccountID. The returned claim settles asynchronously.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*PendingClaim, error) {
	ctx, span := e.startSpan(ctx, "drops.Claim", req.Signer)
	defer span.End()

	pc, p, err := e.issueClaim(req)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("claim_id", pc.id.String()))
	e.sched.Submit(ctx, p)
	return pc, nil
}

func (e *Engine) issueClaim(req ClaimRequest) (*PendingClaim, *promise.Promise, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := crypto.ValidateAccountID(req.AccountID); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sel, err := e.selectUse(req.Signer, EntrypointClaim)
	if err != nil {
		return nil, nil, err
	}
	required, err := e.gas.RequiredForClaim(sel.assets)
	if err != nil {
		return nil, nil, err
	}
	if req.PrepaidGas < required {
		return nil, nil, e.rejectBudget(EntrypointClaim, required, req.PrepaidGas, false)
	}

	// The drop ledger is persisted before the key use is consumed; a failed
	// use restores the ledger snapshot.
	snapshot := sel.drop.Clone()
	pc := e.newPending(EntrypointClaim, sel, req.AccountID, req.FCArgs)
	p, err := e.claimAssets(pc, sel.drop, sel.behavior, sel.assets)
	if err != nil {
		e.invariant("claim issued without delivery", err, slog.String("claim_id", pc.id.String()))
		return nil, nil, err
	}
	if _, err := e.state.KeyUse(req.Signer); err != nil {
		if rerr := e.state.DropPut(snapshot); rerr != nil {
			e.invariant("drop ledger not restored after failed key use", rerr,
				slog.String("drop_id", pc.dropID),
				slog.String("key_id", pc.keyID))
		}
		return nil, nil, err
	}
	e.register(pc)
	e.logger.Info("claim issued",
		slog.String("claim_id", pc.id.String()),
		slog.String("drop_id", pc.dropID),
		slog.String("key_id", pc.keyID),
		slog.String("receiver", pc.receiver),
		slog.Uint64("use", uint64(pc.use)),
		slog.String("required_gas", required.String()))
	return pc, p, nil
}

// CreateAccountAndClaim consumes one use of req.Signer, creates
// req.NewAccountID and delivers the use's assets to it. The prepaid gas must
// match the requirement exactly.
func (e *Engine) CreateAccountAndClaim(ctx context.Context, req CreateAccountRequest) (*PendingClaim, error) {
	ctx, span := e.startSpan(ctx, "drops.CreateAccountAndClaim", req.Signer)
	defer span.End()

	pc, p, err := e.issueCreateAccount(req)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("claim_id", pc.id.String()))
	e.sched.Submit(ctx, p)
	return pc, nil
}

func (e *Engine) issueCreateAccount(req CreateAccountRequest) (*PendingClaim, *promise.Promise, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if e.creator == nil {
		return nil, nil, errNilCreator
	}
	if err := crypto.ValidateAccountID(req.NewAccountID); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.NewPublicKey.IsZero() {
		return nil, nil, fmt.Errorf("%w: missing public key for new account", ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sel, err := e.selectUse(req.Signer, EntrypointCreateAccountAndClaim)
	if err != nil {
		return nil, nil, err
	}
	required, err := e.gas.RequiredForCreateAccountAndClaim(sel.assets)
	if err != nil {
		return nil, nil, err
	}
	if req.PrepaidGas != required {
		return nil, nil, e.rejectBudget(EntrypointCreateAccountAndClaim, required, req.PrepaidGas, true)
	}
	if _, err := e.state.KeyUse(req.Signer); err != nil {
		return nil, nil, err
	}

	pc := e.newPending(EntrypointCreateAccountAndClaim, sel, req.NewAccountID, req.FCArgs)
	pc.stage = stageAccountCreation

	var root string
	if sel.behavior.Config != nil {
		root = sel.behavior.Config.RootAccountID
	}
	id := pc.id
	p, err := e.creator.CreateAccount(root, req.NewAccountID, req.NewPublicKey, e.gas.CreateAccount).
		Then(func(ctx context.Context, outcomes []promise.Outcome) (*promise.Promise, error) {
			return e.onNewAccountCreated(ctx, id, outcomes)
		})
	if err != nil {
		return nil, nil, err
	}
	e.register(pc)

	assetGas, _ := e.gas.AssetsGas(sel.assets)
	callbackGas, _ := types.AddGas(e.gas.ResolveAccountCreation, assetGas)
	e.logger.Info("account creation issued",
		slog.String("claim_id", pc.id.String()),
		slog.String("drop_id", pc.dropID),
		slog.String("key_id", pc.keyID),
		slog.String("receiver", pc.receiver),
		slog.Uint64("use", uint64(pc.use)),
		slog.String("callback_gas", callbackGas.String()))
	return pc, p, nil
}

// onNewAccountCreated continues an account creation claim. Success issues the
// asset deliveries; failure refunds the funder for every asset of the use
// without touching the asset ledgers.
func (e *Engine) onNewAccountCreated(ctx context.Context, id uuid.UUID, outcomes []promise.Outcome) (*promise.Promise, error) {
	_, span := e.tracer.Start(ctx, "drops.OnNewAccountCreated", trace.WithAttributes(attribute.String("claim_id", id.String())))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	pc, ok := e.pending[id]
	if !ok || pc.stage != stageAccountCreation {
		err := fmt.Errorf("%w: %s", ErrClaimNotPending, id)
		e.invariant("account creation resolved for unknown claim", err, slog.String("claim_id", id.String()))
		return nil, err
	}
	created := len(outcomes) == 1 && outcomes[0].Succeeded()

	drop, err := e.loadDrop(pc.dropID)
	if err != nil {
		return nil, e.abandon(pc, err)
	}
	behavior, err := drop.Behaviors.ForUse(pc.use)
	if err != nil {
		return nil, e.abandon(pc, err)
	}
	assets, err := resolveAssets(drop, behavior)
	if err != nil {
		return nil, e.abandon(pc, err)
	}

	if !created {
		delete(e.pending, id)
		settlement, err := e.refundUse(pc, behavior, assets)
		e.finish(pc, settlement, err)
		return nil, err
	}

	pc.stage = stageDelivery
	p, err := e.claimAssets(pc, drop, behavior, assets)
	if err != nil {
		return nil, e.abandon(pc, err)
	}
	e.logger.Info("account created, delivering assets",
		slog.String("claim_id", pc.id.String()),
		slog.String("receiver", pc.receiver))
	return p, nil
}

// refundUse credits the funder for a use whose account creation failed.
func (e *Engine) refundUse(pc *PendingClaim, behavior UseBehavior, assets []Asset) (*Settlement, error) {
	settlement := e.newSettlement(pc)
	settlement.Status = StatusRefundApplied
	total := big.NewInt(0)
	for i, asset := range assets {
		amount := asset.RefundAmount(behavior.Assets[i].TokensPerUse)
		total.Add(total, amount)
		settlement.Assets = append(settlement.Assets, AssetResult{
			AssetID:  asset.ID(),
			Kind:     asset.Kind().String(),
			Outcome:  OutcomeSkipped,
			Refunded: amount,
		})
	}
	if err := e.creditFunder(pc.funder, total); err != nil {
		return nil, err
	}
	settlement.Refunded = total
	e.logger.Warn("account creation failed, refunded funder",
		slog.String("claim_id", pc.id.String()),
		slog.String("funder", pc.funder),
		slog.String("refunded", total.String()))
	return settlement, nil
}

func (e *Engine) creditFunder(funder string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if err := e.state.FunderCredit(funder, amount); err != nil {
		return fmt.Errorf("drops: credit funder %s: %w", funder, err)
	}
	e.metrics.AddRefund(amount)
	return nil
}

// abandon settles a claim that cannot progress. Caller holds e.mu.
func (e *Engine) abandon(pc *PendingClaim, err error) error {
	delete(e.pending, pc.id)
	e.invariant("claim abandoned", err, slog.String("claim_id", pc.id.String()))
	e.finish(pc, nil, err)
	return err
}

// Pending returns the number of claims awaiting resolution.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
