package drops

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keydrop/core/promise"
)

type claimStage uint8

const (
	stageAccountCreation claimStage = iota + 1
	stageDelivery
)

// ClaimedAsset records what one asset's claim took from its ledger. Claimed
// holds the quantity for fungible and native assets and the token id for
// non-fungible assets.
type ClaimedAsset struct {
	AssetID string
	Kind    AssetKind
	Claimed string
	// Skipped marks an asset whose ledger could not back the claim. Nothing
	// was taken and nothing is delivered or refunded.
	Skipped bool
}

// OutcomeSkipped is reported for assets that were not delivered because
// their ledger could not back the claim.
const OutcomeSkipped = "skipped"

// SettlementStatus is the terminal state of a claim.
type SettlementStatus uint8

const (
	StatusFinalized SettlementStatus = iota + 1
	StatusRefundApplied
)

func (s SettlementStatus) String() string {
	switch s {
	case StatusFinalized:
		return "finalized"
	case StatusRefundApplied:
		return "refund_applied"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name.
func (s SettlementStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AssetResult is the outcome of one asset delivery.
type AssetResult struct {
	AssetID  string   `json:"asset_id"`
	Kind     string   `json:"kind"`
	Claimed  string   `json:"claimed,omitempty"`
	Outcome  string   `json:"outcome"`
	Refunded *big.Int `json:"refunded"`
}

// Settlement reports how a claim resolved.
type Settlement struct {
	ClaimID    uuid.UUID        `json:"claim_id"`
	Entrypoint string           `json:"entrypoint"`
	DropID     string           `json:"drop_id"`
	KeyID      string           `json:"key_id"`
	Funder     string           `json:"funder_id"`
	Receiver   string           `json:"receiver_id"`
	Use        uint32           `json:"use"`
	Status     SettlementStatus `json:"status"`
	Refunded   *big.Int         `json:"refunded"`
	Assets     []AssetResult    `json:"assets"`
	SettledAt  time.Time        `json:"settled_at"`
}

// PendingClaim is a claim that passed validation and awaits the outcome of
// its external deliveries.
type PendingClaim struct {
	id         uuid.UUID
	entrypoint string
	dropID     string
	keyID      string
	funder     string
	receiver   string
	use        uint32
	fcArgs     UserFCArgs
	assets     []ClaimedAsset
	stage      claimStage
	issuedAt   time.Time

	done       chan struct{}
	settlement *Settlement
	err        error
}

// ID correlates the claim with its resolution.
func (p *PendingClaim) ID() uuid.UUID { return p.id }

// DropID returns the drop the claim draws from.
func (p *PendingClaim) DropID() string { return p.dropID }

// Use returns the one-based key use consumed by the claim.
func (p *PendingClaim) Use() uint32 { return p.use }

// Done is closed once the claim settled.
func (p *PendingClaim) Done() <-chan struct{} { return p.done }

// Wait blocks until the claim settles or ctx ends.
func (p *PendingClaim) Wait(ctx context.Context) (*Settlement, error) {
	select {
	case <-p.done:
		return p.settlement, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PendingClaim) complete(s *Settlement, err error) {
	p.settlement = s
	p.err = err
	close(p.done)
}

func (e *Engine) newSettlement(pc *PendingClaim) *Settlement {
	return &Settlement{
		ClaimID:    pc.id,
		Entrypoint: pc.entrypoint,
		DropID:     pc.dropID,
		KeyID:      pc.keyID,
		Funder:     pc.funder,
		Receiver:   pc.receiver,
		Use:        pc.use,
		Status:     StatusFinalized,
		Refunded:   big.NewInt(0),
		Assets:     []AssetResult{},
		SettledAt:  e.now(),
	}
}

// ResolveClaim applies the delivery outcomes of a claim. outcomes are index
// aligned with the claimed assets. The claim is removed from the pending set
// before any ledger change, so a second resolution fails with
// ErrClaimNotPending and credits nothing.
func (e *Engine) ResolveClaim(ctx context.Context, claimID uuid.UUID, outcomes []promise.Outcome) (*Settlement, error) {
	_, span := e.tracer.Start(ctx, "drops.ResolveClaim", trace.WithAttributes(attribute.String("claim_id", claimID.String())))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	pc, ok := e.pending[claimID]
	if !ok || pc.stage != stageDelivery {
		err := fmt.Errorf("%w: %s", ErrClaimNotPending, claimID)
		e.invariant("resolution for unknown claim", err, slog.String("claim_id", claimID.String()))
		spanError(span, err)
		return nil, err
	}
	delete(e.pending, claimID)

	settlement, err := e.applyOutcomes(pc, outcomes)
	if err != nil {
		e.invariant("claim resolution failed", err, slog.String("claim_id", claimID.String()))
		spanError(span, err)
	}
	e.finish(pc, settlement, err)
	return settlement, err
}

// applyOutcomes restores the ledger of every failed asset and credits the
// funder with the accumulated refund. Caller holds e.mu.
func (e *Engine) applyOutcomes(pc *PendingClaim, outcomes []promise.Outcome) (*Settlement, error) {
	settlement := e.newSettlement(pc)
	if len(pc.assets) > 0 && len(outcomes) != len(pc.assets) {
		e.invariant("outcome count does not match claimed assets",
			fmt.Errorf("%w: %d outcomes for %d assets", ErrInvariantViolation, len(outcomes), len(pc.assets)),
			slog.String("claim_id", pc.id.String()))
	}

	var drop *Drop
	refund := big.NewInt(0)
	for i, claimed := range pc.assets {
		outcome := promise.Failure(promise.ErrUnreachable)
		if i < len(outcomes) {
			outcome = outcomes[i]
		}
		result := AssetResult{
			AssetID:  claimed.AssetID,
			Kind:     claimed.Kind.String(),
			Claimed:  claimed.Claimed,
			Outcome:  outcome.Status.String(),
			Refunded: big.NewInt(0),
		}
		if claimed.Skipped {
			result.Outcome = OutcomeSkipped
			settlement.Assets = append(settlement.Assets, result)
			continue
		}
		if !outcome.Succeeded() {
			if drop == nil {
				loaded, err := e.loadDrop(pc.dropID)
				if err != nil {
					return nil, err
				}
				drop = loaded
			}
			asset, ok := drop.Asset(claimed.AssetID)
			if !ok {
				return nil, fmt.Errorf("%w: %q in drop %s", ErrAssetMissing, claimed.AssetID, drop.ID)
			}
			amount, err := asset.onFailedClaim(e.logger, claimed.Claimed)
			if err != nil {
				return nil, err
			}
			refund.Add(refund, amount)
			result.Refunded = amount
			e.metrics.RecordAssetRefund(claimed.Kind.String())
			e.logger.Warn("asset delivery failed",
				slog.String("claim_id", pc.id.String()),
				slog.String("asset", claimed.AssetID),
				slog.String("status", outcome.Status.String()),
				slog.Any("reason", outcome.Err))
		}
		settlement.Assets = append(settlement.Assets, result)
	}

	if drop != nil {
		if err := e.state.DropPut(drop); err != nil {
			return nil, fmt.Errorf("drops: persist drop %s: %w", drop.ID, err)
		}
		if err := e.creditFunder(pc.funder, refund); err != nil {
			return nil, err
		}
		settlement.Status = StatusRefundApplied
		settlement.Refunded = refund
	}
	return settlement, nil
}

// finish completes pc and publishes the settlement. Caller holds e.mu.
func (e *Engine) finish(pc *PendingClaim, s *Settlement, err error) {
	pc.complete(s, err)
	e.metrics.ClaimSettled(e.now().Sub(pc.issuedAt))
	if err != nil {
		e.metrics.ObserveClaim(pc.entrypoint, "error")
		return
	}
	e.metrics.ObserveClaim(pc.entrypoint, s.Status.String())
	e.emit(NewSettledEvent(s))
	e.logger.Info("claim settled",
		slog.String("claim_id", pc.id.String()),
		slog.String("status", s.Status.String()),
		slog.String("refunded", s.Refunded.String()))
}
