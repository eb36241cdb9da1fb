package drops

import (
	"strconv"
	"strings"

	"keydrop/core/types"
)

const (
	EventTypeClaim                 = "drops.claim"
	EventTypeCreateAccountAndClaim = "drops.create_account_and_claim"
	EventTypeClaimFinalized        = "drops.claim.finalized"
	EventTypeClaimRefunded         = "drops.claim.refunded"
)

type dropsEvent struct {
	evt *types.Event
}

func (e dropsEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dropsEvent) Event() *types.Event { return e.evt }

func assetIDs(assets []ClaimedAsset) string {
	ids := make([]string, len(assets))
	for i, a := range assets {
		ids[i] = a.AssetID
	}
	return strings.Join(ids, ",")
}

// NewClaimIssuedEvent returns the payload emitted once a claim passed
// validation and its deliveries were issued.
func NewClaimIssuedEvent(p *PendingClaim) *types.Event {
	evtType := EventTypeClaim
	if p.entrypoint == EntrypointCreateAccountAndClaim {
		evtType = EventTypeCreateAccountAndClaim
	}
	attrs := map[string]string{
		"claimId":  p.id.String(),
		"dropId":   p.dropID,
		"keyId":    p.keyID,
		"funder":   p.funder,
		"receiver": p.receiver,
		"use":      strconv.FormatUint(uint64(p.use), 10),
	}
	if len(p.assets) > 0 {
		attrs["assets"] = assetIDs(p.assets)
	}
	return &types.Event{Type: evtType, Attributes: attrs}
}

// NewSettledEvent returns the payload emitted when a claim resolves.
func NewSettledEvent(s *Settlement) *types.Event {
	evtType := EventTypeClaimFinalized
	if s.Status == StatusRefundApplied {
		evtType = EventTypeClaimRefunded
	}
	return &types.Event{
		Type: evtType,
		Attributes: map[string]string{
			"claimId":    s.ClaimID.String(),
			"entrypoint": s.Entrypoint,
			"dropId":     s.DropID,
			"keyId":      s.KeyID,
			"funder":     s.Funder,
			"receiver":   s.Receiver,
			"status":     s.Status.String(),
			"refunded":   cloneBigInt(s.Refunded).String(),
		},
	}
}
