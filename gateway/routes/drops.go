package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"keydrop/core/types"
	"keydrop/crypto"
	"keydrop/gateway/middleware"
	"keydrop/native/drops"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	engine Engine
	auth   *middleware.Authenticator
	wait   time.Duration
	logger *slog.Logger
}

type claimBody struct {
	PublicKey  string           `json:"public_key"`
	AccountID  string           `json:"account_id"`
	FCArgs     drops.UserFCArgs `json:"fc_args,omitempty"`
	PrepaidGas uint64           `json:"prepaid_gas"`
	Wait       bool             `json:"wait,omitempty"`
}

type createAccountBody struct {
	PublicKey    string           `json:"public_key"`
	NewAccountID string           `json:"new_account_id"`
	NewPublicKey string           `json:"new_public_key"`
	FCArgs       drops.UserFCArgs `json:"fc_args,omitempty"`
	PrepaidGas   uint64           `json:"prepaid_gas"`
	Wait         bool             `json:"wait,omitempty"`
}

type pendingResponse struct {
	ClaimID uuid.UUID `json:"claim_id"`
	DropID  string    `json:"drop_id"`
	Use     uint32    `json:"use"`
	Status  string    `json:"status"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Required uint64 `json:"required,omitempty"`
	Provided uint64 `json:"provided,omitempty"`
	Exact    bool   `json:"exact,omitempty"`
}

type balanceResponse struct {
	Funder  string `json:"funder_id"`
	Balance string `json:"balance"`
}

func (h *handlers) claim(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	signer, err := crypto.ParsePublicKey(body.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	pending, err := h.engine.Claim(r.Context(), drops.ClaimRequest{
		Signer:     signer,
		AccountID:  body.AccountID,
		FCArgs:     body.FCArgs,
		PrepaidGas: types.Gas(body.PrepaidGas),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respondPending(w, r, pending, body.Wait)
}

func (h *handlers) createAccountAndClaim(w http.ResponseWriter, r *http.Request) {
	var body createAccountBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	signer, err := crypto.ParsePublicKey(body.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	newKey, err := crypto.ParsePublicKey(body.NewPublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "new_public_key: " + err.Error()})
		return
	}
	pending, err := h.engine.CreateAccountAndClaim(r.Context(), drops.CreateAccountRequest{
		Signer:       signer,
		NewAccountID: body.NewAccountID,
		NewPublicKey: newKey,
		FCArgs:       body.FCArgs,
		PrepaidGas:   types.Gas(body.PrepaidGas),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respondPending(w, r, pending, body.Wait)
}

// respondPending answers 202 unless the caller asked to wait and the claim
// settled within the wait timeout.
func (h *handlers) respondPending(w http.ResponseWriter, r *http.Request, pending *drops.PendingClaim, wait bool) {
	accepted := pendingResponse{ClaimID: pending.ID(), DropID: pending.DropID(), Use: pending.Use(), Status: "pending"}
	if !wait {
		writeJSON(w, http.StatusAccepted, accepted)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.wait)
	defer cancel()
	settlement, err := pending.Wait(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, settlement)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusAccepted, accepted)
	default:
		h.writeEngineError(w, err)
	}
}

func (h *handlers) keyInformation(w http.ResponseWriter, r *http.Request) {
	pk, err := crypto.ParsePublicKey(chi.URLParam(r, "publicKey"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	info, err := h.engine.KeyInformation(pk)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) dropInformation(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.DropInformation(chi.URLParam(r, "dropID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) funderBalance(w http.ResponseWriter, r *http.Request) {
	funder := chi.URLParam(r, "accountID")
	if err := crypto.ValidateAccountID(funder); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if h.auth.Enabled() {
		principal, ok := middleware.PrincipalFromContext(r.Context())
		if !ok || (principal.Subject != funder && !principal.HasScope(middleware.ScopeAdmin)) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "balance belongs to another funder"})
			return
		}
	}
	balance, err := h.engine.FunderBalance(funder)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Funder: funder, Balance: balance.String()})
}

func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	var budget *drops.BudgetError
	switch {
	case errors.As(err, &budget):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:    err.Error(),
			Required: uint64(budget.Required),
			Provided: uint64(budget.Provided),
			Exact:    budget.Exact,
		})
	case errors.Is(err, drops.ErrKeyNotFound), errors.Is(err, drops.ErrKeyExhausted), errors.Is(err, drops.ErrDropNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, drops.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, drops.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("drop engine request failed", slog.String("component", "gateway"), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
