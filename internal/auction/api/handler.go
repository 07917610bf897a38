package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-bidding/internal/auction"
	"ms-bidding/internal/deposit"
	"ms-bidding/internal/logger"
	"ms-bidding/internal/models"
	"ms-bidding/internal/settlement"
	"ms-bidding/internal/utils"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Auctions   *auction.Service
	Deposits   *deposit.Service
	Settlement *settlement.Service
	Logger     *logger.Logger
}

func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	a, err := h.Auctions.CreateAuction(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, utils.SuccessResponse("Auction scheduled", a))
}

func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")

	a, err := h.Auctions.GetAuction(r.Context(), auctionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Opportunistic settlement trigger: a read past the deadline kicks off
	// settlement in the background, guarded by the per-auction lock.
	if a.State == models.AuctionActive && !time.Now().Before(a.EndAt) {
		h.triggerSettlement(a.AuctionID)
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Auction", a))
}

func (h *Handler) GetBids(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")

	bids, err := h.Auctions.GetBids(r.Context(), auctionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Bid history", bids))
}

func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")

	var req models.PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.BidderID == "" || req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid bid", "bidder_id and a positive amount are required"))
		return
	}

	resp, err := h.Auctions.PlaceBid(r.Context(), auctionID, req.BidderID, req.Amount)
	if err != nil {
		if auction.IsKind(err, auction.KindAuctionNotActive) {
			h.triggerSettlement(auctionID)
		}
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, utils.SuccessResponse("Bid accepted", resp))
}

func (h *Handler) AuthorizeDeposit(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")

	var req models.AuthorizeDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.BidderID == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", "bidder_id is required"))
		return
	}

	dep, err := h.Deposits.Authorize(r.Context(), auctionID, req.BidderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, utils.SuccessResponse("Deposit authorized", dep))
}

func (h *Handler) SettleAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")

	result, err := h.Settlement.SettleAuction(r.Context(), auctionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	switch {
	case result.Skipped:
		writeJSON(w, http.StatusAccepted, utils.SuccessResponse("Settlement already in progress", nil))
	case result.NoWinner:
		writeJSON(w, http.StatusOK, utils.SuccessResponse("Auction ended with no winner", nil))
	default:
		writeJSON(w, http.StatusOK, utils.SuccessResponse("Auction settled", result.Order))
	}
}

func (h *Handler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionId")

	if err := h.Auctions.CancelAuction(r.Context(), auctionID); err != nil {
		h.writeError(w, err)
		return
	}

	// Deposit disposal for a cancelled auction runs through settlement.
	h.triggerSettlement(auctionID)

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Auction cancelled", nil))
}

func (h *Handler) triggerSettlement(auctionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := h.Settlement.SettleAuction(ctx, auctionID); err != nil {
			h.Logger.Error("SETTLEMENT", fmt.Sprintf("Opportunistic settlement of %s failed: %v", auctionID, err))
		}
	}()
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var e *auction.Error
	if !errors.As(err, &e) {
		h.Logger.Error("API", fmt.Sprintf("Internal error: %v", err))
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal error", "unexpected failure"))
		return
	}

	status := statusForKind(e.Kind)
	if e.Kind == auction.KindBidTooLow {
		writeJSON(w, status, utils.ErrorResponseWithData("Bid rejected", e.Message, map[string]interface{}{
			"kind":            e.Kind,
			"min_next_bid":    e.MinNextBid,
			"current_highest": e.CurrentHighest,
		}))
		return
	}

	writeJSON(w, status, utils.ErrorResponseWithData(e.Message, string(e.Kind), map[string]interface{}{
		"kind":            e.Kind,
		"current_highest": e.CurrentHighest,
		"deposit_status":  e.DepositStatus,
	}))
}

func statusForKind(kind auction.ErrorKind) int {
	switch kind {
	case auction.KindNotFound:
		return http.StatusNotFound
	case auction.KindBidTooLow:
		return http.StatusBadRequest
	case auction.KindSelfBidRejected:
		return http.StatusForbidden
	case auction.KindDepositNotAuthorized:
		return http.StatusPaymentRequired
	case auction.KindDepositAlreadyHeld,
		auction.KindAuctionNotActive,
		auction.KindConcurrentConflict,
		auction.KindAlreadySettled:
		return http.StatusConflict
	case auction.KindExternalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body utils.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
