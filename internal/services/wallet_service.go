package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type WalletService struct {
	ledger    *LedgerService
	recharge  *RechargeService
	validator *ValidationHelper
}

func NewWalletService(ledger *LedgerService, recharge *RechargeService) *WalletService {
	return &WalletService{
		ledger:    ledger,
		recharge:  recharge,
		validator: NewValidationHelper(),
	}
}

// GetWallet returns the wallet for an organization
// @Summary Get wallet
// @Description Current balance, debt limit and auto-recharge config for an organization
// @Tags wallet
// @Produce json
// @Param orgId path string true "Organization ID"
// @Success 200 {object} models.Wallet
// @Failure 404 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /wallet/{orgId} [get]
func (ws *WalletService) GetWallet(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")

	wallet, err := ws.ledger.GetWallet(r.Context(), orgID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[WALLET] Failed to fetch wallet %s: %v", orgID, err)
			SendErrorResponse(w, "Failed to fetch wallet, try again", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// GetEntries returns recent ledger entries for an organization
// @Summary List ledger entries
// @Description Recent ledger entries, newest first
// @Tags wallet
// @Produce json
// @Param orgId path string true "Organization ID"
// @Param limit query int false "Number of entries to return (default: 50, max: 200)"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Failure 500 {object} map[string]string
// @Router /wallet/{orgId}/entries [get]
func (ws *WalletService) GetEntries(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	entries, err := ws.ledger.GetEntries(r.Context(), orgID, limit)
	if err != nil {
		log.Printf("[WALLET] Failed to fetch entries for %s: %v", orgID, err)
		SendErrorResponse(w, "Failed to fetch entries, try again", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// CreateTopup creates a checkout session for a manual top-up
// @Summary Start a top-up
// @Description Returns a checkout session URL. The wallet is credited only when the payment webhook confirms the payment.
// @Tags wallet
// @Accept json
// @Produce json
// @Param orgId path string true "Organization ID"
// @Param topup body object{amountMinorUnits=int64} true "Top-up amount"
// @Success 200 {object} object{checkoutUrl=string,sessionId=string}
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /wallet/{orgId}/topup [post]
func (ws *WalletService) CreateTopup(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")

	var req struct {
		AmountMinorUnits int64 `json:"amountMinorUnits" validate:"required,gt=0"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	url, sessionID, err := ws.recharge.CreateCheckoutSession(r.Context(), orgID, req.AmountMinorUnits)
	if err != nil {
		log.Printf("[WALLET] Failed to create checkout session for %s: %v", orgID, err)
		SendErrorResponse(w, "Failed to start top-up, try again", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"checkoutUrl": url,
		"sessionId":   sessionID,
	})
}

// UpdateAutoRecharge updates auto-recharge settings
// @Summary Update auto-recharge
// @Description Enable or disable auto-recharge and set its threshold and amount
// @Tags wallet
// @Accept json
// @Produce json
// @Param orgId path string true "Organization ID"
// @Param config body object{enabled=bool,thresholdMinorUnits=int64,amountMinorUnits=int64} true "Auto-recharge settings"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /wallet/{orgId}/auto-recharge [put]
func (ws *WalletService) UpdateAutoRecharge(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgId")

	var req struct {
		Enabled             bool  `json:"enabled"`
		ThresholdMinorUnits int64 `json:"thresholdMinorUnits" validate:"min=0"`
		AmountMinorUnits    int64 `json:"amountMinorUnits" validate:"min=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Enabled && req.ThresholdMinorUnits <= 0 {
		SendErrorResponse(w, "Threshold required when auto-recharge is enabled", http.StatusBadRequest, nil)
		return
	}

	if err := ws.recharge.UpdateAutoRecharge(r.Context(), orgID, req.Enabled, req.ThresholdMinorUnits, req.AmountMinorUnits); err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[WALLET] Failed to update auto-recharge for %s: %v", orgID, err)
			SendErrorResponse(w, "Failed to update settings, try again", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"updated": true})
}
