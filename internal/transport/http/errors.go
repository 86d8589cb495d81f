package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/domain"
)

const (
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidID          = "invalid_id"
	codeInvalidQuantity    = "invalid_quantity"
	codeInvalidPrice       = "invalid_price"
	codeInvalidStatus      = "invalid_status"
	codeNoLines            = "no_lines"
	codeDuplicateLine      = "duplicate_line"
	codeCompanyRequired    = "company_required"
	codeSKURequired        = "sku_required"
	codeItemNameRequired   = "item_name_required"
	codeInvalidStock       = "invalid_initial_stock"
	codeItemNotFound       = "item_not_found"
	codeOrderNotFound      = "order_not_found"
	codeInsufficientStock  = "insufficient_stock"
	codeInvalidTransition  = "invalid_transition"
	codeConflict           = "conflict"
	codeSKUAlreadyExists   = "sku_already_exists"
	codeItemInUse          = "item_in_use"
	codeInvariantViolation = "stock_invariant_violation"
	codeUpstream           = "upstream_unavailable"
	codeForbidden          = "forbidden"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error         string            `json:"error"`
	Code          string            `json:"code"`
	OrderID       string            `json:"order_id,omitempty"`
	ItemIDs       []string          `json:"item_ids,omitempty"`
	Shortages     []domain.Shortage `json:"shortages,omitempty"`
	PartialEffect bool              `json:"partial_effect,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorResponse(w, status, errorResponse{Error: msg, Code: code})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(resp)
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrInvalidID, http.StatusBadRequest, codeInvalidID},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, codeInvalidQuantity},
	{domain.ErrInvalidPrice, http.StatusBadRequest, codeInvalidPrice},
	{domain.ErrInvalidStatus, http.StatusBadRequest, codeInvalidStatus},
	{domain.ErrNoLines, http.StatusBadRequest, codeNoLines},
	{domain.ErrDuplicateLine, http.StatusBadRequest, codeDuplicateLine},
	{domain.ErrCompanyRequired, http.StatusBadRequest, codeCompanyRequired},
	{domain.ErrSKURequired, http.StatusBadRequest, codeSKURequired},
	{domain.ErrItemNameRequired, http.StatusBadRequest, codeItemNameRequired},
	{domain.ErrInvalidInitialStock, http.StatusBadRequest, codeInvalidStock},
	{domain.ErrItemNotFound, http.StatusNotFound, codeItemNotFound},
	{domain.ErrOrderNotFound, http.StatusNotFound, codeOrderNotFound},
	{domain.ErrInsufficientStock, http.StatusConflict, codeInsufficientStock},
	{domain.ErrInvalidTransition, http.StatusConflict, codeInvalidTransition},
	{domain.ErrConflict, http.StatusConflict, codeConflict},
	{domain.ErrSKUAlreadyExists, http.StatusConflict, codeSKUAlreadyExists},
	{domain.ErrItemInUse, http.StatusConflict, codeItemInUse},
	{domain.ErrInvariantViolation, http.StatusConflict, codeInvariantViolation},
	{domain.ErrUpstream, http.StatusServiceUnavailable, codeUpstream},
}

// writeDomainError maps a service error onto a status and error code.
// Unmapped errors are logged and reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	for _, e := range errorTable {
		if !errors.Is(err, e.err) {
			continue
		}
		resp := errorResponse{Error: e.err.Error(), Code: e.code}

		var short *domain.InsufficientStockError
		if errors.As(err, &short) {
			resp.Shortages = short.Shortages
		}
		var te *domain.TransitionError
		if errors.As(err, &te) {
			resp.OrderID = te.OrderID
			resp.ItemIDs = te.ItemIDs
			resp.PartialEffect = te.PartialEffect
			if te.PartialEffect {
				resp.Error = err.Error()
			}
		}
		switch {
		case e.status >= http.StatusInternalServerError:
			logger.Warn("request failed upstream", zap.String("path", r.URL.Path), zap.Error(err))
		case e.err == domain.ErrInvariantViolation:
			logger.Warn("store rejected stock change", zap.String("path", r.URL.Path), zap.Error(err))
		}
		writeErrorResponse(w, e.status, resp)
		return
	}

	logger.Error("unhandled request error", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
