package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/domain"
)

// OrderServicer is the order lifecycle as the handlers need it.
type OrderServicer interface {
	CreateOrder(ctx context.Context, in app.CreateOrderInput) (domain.Order, error)
	EditOrder(ctx context.Context, in app.EditOrderInput) (domain.Order, error)
	CompleteOrder(ctx context.Context, orderID string) (domain.Order, error)
	ReopenOrder(ctx context.Context, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (domain.Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
}

type OrderHandler struct {
	svc    OrderServicer
	logger *zap.Logger
}

func NewOrderHandler(svc OrderServicer, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{svc: svc, logger: logger}
}

func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/lines", h.EditLines)
	r.Post("/{id}/complete", h.transition(OrderServicer.CompleteOrder))
	r.Post("/{id}/reopen", h.transition(OrderServicer.ReopenOrder))
	r.Post("/{id}/cancel", h.transition(OrderServicer.CancelOrder))
	r.Delete("/{id}", h.Delete)
}

type orderLineRequest struct {
	ItemID    string          `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type createOrderRequest struct {
	CompanyID          string             `json:"company_id"`
	TransportCompanyID *string            `json:"transport_company_id"`
	Notes              string             `json:"notes"`
	Lines              []orderLineRequest `json:"lines"`
}

type editLinesRequest struct {
	Lines []orderLineRequest `json:"lines"`
}

type orderLineResponse struct {
	ItemID    string          `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderResponse struct {
	ID                 string              `json:"id"`
	CompanyID          string              `json:"company_id"`
	TransportCompanyID *string             `json:"transport_company_id"`
	Notes              string              `json:"notes"`
	Status             string              `json:"status"`
	Lines              []orderLineResponse `json:"lines"`
	TotalQuantity      int                 `json:"total_quantity"`
	TotalValue         decimal.Decimal     `json:"total_value"`
	Version            int64               `json:"version"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func toLines(in []orderLineRequest) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(in))
	for _, l := range in {
		out = append(out, domain.OrderLine{ItemID: l.ItemID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return out
}

func toOrderResponse(o domain.Order) orderResponse {
	lines := make([]orderLineResponse, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, orderLineResponse{ItemID: l.ItemID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return orderResponse{
		ID:                 o.ID,
		CompanyID:          o.CompanyID,
		TransportCompanyID: o.TransportCompanyID,
		Notes:              o.Notes,
		Status:             string(o.Status),
		Lines:              lines,
		TotalQuantity:      o.TotalQuantity(),
		TotalValue:         o.TotalValue(),
		Version:            o.Version,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	order, err := h.svc.CreateOrder(r.Context(), app.CreateOrderInput{
		CompanyID:          req.CompanyID,
		TransportCompanyID: req.TransportCompanyID,
		Notes:              req.Notes,
		Lines:              toLines(req.Lines),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := h.svc.ListOrders(r.Context(), domain.OrderFilter{
		Status:    domain.OrderStatus(q.Get("status")),
		CompanyID: q.Get("company_id"),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandler) EditLines(w http.ResponseWriter, r *http.Request) {
	var req editLinesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	order, err := h.svc.EditOrder(r.Context(), app.EditOrderInput{
		OrderID: chi.URLParam(r, "id"),
		Lines:   toLines(req.Lines),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandler) transition(fn func(OrderServicer, context.Context, string) (domain.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := fn(h.svc, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func (h *OrderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteOrder(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
