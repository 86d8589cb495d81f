package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/ledger"
)

// ItemServicer is the item catalogue as the handlers need it.
type ItemServicer interface {
	CreateItem(ctx context.Context, in app.CreateItemInput) (domain.Item, error)
	GetItem(ctx context.Context, id string) (domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
	ReceiveStock(ctx context.Context, id string, qty int) (domain.Item, error)
	DeleteItem(ctx context.Context, id string) error
	Resync(ctx context.Context, id string) (ledger.ResyncResult, error)
	ResyncAll(ctx context.Context) ([]ledger.ResyncResult, error)
}

type ItemHandler struct {
	svc    ItemServicer
	logger *zap.Logger
}

func NewItemHandler(svc ItemServicer, logger *zap.Logger) *ItemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemHandler{svc: svc, logger: logger}
}

func (h *ItemHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/resync", h.ResyncAll)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/receive", h.Receive)
	r.Post("/{id}/resync", h.Resync)
}

type createItemRequest struct {
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	Unit          string `json:"unit"`
	PhysicalStock int    `json:"physical_stock"`
}

type receiveStockRequest struct {
	Quantity int `json:"quantity"`
}

type itemResponse struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	Name          string    `json:"name"`
	Unit          string    `json:"unit"`
	PhysicalStock int       `json:"physical_stock"`
	ReservedStock int       `json:"reserved_stock"`
	Available     int       `json:"available"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type resyncResponse struct {
	ItemID    string       `json:"item_id"`
	Previous  int          `json:"previous_reserved"`
	Corrected int          `json:"corrected_reserved"`
	Delta     int          `json:"delta"`
	Item      itemResponse `json:"item"`
}

type resyncAllResponse struct {
	Results []resyncResponse `json:"results"`
	Errors  []string         `json:"errors,omitempty"`
}

func toItemResponse(it domain.Item) itemResponse {
	return itemResponse{
		ID:            it.ID,
		SKU:           it.SKU,
		Name:          it.Name,
		Unit:          it.Unit,
		PhysicalStock: it.PhysicalStock,
		ReservedStock: it.ReservedStock,
		Available:     it.Available(),
		Version:       it.Version,
		CreatedAt:     it.CreatedAt,
		UpdatedAt:     it.UpdatedAt,
	}
}

func toResyncResponse(res ledger.ResyncResult) resyncResponse {
	return resyncResponse{
		ItemID:    res.ItemID,
		Previous:  res.Previous,
		Corrected: res.Corrected,
		Delta:     res.Delta,
		Item:      toItemResponse(res.Item),
	}
}

func (h *ItemHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	item, err := h.svc.CreateItem(r.Context(), app.CreateItemInput{
		SKU:           req.SKU,
		Name:          req.Name,
		Unit:          req.Unit,
		PhysicalStock: req.PhysicalStock,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemResponse(item))
}

func (h *ItemHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListItems(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toItemResponse(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	item, err := h.svc.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *ItemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ItemHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req receiveStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	item, err := h.svc.ReceiveStock(r.Context(), chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *ItemHandler) Resync(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Resync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResyncResponse(res))
}

// ResyncAll reports per-item failures in the body. The request only fails
// when the catalogue could not be listed.
func (h *ItemHandler) ResyncAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.ResyncAll(r.Context())
	if err != nil && results == nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	resp := resyncAllResponse{Results: make([]resyncResponse, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, toResyncResponse(res))
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			resp.Errors = append(resp.Errors, e.Error())
		}
	} else if err != nil {
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}
