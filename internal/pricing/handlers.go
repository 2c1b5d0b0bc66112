package pricing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/pricing-engine/internal/common"
	"github.com/noah-isme/pricing-engine/internal/obs"
)

// Handler exposes the pricing service over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
	MaxBulk  int
}

// contextPayload is the calculation context shared by every request.
type contextPayload struct {
	CompanyID     string         `json:"companyId" validate:"max=64"`
	ItemID        string         `json:"itemId" validate:"max=64"`
	ItemReference string         `json:"itemReference" validate:"max=128"`
	CustomerID    string         `json:"customerId" validate:"max=128"`
	CustomerGroup string         `json:"customerGroup" validate:"max=128"`
	CustomerEmail string         `json:"customerEmail" validate:"omitempty,email"`
	CustomerCode  string         `json:"customerCode" validate:"max=128"`
	Quantity      float64        `json:"quantity" validate:"gte=0"`
	Channel       string         `json:"channel" validate:"max=32"`
	PromotionCode string         `json:"promotionCode" validate:"max=128"`
	OrderTotal    float64        `json:"orderTotal" validate:"gte=0"`
	Attributes    map[string]any `json:"attributes"`
}

func (p contextPayload) toContext(r *http.Request) Context {
	company := strings.TrimSpace(p.CompanyID)
	if company == "" {
		company = strings.TrimSpace(r.Header.Get(obs.CompanyHeader))
	}
	return Context{
		CompanyID:     company,
		ItemID:        p.ItemID,
		ItemReference: p.ItemReference,
		CustomerID:    p.CustomerID,
		CustomerGroup: p.CustomerGroup,
		CustomerEmail: p.CustomerEmail,
		CustomerCode:  p.CustomerCode,
		Quantity:      p.Quantity,
		Channel:       Channel(p.Channel),
		PromotionCode: p.PromotionCode,
		OrderTotal:    p.OrderTotal,
		Attributes:    p.Attributes,
	}
}

type calculateRequest struct {
	contextPayload
	Options Options `json:"options"`
}

type bulkRequest struct {
	contextPayload
	Items   []BulkLine `json:"items" validate:"required,min=1,dive"`
	Options Options    `json:"options"`
}

type previewRequest struct {
	contextPayload
}

// Routes mounts the pricing endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/calculate", h.Calculate)
	r.Post("/bulk", h.Bulk)
	r.Post("/rules/{ruleID}/preview", h.Preview)
	r.Delete("/cache/companies/{companyID}", h.InvalidateCompany)
	r.Delete("/cache/companies/{companyID}/items/{itemID}", h.InvalidateItem)
}

// Calculate prices a single item.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req calculateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Svc.CalculatePrice(r.Context(), req.toContext(r), req.Options)
	if err != nil {
		unavailable(w, err)
		return
	}
	common.Data(w, http.StatusOK, res)
}

// Bulk prices many items against one shared context.
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req bulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	limit := h.MaxBulk
	if limit <= 0 {
		limit = 500
	}
	if len(req.Items) > limit {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "too many items", map[string]any{"max": limit})
		return
	}
	res, err := h.Svc.CalculateBulkPrices(r.Context(), req.Items, req.toContext(r), req.Options)
	if err != nil {
		unavailable(w, err)
		return
	}
	common.Data(w, http.StatusOK, res)
}

// Preview applies one rule to an item without recording usage.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ruleID := strings.TrimSpace(chi.URLParam(r, "ruleID"))
	if ruleID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "rule id is required", nil)
		return
	}
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	pc := req.toContext(r)
	res, err := h.Svc.PreviewRule(r.Context(), ruleID, pc.ItemID, pc)
	if err != nil {
		unavailable(w, err)
		return
	}
	common.Data(w, http.StatusOK, res)
}

// InvalidateCompany drops the cached results and rules of a company.
func (h *Handler) InvalidateCompany(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	companyID := strings.TrimSpace(chi.URLParam(r, "companyID"))
	deleted, err := h.Svc.InvalidateCompany(r.Context(), companyID)
	if err != nil {
		unavailable(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// InvalidateItem drops the cached results of one item.
func (h *Handler) InvalidateItem(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	companyID := strings.TrimSpace(chi.URLParam(r, "companyID"))
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	deleted, err := h.Svc.InvalidateItem(r.Context(), companyID, itemID)
	if err != nil {
		unavailable(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pricing service not configured", nil)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	if h.Validate == nil {
		return true
	}
	if err := h.Validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid payload", fields)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return false
	}
	return true
}

func unavailable(w http.ResponseWriter, err error) {
	common.WriteError(w, common.NewAppError("PRICING_UNAVAILABLE", "pricing data unavailable", http.StatusServiceUnavailable, err))
}
