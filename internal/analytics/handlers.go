package analytics

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/pricing-engine/internal/common"
	"github.com/noah-isme/pricing-engine/internal/obs"
)

// Handler exposes analytics read endpoints.
type Handler struct {
	Svc *Service
}

// RuleStats serves GET /api/v1/analytics/rules. The window is either
// from/to (RFC 3339) or the last `days` days.
func (h *Handler) RuleStats(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Svc.Q == nil {
		common.JSONError(w, http.StatusInternalServerError, "ANALYTICS_NOT_CONFIGURED", "analytics service not configured", nil)
		return
	}
	companyID := strings.TrimSpace(r.Header.Get(obs.CompanyHeader))
	if companyID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing "+obs.CompanyHeader+" header", nil)
		return
	}
	from, to, err := h.window(r)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	rows, err := h.Svc.RuleStats(r.Context(), companyID, from, to, int32(common.QueryInt(r, "limit", defaultStatsLimit)))
	if err != nil {
		common.WriteError(w, common.NewAppError("ANALYTICS_UNAVAILABLE", "rule statistics unavailable", http.StatusServiceUnavailable, err))
		return
	}
	common.Data(w, http.StatusOK, rows)
}

func (h *Handler) window(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" && toStr == "" {
		days := h.Svc.DefaultRange
		if days <= 0 {
			days = 30
		}
		to := h.Svc.now()
		return to.AddDate(0, 0, -common.QueryInt(r, "days", days)), to, nil
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("from must be RFC 3339")
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("to must be RFC 3339")
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}
