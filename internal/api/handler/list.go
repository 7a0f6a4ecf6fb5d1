package handler

import (
	"net/http"
	"strconv"

	mw "github.com/abdusss111/marbix-service/internal/api/middleware"
	"github.com/abdusss111/marbix-service/internal/api/response"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

var listableStatuses = map[string]bool{
	models.StatusRequested:  true,
	models.StatusProcessing: true,
	models.StatusCompleted:  true,
	models.StatusError:      true,
	models.StatusFailed:     true,
}

// NewListHandler returns the handler for GET /api/v1/strategies. Results are
// scoped to the authenticated user and default to completed strategies.
func NewListHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		status := r.URL.Query().Get("status")
		if status == "" {
			status = models.StatusCompleted
		}
		if status != "all" && !listableStatuses[status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Unknown status filter", nil)
			return
		}
		if status == "all" {
			status = ""
		}

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if page <= 0 {
			page = 1
		}
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		requests, total, err := st.ListUserRequests(r.Context(), userID, store.RequestFilter{
			Status: status,
			Page:   page,
			Limit:  limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list strategies", nil)
			return
		}

		items := make([]models.StrategyListItem, 0, len(requests))
		for _, req := range requests {
			items = append(items, toListItem(req))
		}

		response.Collection(w, items, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

func toListItem(req *models.StrategyRequest) models.StrategyListItem {
	item := models.StrategyListItem{
		RequestID:   req.RequestID,
		Status:      req.Status,
		CreatedAt:   req.CreatedAt,
		CompletedAt: req.CompletedAt,
	}
	if req.RequestData != nil {
		item.BusinessType = req.RequestData.BusinessType
		item.BusinessGoal = req.RequestData.BusinessGoal
		item.Location = req.RequestData.Location
		item.MarketingBudget = req.RequestData.MarketingBudget
	}
	return item
}
