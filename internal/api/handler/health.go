package handler

import (
	"net/http"

	"github.com/abdusss111/marbix-service/internal/api/response"
	"github.com/abdusss111/marbix-service/internal/cache"
	"github.com/abdusss111/marbix-service/internal/store"
)

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// NewHealthHandler returns the handler for GET /api/v1/health.
func NewHealthHandler(st store.Store, ch cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := healthResponse{Status: "ok", Database: "up", Redis: "up"}
		status := http.StatusOK

		if err := st.Ping(r.Context()); err != nil {
			health.Status = "degraded"
			health.Database = "down"
			status = http.StatusServiceUnavailable
		}
		if err := ch.Ping(r.Context()); err != nil {
			health.Status = "degraded"
			health.Redis = "down"
			status = http.StatusServiceUnavailable
		}

		if status != http.StatusOK {
			response.Error(w, status, "DEGRADED", "One or more dependencies are down", health)
			return
		}
		response.JSON(w, health)
	}
}
