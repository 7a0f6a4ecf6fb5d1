package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdusss111/marbix-service/internal/api/handler"
	"github.com/abdusss111/marbix-service/pkg/models"
)

func TestList_DefaultsToCompleted(t *testing.T) {
	done := completedRequest("user-1")
	inflight := &models.StrategyRequest{
		RequestID: "req-live",
		UserID:    "user-1",
		Status:    models.StatusProcessing,
		RequestData: &models.StrategyPayload{
			BusinessType: "bakery",
			BusinessGoal: "open second location",
			Location:     "Astana",
		},
		CreatedAt: time.Now().UTC(),
	}
	st := newFakeStore(done, inflight)
	h := handler.NewListHandler(st)

	r := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/strategies", nil), "user-1")
	rec := doRequest(h, r)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []models.StrategyListItem `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "req-done", body.Data[0].RequestID)
	assert.Equal(t, "coffee shop", body.Data[0].BusinessType)
	assert.Equal(t, 1, body.Meta.Total)
}

func TestList_StatusAll(t *testing.T) {
	st := newFakeStore(completedRequest("user-1"), &models.StrategyRequest{
		RequestID: "req-live",
		UserID:    "user-1",
		Status:    models.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	})
	h := handler.NewListHandler(st)

	r := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/strategies?status=all", nil), "user-1")
	rec := doRequest(h, r)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []models.StrategyListItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 2)
}

func TestList_UnknownStatusFilter(t *testing.T) {
	h := handler.NewListHandler(newFakeStore())

	r := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/strategies?status=bogus", nil), "user-1")
	rec := doRequest(h, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_ScopedToUser(t *testing.T) {
	st := newFakeStore(completedRequest("user-1"))
	h := handler.NewListHandler(st)

	r := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/strategies", nil), "user-2")
	rec := doRequest(h, r)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []models.StrategyListItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Data)
}
