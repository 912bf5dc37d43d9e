package statsserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gegl-go/tilestore/pkg/cachehandler"
	"github.com/gegl-go/tilestore/pkg/statsserver"
)

func TestHealthzReportsHealthy(t *testing.T) {
	cacheCtx := cachehandler.NewContext(1024 * 1024)
	r := statsserver.NewRouter(cacheCtx, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestDebugTilestoreReportsCacheStats(t *testing.T) {
	cacheCtx := cachehandler.NewContext(1024 * 1024)
	_ = cachehandler.New(cacheCtx, nil)

	r := statsserver.NewRouter(cacheCtx, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/tilestore", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Cache struct {
				PerCacheItemCounts []int `json:"per_cache_item_counts"`
			} `json:"cache"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data.Cache.PerCacheItemCounts, 1)
}

func TestSwapGapsEmptyWhenSwapDisabled(t *testing.T) {
	cacheCtx := cachehandler.NewContext(1024 * 1024)
	r := statsserver.NewRouter(cacheCtx, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/swap/gaps", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Gaps      []struct{ Start, End int64 } `json:"gaps"`
			FreeBytes int64                        `json:"free_bytes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Data.Gaps)
	assert.Zero(t, body.Data.FreeBytes)
}

func TestAdminCacheTrimReturnsOK(t *testing.T) {
	cacheCtx := cachehandler.NewContext(1024 * 1024)
	r := statsserver.NewRouter(cacheCtx, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/cache/trim", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			UnderBudget bool `json:"under_budget"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.UnderBudget)
}

func TestMetricsDisabledReturnsNotFound(t *testing.T) {
	cacheCtx := cachehandler.NewContext(1024 * 1024)
	r := statsserver.NewRouter(cacheCtx, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
