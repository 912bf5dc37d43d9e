package statsserver

import (
	"net/http"
	"time"

	"github.com/gegl-go/tilestore/pkg/cachehandler"
	"github.com/gegl-go/tilestore/pkg/swap"
	"github.com/gegl-go/tilestore/pkg/workerpool"
)

// healthHandler answers /healthz. It is unauthenticated and never touches
// the tile cache or swap file, consistent with this server being
// observability-only: it exposes no networked tile access at all.
type healthHandler struct {
	startTime time.Time
}

func newHealthHandler() *healthHandler {
	return &healthHandler{startTime: time.Now()}
}

func (h *healthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"service":    "gegl-tilestore",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// debugHandler answers /debug/tilestore: a JSON snapshot of cache_total,
// per-cache LRU item counts, and swap gap-list fragmentation, for
// operators (testable property 7: gap-list fragmentation stays bounded).
type debugHandler struct {
	cacheCtx *cachehandler.Context
	swap     *swap.Backend // nil if swap is disabled
	pool     *workerpool.Pool
}

func newDebugHandler(cacheCtx *cachehandler.Context, swapBackend *swap.Backend, pool *workerpool.Pool) *debugHandler {
	return &debugHandler{cacheCtx: cacheCtx, swap: swapBackend, pool: pool}
}

type cacheSnapshot struct {
	Total         int64 `json:"total"`
	TotalMax      int64 `json:"total_max"`
	TotalUncloned int64 `json:"total_uncloned"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	TargetSize    int64 `json:"target_size"`
	PerCacheSizes []int `json:"per_cache_item_counts"`
}

type swapSnapshot struct {
	Total             int64   `json:"total_bytes"`
	TotalUncompressed int64   `json:"total_uncompressed_bytes"`
	CompressionRatio  float64 `json:"compression_ratio"`
	FileSize          int64   `json:"file_size_bytes"`
	QueuedBytes       int64   `json:"queued_bytes"`
	QueueFull         bool    `json:"queue_full"`
	QueueStalls       int64   `json:"queue_stalls"`
	Gaps              int     `json:"gaps"`
	FreeBytes         int64   `json:"free_bytes"`
}

type workerPoolSnapshot struct {
	Threads    int     `json:"threads"`
	ThreadCost float64 `json:"thread_cost"`
}

type debugSnapshot struct {
	Cache      cacheSnapshot       `json:"cache"`
	Swap       *swapSnapshot       `json:"swap,omitempty"`
	WorkerPool *workerPoolSnapshot `json:"worker_pool,omitempty"`
}

// trimHandler answers POST /admin/cache/trim: it triggers one cache trim
// pass on demand (cmd/tilestorectl's "cache trim"). Unlike the rest of
// this server it mutates cache state rather than only reading it, but it
// never touches tile content or the GET/SET command path, so it keeps
// the "no networked tile access" non-goal intact — it only reaches into
// the same maintenance path the background trim trigger already uses.
type trimHandler struct {
	cacheCtx *cachehandler.Context
}

func newTrimHandler(cacheCtx *cachehandler.Context) *trimHandler {
	return &trimHandler{cacheCtx: cacheCtx}
}

func (h *trimHandler) Trim(w http.ResponseWriter, r *http.Request) {
	h.cacheCtx.ForceTrim()
	stats := h.cacheCtx.Stats()
	writeJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"under_budget": stats.Total <= stats.TargetSize,
		"stats":        stats,
	}))
}

// gapsHandler answers /debug/swap/gaps: the full free-space gap list
// (testable property 7, gap-list fragmentation). nil swap means swap is
// disabled, in which case it reports an empty gap list rather than 404,
// since "no gaps because nothing is swapped" is a valid answer.
type gapsHandler struct {
	swap *swap.Backend
}

func newGapsHandler(swapBackend *swap.Backend) *gapsHandler {
	return &gapsHandler{swap: swapBackend}
}

type gapInterval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type gapsSnapshot struct {
	Gaps      []gapInterval `json:"gaps"`
	FreeBytes int64         `json:"free_bytes"`
}

func (h *gapsHandler) Gaps(w http.ResponseWriter, r *http.Request) {
	if h.swap == nil {
		writeJSON(w, http.StatusOK, healthyResponse(gapsSnapshot{}))
		return
	}

	intervals := h.swap.GapIntervals()
	snapshot := gapsSnapshot{Gaps: make([]gapInterval, 0, len(intervals))}
	for _, g := range intervals {
		snapshot.Gaps = append(snapshot.Gaps, gapInterval{Start: g.Start, End: g.End})
		snapshot.FreeBytes += g.End - g.Start
	}

	writeJSON(w, http.StatusOK, healthyResponse(snapshot))
}

func (h *debugHandler) Debug(w http.ResponseWriter, r *http.Request) {
	stats := h.cacheCtx.Stats()

	snapshot := debugSnapshot{
		Cache: cacheSnapshot{
			Total:         stats.Total,
			TotalMax:      stats.TotalMax,
			TotalUncloned: stats.TotalUncloned,
			Hits:          stats.Hits,
			Misses:        stats.Misses,
			TargetSize:    stats.TargetSize,
			PerCacheSizes: h.cacheCtx.CacheSizes(),
		},
	}

	if h.swap != nil {
		swapStats := h.swap.Stats()
		ratio := 0.0
		if swapStats.TotalUncompressed > 0 {
			ratio = float64(swapStats.Total) / float64(swapStats.TotalUncompressed)
		}
		snapshot.Swap = &swapSnapshot{
			Total:             swapStats.Total,
			TotalUncompressed: swapStats.TotalUncompressed,
			CompressionRatio:  ratio,
			FileSize:          swapStats.FileSize,
			QueuedBytes:       swapStats.QueuedTotal,
			QueueFull:         swapStats.QueueFull,
			QueueStalls:       swapStats.QueueStalls,
			Gaps:              swapStats.Gaps,
			FreeBytes:         swapStats.FreeBytes,
		}
	}

	if h.pool != nil {
		snapshot.WorkerPool = &workerPoolSnapshot{
			Threads:    h.pool.Threads(),
			ThreadCost: h.pool.ThreadCost(),
		}
	}

	writeJSON(w, http.StatusOK, healthyResponse(snapshot))
}
