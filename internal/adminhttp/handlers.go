package adminhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/merklekv/merklekv/internal/store"
)

// Handler holds the dependencies the admin surface reads from; it never
// mutates node state (spec §1 scope: only the engine and wire protocols are
// in scope, admin HTTP is read-only ambient infrastructure).
type Handler struct {
	store    *store.Store
	registry *prometheus.Registry
	nodeID   string
}

func NewHandler(s *store.Store, registry *prometheus.Registry, nodeID string) *Handler {
	return &Handler{store: s, registry: registry, nodeID: nodeID}
}

// Register mounts /healthz, /metrics, and /debug/store on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
	r.GET("/debug/store", h.DebugStore)
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id": h.nodeID,
		"status":  "ok",
	})
}

// debugEntry omits the raw value bytes: /debug/store is an operational
// inspection surface, not a data-export API, and values may be large or
// binary.
type debugEntry struct {
	Key         string `json:"key"`
	Tombstone   bool   `json:"tombstone"`
	TimestampMs uint64 `json:"timestamp_ms"`
	NodeID      string `json:"node_id"`
	Seq         uint64 `json:"seq"`
	ValueBytes  int    `json:"value_bytes"`
}

func (h *Handler) DebugStore(c *gin.Context) {
	entries := h.store.Entries()
	out := make([]debugEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, debugEntry{
			Key: e.Key, Tombstone: e.Tombstone, TimestampMs: e.TimestampMs,
			NodeID: e.NodeID, Seq: e.Seq, ValueBytes: len(e.Value),
		})
	}
	c.JSON(http.StatusOK, gin.H{"node_id": h.nodeID, "entries": out})
}
