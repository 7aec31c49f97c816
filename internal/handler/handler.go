package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/dto"
	"github.com/zifox666/xiaobawang/internal/repository"
)

const healthTimeout = 3 * time.Second

// Deps are the collaborators served by the admin API. Pushes may be nil when
// push analytics are disabled.
type Deps struct {
	Database      Pinger
	Store         Pinger
	Subscriptions SubscriptionReader
	Cache         Invalidator
	Ingest        IngestStatser
	Delivery      DeliveryStatser
	Pushes        PushStatsReader
	Gatherer      prometheus.Gatherer
}

type Handler struct {
	deps   Deps
	router *gin.Engine
	log    *zap.Logger
}

func NewHandler(deps Deps, log *zap.Logger) *Handler {
	h := &Handler{
		deps:   deps,
		router: gin.Default(),
		log:    log,
	}

	h.registerRoutes()

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.healthCheck)
	h.router.GET("/stats", h.getStats)
	h.router.GET("/subscriptions", h.listSubscriptions)
	h.router.POST("/subscriptions/invalidate", h.invalidateSubscriptions)
	h.router.GET("/pushes", h.getPushStats)

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// healthCheck handles GET /health
func (h *Handler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := map[string]Pinger{"database": h.deps.Database, "store": h.deps.Store}
	failed := make(map[string]string)
	for name, p := range checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			h.log.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Status: "unavailable", Checks: failed})
		return
	}
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}

// getStats handles GET /stats
func (h *Handler) getStats(c *gin.Context) {
	resp := dto.StatsResponse{Delivery: map[string]int{}}

	if h.deps.Ingest != nil {
		s := h.deps.Ingest.Stats()
		resp.Ingest = dto.IngestStats{
			Transport:  s.Transport,
			QueueDepth: s.Pool.QueueDepth,
			Admitted:   s.Admitted,
			Duplicates: s.Duplicates,
			Workers:    s.Pool.Workers,
			InFlight:   s.Pool.InFlight,
			Processed:  s.Pool.Processed,
			Failed:     s.Pool.Failed,
			Skipped:    s.Pool.Skipped,
		}
	}
	if h.deps.Delivery != nil {
		resp.Delivery = h.deps.Delivery.Lengths()
	}

	c.JSON(http.StatusOK, resp)
}

// listSubscriptions handles GET /subscriptions
func (h *Handler) listSubscriptions(c *gin.Context) {
	var req dto.ListSubscriptionsRequest

	if err := c.ShouldBindQuery(&req); err != nil {
		h.log.Warn("Invalid subscriptions request", zap.Error(err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	dest := domain.DestinationKey{
		Platform:    req.Platform,
		BotID:       req.BotID,
		SessionID:   req.SessionID,
		SessionKind: req.SessionKind,
	}

	subs, err := h.deps.Subscriptions.ListByDestination(c.Request.Context(), dest)
	if err != nil {
		h.log.Error("Failed to list subscriptions",
			zap.Error(err),
			zap.String("destination", dest.String()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}

	c.JSON(http.StatusOK, dto.SubscriptionsResponse{Destination: dest, Subscriptions: subs})
}

// invalidateSubscriptions handles POST /subscriptions/invalidate
func (h *Handler) invalidateSubscriptions(c *gin.Context) {
	h.deps.Cache.Invalidate()
	h.log.Info("Subscription cache invalidated")
	c.JSON(http.StatusAccepted, gin.H{"status": "invalidated"})
}

// getPushStats handles GET /pushes
func (h *Handler) getPushStats(c *gin.Context) {
	if h.deps.Pushes == nil {
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error:   "unavailable",
			Message: "push analytics are disabled",
		})
		return
	}

	var req dto.GetPushStatsRequest

	if err := c.ShouldBindQuery(&req); err != nil {
		h.log.Warn("Invalid push stats request", zap.Error(err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}
	if req.From >= req.To {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: "from must be before to",
		})
		return
	}

	stats, err := h.deps.Pushes.GetPushStats(c.Request.Context(), repository.PushStatsQuery{
		From: time.Unix(req.From, 0).UTC(),
		To:   time.Unix(req.To, 0).UTC(),
	})
	if err != nil {
		h.log.Error("Failed to get push stats",
			zap.Error(err),
			zap.Int64("from", req.From),
			zap.Int64("to", req.To))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
		return
	}

	resp := dto.GetPushStatsResponse{From: req.From, To: req.To, Stats: make([]dto.PushStatData, 0, len(stats))}
	for _, s := range stats {
		resp.Total += s.Count
		resp.Stats = append(resp.Stats, dto.PushStatData{
			Destination: s.Destination,
			Count:       s.Count,
			LastPushAt:  s.LastPushAt.Unix(),
		})
	}

	c.JSON(http.StatusOK, resp)
}
