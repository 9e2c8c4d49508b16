// Package httpapi serves the bridge's read-only operational endpoints.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/domain/model"
	"mt5bridge/internal/infrastructure/metrics"
)

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 1000
)

// Health reports the loop's view of itself.
type Health interface {
	Health() model.Heartbeat
}

type Hub interface {
	ServeWs(w http.ResponseWriter, r *http.Request)
}

type RouterDeps struct {
	Health Health
	Store  port.Store
	Hub    Hub // nil disables /ws
	Debug  bool
}

func SetupRouter(deps RouterDeps) *gin.Engine {
	if !deps.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		hb := deps.Health.Health()
		code := http.StatusOK
		if hb.Status == model.StatusOffline {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, hb)
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	h := &handler{store: deps.Store}
	api := r.Group("/api")
	{
		api.GET("/positions", h.positions)
		api.GET("/trades", h.trades)
		api.GET("/status", h.status)
	}

	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}
	return r
}

type handler struct {
	store port.Store
}

func (h *handler) positions(c *gin.Context) {
	rows, err := h.store.ListPositions(c.Request.Context())
	if err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	if rows == nil {
		rows = []model.PositionSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": rows})
}

func (h *handler) trades(c *gin.Context) {
	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTradeLimit)
	}
	rows, err := h.store.ListTrades(c.Request.Context(), limit)
	if err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	if rows == nil {
		rows = []model.TradeEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": rows})
}

func (h *handler) status(c *gin.Context) {
	hb, err := h.store.GetHeartbeat(c.Request.Context())
	if err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	if hb == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no heartbeat recorded"})
		return
	}
	c.JSON(http.StatusOK, hb)
}

func abort(c *gin.Context, code int, err error) {
	log.Warn().Err(err).Str("path", c.FullPath()).Msg("api request failed")
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http")
	}
}
