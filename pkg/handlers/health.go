package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/elee1766/godefrag/pkg/db"
)

type HealthHandler struct {
	logger *slog.Logger
	db     *db.DB
}

func NewHealthHandler(logger *slog.Logger, db *db.DB) *HealthHandler {
	return &HealthHandler{
		logger: logger.With("handler", "health"),
		db:     db,
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *HealthHandler) Check(c *gin.Context) {
	if err := h.db.Conn().PingContext(c.Request.Context()); err != nil {
		h.logger.Warn("database ping failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "not_serving", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, healthResponse{Status: "serving", Message: "service is healthy"})
}

// AddRoutes adds the health route to the router.
func (h *HealthHandler) AddRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Check)
}
