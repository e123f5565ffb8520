package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elee1766/godefrag/pkg/config"
	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/diskmap"
)

// Controller is what the session endpoints drive.
type Controller interface {
	defrag.SessionController
	defrag.DiskMapAccessor
	defrag.EventSource
	Status() defrag.Status
	Result() (*defrag.Result, bool)
	Resync() error
}

type SessionHandler struct {
	logger      *slog.Logger
	ctl         Controller
	stopTimeout time.Duration
}

func NewSessionHandler(logger *slog.Logger, cfg *config.Config, ctl Controller) *SessionHandler {
	return &SessionHandler{
		logger:      logger.With("handler", "session"),
		ctl:         ctl,
		stopTimeout: cfg.StopTimeout,
	}
}

// AddRoutes adds the session routes to the router.
func (h *SessionHandler) AddRoutes(rg *gin.RouterGroup) {
	s := rg.Group("/session")
	s.GET("", h.Get)
	s.POST("/start", h.Start)
	s.POST("/pause", h.Pause)
	s.POST("/continue", h.Continue)
	s.POST("/stop", h.Stop)
	s.GET("/squares", h.GetSquares)
	s.PUT("/squares", h.SetSquares)
	s.GET("/clusters", h.Clusters)
}

type statusResponse struct {
	defrag.Status
	Last *defrag.Result `json:"last,omitempty"`
}

func (h *SessionHandler) status() statusResponse {
	resp := statusResponse{Status: h.ctl.Status()}
	if res, ok := h.ctl.Result(); ok {
		resp.Last = res
	}
	return resp
}

func (h *SessionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

type startRequest struct {
	Target string `json:"target" binding:"required"`
}

func (h *SessionHandler) Start(c *gin.Context) {
	var req startRequest
	if err := bind(c, &req); err != nil {
		abort(c, h.logger, err)
		return
	}
	if err := h.ctl.Start(req.Target); err != nil {
		abort(c, h.logger, err)
		return
	}
	h.logger.Info("session started", "target", req.Target)
	c.JSON(http.StatusAccepted, h.status())
}

func (h *SessionHandler) Pause(c *gin.Context) {
	if err := h.ctl.Pause(); err != nil {
		abort(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.status())
}

func (h *SessionHandler) Continue(c *gin.Context) {
	if err := h.ctl.Continue(); err != nil {
		abort(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.status())
}

// Stop blocks until the session has ended. A forced shutdown is reported in
// the result rather than as an error.
func (h *SessionHandler) Stop(c *gin.Context) {
	timeout := h.stopTimeout
	if v := c.Query("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			abort(c, h.logger, fmt.Errorf("%w: invalid timeout %q", errBadRequest, v))
			return
		}
		timeout = d
	}
	err := h.ctl.Stop(timeout)
	if err != nil && !errors.Is(err, defrag.ErrForcedShutdown) {
		abort(c, h.logger, err)
		return
	}
	if err != nil {
		h.logger.Warn("session stop forced", "error", err)
	}
	c.JSON(http.StatusOK, h.status())
}

type squaresRequest struct {
	Squares int `json:"squares" binding:"required,min=1"`
}

func (h *SessionHandler) GetSquares(c *gin.Context) {
	c.JSON(http.StatusOK, squaresRequest{Squares: h.ctl.NumFilteredClusters()})
}

func (h *SessionHandler) SetSquares(c *gin.Context) {
	var req squaresRequest
	if err := bind(c, &req); err != nil {
		abort(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, squaresRequest{Squares: h.ctl.SetNumFilteredClusters(req.Squares)})
}

type clustersQuery struct {
	Begin *int `form:"begin"`
	End   *int `form:"end"`
}

type clustersResponse struct {
	Squares int              `json:"squares"`
	Buckets []diskmap.Bucket `json:"buckets"`
}

// Clusters returns buckets begin through end, or the whole view when both
// are omitted.
func (h *SessionHandler) Clusters(c *gin.Context) {
	var q clustersQuery
	if err := bindQuery(c, &q); err != nil {
		abort(c, h.logger, err)
		return
	}
	var (
		buckets []diskmap.Bucket
		err     error
	)
	switch {
	case q.Begin == nil && q.End == nil:
		buckets, err = h.ctl.GetAllFilteredClusters()
	case q.Begin == nil || q.End == nil:
		err = fmt.Errorf("%w: begin and end go together", errBadRequest)
	default:
		buckets, err = h.ctl.GetFilteredClusters(*q.Begin, *q.End)
	}
	if err != nil {
		abort(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, clustersResponse{Squares: h.ctl.NumFilteredClusters(), Buckets: buckets})
}
