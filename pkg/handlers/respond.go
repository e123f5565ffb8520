package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/history"
)

// errBadRequest marks input errors.
var errBadRequest = errors.New("bad request")

// GenericError is the body of every failed request.
type GenericError struct {
	Error string `json:"error"`
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, defrag.ErrAlreadyRunning), errors.Is(err, defrag.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, errBadRequest), errors.Is(err, diskmap.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, logger *slog.Logger, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
	} else {
		logger.Debug("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, GenericError{Error: err.Error()})
}

// bind decodes a JSON body, reporting failures as bad requests.
func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// bindQuery decodes query parameters, reporting failures as bad requests.
func bindQuery(c *gin.Context, v any) error {
	if err := c.ShouldBindQuery(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
