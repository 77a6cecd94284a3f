package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/engine/engines"
	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

func respondData(c *gin.Context, status int, data any, message string) {
	c.JSON(status, gin.H{"data": data, "message": message})
}

func respondError(c *gin.Context, status int, message string, details any) {
	body := gin.H{"error": message}
	if details != nil {
		body["details"] = details
	}
	c.JSON(status, body)
}

// respondTaskError maps domain errors to HTTP statuses; anything
// unrecognized is a 500 with the detail kept out of the response body.
func respondTaskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		respondError(c, http.StatusNotFound, "task not found", nil)
	case errors.Is(err, task.ErrTaskNotPending):
		respondError(c, http.StatusBadRequest, "cannot cancel a task that is no longer pending", nil)
	case errors.Is(err, engines.ErrUnknownBackend), errors.Is(err, engines.ErrUnsupportedFile):
		respondError(c, http.StatusBadRequest, err.Error(), nil)
	default:
		var coded *core.Error
		if errors.As(err, &coded) {
			respondError(c, statusForCode(coded.Code), coded.Message, coded.Details)
			return
		}
		logger.FromContext(c.Request.Context()).Error("request failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal error", nil)
	}
}

func statusForCode(code string) int {
	switch code {
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeForbidden:
		return http.StatusForbidden
	case core.ErrCodeValidation:
		return http.StatusBadRequest
	case core.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
