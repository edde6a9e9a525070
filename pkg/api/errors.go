package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dietary/diagnosis-pipeline/pkg/llmoracle"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps a pipeline-layer error to an HTTP status and writes
// the JSON error body, following the teacher's mapServiceError convention
// of translating wrapped sentinel errors to status codes in one place.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, store.ErrResultNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "resource not found"})
	case errors.Is(err, llmoracle.ErrRateLimit):
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: "rate limited by upstream model provider"})
	case errors.Is(err, llmoracle.ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "upstream model provider unavailable"})
	default:
		slog.Error("unexpected pipeline error", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
