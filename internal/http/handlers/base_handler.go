// README: Base handler utilities (JSON helpers, request validation, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"driveup/internal/maps"
	"driveup/internal/modules/matching"
	"driveup/internal/modules/order"
	"driveup/internal/solver"
)

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Request structs carry validate tags; gin's own binding tag is left unused.
var validate = validator.New()

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// bindJSON decodes and validates the body into v. It writes a 400 and
// returns false on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// writeUpstreamError maps solver and directions failures. It reports false
// when err is not an upstream failure.
func writeUpstreamError(c *gin.Context, err error) bool {
	var statusErr *solver.StatusError
	switch {
	case errors.Is(err, solver.ErrTimeout):
		writeError(c, http.StatusGatewayTimeout, "solver timed out")
	case errors.Is(err, solver.ErrUnavailable), errors.As(err, &statusErr):
		writeError(c, http.StatusBadGateway, "solver unavailable")
	case errors.Is(err, maps.ErrNoRoute):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		return false
	}
	_ = c.Error(err)
	return true
}

func writeInternal(c *gin.Context, err error) {
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal error")
}

// writeMatchingError maps orchestrator errors. notFound is the status used
// for a missing suggestion, which differs between accept and preview.
func writeMatchingError(c *gin.Context, err error, notFound int) {
	switch {
	case errors.Is(err, matching.ErrSuggestionNotFound):
		writeError(c, notFound, err.Error())
	case errors.Is(err, matching.ErrSuggestionExpired):
		writeError(c, http.StatusNotAcceptable, err.Error())
	case errors.Is(err, matching.ErrDriveNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, matching.ErrBadRequest),
		errors.Is(err, matching.ErrNotAssigned),
		errors.Is(err, matching.ErrInvalidState):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		if !writeUpstreamError(c, err) {
			writeInternal(c, err)
		}
	}
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidState), errors.Is(err, order.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		if !writeUpstreamError(c, err) {
			writeInternal(c, err)
		}
	}
}
