// README: Driver handlers for requesting, accepting, rejecting and finishing drives.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"driveup/internal/http/middleware"
	"driveup/internal/modules/matching"
	"driveup/internal/types"
)

type MatchingService interface {
	RequestDrives(ctx context.Context, driverID string, at types.Point, filters matching.Filters, force bool) (*matching.Offer, error)
	AcceptDrive(ctx context.Context, driverID, suggestionID string) (*matching.AcceptResult, error)
	RejectDrives(ctx context.Context, driverID string) error
	FinishDrive(ctx context.Context, driverID, driveID string) error
	DriveDetails(ctx context.Context, driverID, driveID string) (*matching.DriveDetails, error)
	DriveDetailsPreview(ctx context.Context, driverID, suggestionID string) (*matching.DriveDetails, error)
}

type DriverHandler struct {
	matching MatchingService
}

func NewDriverHandler(svc MatchingService) *DriverHandler {
	return &DriverHandler{matching: svc}
}

type requestDrivesReq struct {
	CurrentLat *float64                  `json:"current_lat" validate:"required,latitude"`
	CurrentLon *float64                  `json:"current_lon" validate:"required,longitude"`
	Limits     map[string]matching.Bound `json:"limits" validate:"omitempty,dive,keys,oneof=pick_up_distance ride_distance,endkeys"`
}

type acceptDriveReq struct {
	SuggestionID string `json:"suggestion_id" validate:"required"`
}

func (h *DriverHandler) RequestDrives(c *gin.Context) {
	var req requestDrivesReq
	if !bindJSON(c, &req) {
		return
	}
	force := false
	if v := c.Query("force_reject"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid force_reject")
			return
		}
		force = b
	}
	at := types.Point{Lat: *req.CurrentLat, Lng: *req.CurrentLon}
	offer, err := h.matching.RequestDrives(c.Request.Context(), middleware.CallerEmail(c), at, matching.Filters(req.Limits), force)
	if err != nil {
		writeMatchingError(c, err, http.StatusNotFound)
		return
	}
	writeJSON(c, http.StatusOK, offer)
}

func (h *DriverHandler) AcceptDrive(c *gin.Context) {
	var req acceptDriveReq
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.matching.AcceptDrive(c.Request.Context(), middleware.CallerEmail(c), req.SuggestionID)
	if err != nil {
		writeMatchingError(c, err, http.StatusNotAcceptable)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *DriverHandler) RejectDrives(c *gin.Context) {
	if err := h.matching.RejectDrives(c.Request.Context(), middleware.CallerEmail(c)); err != nil {
		writeMatchingError(c, err, http.StatusNotFound)
		return
	}
	writeJSON(c, http.StatusOK, successResponse{Success: true})
}

func (h *DriverHandler) FinishDrive(c *gin.Context) {
	if err := h.matching.FinishDrive(c.Request.Context(), middleware.CallerEmail(c), c.Param("id")); err != nil {
		writeMatchingError(c, err, http.StatusNotFound)
		return
	}
	writeJSON(c, http.StatusOK, successResponse{Success: true})
}

func (h *DriverHandler) DriveDetails(c *gin.Context) {
	d, err := h.matching.DriveDetails(c.Request.Context(), middleware.CallerEmail(c), c.Param("id"))
	if err != nil {
		writeMatchingError(c, err, http.StatusNotFound)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DriverHandler) DriveDetailsPreview(c *gin.Context) {
	d, err := h.matching.DriveDetailsPreview(c.Request.Context(), middleware.CallerEmail(c), c.Param("id"))
	if err != nil {
		writeMatchingError(c, err, http.StatusNotFound)
		return
	}
	writeJSON(c, http.StatusOK, d)
}
