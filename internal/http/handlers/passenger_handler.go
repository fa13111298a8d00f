// README: Passenger handlers for ordering, viewing, cancelling and listing rides.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"driveup/internal/http/middleware"
	"driveup/internal/modules/order"
	"driveup/internal/types"
)

type OrderService interface {
	Create(ctx context.Context, cmd order.CreateCommand) (*order.Order, error)
	GetByUserAndID(ctx context.Context, email string, id int64) (*order.Order, error)
	Cancel(ctx context.Context, email string, id int64) (bool, error)
	ListByUser(ctx context.Context, email string, page, size int) ([]*order.Order, error)
}

type PassengerHandler struct {
	orders OrderService
	loc    *time.Location
}

// NewPassengerHandler renders timestamps in loc; nil means UTC.
func NewPassengerHandler(svc OrderService, loc *time.Location) *PassengerHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &PassengerHandler{orders: svc, loc: loc}
}

type orderDriveReq struct {
	PassengersAmount int      `json:"passengers_amount" validate:"required,gte=1"`
	StartLat         *float64 `json:"start_lat" validate:"required,latitude"`
	StartLon         *float64 `json:"start_lon" validate:"required,longitude"`
	DestinationLat   *float64 `json:"destination_lat" validate:"required,latitude"`
	DestinationLon   *float64 `json:"destination_lon" validate:"required,longitude"`
}

type orderDriveResp struct {
	OrderID       int64     `json:"order_id"`
	EstimatedCost float64   `json:"estimated_cost"`
	Time          time.Time `json:"time"`
}

type getDriveResp struct {
	DriveID                *string      `json:"drive_id"`
	Origin                 types.Point  `json:"origin"`
	Destination            types.Point  `json:"destination"`
	EstimatedCost          float64      `json:"estimated_cost"`
	Time                   time.Time    `json:"time"`
	Status                 order.Status `json:"status"`
	EstimatedDriverArrival *time.Time   `json:"estimated_driver_arrival"`
}

type historyNode struct {
	DriverID *string   `json:"driver_id"`
	OrderID  int64     `json:"order_id"`
	Time     time.Time `json:"time"`
	Cost     float64   `json:"cost"`
	DriveID  *string   `json:"drive_id"`
}

func (h *PassengerHandler) OrderDrive(c *gin.Context) {
	var req orderDriveReq
	if !bindJSON(c, &req) {
		return
	}
	o, err := h.orders.Create(c.Request.Context(), order.CreateCommand{
		Email:      middleware.CallerEmail(c),
		Passengers: req.PassengersAmount,
		Source:     types.Point{Lat: *req.StartLat, Lng: *req.StartLon},
		Dest:       types.Point{Lat: *req.DestinationLat, Lng: *req.DestinationLon},
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, orderDriveResp{
		OrderID:       o.ID,
		EstimatedCost: o.EstimatedCost,
		Time:          o.CreatedAt.In(h.loc),
	})
}

func (h *PassengerHandler) GetDrive(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.orders.GetByUserAndID(c.Request.Context(), middleware.CallerEmail(c), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	resp := getDriveResp{
		DriveID:       o.DriveID,
		Origin:        o.Source,
		Destination:   o.Dest,
		EstimatedCost: o.EstimatedCost,
		Time:          o.CreatedAt.In(h.loc),
		Status:        o.Status,
	}
	if o.EstimatedArrival != nil {
		eta := o.EstimatedArrival.In(h.loc)
		resp.EstimatedDriverArrival = &eta
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *PassengerHandler) CancelOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	gone, err := h.orders.Cancel(c.Request.Context(), middleware.CallerEmail(c), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, successResponse{Success: gone})
}

func (h *PassengerHandler) OrderHistory(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := queryInt(c, "size", 20)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid size")
		return
	}
	orders, err := h.orders.ListByUser(c.Request.Context(), middleware.CallerEmail(c), page, size)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	out := make([]historyNode, 0, len(orders))
	for _, o := range orders {
		out = append(out, historyNode{
			DriverID: o.AssignedDriver,
			OrderID:  o.ID,
			Time:     o.CreatedAt.In(h.loc),
			Cost:     o.EstimatedCost,
			DriveID:  o.DriveID,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
