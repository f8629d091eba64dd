package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
)

// orderSessionResponse leaves out answers and the customer email.
type orderSessionResponse struct {
	ID                     snowflake.ID                 `json:"id"`
	TenantID               snowflake.ID                 `json:"tenant_id"`
	GuildID                string                       `json:"guild_id"`
	TicketChannelID        string                       `json:"ticket_channel_id"`
	Status                 orderdomain.Status           `json:"status"`
	PointsReservationState orderdomain.ReservationState `json:"points_reservation_state"`
	PointsReserved         int64                        `json:"points_reserved"`
	PointsDiscountMinor    int64                        `json:"points_discount_minor"`
	PointsEarnSnapshot     int64                        `json:"points_earn_snapshot"`
	TotalMinor             int64                        `json:"total_minor"`
	Currency               string                       `json:"currency"`
	CheckoutExpiresAt      time.Time                    `json:"checkout_expires_at"`
	PaidAt                 *time.Time                   `json:"paid_at,omitempty"`
	CancelledAt            *time.Time                   `json:"cancelled_at,omitempty"`
}

type transitionResponse struct {
	Changed       bool                  `json:"changed"`
	PointsApplied int64                 `json:"points_applied"`
	Session       *orderSessionResponse `json:"session,omitempty"`
}

type reserveRequest struct {
	Points int64 `json:"points"`
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

func newOrderSessionResponse(session *orderdomain.OrderSession) *orderSessionResponse {
	if session == nil {
		return nil
	}
	return &orderSessionResponse{
		ID:                     session.ID,
		TenantID:               session.TenantID,
		GuildID:                session.GuildID,
		TicketChannelID:        session.TicketChannelID,
		Status:                 session.Status,
		PointsReservationState: session.PointsReservationState,
		PointsReserved:         session.PointsReserved,
		PointsDiscountMinor:    session.PointsDiscountMinor,
		PointsEarnSnapshot:     session.PointsEarnSnapshot,
		TotalMinor:             session.TotalMinor,
		Currency:               session.Currency,
		CheckoutExpiresAt:      session.CheckoutExpiresAt,
		PaidAt:                 session.PaidAt,
		CancelledAt:            session.CancelledAt,
	}
}

func newTransitionResponse(res *orderdomain.TransitionResult) transitionResponse {
	return transitionResponse{
		Changed:       res.Changed,
		PointsApplied: res.PointsApplied,
		Session:       newOrderSessionResponse(res.Session),
	}
}

func (s *Server) GetOrderSession(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newOrderSessionResponse(session))
}

func (s *Server) ReserveOrderPoints(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.sessions.ReservePointsForOrder(c.Request.Context(), id, req.Points)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newTransitionResponse(res))
}

func (s *Server) ReleaseOrderPoints(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reason := orderdomain.ReleaseReason(strings.ToLower(strings.TrimSpace(req.Reason)))
	res, err := s.sessions.ReleaseReservationForOrderSession(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newTransitionResponse(res))
}

func (s *Server) ConsumeOrderPoints(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.sessions.ConsumeReservationForPaidOrder(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newTransitionResponse(res))
}
