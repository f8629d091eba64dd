package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
)

type saleItemRequest struct {
	ProductID snowflake.ID `json:"product_id"`
	VariantID snowflake.ID `json:"variant_id"`
}

type createSaleRequest struct {
	TenantID            snowflake.ID      `json:"tenant_id"`
	GuildID             string            `json:"guild_id"`
	TicketChannelID     string            `json:"ticket_channel_id"`
	StaffUserID         string            `json:"staff_user_id"`
	CustomerUserID      string            `json:"customer_user_id"`
	CustomerEmail       string            `json:"customer_email"`
	Items               []saleItemRequest `json:"items"`
	CouponCode          string            `json:"coupon_code"`
	CouponDiscountMinor int64             `json:"coupon_discount_minor"`
	TipMinor            int64             `json:"tip_minor"`
	UsePoints           bool              `json:"use_points"`
	Answers             map[string]string `json:"answers"`
}

type saleTotalsResponse struct {
	SubtotalMinor       int64 `json:"subtotal_minor"`
	CouponDiscountMinor int64 `json:"coupon_discount_minor"`
	PointsReserved      int64 `json:"points_reserved"`
	PointsDiscountMinor int64 `json:"points_discount_minor"`
	TipMinor            int64 `json:"tip_minor"`
	TotalMinor          int64 `json:"total_minor"`
	PointsEarned        int64 `json:"points_earned"`
}

type createSaleResponse struct {
	OrderSessionID snowflake.ID       `json:"order_session_id"`
	CheckoutURL    string             `json:"checkout_url"`
	ExpiresAt      time.Time          `json:"expires_at"`
	Totals         saleTotalsResponse `json:"totals"`
}

type cancelLatestRequest struct {
	TenantID        snowflake.ID `json:"tenant_id"`
	GuildID         string       `json:"guild_id"`
	TicketChannelID string       `json:"ticket_channel_id"`
}

func (s *Server) CreateSale(c *gin.Context) {
	var req createSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items := make([]orderdomain.SaleItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, orderdomain.SaleItem{ProductID: item.ProductID, VariantID: item.VariantID})
	}

	res, err := s.sessions.CreateSaleSessionFromBot(c.Request.Context(), orderdomain.CreateSaleRequest{
		TenantID:            req.TenantID,
		GuildID:             strings.TrimSpace(req.GuildID),
		TicketChannelID:     strings.TrimSpace(req.TicketChannelID),
		StaffUserID:         strings.TrimSpace(req.StaffUserID),
		CustomerUserID:      strings.TrimSpace(req.CustomerUserID),
		CustomerEmail:       req.CustomerEmail,
		Items:               items,
		CouponCode:          strings.TrimSpace(req.CouponCode),
		CouponDiscountMinor: req.CouponDiscountMinor,
		TipMinor:            req.TipMinor,
		UsePoints:           req.UsePoints,
		Answers:             req.Answers,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createSaleResponse{
		OrderSessionID: res.OrderSessionID,
		CheckoutURL:    res.CheckoutURL,
		ExpiresAt:      res.ExpiresAt,
		Totals: saleTotalsResponse{
			SubtotalMinor:       res.Totals.SubtotalMinor,
			CouponDiscountMinor: res.Totals.CouponDiscountMinor,
			PointsReserved:      res.Totals.PointsReserved,
			PointsDiscountMinor: res.Totals.PointsDiscountMinor,
			TipMinor:            res.Totals.TipMinor,
			TotalMinor:          res.Totals.TotalMinor,
			PointsEarned:        res.Totals.PointsEarned,
		},
	})
}

func (s *Server) CancelLatestSale(c *gin.Context) {
	var req cancelLatestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.sessions.CancelLatestPendingSession(c.Request.Context(), orderdomain.CancelRequest{
		TenantID:        req.TenantID,
		GuildID:         strings.TrimSpace(req.GuildID),
		TicketChannelID: strings.TrimSpace(req.TicketChannelID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newTransitionResponse(res))
}
