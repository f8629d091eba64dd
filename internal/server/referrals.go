package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	referraldomain "github.com/smallbiznis/orderledger/internal/referral/domain"
)

type createReferralClaimRequest struct {
	TenantID       snowflake.ID `json:"tenant_id"`
	GuildID        string       `json:"guild_id"`
	ReferrerUserID string       `json:"referrer_user_id"`
	ReferrerEmail  string       `json:"referrer_email"`
	ReferredEmail  string       `json:"referred_email"`
}

type referralClaimResponse struct {
	Outcome referraldomain.ClaimOutcome `json:"outcome"`
	Claim   *referraldomain.Claim       `json:"claim,omitempty"`
}

// CreateReferralClaim answers 201 for a new claim and 200 when the referred
// email was already claimed or the claim referred its own author.
func (s *Server) CreateReferralClaim(c *gin.Context) {
	var req createReferralClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.referrals.CreateClaimFirstWins(c.Request.Context(), referraldomain.CreateClaimRequest{
		TenantID:       req.TenantID,
		GuildID:        req.GuildID,
		ReferrerUserID: req.ReferrerUserID,
		ReferrerEmail:  req.ReferrerEmail,
		ReferredEmail:  req.ReferredEmail,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == referraldomain.ClaimCreated {
		status = http.StatusCreated
	}
	c.JSON(status, referralClaimResponse{Outcome: res.Outcome, Claim: res.Claim})
}
