package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
)

type profileResponse struct {
	ID                  string                           `json:"id"`
	Email               string                           `json:"email"`
	Tier                accountdomain.Tier               `json:"tier"`
	CreditsBalance      int64                            `json:"credits_balance"`
	CreditsMonthlyLimit int64                            `json:"credits_monthly_limit"`
	CreditsResetAt      time.Time                        `json:"credits_reset_at"`
	ReferralCode        string                           `json:"referral_code"`
	ReferredBy          *string                          `json:"referred_by,omitempty"`
	Subscription        *subscriptiondomain.Subscription `json:"subscription"`
}

func (s *Server) GetProfile(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := accountIDFrom(c)

	account, err := s.accountSvc.Get(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sub, err := s.subscriptionSvc.GetByAccount(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, profileResponse{
		ID:                  account.ID,
		Email:               account.Email,
		Tier:                account.Tier,
		CreditsBalance:      account.CreditsBalance,
		CreditsMonthlyLimit: account.CreditsMonthlyLimit,
		CreditsResetAt:      account.CreditsResetAt,
		ReferralCode:        account.ReferralCode,
		ReferredBy:          account.ReferredBy,
		Subscription:        sub,
	})
}
