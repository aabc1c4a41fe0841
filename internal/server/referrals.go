package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type applyReferralRequest struct {
	ReferralCode string `json:"referral_code"`
}

func (s *Server) ApplyReferral(c *gin.Context) {
	var req applyReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.ReferralCode) == "" {
		AbortWithError(c, newValidationError("referral_code", "required", "referral_code is required"))
		return
	}

	result, err := s.referralSvc.Apply(c.Request.Context(), accountIDFrom(c), req.ReferralCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"message":        fmt.Sprintf("Referral applied! You earned %d bonus credits.", result.CreditsEarned),
		"credits_earned": result.CreditsEarned,
		"new_balance":    result.NewBalance,
	})
}

func (s *Server) ReferralStats(c *gin.Context) {
	stats, err := s.referralSvc.Stats(c.Request.Context(), accountIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
