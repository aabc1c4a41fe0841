package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
)

type meteredRequest struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	UnitCount int64           `json:"unit_count"`
}

type deductRequest struct {
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	UnitCount int64          `json:"unit_count"`
}

// Metered charges the caller, runs the action and refunds on failure.
func (s *Server) Metered(c *gin.Context) {
	var req meteredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		AbortWithError(c, newValidationError("action", "required", "action is required"))
		return
	}
	c.Set("metered_action", action)

	resp, err := s.gatewaySvc.Execute(c.Request.Context(), accountIDFrom(c), gatewaydomain.Request{
		Action:  ledgerdomain.Action(action),
		Payload: req.Payload,
		Units:   req.UnitCount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DeductCredits charges for work the client performs itself.
func (s *Server) DeductCredits(c *gin.Context) {
	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		AbortWithError(c, newValidationError("action", "required", "action is required"))
		return
	}
	c.Set("metered_action", action)

	resp, err := s.gatewaySvc.Deduct(c.Request.Context(), accountIDFrom(c), gatewaydomain.Request{
		Action:   ledgerdomain.Action(action),
		Units:    req.UnitCount,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
