package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// CreditCosts publishes the cost table the gateway charges from.
func (s *Server) CreditCosts(c *gin.Context) {
	c.JSON(http.StatusOK, s.costPolicy.Table())
}

func (s *Server) CreditUsage(c *gin.Context) {
	summary, err := s.ledgerSvc.UsageSummary(c.Request.Context(), accountIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) CreditHistory(c *gin.Context) {
	limit, err := parseBoundedInt(c.Query("limit"), defaultHistoryLimit, 1, maxHistoryLimit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be between 1 and 200"))
		return
	}
	offset, err := parseBoundedInt(c.Query("offset"), 0, 0, -1)
	if err != nil {
		AbortWithError(c, newValidationError("offset", "invalid_offset", "offset must not be negative"))
		return
	}

	entries, err := s.ledgerSvc.History(c.Request.Context(), accountIDFrom(c), limit, offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// parseBoundedInt parses an optional query value. A negative hi means no upper bound.
func parseBoundedInt(value string, def, lo, hi int) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < lo || (hi >= 0 && parsed > hi) {
		return 0, strconv.ErrRange
	}
	return parsed, nil
}
