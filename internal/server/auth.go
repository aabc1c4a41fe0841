package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	obscontext "github.com/smallbiznis/creditflow/internal/observability/context"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	"go.uber.org/zap"
)

const contextAccountIDKey = "account_id"

// identityClaims is the subset of the identity provider's access token we use.
// sub is the account id.
type identityClaims struct {
	Email       string `json:"email"`
	IsAnonymous bool   `json:"is_anonymous"`
	jwt.RegisteredClaims
}

// AuthRequired verifies the bearer token and provisions the account on first
// sight. Concurrent first requests for one identity share a single provision.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.parseBearer(c.GetHeader("Authorization"))
		if err != nil {
			obslogger.FromContext(c.Request.Context()).Debug("bearer rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		accountID := strings.TrimSpace(claims.Subject)
		tier := accountdomain.TierFree
		if claims.IsAnonymous {
			tier = accountdomain.TierGuest
		}

		ctx := obscontext.WithAccountID(c.Request.Context(), accountID)
		c.Request = c.Request.WithContext(ctx)

		_, err, _ = s.provisionGroup.Do(accountID, func() (any, error) {
			return s.accountSvc.Provision(ctx, accountdomain.ProvisionRequest{
				ID:    accountID,
				Email: claims.Email,
				Tier:  tier,
			})
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAccountIDKey, accountID)
		c.Next()
	}
}

func (s *Server) parseBearer(header string) (*identityClaims, error) {
	if s.cfg.AuthJWTSecret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return nil, errors.New("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.AuthJWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.AuthJWTIssuer))
	}
	if s.cfg.AuthJWTAudience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.AuthJWTAudience))
	}

	claims := &identityClaims{}
	_, err := jwt.ParseWithClaims(parts[1], claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.AuthJWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func accountIDFrom(c *gin.Context) string {
	return c.GetString(contextAccountIDKey)
}
