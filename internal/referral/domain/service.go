package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidReferralCode = errors.New("invalid_referral_code")
	ErrSelfReferral        = errors.New("self_referral")
	ErrAlreadyReferred     = errors.New("already_referred")
)

type Service interface {
	Apply(ctx context.Context, referredID, code string) (*ApplyResult, error)
	Stats(ctx context.Context, accountID string) (*Stats, error)
}
