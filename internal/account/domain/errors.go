package domain

import "errors"

var (
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrInvalidAccountID = errors.New("invalid_account_id")
	ErrInvalidTier      = errors.New("invalid_tier")
)
