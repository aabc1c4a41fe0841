package domain

import "context"

type ProvisionRequest struct {
	ID    string
	Email string
	Tier  Tier
}

type Service interface {
	// Provision creates the account on first sight and returns the stored row.
	Provision(ctx context.Context, req ProvisionRequest) (*Account, error)
	Get(ctx context.Context, id string) (*Account, error)
}
