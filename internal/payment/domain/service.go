package domain

import "context"

type Service interface {
	Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error)
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Status(ctx context.Context, token string) (*StatusView, error)
}
