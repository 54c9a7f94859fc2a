package authctx

import "github.com/rakunlabs/gatekeep/internal/apierr"

var (
	errTokenRequired = apierr.NewAuthRequired("authentication required")
	errTokenInvalid  = apierr.NewTokenInvalid("token validation failed")
)
