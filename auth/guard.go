package auth

import (
	"context"

	"github.com/localrivet/gocoap/endpoint"
	"github.com/localrivet/gocoap/message"
)

// BearerGuard wraps an endpoint.Handler so every request must carry a
// valid bearer token in the Authorization option (65001) before next
// runs. A missing or rejected token produces 4.01 Unauthorized without
// invoking next. The authenticated Principal is installed on ex.Context
// for next and any further middleware to retrieve via
// PrincipalFromContext.
func BearerGuard(validator TokenValidator, next endpoint.Handler) endpoint.Handler {
	return func(ex *endpoint.Exchange) error {
		token, ok := ex.Request.Options.Authorization()
		if !ok {
			return &endpoint.CoapCodeError{Code: message.Unauthorized, Payload: []byte("missing authorization")}
		}

		ctx := ex.Context
		if ctx == nil {
			ctx = context.Background()
		}

		principal, err := validator.ValidateToken(ctx, token)
		if err != nil {
			return &endpoint.CoapCodeError{Code: message.Unauthorized, Payload: []byte(err.Error())}
		}

		ex.Context = ContextWithPrincipal(ctx, principal)
		return next(ex)
	}
}
