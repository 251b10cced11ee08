package auth

import (
	"context"
	"errors"
	"strings"

	"connectrpc.com/connect"
)

type contextKey string

const (
	tokenHeader             = "Authorization"
	tokenPrefix             = "Bearer "
	ClaimsKey    contextKey = "account_claims"
	AccountIDKey contextKey = "account_id"
)

// NewAuthInterceptor creates a ConnectRPC interceptor that authenticates the
// calling account. Procedures listed in public are served without a token.
func NewAuthInterceptor(signer *Signer, public ...string) connect.UnaryInterceptorFunc {
	open := make(map[string]bool, len(public))
	for _, procedure := range public {
		open[procedure] = true
	}

	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if open[req.Spec().Procedure] {
				return next(ctx, req)
			}

			authHeader := req.Header().Get(tokenHeader)
			if authHeader == "" {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("missing authorization header"))
			}

			if !strings.HasPrefix(authHeader, tokenPrefix) {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid authorization header format"))
			}

			token := strings.TrimPrefix(authHeader, tokenPrefix)
			claims, err := signer.ValidateToken(token)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid or expired token"))
			}

			ctx = context.WithValue(ctx, ClaimsKey, claims)
			ctx = context.WithValue(ctx, AccountIDKey, claims.AccountID())

			return next(ctx, req)
		}
	}
}

// NewBearerInterceptor attaches a token from source to every outgoing request.
func NewBearerInterceptor(source interface{ Token() (string, error) }) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				token, err := source.Token()
				if err != nil {
					return nil, connect.NewError(connect.CodeUnauthenticated, err)
				}
				req.Header().Set(tokenHeader, tokenPrefix+token)
			}
			return next(ctx, req)
		}
	}
}

// GetClaims retrieves the full claims from the context.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetAccountID retrieves the authenticated account from the context.
func GetAccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AccountIDKey).(string)
	return id, ok
}
