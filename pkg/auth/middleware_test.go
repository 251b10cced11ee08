package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/floroz/escrow/pkg/rpc"
)

func TestAuthMiddleware(t *testing.T) {
	privPEM, pubPEM := generateTestKeys(t) // Reusing helper from token_test.go
	signer, _ := NewSigner(privPEM, pubPEM, "test-issuer")

	token, _, _ := signer.IssueToken("bob.near", time.Minute)

	interceptor := NewAuthInterceptor(signer)
	dummyHandler := func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		// Verify context injection
		id, ok := GetAccountID(ctx)
		if !ok || id != "bob.near" {
			t.Errorf("Context missing correct AccountID. Got %v, want bob.near", id)
		}
		if _, ok := GetClaims(ctx); !ok {
			t.Error("Context missing claims")
		}
		return connect.NewResponse(&struct{}{}), nil
	}

	// 1. Test Valid Request
	req := connect.NewRequest(&struct{}{})
	req.Header().Set("Authorization", "Bearer "+token)

	_, err := interceptor(dummyHandler)(context.Background(), req)
	if err != nil {
		t.Errorf("Unexpected error on valid request: %v", err)
	}

	// 2. Test Missing Header
	reqMissing := connect.NewRequest(&struct{}{})
	_, err = interceptor(dummyHandler)(context.Background(), reqMissing)
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Errorf("Expected unauthenticated for missing header, got %v", err)
	}

	// 3. Test Invalid Header Format
	reqBadFormat := connect.NewRequest(&struct{}{})
	reqBadFormat.Header().Set("Authorization", token) // Missing "Bearer "
	_, err = interceptor(dummyHandler)(context.Background(), reqBadFormat)
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Errorf("Expected unauthenticated for bad header format, got %v", err)
	}
}

type pingRequest struct{}

type pingResponse struct {
	Account string `json:"account"`
}

// The client bearer interceptor and the public procedure list are exercised
// over a real connect round trip.
func TestBearerRoundTrip(t *testing.T) {
	privPEM, pubPEM := generateTestKeys(t)
	signer, _ := NewSigner(privPEM, pubPEM, "test-issuer")

	handler := func(ctx context.Context, _ *connect.Request[pingRequest]) (*connect.Response[pingResponse], error) {
		id, _ := GetAccountID(ctx)
		return connect.NewResponse(&pingResponse{Account: id}), nil
	}

	mux := http.NewServeMux()
	interceptors := connect.WithInterceptors(NewAuthInterceptor(signer, "/test.v1.Ping/Public"))
	mux.Handle("/test.v1.Ping/Private", connect.NewUnaryHandler("/test.v1.Ping/Private", handler, interceptors, connect.WithCodec(rpc.JSONCodec{})))
	mux.Handle("/test.v1.Ping/Public", connect.NewUnaryHandler("/test.v1.Ping/Public", handler, interceptors, connect.WithCodec(rpc.JSONCodec{})))
	server := httptest.NewServer(mux)
	defer server.Close()

	source := NewTokenSource(signer, "carol.near", time.Minute)
	authed := connect.NewClient[pingRequest, pingResponse](server.Client(), server.URL+"/test.v1.Ping/Private",
		connect.WithCodec(rpc.JSONCodec{}),
		connect.WithInterceptors(NewBearerInterceptor(source)),
	)
	res, err := authed.CallUnary(context.Background(), connect.NewRequest(&pingRequest{}))
	if err != nil {
		t.Fatalf("authenticated call failed: %v", err)
	}
	if res.Msg.Account != "carol.near" {
		t.Errorf("got account %q, want carol.near", res.Msg.Account)
	}

	anonymous := connect.NewClient[pingRequest, pingResponse](server.Client(), server.URL+"/test.v1.Ping/Private",
		connect.WithCodec(rpc.JSONCodec{}),
	)
	_, err = anonymous.CallUnary(context.Background(), connect.NewRequest(&pingRequest{}))
	if connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Errorf("expected unauthenticated, got %v", err)
	}

	public := connect.NewClient[pingRequest, pingResponse](server.Client(), server.URL+"/test.v1.Ping/Public",
		connect.WithCodec(rpc.JSONCodec{}),
	)
	res, err = public.CallUnary(context.Background(), connect.NewRequest(&pingRequest{}))
	if err != nil {
		t.Fatalf("public call failed: %v", err)
	}
	if res.Msg.Account != "" {
		t.Errorf("public call should carry no account, got %q", res.Msg.Account)
	}
}
