package ledger_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floroz/escrow/internal/adapters/ledger"
	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/pkg/auth"
	"github.com/floroz/escrow/pkg/rpc"
)

type transferFunc func(ctx context.Context, req *ledger.TransferRequest) (*ledger.TransferResponse, error)

// newLedger serves the transfer RPC behind bearer authentication and returns a
// client authenticated as the escrow account
func newLedger(t *testing.T, handle transferFunc) *ledger.Client {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	signer, err := auth.NewSigner(privPEM, pubPEM, "escrow")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle(ledger.TransferProcedure, connect.NewUnaryHandler(
		ledger.TransferProcedure,
		func(ctx context.Context, req *connect.Request[ledger.TransferRequest]) (*connect.Response[ledger.TransferResponse], error) {
			sender, _ := auth.GetAccountID(ctx)
			if sender != "escrow.test" {
				return nil, connect.NewError(connect.CodePermissionDenied, errors.New("unexpected sender"))
			}
			res, err := handle(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(res), nil
		},
		rpc.HandlerOptions(connect.WithInterceptors(auth.NewAuthInterceptor(signer)))...,
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	source := auth.NewTokenSource(signer, "escrow.test", time.Minute)
	return ledger.NewClient(server.Client(), server.URL+"/", connect.WithInterceptors(auth.NewBearerInterceptor(source)))
}

var refund = auction.TransferInstruction{
	To:     "b1.test",
	Amount: auction.MustParseAmount("340282366920938463463374607431768211455"),
	Memo:   "escrow-refund-7",
}

func TestClient_Transfer(t *testing.T) {
	var got *ledger.TransferRequest
	client := newLedger(t, func(_ context.Context, req *ledger.TransferRequest) (*ledger.TransferResponse, error) {
		got = req
		return &ledger.TransferResponse{TxID: "tx-1"}, nil
	})

	receipt, err := client.Transfer(context.Background(), refund)

	require.NoError(t, err)
	assert.Equal(t, "tx-1", receipt.TxID)
	assert.False(t, receipt.Replayed)
	require.NotNil(t, got)
	assert.Equal(t, "b1.test", got.ReceiverID)
	assert.Equal(t, "340282366920938463463374607431768211455", got.Amount)
	assert.Equal(t, "escrow-refund-7", got.Memo)
}

func TestClient_TransferReplayed(t *testing.T) {
	client := newLedger(t, func(_ context.Context, _ *ledger.TransferRequest) (*ledger.TransferResponse, error) {
		err := connect.NewError(connect.CodeAlreadyExists, errors.New("memo already used"))
		err.Meta().Set("Ledger-Tx-Id", "tx-earlier")
		return nil, err
	})

	receipt, err := client.Transfer(context.Background(), refund)

	require.NoError(t, err)
	assert.True(t, receipt.Replayed)
	assert.Equal(t, "tx-earlier", receipt.TxID)
}

func TestClient_TransferErrors(t *testing.T) {
	tests := []struct {
		name         string
		code         connect.Code
		wantRejected bool
	}{
		{name: "invalid argument", code: connect.CodeInvalidArgument, wantRejected: true},
		{name: "insufficient balance", code: connect.CodeFailedPrecondition, wantRejected: true},
		{name: "unknown receiver", code: connect.CodeNotFound, wantRejected: true},
		{name: "permission denied", code: connect.CodePermissionDenied, wantRejected: true},
		{name: "unavailable", code: connect.CodeUnavailable, wantRejected: false},
		{name: "deadline exceeded", code: connect.CodeDeadlineExceeded, wantRejected: false},
		{name: "internal", code: connect.CodeInternal, wantRejected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newLedger(t, func(_ context.Context, _ *ledger.TransferRequest) (*ledger.TransferResponse, error) {
				return nil, connect.NewError(tt.code, errors.New(tt.name))
			})

			_, err := client.Transfer(context.Background(), refund)

			require.Error(t, err)
			assert.Equal(t, tt.wantRejected, errors.Is(err, auction.ErrTransferRejected))
			if tt.wantRejected {
				assert.Contains(t, err.Error(), tt.name)
			}
		})
	}
}

func TestClient_TransferUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := ledger.NewClient(http.DefaultClient, server.URL)
	_, err := client.Transfer(context.Background(), refund)

	require.Error(t, err)
	assert.NotErrorIs(t, err, auction.ErrTransferRejected)
}
