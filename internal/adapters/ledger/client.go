// Package ledger is the connect client for the token ledger that custodies escrowed funds.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"

	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/pkg/rpc"
)

// TransferProcedure is the ledger's transfer RPC
const TransferProcedure = "/ledger.v1.TokenLedgerService/Transfer"

// TransferRequest moves Amount from the caller's account to ReceiverID.
// The ledger rejects a second transfer with the same memo with AlreadyExists.
type TransferRequest struct {
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo"`
}

type TransferResponse struct {
	TxID string `json:"tx_id"`
}

// Client implements auction.TokenLedger
type Client struct {
	transfer *connect.Client[TransferRequest, TransferResponse]
}

var _ auction.TokenLedger = (*Client)(nil)

// NewClient creates a ledger client. Authentication is supplied by the caller
// through an interceptor in opts.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		transfer: connect.NewClient[TransferRequest, TransferResponse](
			httpClient,
			strings.TrimRight(baseURL, "/")+TransferProcedure,
			rpc.ClientOptions(opts...)...,
		),
	}
}

// Transfer sends a refund out of escrow custody
func (c *Client) Transfer(ctx context.Context, instruction auction.TransferInstruction) (auction.TransferReceipt, error) {
	res, err := c.transfer.CallUnary(ctx, connect.NewRequest(&TransferRequest{
		ReceiverID: instruction.To.String(),
		Amount:     instruction.Amount.String(),
		Memo:       instruction.Memo,
	}))
	if err != nil {
		return classify(err)
	}
	return auction.TransferReceipt{TxID: res.Msg.TxID}, nil
}

// classify separates definitive ledger rejections from errors worth retrying
func classify(err error) (auction.TransferReceipt, error) {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return auction.TransferReceipt{}, fmt.Errorf("ledger transfer failed: %w", err)
	}

	switch connectErr.Code() {
	case connect.CodeAlreadyExists:
		// The memo was already used: an earlier delivery of this refund went through
		return auction.TransferReceipt{TxID: connectErr.Meta().Get("Ledger-Tx-Id"), Replayed: true}, nil
	case connect.CodeInvalidArgument,
		connect.CodeFailedPrecondition,
		connect.CodeNotFound,
		connect.CodePermissionDenied,
		connect.CodeUnauthenticated:
		return auction.TransferReceipt{}, fmt.Errorf("%w: %s", auction.ErrTransferRejected, connectErr.Message())
	default:
		return auction.TransferReceipt{}, fmt.Errorf("ledger transfer failed: %w", err)
	}
}
