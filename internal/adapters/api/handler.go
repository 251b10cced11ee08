// Package api exposes the escrow over connect: the ledger's transfer
// notifications, the refund continuation and the public queries.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/floroz/escrow/internal/domain/auction"
	"github.com/floroz/escrow/internal/metrics"
	"github.com/floroz/escrow/pkg/auth"
	"github.com/floroz/escrow/pkg/rpc"
)

const (
	OnTransferProcedure       = "/escrow.v1.EscrowService/OnTransfer"
	GetHighestBidProcedure    = "/escrow.v1.EscrowService/GetHighestBid"
	GetAuctionProcedure       = "/escrow.v1.EscrowService/GetAuction"
	ListBidsProcedure         = "/escrow.v1.EscrowService/ListBids"
	InitializeProcedure       = "/escrow.v1.EscrowService/Initialize"
	SettleRefundProcedure     = "/escrow.v1.EscrowService/SettleRefund"
	ReclaimLiabilityProcedure = "/escrow.v1.EscrowService/ReclaimLiability"
	ListLiabilitiesProcedure  = "/escrow.v1.EscrowService/ListLiabilities"
	GetRefundProcedure        = "/escrow.v1.EscrowService/GetRefund"
)

// PublicProcedures are served without authentication
var PublicProcedures = []string{
	GetHighestBidProcedure,
	GetAuctionProcedure,
	ListBidsProcedure,
	GetRefundProcedure,
	ListLiabilitiesProcedure,
}

type EscrowServiceHandler struct {
	service *auction.Service
	logger  *slog.Logger
}

func NewEscrowServiceHandler(service *auction.Service, logger *slog.Logger) *EscrowServiceHandler {
	return &EscrowServiceHandler{
		service: service,
		logger:  logger,
	}
}

// Register mounts every procedure on mux behind the given interceptors
func (h *EscrowServiceHandler) Register(mux *http.ServeMux, interceptors ...connect.Interceptor) {
	opts := rpc.HandlerOptions(connect.WithInterceptors(interceptors...))
	mux.Handle(OnTransferProcedure, connect.NewUnaryHandler(OnTransferProcedure, h.OnTransfer, opts...))
	mux.Handle(GetHighestBidProcedure, connect.NewUnaryHandler(GetHighestBidProcedure, h.GetHighestBid, opts...))
	mux.Handle(GetAuctionProcedure, connect.NewUnaryHandler(GetAuctionProcedure, h.GetAuction, opts...))
	mux.Handle(ListBidsProcedure, connect.NewUnaryHandler(ListBidsProcedure, h.ListBids, opts...))
	mux.Handle(InitializeProcedure, connect.NewUnaryHandler(InitializeProcedure, h.Initialize, opts...))
	mux.Handle(SettleRefundProcedure, connect.NewUnaryHandler(SettleRefundProcedure, h.SettleRefund, opts...))
	mux.Handle(ReclaimLiabilityProcedure, connect.NewUnaryHandler(ReclaimLiabilityProcedure, h.ReclaimLiability, opts...))
	mux.Handle(ListLiabilitiesProcedure, connect.NewUnaryHandler(ListLiabilitiesProcedure, h.ListLiabilities, opts...))
	mux.Handle(GetRefundProcedure, connect.NewUnaryHandler(GetRefundProcedure, h.GetRefund, opts...))
}

// OnTransfer is the ledger's notification that funds addressed to the escrow
// arrived. The notifier is the authenticated caller, never a request field.
func (h *EscrowServiceHandler) OnTransfer(
	ctx context.Context,
	req *connect.Request[OnTransferRequest],
) (*connect.Response[OnTransferResponse], error) {
	notifier, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	// A malformed amount is bounced so the ledger returns the transfer
	amount, err := auction.ParseAmount(req.Msg.Amount)
	if err != nil {
		metrics.BidRejected(string(auction.RejectionInvalidAmount))
		h.logger.Info("Bid rejected", "reason", auction.RejectionInvalidAmount, "notifier", notifier, "error", err)
		return connect.NewResponse(&OnTransferResponse{
			Consumed: auction.ZeroAmount.String(),
			Reason:   string(auction.RejectionInvalidAmount),
		}), nil
	}

	// An unparseable sender is bounced like an empty one
	sender, err := auction.ParseAccountID(req.Msg.SenderID)
	if err != nil {
		sender = ""
	}

	result, err := h.service.AcceptBid(ctx, auction.TransferNotification{
		Notifier: notifier,
		Sender:   sender,
		Amount:   amount,
		Message:  req.Msg.Msg,
	})
	if err != nil {
		if reason, ok := auction.Rejection(err); ok {
			return connect.NewResponse(&OnTransferResponse{
				Consumed: auction.ZeroAmount.String(),
				Reason:   string(reason),
			}), nil
		}
		return nil, h.toConnectError(err)
	}

	res := &OnTransferResponse{
		Consumed: result.Consumed.String(),
		Accepted: true,
		BidID:    result.Bid.ID.String(),
	}
	if result.Refund != nil {
		res.RefundSeq = result.Refund.Seq
	}
	return connect.NewResponse(res), nil
}

func (h *EscrowServiceHandler) GetHighestBid(
	ctx context.Context,
	_ *connect.Request[GetHighestBidRequest],
) (*connect.Response[BidMessage], error) {
	bid, err := h.service.HighestBid(ctx)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	res := mapBid(bid)
	return connect.NewResponse(&res), nil
}

func (h *EscrowServiceHandler) GetAuction(
	ctx context.Context,
	_ *connect.Request[GetAuctionRequest],
) (*connect.Response[AuctionMessage], error) {
	state, err := h.service.State(ctx)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(mapAuction(state)), nil
}

func (h *EscrowServiceHandler) ListBids(
	ctx context.Context,
	req *connect.Request[ListBidsRequest],
) (*connect.Response[ListBidsResponse], error) {
	bids, err := h.service.Bids(ctx, req.Msg.Limit)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	res := &ListBidsResponse{Bids: make([]AcceptedBidMessage, 0, len(bids))}
	for _, b := range bids {
		res.Bids = append(res.Bids, mapAcceptedBid(b))
	}
	return connect.NewResponse(res), nil
}

func (h *EscrowServiceHandler) Initialize(
	ctx context.Context,
	req *connect.Request[InitializeRequest],
) (*connect.Response[AuctionMessage], error) {
	account, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	endTime, err := time.Parse(time.RFC3339Nano, req.Msg.EndTime)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid end_time format"))
	}
	auctioneer, err := auction.ParseAccountID(req.Msg.Auctioneer)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	token, err := auction.ParseAccountID(req.Msg.AcceptedToken)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	state, err := h.service.Initialize(ctx, account, auction.InitCommand{
		EndTime:       endTime,
		Auctioneer:    auctioneer,
		AcceptedToken: token,
	})
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(mapAuction(state)), nil
}

// SettleRefund is the refund continuation. Only the escrow's own account may call it.
func (h *EscrowServiceHandler) SettleRefund(
	ctx context.Context,
	req *connect.Request[SettleRefundRequest],
) (*connect.Response[SettleRefundResponse], error) {
	account, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	outcome := auction.SucceededOutcome(req.Msg.LedgerTxID)
	if !req.Msg.Success {
		outcome = auction.FailedOutcome(req.Msg.Reason)
	}

	result, err := h.service.OnRefundSettled(ctx, account, req.Msg.Seq, outcome)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	res := &SettleRefundResponse{
		Refund:   mapRefund(result.Refund),
		Refunded: result.Refunded.String(),
	}
	if result.Liability != nil {
		l := mapLiability(result.Liability)
		res.Liability = &l
	}
	return connect.NewResponse(res), nil
}

func (h *EscrowServiceHandler) ReclaimLiability(
	ctx context.Context,
	req *connect.Request[ReclaimLiabilityRequest],
) (*connect.Response[ReclaimLiabilityResponse], error) {
	account, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	liabilityID, err := uuid.Parse(req.Msg.LiabilityID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid liability_id"))
	}

	refund, err := h.service.ReclaimLiability(ctx, account, liabilityID)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(&ReclaimLiabilityResponse{Refund: mapRefund(refund)}), nil
}

func (h *EscrowServiceHandler) ListLiabilities(
	ctx context.Context,
	req *connect.Request[ListLiabilitiesRequest],
) (*connect.Response[ListLiabilitiesResponse], error) {
	var bidder auction.AccountID
	if req.Msg.Bidder != "" {
		parsed, err := auction.ParseAccountID(req.Msg.Bidder)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		bidder = parsed
	}

	liabilities, err := h.service.Liabilities(ctx, bidder)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	res := &ListLiabilitiesResponse{Liabilities: make([]LiabilityMessage, 0, len(liabilities))}
	for _, l := range liabilities {
		res.Liabilities = append(res.Liabilities, mapLiability(l))
	}
	return connect.NewResponse(res), nil
}

func (h *EscrowServiceHandler) GetRefund(
	ctx context.Context,
	req *connect.Request[GetRefundRequest],
) (*connect.Response[GetRefundResponse], error) {
	refund, err := h.service.Refund(ctx, req.Msg.Seq)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(&GetRefundResponse{Refund: mapRefund(refund)}), nil
}

// caller returns the authenticated account (guaranteed by the auth interceptor on private procedures)
func caller(ctx context.Context) (auction.AccountID, error) {
	id, ok := auth.GetAccountID(ctx)
	if !ok || id == "" {
		return "", connect.NewError(connect.CodeUnauthenticated, errors.New("missing caller identity"))
	}
	return auction.AccountID(id), nil
}

func (h *EscrowServiceHandler) toConnectError(err error) error {
	switch {
	case errors.Is(err, auction.ErrUnauthorized):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, auction.ErrAlreadyInitialized):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, auction.ErrNotInitialized),
		errors.Is(err, auction.ErrRefundAlreadySettled),
		errors.Is(err, auction.ErrLiabilityNotOutstanding),
		errors.Is(err, auction.ErrAuctionEnded),
		errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrUnsupportedToken):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, auction.ErrRefundNotFound),
		errors.Is(err, auction.ErrLiabilityNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, auction.ErrInvalidAmount),
		errors.Is(err, auction.ErrInvalidAccountID),
		errors.Is(err, auction.ErrInvalidInitialization),
		errors.Is(err, auction.ErrInvalidSender):
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	h.logger.Error("Request failed", "error", err)
	return connect.NewError(connect.CodeInternal, errors.New("internal error"))
}
