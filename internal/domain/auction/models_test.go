package auction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// TestEventType_String tests the String method of EventType
func TestEventType_String(t *testing.T) {
	assert.Equal(t, "refund.requested", EventTypeRefundRequested.String())
}

// TestEventType_IsValid tests the IsValid method of EventType
func TestEventType_IsValid(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		want      bool
	}{
		{name: "valid event type - bid.accepted", eventType: EventTypeBidAccepted, want: true},
		{name: "valid event type - refund.settled", eventType: EventTypeRefundSettled, want: true},
		{name: "invalid event type - unknown", eventType: EventType("unknown.event"), want: false},
		{name: "invalid event type - empty string", eventType: EventType(""), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.eventType.IsValid())
		})
	}
}

// TestValidateBid tests the precondition order of AcceptBid
func TestValidateBid(t *testing.T) {
	end := time.Unix(1000, 0)
	state := &State{
		HighestBid:    Bid{Bidder: "leader.test", Amount: NewAmount(50)},
		EndTime:       end,
		AcceptedToken: "token.test",
	}

	tests := []struct {
		name    string
		now     time.Time
		n       TransferNotification
		wantErr error
	}{
		{
			name: "valid - higher than current highest",
			now:  end.Add(-time.Second),
			n:    TransferNotification{Notifier: "token.test", Sender: "b.test", Amount: NewAmount(51)},
		},
		{
			name: "valid - equal to current highest",
			now:  end.Add(-time.Second),
			n:    TransferNotification{Notifier: "token.test", Sender: "b.test", Amount: NewAmount(50)},
		},
		{
			name:    "invalid - lower than current highest",
			now:     end.Add(-time.Second),
			n:       TransferNotification{Notifier: "token.test", Sender: "b.test", Amount: NewAmount(49)},
			wantErr: ErrBidTooLow,
		},
		{
			name:    "invalid - exactly at end time",
			now:     end,
			n:       TransferNotification{Notifier: "token.test", Sender: "b.test", Amount: NewAmount(60)},
			wantErr: ErrAuctionEnded,
		},
		{
			name:    "invalid - ended wins over wrong token and low amount",
			now:     end.Add(time.Second),
			n:       TransferNotification{Notifier: "fake.test", Sender: "b.test", Amount: NewAmount(1)},
			wantErr: ErrAuctionEnded,
		},
		{
			name:    "invalid - wrong token wins over low amount",
			now:     end.Add(-time.Second),
			n:       TransferNotification{Notifier: "fake.test", Sender: "b.test", Amount: NewAmount(1)},
			wantErr: ErrUnsupportedToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBid(state, tt.n, tt.now)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "zero", input: "0", want: "0"},
		{name: "max u128", input: "340282366920938463463374607431768211455", want: "340282366920938463463374607431768211455"},
		{name: "above u128", input: "340282366920938463463374607431768211456", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
		{name: "fraction", input: "1.5", wantErr: true},
		{name: "integral decimal notation", input: "2.0", want: "2"},
		{name: "not a number", input: "ten", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestAmountOrdering(t *testing.T) {
	assert.True(t, ZeroAmount.IsZero())
	assert.True(t, Amount{}.IsZero())
	assert.True(t, NewAmount(1).LessThan(NewAmount(2)))
	assert.True(t, NewAmount(2).Equal(MustParseAmount("2")))
	assert.Equal(t, 1, MaxAmount.Cmp(NewAmount(^uint64(0))))
	assert.Equal(t, 0, ZeroAmount.Cmp(Amount{}))
}

func TestAmountJSON(t *testing.T) {
	bid := Bid{Bidder: "b.test", Amount: MaxAmount}
	b, err := json.Marshal(bid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bidder":"b.test","amount":"340282366920938463463374607431768211455"}`, string(b))

	var decoded Bid
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.True(t, decoded.Amount.Equal(MaxAmount))

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"amount":"-5"}`), &decoded), ErrInvalidAmount)
}

func TestParseAccountID(t *testing.T) {
	valid := []string{"alice.near", "a1", "token_v2.test", "x-y"}
	for _, s := range valid {
		got, err := ParseAccountID(s)
		assert.NoError(t, err, s)
		assert.Equal(t, AccountID(s), got)
	}

	invalid := []string{"", "a", "Alice.near", ".alice", "alice.", "al ice", "alice@near", string(make([]byte, 65))}
	for _, s := range invalid {
		_, err := ParseAccountID(s)
		assert.ErrorIs(t, err, ErrInvalidAccountID, "%q", s)
	}
}

func TestRefundIdempotencyKey(t *testing.T) {
	r := &Refund{Seq: 17}
	assert.Equal(t, "escrow-refund-17", r.IdempotencyKey())
	assert.Equal(t, r.IdempotencyKey(), NewRefundRequested(r).IdempotencyKey)
}

func TestTransferOutcomeErr(t *testing.T) {
	assert.NoError(t, SucceededOutcome("tx").Err())
	err := FailedOutcome("receiver does not exist").Err()
	assert.ErrorIs(t, err, ErrRefundTransferFailed)
	assert.Contains(t, err.Error(), "receiver does not exist")
}

func TestRefundRequestedRequiresSeq(t *testing.T) {
	payload, err := (&RefundRequested{Bidder: "b.test", Amount: NewAmount(5)}).Marshal()
	require.NoError(t, err)

	var decoded RefundRequested
	assert.Error(t, decoded.Unmarshal(payload))
}

func TestEventDecodingSkipsUnknownFields(t *testing.T) {
	at := time.Unix(0, 1_700_000_000_123_456_789).UTC()
	event := &RefundSettled{
		Seq:         3,
		Bidder:      "b.test",
		Amount:      NewAmount(40),
		Success:     false,
		Reason:      "frozen",
		LiabilityID: uuid.New(),
		SettledAt:   at,
	}

	// A newer producer may append fields this version does not know
	payload, err := event.Marshal()
	require.NoError(t, err)
	payload = protowire.AppendTag(payload, 99, protowire.BytesType)
	payload = protowire.AppendString(payload, "future")

	var decoded RefundSettled
	require.NoError(t, decoded.Unmarshal(payload))
	assert.Equal(t, event.Seq, decoded.Seq)
	assert.Equal(t, event.LiabilityID, decoded.LiabilityID)
	assert.True(t, decoded.Amount.Equal(event.Amount))
	assert.False(t, decoded.Success)
	assert.Equal(t, at, decoded.SettledAt)
}

func TestEventDecodingRejectsCorruptPayload(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "not-an-amount")

	var decoded BidAccepted
	assert.ErrorIs(t, decoded.Unmarshal(b), ErrInvalidAmount)

	assert.Error(t, decoded.Unmarshal([]byte{0xff}))
}

func TestBidAcceptedUsesEventsProtoFieldNumbers(t *testing.T) {
	id := uuid.New()
	at := time.Unix(0, 1_700_000_000_000_000_001).UTC()
	event := &BidAccepted{
		BidID:           id,
		Bidder:          "b2.test",
		Amount:          NewAmount(60),
		DisplacedBidder: "b1.test",
		DisplacedAmount: NewAmount(50),
		RefundSeq:       4,
		AcceptedAt:      at,
	}

	var want []byte
	for num, v := range []string{id.String(), "b2.test", "60", "b1.test", "50"} {
		want = protowire.AppendTag(want, protowire.Number(num+1), protowire.BytesType)
		want = protowire.AppendString(want, v)
	}
	want = protowire.AppendTag(want, 6, protowire.VarintType)
	want = protowire.AppendVarint(want, 4)
	want = protowire.AppendTag(want, 7, protowire.VarintType)
	want = protowire.AppendVarint(want, uint64(at.UnixNano()))

	payload, err := event.Marshal()
	require.NoError(t, err)
	assert.Equal(t, want, payload)

	var decoded BidAccepted
	require.NoError(t, decoded.Unmarshal(want))
	assert.Equal(t, id, decoded.BidID)
	assert.Equal(t, AccountID("b1.test"), decoded.DisplacedBidder)
	assert.True(t, decoded.DisplacedAmount.Equal(NewAmount(50)))
	assert.Equal(t, int64(4), decoded.RefundSeq)
	assert.Equal(t, at, decoded.AcceptedAt)
}
