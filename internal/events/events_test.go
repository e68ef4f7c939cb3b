package events

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	orig := OrderMatched{
		TradeID:      uuid.New(),
		Symbol:       "BTC-USD",
		Price:        decimal.RequireFromString("100.5"),
		Quantity:     decimal.RequireFromString("0.25"),
		MakerOrderID: uuid.New(),
		TakerOrderID: uuid.New(),
		ExecutedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	payload, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := reg.Decode(orig.Tag(), payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, ok := decoded.(OrderMatched)
	if !ok {
		t.Fatalf("decoded type = %T, want OrderMatched", decoded)
	}
	if got.TradeID != orig.TradeID || !got.Price.Equal(orig.Price) || !got.ExecutedAt.Equal(orig.ExecutedAt) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, orig)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	_, err := reg.Decode("order.vanished", []byte("{}"))
	if err == nil || !strings.Contains(err.Error(), "unknown event tag") {
		t.Errorf("Decode error = %v, want unknown tag error", err)
	}
}

func TestAllTagsRegistered(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	for _, ev := range []Event{OrderAccepted{}, OrderMatched{}, TradeSettled{}, BalanceUpdated{}} {
		payload, err := Encode(ev)
		if err != nil {
			t.Fatalf("Encode(%s): %v", ev.Tag(), err)
		}
		if _, err := reg.Decode(ev.Tag(), payload); err != nil {
			t.Errorf("Decode(%s): %v", ev.Tag(), err)
		}
	}
}

func TestOptionalPriceOmitted(t *testing.T) {
	t.Parallel()
	payload, err := Encode(OrderAccepted{Symbol: "BTC-USD"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(payload), `"price"`) {
		t.Errorf("payload contains price for market order: %s", payload)
	}
}
