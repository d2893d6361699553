package market

import (
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
)

func TestConvertTrades(t *testing.T) {
	raw := []*binance.Trade{
		{ID: 101, Price: "67000.50", Quantity: "0.250", Time: 1748779200000, IsBuyerMaker: false},
		{ID: 102, Price: "67001.00", Quantity: "1.100", Time: 1748779201000, IsBuyerMaker: true},
	}

	got := convertTrades(raw)

	assert.Len(t, got, 2)
	assert.Equal(t, int64(101), got[0].ID)
	assert.Equal(t, 67000.50, got[0].Price)
	assert.Equal(t, 0.250, got[0].Quantity)
	assert.Equal(t, time.UnixMilli(1748779200000), got[0].Time)
	assert.False(t, got[0].IsBuyerMaker)
	assert.True(t, got[1].IsBuyerMaker)
}

func TestConvertTrades_Empty(t *testing.T) {
	got := convertTrades(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestBuildOrderBook(t *testing.T) {
	depth := &binance.DepthResponse{
		Bids: []binance.Bid{
			{Price: "100.0", Quantity: "2.0"},
			{Price: "99.0", Quantity: "1.0"},
		},
		Asks: []binance.Ask{
			{Price: "101.0", Quantity: "1.0"},
		},
	}

	book := buildOrderBook(depth)

	assert.Equal(t, 299.0, book.BidTotal)
	assert.Equal(t, 101.0, book.AskTotal)
	// (299-101)/(299+101) = 49.5%
	assert.InDelta(t, 49.5, book.Imbalance, 1e-9)
	assert.Equal(t, BookLevel{Price: 100.0, Quantity: 2.0}, book.Bids[0])
}

func TestParseFloat_Invalid(t *testing.T) {
	assert.Zero(t, parseFloat("not-a-number"))
	assert.Zero(t, parseFloat(""))
}
