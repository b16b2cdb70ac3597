package positions

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeguard/internal/condition"
	"github.com/coachpo/tradeguard/internal/domain/schema"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fillOf(id uint64, side schema.Side, posSide schema.PosSide, size, price string) *schema.OrderRecord {
	o := &schema.OrderRecord{
		OrderID:       id,
		AcctID:        10000,
		MarketCode:    "BINANCE",
		SymbolType:    schema.SymbolTypePerp,
		SymbolCode:    "BTC-USDT",
		Side:          side,
		PosDirection:  schema.PosDirectionOpen,
		PosSide:       posSide,
		OrderSize:     d(size).Abs(),
		OrderPrice:    d(price),
		DealSize:      d(size),
		AvgDealPrice:  d(price),
		LastDealSize:  d(size),
		LastDealPrice: d(price),
		OrderStatus:   schema.OrderStatusFilled,
		LastSeq:       "seq",
	}
	return o
}

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, d(want).Equal(got), "want %s got %s", want, got.String())
}

func TestNetModeOpenThenPartialClose(t *testing.T) {
	s := New(WithClock(func() int64 { return 77 }))

	open := fillOf(1, schema.SideBid, schema.PosSideBoth, "10", "100")
	cs := s.UpdateFromFill(open)
	require.Len(t, cs, 1)
	bid := cs[open.PosKeyBid()]
	requireDec(t, "10", bid.Pos)
	requireDec(t, "100", bid.AvgOpenPrice)
	requireDec(t, "10", bid.TotalOpenSize)
	require.Equal(t, int64(77), bid.UpdateTime)

	closing := fillOf(2, schema.SideAsk, schema.PosSideBoth, "-4", "110")
	closing.PosDirection = schema.PosDirectionClose
	cs = s.UpdateFromFill(closing)
	require.Len(t, cs, 1)
	bid = cs[open.PosKeyBid()]
	requireDec(t, "6", bid.Pos)
	requireDec(t, "40", bid.Pnl)
	requireDec(t, "100", bid.AvgOpenPrice)
	requireDec(t, "-4", bid.TotalAskSize)
	requireDec(t, "10", bid.TotalOpenSize)

	ask, ok := s.Get(open.PosKeyAsk())
	require.True(t, ok)
	require.True(t, ask.Pos.IsZero())
}

func TestNetModeFlipOpensRemainder(t *testing.T) {
	s := New()
	s.UpdateFromFill(fillOf(1, schema.SideBid, schema.PosSideBoth, "10", "100"))

	flip := fillOf(2, schema.SideAsk, schema.PosSideBoth, "-15", "90")
	cs := s.UpdateFromFill(flip)
	require.Len(t, cs, 2)

	bid := cs[flip.PosKeyBid()]
	require.True(t, bid.Pos.IsZero())
	requireDec(t, "-100", bid.Pnl)

	ask := cs[flip.PosKeyAsk()]
	requireDec(t, "-5", ask.Pos)
	requireDec(t, "90", ask.AvgOpenPrice)
	requireDec(t, "-15", ask.TotalAskSize)

	requireDec(t, "-5", s.HoldPosition(flip, 10000))
}

func TestNetModeConservation(t *testing.T) {
	s := New()
	fills := []*schema.OrderRecord{
		fillOf(1, schema.SideBid, schema.PosSideBoth, "3", "100"),
		fillOf(2, schema.SideBid, schema.PosSideBoth, "2", "101"),
		fillOf(3, schema.SideAsk, schema.PosSideBoth, "-1", "102"),
		fillOf(4, schema.SideAsk, schema.PosSideBoth, "-6", "99"),
		fillOf(5, schema.SideBid, schema.PosSideBoth, "1.5", "98"),
	}
	for _, f := range fills {
		s.UpdateFromFill(f)
	}
	requireDec(t, "-0.5", s.HoldPosition(fills[0], 10000))

	var nonZero int
	for _, leg := range s.QueryByAcctSymbol(10000, "BINANCE", schema.SymbolTypePerp, "BTC-USDT") {
		if !leg.Pos.IsZero() {
			nonZero++
		}
	}
	require.Equal(t, 1, nonZero)
}

func TestPosCanBeBorrowed(t *testing.T) {
	s := New()
	s.UpdateFromFill(fillOf(1, schema.SideAsk, schema.PosSideBoth, "-5", "100"))

	bid := fillOf(2, schema.SideBid, schema.PosSideBoth, "1", "100")
	ask := fillOf(3, schema.SideAsk, schema.PosSideBoth, "-1", "100")
	requireDec(t, "3", s.PosCanBeBorrowed(bid, 10000, d("2")))
	require.True(t, s.PosCanBeBorrowed(ask, 10000, decimal.Zero).IsZero())
	require.True(t, s.PosCanBeBorrowed(bid, 10000, d("9")).IsZero())
	require.True(t, s.PosCanBeBorrowed(bid, 1, decimal.Zero).IsZero())
}

func TestDualModeOpenCloseAndClamp(t *testing.T) {
	s := New()
	s.UpdateFromFill(fillOf(1, schema.SideBid, schema.PosSideLong, "10", "100"))
	cs := s.UpdateFromFill(fillOf(2, schema.SideBid, schema.PosSideLong, "10", "110"))
	long := fillOf(0, schema.SideBid, schema.PosSideLong, "1", "1").PosKeyBid()
	requireDec(t, "20", cs[long].Pos)
	requireDec(t, "105", cs[long].AvgOpenPrice)
	requireDec(t, "20", cs[long].TotalOpenSize)

	cs = s.UpdateFromFill(fillOf(3, schema.SideAsk, schema.PosSideLong, "-15", "120"))
	requireDec(t, "5", cs[long].Pos)
	requireDec(t, "225", cs[long].Pnl)
	requireDec(t, "105", cs[long].AvgOpenPrice)

	cs = s.UpdateFromFill(fillOf(4, schema.SideAsk, schema.PosSideLong, "-10", "120"))
	require.True(t, cs[long].Pos.IsZero())
	requireDec(t, "300", cs[long].Pnl)

	cs = s.UpdateFromFill(fillOf(5, schema.SideAsk, schema.PosSideLong, "-1", "120"))
	require.Empty(t, cs)
}

func TestDualModeShortLeg(t *testing.T) {
	s := New()
	s.UpdateFromFill(fillOf(1, schema.SideAsk, schema.PosSideShort, "-4", "100"))
	cs := s.UpdateFromFill(fillOf(2, schema.SideBid, schema.PosSideShort, "1", "90"))
	short := fillOf(0, schema.SideAsk, schema.PosSideShort, "-1", "1").PosKeyAsk()
	requireDec(t, "-3", cs[short].Pos)
	requireDec(t, "10", cs[short].Pnl)
	requireDec(t, "1", cs[short].TotalBidSize)

	cs = s.UpdateFromFill(fillOf(3, schema.SideBid, schema.PosSideLong, "1", "90"))
	require.Len(t, cs, 1)
	require.Equal(t, 2, s.Len())
}

func TestInverseContractAverageAndPnl(t *testing.T) {
	s := New()
	first := fillOf(1, schema.SideBid, schema.PosSideBoth, "100", "100")
	first.SymbolType = schema.SymbolTypeCPerp
	first.ParValue = d("10")
	second := fillOf(2, schema.SideBid, schema.PosSideBoth, "100", "400")
	second.SymbolType = schema.SymbolTypeCPerp
	second.ParValue = d("10")
	s.UpdateFromFill(first)
	cs := s.UpdateFromFill(second)
	requireDec(t, "160", cs[first.PosKeyBid()].AvgOpenPrice)

	closing := fillOf(3, schema.SideAsk, schema.PosSideBoth, "-50", "200")
	closing.SymbolType = schema.SymbolTypeCPerp
	closing.ParValue = d("10")
	cs = s.UpdateFromFill(closing)
	requireDec(t, "0.625", cs[first.PosKeyBid()].Pnl)
}

func TestCNFuturesPnlUsesMultiplier(t *testing.T) {
	s := New()
	open := fillOf(1, schema.SideAsk, schema.PosSideShort, "-2", "4000")
	open.SymbolType = schema.SymbolTypeCNFutures
	open.ParValue = d("300")
	s.UpdateFromFill(open)

	closing := fillOf(2, schema.SideBid, schema.PosSideShort, "2", "3990")
	closing.SymbolType = schema.SymbolTypeCNFutures
	closing.ParValue = d("300")
	cs := s.UpdateFromFill(closing)
	requireDec(t, "6000", cs[open.PosKeyAsk()].Pnl)
}

func TestFeeOfLastTradeAccrues(t *testing.T) {
	s := New()
	o := fillOf(1, schema.SideBid, schema.PosSideBoth, "4", "100")
	o.DealSize = d("8")
	o.Fee = d("2")
	cs := s.UpdateFromFill(o)
	requireDec(t, "1", cs[o.PosKeyBid()].Fee)
}

func TestIgnoredFills(t *testing.T) {
	s := New()
	pending := fillOf(1, schema.SideBid, schema.PosSideBoth, "1", "100")
	pending.OrderStatus = schema.OrderStatusConfirmedByExch
	require.Empty(t, s.UpdateFromFill(pending))

	unknown := fillOf(2, schema.SideBid, schema.PosSideBoth, "1", "100")
	unknown.SymbolType = schema.SymbolTypeUnknown
	require.Empty(t, s.UpdateFromFill(unknown))

	require.Empty(t, s.UpdateFromFill(nil))
	require.Equal(t, 0, s.Len())
}

func TestQueriesAndLoad(t *testing.T) {
	s := New()
	s.UpdateFromFill(fillOf(1, schema.SideBid, schema.PosSideBoth, "1", "100"))

	tpl, err := condition.ParseTemplate("acctId=10000&side=Bid")
	require.NoError(t, err)
	got, err := s.QueryByTemplate(tpl)
	require.NoError(t, err)
	require.Len(t, got, 1)

	bad, err := condition.ParseTemplate("posDirection=Open")
	require.NoError(t, err)
	_, err = s.QueryByTemplate(bad)
	require.Error(t, err)

	require.Len(t, s.QueryByStrategy(0, 0, 0, 0), 2)

	other := New()
	require.NoError(t, other.Load(s.Snapshot()))
	require.Equal(t, 2, other.Len())
	require.Error(t, other.Load(s.Snapshot()))

	// copies do not alias the store
	got[0].Pos = d("99")
	again, _ := s.Get(got[0].Key())
	requireDec(t, "1", again.Pos)
}
