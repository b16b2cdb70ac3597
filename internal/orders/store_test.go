package orders

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/condition"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newOrder(id uint64) *schema.OrderRecord {
	return &schema.OrderRecord{
		OrderID:      id,
		AcctID:       10000,
		StgID:        7,
		AlgoID:       3,
		MarketCode:   "SSE",
		SymbolType:   schema.SymbolTypeCNMainBoard,
		SymbolCode:   "600000",
		Side:         schema.SideBid,
		PosDirection: schema.PosDirectionOpen,
		PosSide:      schema.PosSideBoth,
		OrderType:    schema.OrderTypeLimit,
		OrderPrice:   d(100),
		OrderSize:    d(10),
		OrderStatus:  schema.OrderStatusPending,
	}
}

func tickingClock() func() int64 {
	var now int64 = 1000
	return func() int64 {
		now++
		return now
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))

	err := s.Add(newOrder(1))
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeConflict))
	require.Equal(t, schema.StatusOrdMgrAddFailed, errs.StatusCode(err, 0))

	withExch := newOrder(2)
	withExch.ExchOrderID = "E1"
	require.NoError(t, s.Add(withExch))
	sameExch := newOrder(3)
	sameExch.ExchOrderID = "E1"
	require.Error(t, s.Add(sameExch))

	live, closed := s.Len()
	require.Equal(t, 2, live)
	require.Equal(t, 0, closed)
}

func TestAddRejectsIDHeldByClosedRing(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))
	_, rec := s.UpdateFromExchangeAck(&schema.OrderRecord{OrderID: 1, OrderStatus: schema.OrderStatusCanceled}, "1", AckOptions{})
	require.NotNil(t, rec)
	require.True(t, rec.IsClosed())

	require.Error(t, s.Add(newOrder(1)))
}

func TestRemoveSearchesLiveOnly(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))
	require.NoError(t, s.Remove(1))

	err := s.Remove(1)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
	require.Equal(t, schema.StatusOrdMgrRemoveFailed, errs.StatusCode(err, 0))

	require.NoError(t, s.Add(newOrder(2)))
	s.UpdateFromExchangeAck(&schema.OrderRecord{OrderID: 2, OrderStatus: schema.OrderStatusCanceled}, "", AckOptions{})
	require.Error(t, s.Remove(2))
	_, ok := s.Lookup(2, IncludeClosed)
	require.True(t, ok)
}

func TestLookupReturnsCopies(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))

	rec, ok := s.Lookup(1, LiveOnly)
	require.True(t, ok)
	rec.OrderSize = d(99)

	again, _ := s.Lookup(1, LiveOnly)
	require.True(t, again.OrderSize.Equal(d(10)))
}

func TestClosedRingEvictsOldestClose(t *testing.T) {
	var evicted []uint64
	s := New(
		WithClosedCapacity(2),
		WithClock(tickingClock()),
		WithEvictionHook(func(rec *schema.OrderRecord) { evicted = append(evicted, rec.OrderID) }),
	)
	for _, id := range []uint64{5, 3, 9} {
		require.NoError(t, s.Add(newOrder(id)))
	}
	for _, id := range []uint64{5, 3, 9} {
		s.UpdateFromExchangeAck(&schema.OrderRecord{OrderID: id, OrderStatus: schema.OrderStatusCanceled}, "", AckOptions{})
		_, closed := s.Len()
		require.LessOrEqual(t, closed, 2)
	}

	require.Equal(t, []uint64{5}, evicted)
	_, ok := s.Lookup(5, IncludeClosed)
	require.False(t, ok)
	_, ok = s.Lookup(3, IncludeClosed)
	require.True(t, ok)

	_, closed := s.Snapshot()
	require.Len(t, closed, 2)
	require.Equal(t, uint64(3), closed[0].OrderID)
	require.Equal(t, uint64(9), closed[1].OrderID)
}

func TestExchangeAckDerivesLastFill(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))

	changed, rec := s.UpdateFromExchangeAck(&schema.OrderRecord{
		OrderID:      1,
		OrderStatus:  schema.OrderStatusPartialFilled,
		DealSize:     d(4),
		AvgDealPrice: d(100),
		Fee:          d(2),
		LastDealTime: 42,
	}, "s1", AckOptions{})
	require.True(t, changed)
	require.True(t, rec.DealSize.Equal(d(4)))
	require.True(t, rec.LastDealSize.Equal(d(4)))
	require.True(t, rec.LastDealPrice.Equal(d(100)))
	require.Equal(t, "s1", rec.LastSeq)

	changed, rec = s.UpdateFromExchangeAck(&schema.OrderRecord{
		OrderID:      1,
		OrderStatus:  schema.OrderStatusFilled,
		DealSize:     d(10),
		AvgDealPrice: d(103),
	}, "s2", AckOptions{})
	require.True(t, changed)
	require.True(t, rec.LastDealSize.Equal(d(6)))
	require.True(t, rec.LastDealPrice.Equal(d(105)), rec.LastDealPrice.String())
	require.True(t, rec.Fee.Equal(d(5)), rec.Fee.String())
	require.NotZero(t, rec.ClosedTime)

	live, closed := s.Len()
	require.Equal(t, 0, live)
	require.Equal(t, 1, closed)
}

func TestExchangeAckUsesFeeCalcAndNormalisesAsk(t *testing.T) {
	s := New()
	ask := newOrder(1)
	ask.Side = schema.SideAsk
	require.NoError(t, s.Add(ask))

	var saved []uint64
	opts := AckOptions{
		FeeCalc: func(_ *schema.OrderRecord, dealAmt decimal.Decimal) decimal.Decimal {
			return dealAmt.Mul(decimal.RequireFromString("0.001"))
		},
		Contracts: registryFunc(func(o *schema.OrderRecord) { saved = append(saved, o.OrderID) }),
	}
	_, rec := s.UpdateFromExchangeAck(&schema.OrderRecord{
		OrderID:      1,
		OrderStatus:  schema.OrderStatusPartialFilled,
		DealSize:     d(3),
		AvgDealPrice: d(100),
	}, "", opts)
	require.True(t, rec.DealSize.Equal(d(-3)))
	require.True(t, rec.LastDealSize.Equal(d(-3)))
	require.True(t, rec.Fee.Equal(decimal.RequireFromString("0.3")), rec.Fee.String())
	require.True(t, rec.UndealtSize().Equal(d(7)))
	require.Equal(t, []uint64{1}, saved)
}

type registryFunc func(*schema.OrderRecord)

func (f registryFunc) SaveOpenedContract(o *schema.OrderRecord) { f(o) }

func TestExchangeAckIgnoresStaleFill(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))
	ack := &schema.OrderRecord{OrderID: 1, OrderStatus: schema.OrderStatusPartialFilled, DealSize: d(4), AvgDealPrice: d(100)}
	changed, _ := s.UpdateFromExchangeAck(ack, "", AckOptions{})
	require.True(t, changed)

	changed, rec := s.UpdateFromExchangeAck(ack.Clone(), "", AckOptions{})
	require.False(t, changed)
	require.True(t, rec.DealSize.Equal(d(4)))

	changed, _ = s.UpdateFromExchangeAck(&schema.OrderRecord{
		OrderID: 1, OrderStatus: schema.OrderStatusPartialFilled, DealSize: d(11), AvgDealPrice: d(100),
	}, "", AckOptions{})
	require.False(t, changed)
}

func TestTradeOnlyReportAccumulates(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))

	_, rec := s.UpdateFromExchangeAck(&schema.OrderRecord{
		OrderID:       1,
		OrderStatus:   schema.OrderStatusPartialFilled,
		LastDealSize:  d(4),
		LastDealPrice: d(100),
		LastTradeID:   "t1",
	}, "", AckOptions{})
	require.True(t, rec.DealSize.Equal(d(4)))
	require.True(t, rec.AvgDealPrice.Equal(d(100)))
	require.Equal(t, schema.OrderStatusPartialFilled, rec.OrderStatus)

	_, rec = s.UpdateFromExchangeAck(&schema.OrderRecord{
		OrderID:       1,
		OrderStatus:   schema.OrderStatusPartialFilled,
		LastDealSize:  d(6),
		LastDealPrice: d(110),
		LastTradeID:   "t2",
	}, "", AckOptions{})
	require.True(t, rec.DealSize.Equal(d(10)))
	require.True(t, rec.AvgDealPrice.Equal(d(106)), rec.AvgDealPrice.String())
	require.Equal(t, schema.OrderStatusFilled, rec.OrderStatus)
	require.Equal(t, "t2", rec.LastTradeID)
	require.True(t, rec.IsClosed())
}

func TestGatewayAckMarksDuplicatesUnusable(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))
	ack := &schema.OrderRecord{
		OrderID:       1,
		OrderStatus:   schema.OrderStatusPartialFilled,
		DealSize:      d(4),
		AvgDealPrice:  d(100),
		LastDealSize:  d(4),
		LastDealPrice: d(100),
	}

	usable, rec := s.UpdateFromGatewayAck(ack)
	require.True(t, usable)
	require.True(t, rec.DealSize.Equal(d(4)))

	usable, _ = s.UpdateFromGatewayAck(ack.Clone())
	require.False(t, usable)
}

func TestUpdateMissingOrderLogsAndReturnsNil(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(WithLogger(observability.WrapZap(zap.New(core))))

	changed, rec := s.UpdateFromExchangeAck(&schema.OrderRecord{OrderID: 99, OrderStatus: schema.OrderStatusFilled}, "", AckOptions{})
	require.False(t, changed)
	require.Nil(t, rec)

	usable, rec := s.UpdateFromGatewayAck(&schema.OrderRecord{MarketCode: "SSE", ExchOrderID: "nope"})
	require.False(t, usable)
	require.Nil(t, rec)

	require.Equal(t, 2, logs.FilterMessageSnippet("severely delayed").Len())
}

func TestExchangeKeyIsIndexedWhenLearned(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))

	changed, _ := s.UpdateFromExchangeAck(&schema.OrderRecord{
		OrderID: 1, ExchOrderID: "X9", MarketCode: "SSE", OrderStatus: schema.OrderStatusConfirmedByExch,
	}, "", AckOptions{})
	require.True(t, changed)

	rec, ok := s.LookupByExch("SSE", "X9", LiveOnly)
	require.True(t, ok)
	require.Equal(t, uint64(1), rec.OrderID)

	// acks carrying only the exchange key locate the order
	_, rec = s.UpdateFromExchangeAck(&schema.OrderRecord{
		MarketCode: "SSE", ExchOrderID: "X9", OrderStatus: schema.OrderStatusCanceled,
	}, "", AckOptions{})
	require.NotNil(t, rec)
	require.Equal(t, uint64(1), rec.OrderID)

	dup := newOrder(2)
	dup.ExchOrderID = "X9"
	require.Error(t, s.Add(dup))
}

func TestLookupByExchInMarkets(t *testing.T) {
	s := New()
	o := newOrder(1)
	o.MarketCode = "SZSE"
	o.ExchOrderID = "E1"
	require.NoError(t, s.Add(o))
	s.UpdateFromExchangeAck(&schema.OrderRecord{OrderID: 1, OrderStatus: schema.OrderStatusCanceled}, "", AckOptions{})

	_, ok := s.LookupByExchInMarkets([]string{"SSE", "SZSE"}, "E1", LiveOnly)
	require.False(t, ok)

	rec, ok := s.LookupByExchInMarkets([]string{"SSE", "SZSE"}, "E1", IncludeClosed)
	require.True(t, ok)
	require.Equal(t, "SZSE", rec.MarketCode)
}

func TestExistsOpenPendingOrders(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))

	require.False(t, s.ExistsOpenPendingOrders(newOrder(1)))
	require.True(t, s.ExistsOpenPendingOrders(newOrder(2)))

	other := newOrder(3)
	other.AcctID = 1
	require.False(t, s.ExistsOpenPendingOrders(other))

	require.NoError(t, s.Remove(1))
	require.False(t, s.ExistsOpenPendingOrders(newOrder(2)))
}

func TestFrozenClosingSize(t *testing.T) {
	s := New()
	c1 := newOrder(1)
	c1.Side = schema.SideAsk
	c1.PosDirection = schema.PosDirectionClose
	c1.OrderSize = d(5)
	c1.DealSize = d(-2)
	c2 := newOrder(2)
	c2.Side = schema.SideAsk
	c2.PosDirection = schema.PosDirectionCloseToday
	c2.OrderSize = d(4)
	long := newOrder(3)
	long.Side = schema.SideAsk
	long.PosDirection = schema.PosDirectionClose
	long.PosSide = schema.PosSideLong
	long.OrderSize = d(100)
	for _, o := range []*schema.OrderRecord{c1, c2, long, newOrder(4)} {
		require.NoError(t, s.Add(o))
	}

	require.True(t, s.FrozenClosingSize(newOrder(9), 10000).Equal(d(7)))
	require.True(t, s.FrozenClosingSize(newOrder(9), 1).IsZero())
}

func TestCompareAndCheckIfUpdate(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(newOrder(1)))

	require.True(t, s.CompareAndCheckIfUpdate(&schema.OrderRecord{OrderID: 1, OrderStatus: schema.OrderStatusConfirmedByExch}))
	require.False(t, s.CompareAndCheckIfUpdate(&schema.OrderRecord{OrderID: 1, OrderStatus: schema.OrderStatusPending}))
	require.True(t, s.CompareAndCheckIfUpdate(&schema.OrderRecord{OrderID: 1, OrderStatus: schema.OrderStatusPending, ExchOrderID: "E"}))
	require.False(t, s.CompareAndCheckIfUpdate(&schema.OrderRecord{OrderID: 2, OrderStatus: schema.OrderStatusFilled}))
}

func TestQueries(t *testing.T) {
	s := New()
	a := newOrder(1)
	b := newOrder(2)
	b.SymbolCode = "000001"
	b.MarketCode = "SZSE"
	b.StgID = 8
	require.NoError(t, s.Load([]*schema.OrderRecord{a, b}))

	tpl, err := condition.ParseTemplate("acctId=10000&marketCode=SSE")
	require.NoError(t, err)
	got, err := s.QueryByTemplate(tpl)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].OrderID)

	require.Len(t, s.QueryByStrategy(0, 0, 7, 0), 1)
	require.Len(t, s.QueryByAlgo(3), 2)
	require.ElementsMatch(t, []uint64{2}, s.OrderIDsOfStrategy(8))
}

func TestLoadSendsClosedOrdersToRing(t *testing.T) {
	s := New()
	done := newOrder(1)
	done.OrderStatus = schema.OrderStatusFilled
	done.ClosedTime = 5
	require.NoError(t, s.Load([]*schema.OrderRecord{done, newOrder(2), nil}))

	live, closed := s.Len()
	require.Equal(t, 1, live)
	require.Equal(t, 1, closed)

	err := s.Load([]*schema.OrderRecord{newOrder(2)})
	require.Error(t, err)
}
