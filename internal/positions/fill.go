package positions

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
)

// fill is the delta of one report, with the size signed by side.
type fill struct {
	order *schema.OrderRecord
	size  decimal.Decimal
	price decimal.Decimal
	fee   decimal.Decimal
}

func (f fill) opens() bool { return f.order.PosDirection == schema.PosDirectionOpen }

// net mode: a bid fill extends the long leg unless the symbol is net short,
// in which case it closes the short leg first and opens the remainder.
func (s *Store) netBid(f fill, cs ChangeSet) {
	bid := s.legOf(f.order, schema.SideBid)
	ask := s.legOf(f.order, schema.SideAsk)

	if bid.Pos.GreaterThanOrEqual(ask.Pos.Neg()) {
		s.extend(bid, f)
		bid.TotalBidSize = bid.TotalBidSize.Add(f.size)
		if f.opens() {
			bid.TotalOpenSize = bid.TotalOpenSize.Add(f.size)
		}
		s.touch(bid, f, cs)
		return
	}

	newPos := ask.Pos.Add(f.size)
	if !newPos.IsPositive() {
		ask.Pnl = ask.Pnl.Add(pnlOfCloseShort(f.order.SymbolType, ask.AvgOpenPrice, f.price, f.size, f.order.ParValue))
		ask.Pos = newPos
		ask.Fee = ask.Fee.Add(f.fee)
		ask.TotalBidSize = ask.TotalBidSize.Add(f.size)
		if f.opens() {
			ask.TotalOpenSize = ask.TotalOpenSize.Add(f.size)
		}
		s.touch(ask, f, cs)
		return
	}

	ask.Pnl = ask.Pnl.Add(pnlOfCloseShort(f.order.SymbolType, ask.AvgOpenPrice, f.price, ask.Pos.Neg(), f.order.ParValue))
	ask.Pos = decimal.Zero
	s.touch(ask, f, cs)

	bid.AvgOpenPrice = f.price
	bid.Pos = newPos
	bid.Fee = bid.Fee.Add(f.fee)
	bid.TotalBidSize = bid.TotalBidSize.Add(f.size)
	if f.opens() {
		bid.TotalOpenSize = bid.TotalOpenSize.Add(f.size)
	}
	s.touch(bid, f, cs)
}

// net mode mirror of netBid; ask fill sizes are negative.
func (s *Store) netAsk(f fill, cs ChangeSet) {
	bid := s.legOf(f.order, schema.SideBid)
	ask := s.legOf(f.order, schema.SideAsk)

	if ask.Pos.Neg().GreaterThanOrEqual(bid.Pos) {
		s.extend(ask, f)
		ask.TotalAskSize = ask.TotalAskSize.Add(f.size)
		if f.opens() {
			ask.TotalOpenSize = ask.TotalOpenSize.Add(f.size)
		}
		s.touch(ask, f, cs)
		return
	}

	newPos := bid.Pos.Add(f.size)
	if !newPos.IsNegative() {
		bid.Pnl = bid.Pnl.Add(pnlOfCloseLong(f.order.SymbolType, bid.AvgOpenPrice, f.price, f.size.Neg(), f.order.ParValue))
		bid.Pos = newPos
		bid.Fee = bid.Fee.Add(f.fee)
		bid.TotalAskSize = bid.TotalAskSize.Add(f.size)
		if f.opens() {
			bid.TotalOpenSize = bid.TotalOpenSize.Add(f.size)
		}
		s.touch(bid, f, cs)
		return
	}

	bid.Pnl = bid.Pnl.Add(pnlOfCloseLong(f.order.SymbolType, bid.AvgOpenPrice, f.price, bid.Pos, f.order.ParValue))
	bid.Pos = decimal.Zero
	s.touch(bid, f, cs)

	ask.AvgOpenPrice = f.price
	ask.Pos = newPos
	ask.Fee = ask.Fee.Add(f.fee)
	ask.TotalAskSize = ask.TotalAskSize.Add(f.size)
	if f.opens() {
		ask.TotalOpenSize = ask.TotalOpenSize.Add(f.size)
	}
	s.touch(ask, f, cs)
}

// dual mode: bid+Long and ask+Short open, ask+Long and bid+Short close.
func (s *Store) dual(f fill, cs ChangeSet) {
	o := f.order
	switch {
	case o.PosSide == schema.PosSideLong && o.Side == schema.SideBid:
		leg := s.legOf(o, schema.SideBid)
		s.extend(leg, f)
		leg.TotalBidSize = leg.TotalBidSize.Add(f.size)
		leg.TotalOpenSize = leg.TotalOpenSize.Add(f.size)
		s.touch(leg, f, cs)
	case o.PosSide == schema.PosSideShort && o.Side == schema.SideAsk:
		leg := s.legOf(o, schema.SideAsk)
		s.extend(leg, f)
		leg.TotalAskSize = leg.TotalAskSize.Add(f.size)
		leg.TotalOpenSize = leg.TotalOpenSize.Add(f.size)
		s.touch(leg, f, cs)
	case o.PosSide == schema.PosSideLong && o.Side == schema.SideAsk:
		leg, ok := s.byKey[o.PosKeyBid()]
		if !ok || leg.Pos.IsZero() {
			s.log.Warn("cannot find long position when closing long", observability.F("order", o.ShortString()))
			return
		}
		closeSize := f.size.Neg()
		newPos := leg.Pos.Add(f.size)
		if newPos.IsNegative() {
			s.log.Warn("long position below zero after closing, clamped",
				observability.F("pos", newPos.String()),
				observability.F("order", o.ShortString()))
			closeSize = leg.Pos
			newPos = decimal.Zero
		}
		leg.Pnl = leg.Pnl.Add(pnlOfCloseLong(o.SymbolType, leg.AvgOpenPrice, f.price, closeSize, o.ParValue))
		leg.Pos = newPos
		leg.Fee = leg.Fee.Add(f.fee)
		leg.TotalAskSize = leg.TotalAskSize.Add(f.size)
		s.touch(leg, f, cs)
	case o.PosSide == schema.PosSideShort && o.Side == schema.SideBid:
		leg, ok := s.byKey[o.PosKeyAsk()]
		if !ok || leg.Pos.IsZero() {
			s.log.Warn("cannot find short position when closing short", observability.F("order", o.ShortString()))
			return
		}
		closeSize := f.size
		newPos := leg.Pos.Add(f.size)
		if newPos.IsPositive() {
			s.log.Warn("short position above zero after closing, clamped",
				observability.F("pos", newPos.String()),
				observability.F("order", o.ShortString()))
			closeSize = leg.Pos.Neg()
			newPos = decimal.Zero
		}
		leg.Pnl = leg.Pnl.Add(pnlOfCloseShort(o.SymbolType, leg.AvgOpenPrice, f.price, closeSize, o.ParValue))
		leg.Pos = newPos
		leg.Fee = leg.Fee.Add(f.fee)
		leg.TotalBidSize = leg.TotalBidSize.Add(f.size)
		s.touch(leg, f, cs)
	default:
		s.log.Warn("unhandled side and position side", observability.F("order", o.ShortString()))
	}
}

// extend adds the fill to a leg in the fill's direction.
func (s *Store) extend(leg *schema.PositionRecord, f fill) {
	newPos := leg.Pos.Add(f.size)
	leg.AvgOpenPrice = avgOpenPrice(f.order.SymbolType, leg.Pos, leg.AvgOpenPrice, f.size, f.price, newPos)
	leg.Pos = newPos
	leg.Fee = leg.Fee.Add(f.fee)
}

func (s *Store) touch(leg *schema.PositionRecord, f fill, cs ChangeSet) {
	leg.UpdateTime = s.now()
	leg.LastSeq = f.order.LastSeq
	cs[leg.Key()] = leg.Clone()
}
