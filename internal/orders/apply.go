package orders

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
)

// FeeCalc derives the cumulative fee of an order from its cumulative deal amount.
type FeeCalc func(order *schema.OrderRecord, dealAmt decimal.Decimal) decimal.Decimal

// ContractRegistry records opened contracts of orders carrying fills.
type ContractRegistry interface {
	SaveOpenedContract(order *schema.OrderRecord)
}

// AckOptions carries optional collaborators for exchange acknowledgments.
type AckOptions struct {
	FeeCalc   FeeCalc
	Contracts ContractRegistry
}

// normaliseDealSigns makes bid fills positive and ask fills negative.
func normaliseDealSigns(side schema.Side, ack *schema.OrderRecord) {
	if side == schema.SideBid {
		ack.DealSize = ack.DealSize.Abs()
		ack.LastDealSize = ack.LastDealSize.Abs()
		return
	}
	ack.DealSize = ack.DealSize.Abs().Neg()
	ack.LastDealSize = ack.LastDealSize.Abs().Neg()
}

// applyStatus moves cur forward to the ack status. It returns true when the
// status changed.
func applyStatus(log observability.Logger, cur, ack *schema.OrderRecord, strict bool) bool {
	switch {
	case ack.OrderStatus > cur.OrderStatus:
		if !cur.IsClosed() {
			cur.OrderStatus = ack.OrderStatus
			return true
		}
		log.Warn("order changed from one final state to another",
			observability.F("status", cur.OrderStatus.String()),
			observability.F("ack", ack.ShortString()))
	case ack.OrderStatus == cur.OrderStatus:
		if ack.OrderStatus == schema.OrderStatusPartialFilled {
			// deal size decides
			return false
		}
		if strict {
			log.Warn("order status unchanged and not partially filled", observability.F("ack", ack.ShortString()))
		} else {
			log.Debug("order status unchanged",
				observability.F("status", cur.OrderStatus.String()),
				observability.F("ack", ack.ShortString()))
		}
	default:
		fields := []observability.Field{
			observability.F("status", cur.OrderStatus.String()),
			observability.F("ack", ack.ShortString()),
		}
		if strict {
			log.Warn("order status has become older", fields...)
		} else {
			log.Info("order status has become older", fields...)
		}
	}
	return false
}

// validDeal reports whether the ack carries a larger fill within the order size.
func validDeal(log observability.Logger, cur, ack *schema.OrderRecord) bool {
	newAbs := ack.DealSize.Abs()
	if !newAbs.GreaterThan(cur.DealSize.Abs()) {
		log.Debug("deal size not increased",
			observability.F("new", newAbs.String()),
			observability.F("old", cur.DealSize.Abs().String()),
			observability.F("ack", ack.ShortString()))
		return false
	}
	if newAbs.GreaterThan(cur.OrderSize) {
		log.Warn("deal size greater than order size",
			observability.F("dealSize", newAbs.String()),
			observability.F("orderSize", cur.OrderSize.String()),
			observability.F("ack", ack.ShortString()))
		return false
	}
	return true
}

func deriveFee(cur, ack *schema.OrderRecord, oldDeal, dealAmt decimal.Decimal, feeCalc FeeCalc) {
	switch {
	case !ack.Fee.IsZero():
		cur.Fee = ack.Fee
	case feeCalc != nil:
		cur.Fee = feeCalc(cur, dealAmt)
	case !cur.Fee.IsZero() && !oldDeal.IsZero():
		cur.Fee = cur.DealSize.Div(oldDeal).Mul(cur.Fee)
	}
}

type applyResult struct {
	changed    bool
	keyChanged bool
}

// applyExchangeReport merges an exchange-native report into cur.
func applyExchangeReport(log observability.Logger, cur, ack *schema.OrderRecord, seq string, opts AckOptions) applyResult {
	var res applyResult

	normaliseDealSigns(cur.Side, ack)
	cur.LastSeq = seq

	if ack.AcctID != 0 && ack.AcctID != cur.AcctID {
		log.Info("account borrows position from another account",
			observability.F("acctId", cur.AcctID),
			observability.F("fromAcctId", ack.AcctID),
			observability.F("ack", ack.ShortString()))
		cur.AcctID = ack.AcctID
		res.keyChanged = true
	}
	if ack.TrdAcctID != 0 && ack.TrdAcctID != cur.TrdAcctID {
		log.Info("trade account borrows position from another trade account",
			observability.F("trdAcctId", cur.TrdAcctID),
			observability.F("fromTrdAcctId", ack.TrdAcctID),
			observability.F("ack", ack.ShortString()))
		cur.TrdAcctID = ack.TrdAcctID
	}

	if applyStatus(log, cur, ack, false) {
		res.changed = true
	}

	if validDeal(log, cur, ack) && !ack.AvgDealPrice.IsZero() {
		oldDeal, oldAvg := cur.DealSize, cur.AvgDealPrice
		newDeal, newAvg := ack.DealSize, ack.AvgDealPrice
		cur.DealSize = newDeal
		cur.AvgDealPrice = newAvg

		if !ack.LastDealSize.IsZero() {
			cur.LastDealSize = ack.LastDealSize
		} else {
			cur.LastDealSize = newDeal.Sub(oldDeal)
		}

		if !ack.LastDealPrice.IsZero() {
			cur.LastDealPrice = ack.LastDealPrice
		} else if !cur.LastDealSize.IsZero() {
			lastAmt := newAvg.Mul(newDeal).Sub(oldAvg.Mul(oldDeal))
			cur.LastDealPrice = lastAmt.Div(cur.LastDealSize)
		} else {
			log.Warn("last deal size is zero when deriving last deal price", observability.F("ack", ack.ShortString()))
		}

		deriveFee(cur, ack, oldDeal, newDeal.Mul(newAvg).Abs(), opts.FeeCalc)

		cur.LastTradeID = ack.LastTradeID
		if ack.LastDealTime != 0 {
			cur.LastDealTime = ack.LastDealTime
		}
		res.changed = true
	}

	if ack.DealSize.IsZero() && ack.AvgDealPrice.IsZero() &&
		!ack.LastDealSize.IsZero() && !ack.LastDealPrice.IsZero() {
		applyTradeOnly(log, cur, ack, opts.FeeCalc)
		res.changed = true
	}

	if ack.ExchOrderID != "" && cur.ExchOrderID == "" {
		cur.ExchOrderID = ack.ExchOrderID
		res.changed = true
		res.keyChanged = true
	}
	if ack.FeeCurrency != "" && cur.FeeCurrency == "" {
		cur.FeeCurrency = ack.FeeCurrency
		res.changed = true
	}
	if ack.StatusCode != 0 && cur.StatusCode == 0 {
		cur.StatusCode = ack.StatusCode
		res.changed = true
	}

	if opts.Contracts != nil {
		opts.Contracts.SaveOpenedContract(cur)
	}
	return res
}

// applyTradeOnly accumulates a report that carries only the last trade.
func applyTradeOnly(log observability.Logger, cur, ack *schema.OrderRecord, feeCalc FeeCalc) {
	oldDeal := cur.DealSize
	dealAmt := cur.DealSize.Mul(cur.AvgDealPrice).Add(ack.LastDealSize.Mul(ack.LastDealPrice))
	cur.DealSize = cur.DealSize.Add(ack.LastDealSize)
	cur.AvgDealPrice = dealAmt.Div(cur.DealSize)
	cur.LastDealSize = ack.LastDealSize
	cur.LastDealPrice = ack.LastDealPrice

	deriveFee(cur, ack, oldDeal, dealAmt, feeCalc)

	cur.LastTradeID = ack.LastTradeID
	if ack.LastDealTime != 0 {
		cur.LastDealTime = ack.LastDealTime
	}

	dealAbs := cur.DealSize.Abs()
	switch {
	case dealAbs.Equal(cur.OrderSize):
		cur.OrderStatus = schema.OrderStatusFilled
	case dealAbs.LessThan(cur.OrderSize):
		cur.OrderStatus = schema.OrderStatusPartialFilled
	default:
		cur.OrderStatus = schema.OrderStatusFilled
		log.Warn("deal size greater than order size on trade report",
			observability.F("dealSize", dealAbs.String()),
			observability.F("orderSize", cur.OrderSize.String()),
			observability.F("ack", ack.ShortString()))
	}
}

// applyGatewayReport merges a trading-gateway report into cur. The gateway
// forwards reports it already validated, so usable marks fills that should
// drive positions.
func applyGatewayReport(log observability.Logger, cur, ack *schema.OrderRecord) (usable, keyChanged bool) {
	applyStatus(log, cur, ack, true)

	if validDeal(log, cur, ack) && !ack.AvgDealPrice.IsZero() {
		cur.DealSize = ack.DealSize
		cur.AvgDealPrice = ack.AvgDealPrice
		cur.LastDealSize = ack.LastDealSize
		cur.LastDealPrice = ack.LastDealPrice
		cur.LastTradeID = ack.LastTradeID
		cur.LastDealTime = ack.LastDealTime
		cur.Fee = ack.Fee
		usable = true
	}

	if ack.ExchOrderID != "" && cur.ExchOrderID == "" {
		cur.ExchOrderID = ack.ExchOrderID
		keyChanged = true
	}
	if ack.FeeCurrency != "" && cur.FeeCurrency == "" {
		cur.FeeCurrency = ack.FeeCurrency
	}
	if ack.StatusCode != 0 && cur.StatusCode == 0 {
		cur.StatusCode = ack.StatusCode
	}
	return usable, keyChanged
}

// needsUpdate reports whether the ack would advance cur.
func needsUpdate(log observability.Logger, cur, ack *schema.OrderRecord) bool {
	switch {
	case ack.OrderStatus > cur.OrderStatus:
		if !cur.IsClosed() {
			return true
		}
		log.Warn("order changed from one final state to another",
			observability.F("status", cur.OrderStatus.String()),
			observability.F("ack", ack.ShortString()))
	case ack.OrderStatus == cur.OrderStatus:
		if ack.OrderStatus == schema.OrderStatusPartialFilled && ack.DealSize.Abs().GreaterThan(cur.DealSize.Abs()) {
			return true
		}
	}
	if cur.FeeCurrency == "" && ack.FeeCurrency != "" {
		return true
	}
	if cur.ExchOrderID == "" && ack.ExchOrderID != "" {
		return true
	}
	return false
}
