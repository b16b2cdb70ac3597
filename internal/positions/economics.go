package positions

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/internal/domain/schema"
)

// avgOpenPrice recomputes the average open price after adding fillSize at
// fillPrice to a leg holding oldPos at oldAvg. Inverse contracts average in
// reciprocal price space.
func avgOpenPrice(symType schema.SymbolType, oldPos, oldAvg, fillSize, fillPrice, newPos decimal.Decimal) decimal.Decimal {
	if newPos.IsZero() {
		return decimal.Zero
	}
	if symType.IsInverse() {
		if fillPrice.IsZero() {
			return oldAvg
		}
		denom := fillSize.Div(fillPrice)
		if !oldAvg.IsZero() {
			denom = oldPos.Div(oldAvg).Add(denom)
		}
		if denom.IsZero() {
			return decimal.Zero
		}
		return newPos.Div(denom)
	}
	return oldPos.Mul(oldAvg).Add(fillSize.Mul(fillPrice)).Div(newPos)
}

// pnlOfCloseLong is the realized PnL of closing closeSize (positive) of a long
// opened at openPrice.
func pnlOfCloseLong(symType schema.SymbolType, openPrice, closePrice, closeSize, parValue decimal.Decimal) decimal.Decimal {
	switch {
	case symType == schema.SymbolTypeCNFutures:
		return parValue.Mul(closeSize).Mul(closePrice.Sub(openPrice))
	case symType.IsInverse():
		if openPrice.IsZero() || closePrice.IsZero() {
			return decimal.Zero
		}
		return parValue.Mul(closeSize).Mul(reciprocal(openPrice).Sub(reciprocal(closePrice)))
	default:
		return closeSize.Mul(closePrice.Sub(openPrice))
	}
}

// pnlOfCloseShort is the realized PnL of closing closeSize (positive) of a
// short opened at openPrice.
func pnlOfCloseShort(symType schema.SymbolType, openPrice, closePrice, closeSize, parValue decimal.Decimal) decimal.Decimal {
	switch {
	case symType == schema.SymbolTypeCNFutures:
		return parValue.Mul(closeSize).Mul(openPrice.Sub(closePrice))
	case symType.IsInverse():
		if openPrice.IsZero() || closePrice.IsZero() {
			return decimal.Zero
		}
		return parValue.Mul(closeSize).Mul(reciprocal(closePrice).Sub(reciprocal(openPrice)))
	default:
		return closeSize.Mul(openPrice.Sub(closePrice))
	}
}

func reciprocal(v decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Div(v)
}
