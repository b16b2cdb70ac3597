package schema

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// PositionKey holds the identity fields of a position leg.
type PositionKey struct {
	ProductGrpID uint64          `json:"productGrpId"`
	ProductID    uint64          `json:"productId"`
	UserID       uint64          `json:"userId"`
	AcctGrpID    uint64          `json:"acctGrpId"`
	AcctID       uint64          `json:"acctId"`
	TrdAcctID    uint64          `json:"trdAcctId"`
	StgGrpID     uint64          `json:"stgGrpId"`
	StgID        uint64          `json:"stgId"`
	StgInstID    uint64          `json:"stgInstId"`
	AlgoID       uint64          `json:"algoId"`
	MarketCode   string          `json:"marketCode"`
	SymbolType   SymbolType      `json:"symbolType"`
	SymbolCode   string          `json:"symbolCode"`
	Side         Side            `json:"side"`
	PosSide      PosSide         `json:"posSide"`
	ParValue     decimal.Decimal `json:"parValue"`
	FeeCurrency  string          `json:"feeCurrency,omitempty"`
}

// String joins the key fields with '/'.
func (k PositionKey) String() string {
	var b strings.Builder
	for _, id := range []uint64{
		k.ProductGrpID, k.ProductID, k.UserID, k.AcctGrpID, k.AcctID,
		k.TrdAcctID, k.StgGrpID, k.StgID, k.StgInstID, k.AlgoID,
	} {
		b.WriteString(strconv.FormatUint(id, 10))
		b.WriteByte('/')
	}
	b.WriteString(k.MarketCode)
	b.WriteByte('/')
	b.WriteString(string(k.SymbolType))
	b.WriteByte('/')
	b.WriteString(k.SymbolCode)
	b.WriteByte('/')
	b.WriteString(string(k.Side))
	b.WriteByte('/')
	b.WriteString(string(k.PosSide))
	b.WriteByte('/')
	b.WriteString(k.ParValue.String())
	b.WriteByte('/')
	b.WriteString(k.FeeCurrency)
	return b.String()
}

// PositionRecord tracks one position leg.
type PositionRecord struct {
	PositionKey

	Pos              decimal.Decimal `json:"pos"`
	PrePos           decimal.Decimal `json:"prePos"`
	AvgOpenPrice     decimal.Decimal `json:"avgOpenPrice"`
	PreAvgOpenPrice  decimal.Decimal `json:"preAvgOpenPrice"`
	Pnl              decimal.Decimal `json:"pnl"`
	PnlUnReal        decimal.Decimal `json:"pnlUnReal"`
	Fee              decimal.Decimal `json:"fee"`
	TotalBidSize     decimal.Decimal `json:"totalBidSize"`
	TotalAskSize     decimal.Decimal `json:"totalAskSize"`
	PreTotalBidSize  decimal.Decimal `json:"preTotalBidSize"`
	PreTotalAskSize  decimal.Decimal `json:"preTotalAskSize"`
	TotalOpenSize    decimal.Decimal `json:"totalOpenSize"`
	PreTotalOpenSize decimal.Decimal `json:"preTotalOpenSize"`
	UpdateTime       int64           `json:"updateTime"`
	LastSeq          string          `json:"lastSeq,omitempty"`
}

// NewPositionFromOrder creates an empty leg keyed from the order with the given side.
func NewPositionFromOrder(o *OrderRecord, side Side) *PositionRecord {
	return &PositionRecord{
		PositionKey: PositionKey{
			ProductGrpID: o.ProductGrpID,
			ProductID:    o.ProductID,
			UserID:       o.UserID,
			AcctGrpID:    o.AcctGrpID,
			AcctID:       o.AcctID,
			TrdAcctID:    o.TrdAcctID,
			StgGrpID:     o.StgGrpID,
			StgID:        o.StgID,
			StgInstID:    o.StgInstID,
			AlgoID:       o.AlgoID,
			MarketCode:   o.MarketCode,
			SymbolType:   o.SymbolType,
			SymbolCode:   o.SymbolCode,
			Side:         side,
			PosSide:      o.PosSide,
			ParValue:     o.ParValue,
			FeeCurrency:  o.FeeCurrency,
		},
	}
}

// Key returns the composite key of the leg.
func (p *PositionRecord) Key() string {
	return p.PositionKey.String()
}

// InstrumentKey identifies the account's instrument, ignoring side.
func (p *PositionRecord) InstrumentKey() string {
	return InstrumentKey(p.AcctID, p.MarketCode, p.SymbolType, p.SymbolCode)
}

// StrategyKey identifies the owning strategy instance.
func (p *PositionRecord) StrategyKey() string {
	return StrategyKey(p.ProductID, p.UserID, p.StgID, p.StgInstID)
}

// Clone returns a copy; every field is a value type.
func (p *PositionRecord) Clone() *PositionRecord {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
