package schema

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// OrderRecord is the canonical order representation held by the order store.
type OrderRecord struct {
	OrderID       uint64 `json:"orderId"`
	ExchOrderID   string `json:"exchOrderId,omitempty"`
	ParentOrderID uint64 `json:"parentOrderId,omitempty"`

	ProductGrpID uint64 `json:"productGrpId"`
	ProductID    uint64 `json:"productId"`
	UserID       uint64 `json:"userId"`
	AcctGrpID    uint64 `json:"acctGrpId"`
	AcctID       uint64 `json:"acctId"`
	TrdAcctID    uint64 `json:"trdAcctId"`
	StgGrpID     uint64 `json:"stgGrpId"`
	StgID        uint64 `json:"stgId"`
	StgInstID    uint64 `json:"stgInstId"`
	AlgoID       uint64 `json:"algoId"`

	MarketCode string          `json:"marketCode"`
	SymbolType SymbolType      `json:"symbolType"`
	SymbolCode string          `json:"symbolCode"`
	ParValue   decimal.Decimal `json:"parValue"`

	Side           Side         `json:"side"`
	PosDirection   PosDirection `json:"posDirection"`
	PosSide        PosSide      `json:"posSide"`
	OrderType      OrderType    `json:"orderType"`
	OrderTypeExtra string       `json:"orderTypeExtra,omitempty"`

	OrderPrice    decimal.Decimal `json:"orderPrice"`
	OrderSize     decimal.Decimal `json:"orderSize"`
	DealSize      decimal.Decimal `json:"dealSize"`
	AvgDealPrice  decimal.Decimal `json:"avgDealPrice"`
	LastDealPrice decimal.Decimal `json:"lastDealPrice"`
	LastDealSize  decimal.Decimal `json:"lastDealSize"`
	LastTradeID   string          `json:"lastTradeId,omitempty"`
	LastDealTime  int64           `json:"lastDealTime,omitempty"`

	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"feeCurrency,omitempty"`

	OrderStatus OrderStatus `json:"orderStatus"`
	StatusCode  int         `json:"statusCode"`

	OrderTime  int64  `json:"orderTime"`
	ClosedTime int64  `json:"closedTime,omitempty"`
	LastSeq    string `json:"lastSeq,omitempty"`

	Extension map[string]any `json:"extension,omitempty"`
}

// Clone returns a deep copy of the order.
func (o *OrderRecord) Clone() *OrderRecord {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Extension != nil {
		cp.Extension = cloneExtension(o.Extension)
	}
	return &cp
}

// IsClosed reports whether the order reached a terminal status.
func (o *OrderRecord) IsClosed() bool {
	if o == nil {
		return false
	}
	return o.OrderStatus.IsClosed()
}

// UndealtSize returns the quantity still working on the market. Ask deal
// sizes are negative, so the ask branch adds.
func (o *OrderRecord) UndealtSize() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	if o.Side == SideBid {
		return o.OrderSize.Sub(o.DealSize)
	}
	return o.OrderSize.Add(o.DealSize)
}

// FeeOfLastTrade apportions the cumulative fee to the last fill.
func (o *OrderRecord) FeeOfLastTrade() decimal.Decimal {
	if o == nil || o.DealSize.IsZero() {
		return decimal.Zero
	}
	return o.LastDealSize.Div(o.DealSize).Mul(o.Fee)
}

// Amount returns size * price of the request.
func (o *OrderRecord) Amount() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return o.OrderSize.Mul(o.OrderPrice)
}

// ExchKey identifies the order by exchange assigned id.
func (o *OrderRecord) ExchKey() string {
	return ExchKey(o.MarketCode, o.ExchOrderID)
}

// ExchKey joins a market code and an exchange order id.
func ExchKey(market, exchOrderID string) string {
	return market + "/" + exchOrderID
}

// InstrumentKey identifies the account's instrument, ignoring side.
func (o *OrderRecord) InstrumentKey() string {
	return InstrumentKey(o.AcctID, o.MarketCode, o.SymbolType, o.SymbolCode)
}

// InstrumentKey joins account and instrument identity.
func InstrumentKey(acctID uint64, market string, symbolType SymbolType, symbolCode string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(acctID, 10))
	b.WriteByte('/')
	b.WriteString(market)
	b.WriteByte('/')
	b.WriteString(string(symbolType))
	b.WriteByte('/')
	b.WriteString(symbolCode)
	return b.String()
}

// StrategyKey identifies a strategy instance.
func (o *OrderRecord) StrategyKey() string {
	return StrategyKey(o.ProductID, o.UserID, o.StgID, o.StgInstID)
}

// StrategyKey joins strategy instance identity.
func StrategyKey(productID, userID, stgID, stgInstID uint64) string {
	return strconv.FormatUint(productID, 10) + "/" + strconv.FormatUint(userID, 10) + "/" +
		strconv.FormatUint(stgID, 10) + "/" + strconv.FormatUint(stgInstID, 10)
}

// PosKey returns the position key the order's fills apply to.
func (o *OrderRecord) PosKey() string {
	return o.posKey(o.Side)
}

// PosKeyBid returns the bid-leg position key of the order's instrument.
func (o *OrderRecord) PosKeyBid() string {
	return o.posKey(SideBid)
}

// PosKeyAsk returns the ask-leg position key of the order's instrument.
func (o *OrderRecord) PosKeyAsk() string {
	return o.posKey(SideAsk)
}

func (o *OrderRecord) posKey(side Side) string {
	return PositionKey{
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
	}.String()
}

// ToJSON renders the order for trigger details and logs.
func (o *OrderRecord) ToJSON() string {
	if o == nil {
		return "{}"
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ShortString renders the identifying fields for log lines.
func (o *OrderRecord) ShortString() string {
	if o == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("orderId=")
	b.WriteString(strconv.FormatUint(o.OrderID, 10))
	b.WriteString(" exchOrderId=")
	b.WriteString(o.ExchOrderID)
	b.WriteString(" acctId=")
	b.WriteString(strconv.FormatUint(o.AcctID, 10))
	b.WriteString(" symbol=")
	b.WriteString(o.MarketCode)
	b.WriteByte('/')
	b.WriteString(o.SymbolCode)
	b.WriteString(" side=")
	b.WriteString(string(o.Side))
	b.WriteString(" size=")
	b.WriteString(o.OrderSize.String())
	b.WriteString(" price=")
	b.WriteString(o.OrderPrice.String())
	b.WriteString(" deal=")
	b.WriteString(o.DealSize.String())
	b.WriteString(" status=")
	b.WriteString(o.OrderStatus.String())
	return b.String()
}

func cloneExtension(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneExtension(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		out := make([]byte, len(typed))
		copy(out, typed)
		return out
	default:
		return v
	}
}
