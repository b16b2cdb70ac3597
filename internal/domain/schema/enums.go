// Package schema defines the canonical order and position records shared by the stores and risk plugins.
package schema

import (
	"fmt"
	"strings"
)

// Side identifies order direction.
type Side string

const (
	// SideBid buys.
	SideBid Side = "Bid"
	// SideAsk sells.
	SideAsk Side = "Ask"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// PosSide selects net (Both) or dual-sided (Long/Short) position accounting.
type PosSide string

const (
	PosSideBoth  PosSide = "Both"
	PosSideLong  PosSide = "Long"
	PosSideShort PosSide = "Short"
)

// PosDirection states whether an order opens or closes exposure.
type PosDirection string

const (
	PosDirectionOpen           PosDirection = "Open"
	PosDirectionClose          PosDirection = "Close"
	PosDirectionCloseToday     PosDirection = "CloseToday"
	PosDirectionCloseYesterday PosDirection = "CloseYesterday"
)

// IsClose reports whether the direction reduces exposure.
func (d PosDirection) IsClose() bool {
	switch d {
	case PosDirectionClose, PosDirectionCloseToday, PosDirectionCloseYesterday:
		return true
	default:
		return false
	}
}

// OrderType describes execution style.
type OrderType string

const (
	OrderTypeLimit    OrderType = "Limit"
	OrderTypeMarket   OrderType = "Market"
	OrderTypePostOnly OrderType = "PostOnly"
	OrderTypeIOC      OrderType = "IOC"
	OrderTypeFOK      OrderType = "FOK"
)

// SymbolType classifies instrument economics.
type SymbolType string

const (
	SymbolTypeSpot           SymbolType = "Spot"
	SymbolTypePerp           SymbolType = "Perp"
	SymbolTypeFutures        SymbolType = "Futures"
	SymbolTypeCPerp          SymbolType = "CPerp"
	SymbolTypeCFutures       SymbolType = "CFutures"
	SymbolTypeCNMainBoard    SymbolType = "CN_MainBoard"
	SymbolTypeCNSecondBoard  SymbolType = "CN_SecondBoard"
	SymbolTypeCNStartupBoard SymbolType = "CN_StartupBoard"
	SymbolTypeCNFutures      SymbolType = "CN_Futures"
	SymbolTypeUnknown        SymbolType = ""
)

// IsInverse reports whether PnL is linear in the reciprocal of price (coin-margined contracts).
func (t SymbolType) IsInverse() bool {
	return t == SymbolTypeCPerp || t == SymbolTypeCFutures
}

// IsCNBoard reports whether the symbol trades on a CN equity board.
func (t SymbolType) IsCNBoard() bool {
	switch t {
	case SymbolTypeCNMainBoard, SymbolTypeCNSecondBoard, SymbolTypeCNStartupBoard:
		return true
	default:
		return false
	}
}

// Supported reports whether positions can be derived for the symbol type.
func (t SymbolType) Supported() bool {
	switch t {
	case SymbolTypeSpot, SymbolTypePerp, SymbolTypeFutures, SymbolTypeCPerp, SymbolTypeCFutures, SymbolTypeCNFutures:
		return true
	default:
		return t.IsCNBoard()
	}
}

// OrderStatus enumerates the order lifecycle. Values are ordered: a later
// status never transitions back to an earlier one.
type OrderStatus int

const (
	OrderStatusCreated OrderStatus = iota + 1
	OrderStatusPending
	OrderStatusConfirmedByExch
	OrderStatusPartialFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusPartialFilledCanceled
	OrderStatusFailed
)

var orderStatusNames = map[OrderStatus]string{
	OrderStatusCreated:               "Created",
	OrderStatusPending:               "Pending",
	OrderStatusConfirmedByExch:       "ConfirmedByExch",
	OrderStatusPartialFilled:         "PartialFilled",
	OrderStatusFilled:                "Filled",
	OrderStatusCanceled:              "Canceled",
	OrderStatusPartialFilledCanceled: "PartialFilledCanceled",
	OrderStatusFailed:                "Failed",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", int(s))
}

// IsClosed reports whether the status is terminal.
func (s OrderStatus) IsClosed() bool {
	return s >= OrderStatusFilled
}

// MarshalText encodes the status name.
func (s OrderStatus) MarshalText() ([]byte, error) {
	if _, ok := orderStatusNames[s]; !ok {
		return nil, fmt.Errorf("unknown order status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name, case-insensitively.
func (s *OrderStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseOrderStatus resolves a status name.
func ParseOrderStatus(name string) (OrderStatus, error) {
	trimmed := strings.TrimSpace(name)
	for status, candidate := range orderStatusNames {
		if strings.EqualFold(candidate, trimmed) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", name)
}
