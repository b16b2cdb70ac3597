// Package condition builds field/value mappings from orders and positions and
// matches them against rule templates such as "acctId=10000&symbolCode=60*".
package condition

import (
	"strconv"
	"strings"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/domain/schema"
)

const (
	entrySep = "&"
	kvSep    = "="
	wildcard = "*"
)

// Field names accepted in condition strings.
const (
	FieldAcctID         = "acctId"
	FieldAcctGrpID      = "acctGrpId"
	FieldTrdAcctID      = "trdAcctId"
	FieldMarketCode     = "marketCode"
	FieldSymbolCode     = "symbolCode"
	FieldProductGrpID   = "productGrpId"
	FieldProductID      = "productId"
	FieldUserID         = "userId"
	FieldStgGrpID       = "stgGrpId"
	FieldStgID          = "stgId"
	FieldStgInstID      = "stgInstId"
	FieldAlgoID         = "algoId"
	FieldSymbolType     = "symbolType"
	FieldSide           = "side"
	FieldPosDirection   = "posDirection"
	FieldPosSide        = "posSide"
	FieldParValue       = "parValue"
	FieldOrderType      = "orderType"
	FieldOrderTypeExtra = "orderTypeExtra"
	FieldFeeCurrency    = "feeCurrency"
)

// Pair is one field=value entry.
type Pair struct {
	Field string
	Value string
}

// Value is an ordered field=value mapping built from a record.
type Value []Pair

// String renders the mapping in field order, e.g. "acctId=10000&marketCode=SSE".
func (v Value) String() string {
	var b strings.Builder
	for i, p := range v {
		if i > 0 {
			b.WriteString(entrySep)
		}
		b.WriteString(p.Field)
		b.WriteString(kvSep)
		b.WriteString(p.Value)
	}
	return b.String()
}

func (v Value) lookup(field string) (string, bool) {
	for _, p := range v {
		if p.Field == field {
			return p.Value, true
		}
	}
	return "", false
}

// Template is an ordered field=value-or-wildcard mapping parsed from a rule condition.
type Template []Pair

// Fields returns the template field names in order.
func (t Template) Fields() FieldGroup {
	out := make(FieldGroup, 0, len(t))
	for _, p := range t {
		out = append(out, p.Field)
	}
	return out
}

// String renders the template back to its condition form.
func (t Template) String() string {
	return Value(t).String()
}

// FieldGroup lists the fields a Value is built over.
type FieldGroup []string

// ParseFieldGroup parses "f1&f2=v&f3" keeping only field names. Entries must be
// either "field" or "field=value".
func ParseFieldGroup(s string) (FieldGroup, error) {
	entries := strings.Split(s, entrySep)
	out := make(FieldGroup, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, kvSep)
		if len(parts) != 1 && len(parts) != 2 {
			return nil, invalid("invalid field group entry", entry, s)
		}
		out = append(out, parts[0])
	}
	return out, nil
}

// ParseTemplate parses "f1=v1&f2=v2". Every entry must be "field=value".
func ParseTemplate(s string) (Template, error) {
	entries := strings.Split(s, entrySep)
	out := make(Template, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, kvSep)
		if len(parts) != 2 {
			return nil, invalid("invalid condition entry", entry, s)
		}
		out = append(out, Pair{Field: parts[0], Value: parts[1]})
	}
	return out, nil
}

// Match reports whether value satisfies template. Both must cover the same fields.
func Match(value Value, template Template) (bool, error) {
	if len(value) != len(template) {
		return false, errs.New("condition", errs.CodeInvalid,
			errs.WithMessage("condition value and template differ in size"),
			errs.WithField("value", value.String()),
			errs.WithField("template", template.String()))
	}
	for _, tp := range template {
		v, ok := value.lookup(tp.Field)
		if !ok {
			return false, errs.New("condition", errs.CodeInvalid,
				errs.WithMessage("field missing from condition value"),
				errs.WithField("field", tp.Field),
				errs.WithField("value", value.String()))
		}
		if !matchOne(v, tp.Value) {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(value, template string) bool {
	if template == "" || template == wildcard {
		return true
	}
	if strings.HasSuffix(template, wildcard) {
		return matchPrefix(value, template)
	}
	return value == template
}

// matchPrefix matches "IF*" against "IF2306": the non-numeric head of the
// value must equal the template without its trailing '*'.
func matchPrefix(value, template string) bool {
	pos := strings.IndexAny(value, "0123456789")
	if pos <= 0 {
		return false
	}
	return value[:pos] == template[:len(template)-1]
}

// ValueOfOrder builds the condition value of an order over fields.
func ValueOfOrder(o *schema.OrderRecord, fields FieldGroup) (Value, error) {
	out := make(Value, 0, len(fields))
	for _, field := range fields {
		var v string
		switch field {
		case FieldPosDirection:
			v = string(o.PosDirection)
		case FieldOrderType:
			v = string(o.OrderType)
		case FieldOrderTypeExtra:
			v = o.OrderTypeExtra
		default:
			var ok bool
			v, ok = commonField(field, commonFields{
				acctID: o.AcctID, acctGrpID: o.AcctGrpID, trdAcctID: o.TrdAcctID,
				productGrpID: o.ProductGrpID, productID: o.ProductID, userID: o.UserID,
				stgGrpID: o.StgGrpID, stgID: o.StgID, stgInstID: o.StgInstID, algoID: o.AlgoID,
				market: o.MarketCode, symbolType: o.SymbolType, symbol: o.SymbolCode,
				side: o.Side, posSide: o.PosSide, parValue: o.ParValue.String(), feeCurrency: o.FeeCurrency,
			})
			if !ok {
				return nil, unknownField(field)
			}
		}
		out = append(out, Pair{Field: field, Value: v})
	}
	return out, nil
}

// ValueOfPosition builds the condition value of a position leg over fields.
// Positions carry no posDirection, orderType or orderTypeExtra.
func ValueOfPosition(p *schema.PositionRecord, fields FieldGroup) (Value, error) {
	out := make(Value, 0, len(fields))
	for _, field := range fields {
		v, ok := commonField(field, commonFields{
			acctID: p.AcctID, acctGrpID: p.AcctGrpID, trdAcctID: p.TrdAcctID,
			productGrpID: p.ProductGrpID, productID: p.ProductID, userID: p.UserID,
			stgGrpID: p.StgGrpID, stgID: p.StgID, stgInstID: p.StgInstID, algoID: p.AlgoID,
			market: p.MarketCode, symbolType: p.SymbolType, symbol: p.SymbolCode,
			side: p.Side, posSide: p.PosSide, parValue: p.ParValue.String(), feeCurrency: p.FeeCurrency,
		})
		if !ok {
			return nil, unknownField(field)
		}
		out = append(out, Pair{Field: field, Value: v})
	}
	return out, nil
}

type commonFields struct {
	acctID, acctGrpID, trdAcctID    uint64
	productGrpID, productID, userID uint64
	stgGrpID, stgID, stgInstID      uint64
	algoID                          uint64
	market, symbol                  string
	symbolType                      schema.SymbolType
	side                            schema.Side
	posSide                         schema.PosSide
	parValue, feeCurrency           string
}

func commonField(field string, c commonFields) (string, bool) {
	switch field {
	case FieldAcctID:
		return u(c.acctID), true
	case FieldAcctGrpID:
		return u(c.acctGrpID), true
	case FieldTrdAcctID:
		return u(c.trdAcctID), true
	case FieldMarketCode:
		return c.market, true
	case FieldSymbolCode:
		return c.symbol, true
	case FieldProductGrpID:
		return u(c.productGrpID), true
	case FieldProductID:
		return u(c.productID), true
	case FieldUserID:
		return u(c.userID), true
	case FieldStgGrpID:
		return u(c.stgGrpID), true
	case FieldStgID:
		return u(c.stgID), true
	case FieldStgInstID:
		return u(c.stgInstID), true
	case FieldAlgoID:
		return u(c.algoID), true
	case FieldSymbolType:
		return string(c.symbolType), true
	case FieldSide:
		return string(c.side), true
	case FieldPosSide:
		return string(c.posSide), true
	case FieldParValue:
		return c.parValue, true
	case FieldFeeCurrency:
		return c.feeCurrency, true
	default:
		return "", false
	}
}

func u(v uint64) string { return strconv.FormatUint(v, 10) }

// FieldNames strips values: "acctId=1&marketCode=SSE" -> "acctId&marketCode".
func FieldNames(cond string) string {
	entries := strings.Split(cond, entrySep)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name, _, _ := strings.Cut(entry, kvSep)
		names = append(names, name)
	}
	return strings.Join(names, entrySep)
}

// AddRequiredFields appends "&field=" for each field not already present.
func AddRequiredFields(cond string, fields ...string) string {
	present := make(map[string]struct{})
	if cond != "" {
		for _, entry := range strings.Split(cond, entrySep) {
			name, _, _ := strings.Cut(entry, kvSep)
			present[name] = struct{}{}
		}
	}
	var b strings.Builder
	b.WriteString(cond)
	for _, field := range fields {
		if _, ok := present[field]; ok {
			continue
		}
		present[field] = struct{}{}
		if b.Len() > 0 {
			b.WriteString(entrySep)
		}
		b.WriteString(field)
		b.WriteString(kvSep)
	}
	return b.String()
}

func invalid(msg, entry, source string) error {
	return errs.New("condition", errs.CodeInvalid,
		errs.WithMessage(msg),
		errs.WithField("entry", entry),
		errs.WithField("condition", source))
}

func unknownField(field string) error {
	return errs.New("condition", errs.CodeInvalid,
		errs.WithMessage("unknown condition field"),
		errs.WithField("field", field))
}
