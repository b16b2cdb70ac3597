// Package flowctrl evaluates orders against quantitative flow-control rules.
//
// A rule binds a metric (the Target) to a condition template such as
// "acctId=10000&marketCode=*" and a limit. Cumulative and windowed limits keep
// state per exact condition value ("acctId=10000&marketCode=SSE"); that state
// is only mutated through the staging log so a rejected order leaves no trace.
package flowctrl

import (
	"fmt"
	"strings"

	"github.com/coachpo/tradeguard/errs"
)

// Target names the metric a rule constrains.
type Target string

const (
	OrderSizeEachTime          Target = "OrderSizeEachTime"
	OrderSizeTotal             Target = "OrderSizeTotal"
	OrderAmtEachTime           Target = "OrderAmtEachTime"
	OrderAmtTotal              Target = "OrderAmtTotal"
	OrderTimesTotal            Target = "OrderTimesTotal"
	OrderTimesWithinTime       Target = "OrderTimesWithinTime"
	CancelOrderTimesTotal      Target = "CancelOrderTimesTotal"
	CancelOrderTimesWithinTime Target = "CancelOrderTimesWithinTime"
	RejectOrderTimesTotal      Target = "RejectOrderTimesTotal"
	RejectOrderTimesWithinTime Target = "RejectOrderTimesWithinTime"
	HoldVolTotal               Target = "HoldVolTotal"
	HoldAmtTotal               Target = "HoldAmtTotal"
	OpenTDayTotal              Target = "OpenTDayTotal"
)

// Targets lists every target in evaluation order.
var Targets = []Target{
	OrderSizeEachTime,
	OrderSizeTotal,
	OrderAmtEachTime,
	OrderAmtTotal,
	OrderTimesTotal,
	OrderTimesWithinTime,
	CancelOrderTimesTotal,
	CancelOrderTimesWithinTime,
	RejectOrderTimesTotal,
	RejectOrderTimesWithinTime,
	HoldVolTotal,
	HoldAmtTotal,
	OpenTDayTotal,
}

// LimitType classifies how a target's limit is enforced.
type LimitType uint8

const (
	// LimitEachTime compares each value against the limit without state.
	LimitEachTime LimitType = iota + 1
	// LimitTotal accumulates values per condition value.
	LimitTotal
	// LimitWithinTime counts events inside a sliding time window.
	LimitWithinTime
)

func (t LimitType) String() string {
	switch t {
	case LimitEachTime:
		return "NumLimitEachTime"
	case LimitTotal:
		return "NumLimitTotal"
	case LimitWithinTime:
		return "NumLimitWithinTime"
	default:
		return fmt.Sprintf("LimitType(%d)", uint8(t))
	}
}

// LimitType returns the limit type of the target.
func (t Target) LimitType() (LimitType, error) {
	switch t {
	case OrderSizeEachTime, OrderAmtEachTime:
		return LimitEachTime, nil
	case OrderSizeTotal, OrderAmtTotal, OrderTimesTotal, CancelOrderTimesTotal,
		RejectOrderTimesTotal, HoldVolTotal, HoldAmtTotal, OpenTDayTotal:
		return LimitTotal, nil
	case OrderTimesWithinTime, CancelOrderTimesWithinTime, RejectOrderTimesWithinTime:
		return LimitWithinTime, nil
	default:
		return 0, errs.New("flowctrl", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("invalid target %q", string(t))))
	}
}

// derived reports whether the target is recomputed from the stores on every
// evaluation instead of being counted.
func (t Target) derived() bool {
	switch t {
	case HoldVolTotal, HoldAmtTotal, OpenTDayTotal:
		return true
	default:
		return false
	}
}

// Strategy selects how a stateful rule treats its counter.
type Strategy uint8

const (
	// CompareAndUpdate rejects when the value would breach the limit and
	// otherwise stages the update.
	CompareAndUpdate Strategy = iota
	// Compare only checks the current state.
	Compare
	// Update only stages the update.
	Update
)

func (s Strategy) String() string {
	switch s {
	case CompareAndUpdate:
		return "CompareAndUpdate"
	case Compare:
		return "Compare"
	case Update:
		return "Update"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// Action is a bit set of what happens when a rule triggers.
type Action uint8

const (
	ActionRejectOrder Action = 1 << iota
	ActionPubTopic
)

const actionSep = "&"

// ParseAction parses "RejectOrder&PubTopic".
func ParseAction(s string) (Action, error) {
	if strings.TrimSpace(s) == "" {
		return 0, errs.New("flowctrl", errs.CodeInvalid, errs.WithMessage("empty action"))
	}
	var out Action
	for _, part := range strings.Split(s, actionSep) {
		switch part {
		case "RejectOrder":
			out |= ActionRejectOrder
		case "PubTopic":
			out |= ActionPubTopic
		default:
			return 0, errs.New("flowctrl", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("invalid action %q", s)))
		}
	}
	return out, nil
}

// Has reports whether a includes other.
func (a Action) Has(other Action) bool { return a&other != 0 }

func (a Action) String() string {
	var parts []string
	if a.Has(ActionRejectOrder) {
		parts = append(parts, "RejectOrder")
	}
	if a.Has(ActionPubTopic) {
		parts = append(parts, "PubTopic")
	}
	return strings.Join(parts, actionSep)
}
