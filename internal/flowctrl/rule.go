package flowctrl

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/condition"
)

// MaxRingSize bounds the event count of a windowed limit.
const MaxRingSize = 1000

const (
	limitSep      = "/"
	intervalUnit  = "ms"
	emptyNameRepr = `""`
)

// RuleDef is a rule as stored in the rule table or configuration.
type RuleDef struct {
	No         int    `json:"no" yaml:"no"`
	Name       string `json:"name" yaml:"name"`
	Step       string `json:"step" yaml:"step"`
	Target     string `json:"target" yaml:"target"`
	Condition  string `json:"condition" yaml:"condition"`
	LimitValue string `json:"limitValue" yaml:"limitValue"`
	Action     string `json:"action" yaml:"action"`
}

// Rule is a parsed, evaluable rule together with the limit state it keeps
// per condition value.
type Rule struct {
	No        int
	Name      string
	Step      string
	Target    Target
	Condition string
	LimitType LimitType
	Action    Action

	// Limit holds the threshold of each-time and total rules.
	Limit decimal.Decimal
	// Interval and RingSize describe a windowed rule "RingSize/Intervalms".
	Interval int64
	RingSize int

	def      RuleDef
	template condition.Template
	fields   condition.FieldGroup
	states   map[string]*LimitState
}

// NewRule validates def and builds a rule with empty state.
func NewRule(def RuleDef) (*Rule, error) {
	target := Target(def.Target)
	limitType, err := target.LimitType()
	if err != nil {
		return nil, ruleError(def, err)
	}
	action, err := ParseAction(def.Action)
	if err != nil {
		return nil, ruleError(def, err)
	}
	fields, err := condition.ParseFieldGroup(def.Condition)
	if err != nil {
		return nil, ruleError(def, err)
	}
	template, err := condition.ParseTemplate(def.Condition)
	if err != nil {
		return nil, ruleError(def, err)
	}

	r := &Rule{
		No:        def.No,
		Name:      def.Name,
		Step:      def.Step,
		Target:    target,
		Condition: def.Condition,
		LimitType: limitType,
		Action:    action,
		def:       def,
		template:  template,
		fields:    fields,
		states:    make(map[string]*LimitState),
	}
	if err := r.parseLimit(def.LimitValue); err != nil {
		return nil, ruleError(def, err)
	}
	return r, nil
}

// parseLimit accepts "10000" for each-time and total rules and "100/1000ms"
// for windowed ones.
func (r *Rule) parseLimit(s string) error {
	if r.LimitType != LimitWithinTime {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return invalidLimit(s, err)
		}
		r.Limit = v
		return nil
	}

	parts := strings.Split(s, limitSep)
	if len(parts) != 2 || !strings.HasSuffix(strings.ToLower(parts[1]), intervalUnit) {
		return invalidLimit(s, nil)
	}
	interval, err := strconv.ParseUint(parts[1][:len(parts[1])-len(intervalUnit)], 10, 32)
	if err != nil {
		return invalidLimit(s, err)
	}
	size, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return invalidLimit(s, err)
	}
	if size == 0 || size > MaxRingSize {
		return errs.New("flowctrl", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("ring size %d must be in (0, %d]", size, MaxRingSize)),
			errs.WithField("limitValue", s))
	}
	r.Interval = int64(interval)
	r.RingSize = int(size)
	return nil
}

// Def returns the definition the rule was built from.
func (r *Rule) Def() RuleDef { return r.def }

// Template returns the parsed condition template.
func (r *Rule) Template() condition.Template { return r.template }

// Fields returns the condition field group.
func (r *Rule) Fields() condition.FieldGroup { return r.fields }

// KeyPrefix prefixes the durable state keys of the rule. A full key appends
// the exact condition value.
func (r *Rule) KeyPrefix() string {
	return fmt.Sprintf("%d-%s-%s-%s-%s-", r.No, r.Name, r.Step, r.Target, r.Condition)
}

func (r *Rule) stateKey(conditionValue string) string {
	return r.KeyPrefix() + conditionValue
}

func (r *Rule) String() string {
	name := r.Name
	if name == "" {
		name = emptyNameRepr
	}
	value := decimal.Zero
	if r.LimitType != LimitWithinTime {
		value = r.Limit
	}
	return fmt.Sprintf("no: %d; name: %s; step: %s; target: %s; condition: %s; value: %s; msInterval: %d; tsQueSize: %d",
		r.No, name, r.Step, r.Target, r.Condition, value.String(), r.Interval, r.RingSize)
}

type ruleJSON struct {
	No               int             `json:"no"`
	Name             string          `json:"name"`
	Step             string          `json:"step"`
	Target           Target          `json:"target"`
	Condition        string          `json:"condition"`
	LimitType        string          `json:"limitType"`
	LimitValueInConf json.RawMessage `json:"limitValueInConf"`
	MsInterval       string          `json:"msInterval,omitempty"`
}

// MarshalJSON renders the rule as published with PubTopic actions.
func (r *Rule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{
		No:        r.No,
		Name:      r.Name,
		Step:      r.Step,
		Target:    r.Target,
		Condition: r.Condition,
		LimitType: r.LimitType.String(),
	}
	if r.LimitType == LimitWithinTime {
		out.LimitValueInConf = json.RawMessage(strconv.Itoa(r.RingSize))
		out.MsInterval = strconv.FormatInt(r.Interval, 10) + intervalUnit
	} else {
		out.LimitValueInConf = json.RawMessage(r.Limit.String())
	}
	return json.Marshal(out)
}

// StateCount returns the number of condition values with tracked state.
func (r *Rule) StateCount() int { return len(r.states) }

// State returns the tracked state of a condition value.
func (r *Rule) State(conditionValue string) (*LimitState, bool) {
	st, ok := r.states[conditionValue]
	return st, ok
}

// adopt takes over the limit state of a replaced rule. Keys follow the new
// rule's prefix and windowed rings are resized to the new ring size.
func (r *Rule) adopt(prev *Rule) {
	for cv, st := range prev.states {
		st.rekey(r.stateKey(cv))
		if r.LimitType == LimitWithinTime {
			st.resize(r.RingSize)
		}
		r.states[cv] = st
	}
}

func invalidLimit(s string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage(fmt.Sprintf("invalid limit value %q", s)),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("flowctrl", errs.CodeInvalid, opts...)
}

func ruleError(def RuleDef, err error) error {
	return errs.New("flowctrl", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("invalid flow control rule %d", def.No)),
		errs.WithField("target", def.Target),
		errs.WithField("condition", def.Condition),
		errs.WithCause(err))
}
