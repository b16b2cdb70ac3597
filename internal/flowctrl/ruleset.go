package flowctrl

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/observability"
)

// DefaultPluginName addresses rule change messages to the flow-control plugin.
const DefaultPluginName = "risk-plugin-flow-ctrl-plus"

// ChangeType is the kind of rule table change.
type ChangeType string

const (
	ChangeAdd ChangeType = "Add"
	ChangeDel ChangeType = "Del"
	ChangeChg ChangeType = "Chg"
)

// ChangeMessage announces a change of one row of the rule table.
type ChangeMessage struct {
	PluginName   string     `json:"pluginName"`
	TableChgType ChangeType `json:"tableChgType"`
	Data         RuleDef    `json:"data"`
}

// Encode renders the message as JSON.
func (m ChangeMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// RuleSet is the rule table of one step, indexed by target and by rule
// number. It is owned by a single partition and is not safe for concurrent
// use.
type RuleSet struct {
	step       string
	pluginName string
	byTarget   map[Target][]*Rule
	byNo       map[int]*Rule
	log        observability.Logger
}

// NewRuleSet returns an empty rule set for step. An empty step accepts rules
// of every step.
func NewRuleSet(step, pluginName string, logger observability.Logger) *RuleSet {
	if pluginName == "" {
		pluginName = DefaultPluginName
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &RuleSet{
		step:       step,
		pluginName: pluginName,
		byTarget:   make(map[Target][]*Rule),
		byNo:       make(map[int]*Rule),
		log:        logger,
	}
}

// Step returns the step the set serves.
func (s *RuleSet) Step() string { return s.step }

// PluginName returns the plugin name change messages must carry.
func (s *RuleSet) PluginName() string { return s.pluginName }

// Load replaces the rule table with defs. Every definition of the step must
// be valid, otherwise the table is left untouched.
func (s *RuleSet) Load(defs []RuleDef) error {
	byTarget := make(map[Target][]*Rule)
	byNo := make(map[int]*Rule)
	for _, def := range defs {
		if !s.accepts(def.Step) {
			continue
		}
		r, err := NewRule(def)
		if err != nil {
			return err
		}
		if _, dup := byNo[r.No]; dup {
			return errs.New("flowctrl", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("duplicate rule no %d", r.No)))
		}
		byTarget[r.Target] = append(byTarget[r.Target], r)
		byNo[r.No] = r
		s.log.Debug("flow control rule loaded", observability.F("rule", r.String()))
	}
	s.byTarget = byTarget
	s.byNo = byNo
	return nil
}

// ApplyChange applies a JSON encoded ChangeMessage. Messages addressed to
// another plugin or step are ignored.
func (s *RuleSet) ApplyChange(msg []byte) error {
	var change ChangeMessage
	if err := json.Unmarshal(msg, &change); err != nil {
		return errs.New("flowctrl", errs.CodeInvalid,
			errs.WithMessage("decode rule change message"),
			errs.WithCause(err))
	}
	if change.PluginName != s.pluginName || !s.accepts(change.Data.Step) {
		return nil
	}

	switch change.TableChgType {
	case ChangeAdd:
		r, err := NewRule(change.Data)
		if err != nil {
			return err
		}
		s.insert(r)
		s.log.Info("flow control rule added", observability.F("rule", r.String()))
		return nil
	case ChangeDel:
		prev, ok := s.remove(change.Data)
		if !ok {
			s.log.Warn("delete flow control rule failed", observability.F("message", string(msg)))
			return errs.New("flowctrl", errs.CodeNotFound,
				errs.WithMessage("no rule matches step, condition and target"),
				errs.WithField("target", change.Data.Target),
				errs.WithField("condition", change.Data.Condition))
		}
		s.log.Info("flow control rule deleted", observability.F("rule", prev.String()))
		return nil
	case ChangeChg:
		r, err := NewRule(change.Data)
		if err != nil {
			return err
		}
		if prev, ok := s.remove(change.Data); ok {
			r.adopt(prev)
			s.log.Info("flow control rule replaced",
				observability.F("previous", prev.String()),
				observability.F("states", r.StateCount()))
		}
		s.insert(r)
		s.log.Info("flow control rule changed", observability.F("rule", r.String()))
		return nil
	default:
		return errs.New("flowctrl", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("invalid table change type %q", change.TableChgType)))
	}
}

// RulesFor returns the rules of target in registration order.
func (s *RuleSet) RulesFor(target Target) []*Rule {
	return s.byTarget[target]
}

// Rule returns the rule with number no.
func (s *RuleSet) Rule(no int) (*Rule, bool) {
	r, ok := s.byNo[no]
	return r, ok
}

// Len returns the number of rules.
func (s *RuleSet) Len() int { return len(s.byNo) }

// Defs returns the definitions of every rule.
func (s *RuleSet) Defs() []RuleDef {
	out := make([]RuleDef, 0, len(s.byNo))
	for _, target := range Targets {
		for _, r := range s.byTarget[target] {
			out = append(out, r.def)
		}
	}
	return out
}

func (s *RuleSet) accepts(step string) bool {
	return s.step == "" || s.step == step
}

func (s *RuleSet) insert(r *Rule) {
	if prev, ok := s.byNo[r.No]; ok {
		s.detach(prev)
	}
	s.byTarget[r.Target] = append(s.byTarget[r.Target], r)
	s.byNo[r.No] = r
}

// remove detaches the first rule matching def on step, condition and target.
func (s *RuleSet) remove(def RuleDef) (*Rule, bool) {
	for _, r := range s.byTarget[Target(def.Target)] {
		if r.Step == def.Step && r.Condition == def.Condition {
			s.detach(r)
			return r, true
		}
	}
	return nil, false
}

func (s *RuleSet) detach(r *Rule) {
	rules := s.byTarget[r.Target]
	for i, cur := range rules {
		if cur == r {
			s.byTarget[r.Target] = append(rules[:i:i], rules[i+1:]...)
			break
		}
	}
	if len(s.byTarget[r.Target]) == 0 {
		delete(s.byTarget, r.Target)
	}
	if s.byNo[r.No] == r {
		delete(s.byNo, r.No)
	}
}
