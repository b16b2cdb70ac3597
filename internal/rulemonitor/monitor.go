// Package rulemonitor polls the flow-control rule table and turns row
// changes into rule change messages for every partition.
package rulemonitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/observability"
)

const (
	DefaultInterval    = 5 * time.Second
	maxFailureInterval = time.Minute
)

// Broadcaster delivers an encoded change message to every partition.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg []byte) error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithStep restricts the monitor to the rules of step.
func WithStep(step string) Option {
	return func(m *Monitor) { m.step = step }
}

// WithPluginName sets the plugin name carried by change messages.
func WithPluginName(name string) Option {
	return func(m *Monitor) {
		if name != "" {
			m.pluginName = name
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l observability.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// Monitor diffs successive snapshots of the rule table. The first
// successful poll only records the baseline, since partitions are seeded
// from the same table at start-up.
type Monitor struct {
	rules      tradestore.RuleStore
	out        Broadcaster
	step       string
	pluginName string
	interval   time.Duration
	log        observability.Logger

	mu       sync.Mutex
	prev     map[int]flowctrl.RuleDef
	baseline bool
}

// New creates a monitor reading rules and broadcasting to out.
func New(rules tradestore.RuleStore, out Broadcaster, opts ...Option) (*Monitor, error) {
	if rules == nil || out == nil {
		return nil, errs.New("rulemonitor", errs.CodeInvalid, errs.WithMessage("rule store and broadcaster required"))
	}
	m := &Monitor{
		rules:      rules,
		out:        out,
		pluginName: flowctrl.DefaultPluginName,
		interval:   DefaultInterval,
		log:        observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Seed records defs as the baseline, so the next poll only reports what
// changed since.
func (m *Monitor) Seed(defs []flowctrl.RuleDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prev = index(defs)
	m.baseline = true
}

// Snapshot loads the enabled rules of the monitor's step.
func (m *Monitor) Snapshot(ctx context.Context) ([]flowctrl.RuleDef, error) {
	rows, err := m.rules.ListRules(ctx, m.step)
	if err != nil {
		return nil, err
	}
	defs := make([]flowctrl.RuleDef, 0, len(rows))
	for _, row := range rows {
		if row.Enabled {
			defs = append(defs, row.RuleDef)
		}
	}
	return defs, nil
}

// Poll reads the table once and broadcasts the changes since the previous
// poll. It returns the messages it sent.
func (m *Monitor) Poll(ctx context.Context) ([]flowctrl.ChangeMessage, error) {
	defs, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := index(defs)
	if !m.baseline {
		m.prev = cur
		m.baseline = true
		m.log.Info("flow control rule baseline recorded", observability.F("rules", len(cur)))
		return nil, nil
	}

	changes := diff(m.pluginName, m.prev, cur)
	for i, change := range changes {
		payload, err := change.Encode()
		if err != nil {
			return changes[:i], fmt.Errorf("encode rule change: %w", err)
		}
		if err := m.out.Broadcast(ctx, payload); err != nil {
			// Keep the rows already delivered; the rest is retried next poll.
			m.prev = advance(m.prev, changes[:i])
			return changes[:i], fmt.Errorf("broadcast rule change: %w", err)
		}
		m.log.Info("flow control rule change broadcast",
			observability.F("type", string(change.TableChgType)),
			observability.F("no", change.Data.No))
	}
	m.prev = cur
	return changes, nil
}

// Run polls until ctx is done. Failed polls back off exponentially up to a
// minute.
func (m *Monitor) Run(ctx context.Context) error {
	failures := backoff.NewExponentialBackOff()
	failures.InitialInterval = m.interval
	failures.MaxInterval = maxFailureInterval

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if _, err := m.Poll(ctx); err != nil {
			wait = failures.NextBackOff()
			if wait == backoff.Stop {
				wait = maxFailureInterval
			}
			m.log.Warn("poll flow control rules failed",
				observability.F("retryIn", wait.String()), observability.F("error", err))
			continue
		}
		failures.Reset()
		wait = m.interval
	}
}

func index(defs []flowctrl.RuleDef) map[int]flowctrl.RuleDef {
	out := make(map[int]flowctrl.RuleDef, len(defs))
	for _, def := range defs {
		out[def.No] = def
	}
	return out
}

// diff returns Del messages first, then Chg, then Add, each ordered by rule
// number.
func diff(plugin string, prev, cur map[int]flowctrl.RuleDef) []flowctrl.ChangeMessage {
	var dels, chgs, adds []flowctrl.ChangeMessage
	for no, old := range prev {
		if _, ok := cur[no]; !ok {
			dels = append(dels, flowctrl.ChangeMessage{PluginName: plugin, TableChgType: flowctrl.ChangeDel, Data: old})
		}
	}
	for no, def := range cur {
		old, ok := prev[no]
		switch {
		case !ok:
			adds = append(adds, flowctrl.ChangeMessage{PluginName: plugin, TableChgType: flowctrl.ChangeAdd, Data: def})
		case old != def:
			chgs = append(chgs, flowctrl.ChangeMessage{PluginName: plugin, TableChgType: flowctrl.ChangeChg, Data: def})
		}
	}
	for _, group := range [][]flowctrl.ChangeMessage{dels, chgs, adds} {
		sort.Slice(group, func(i, j int) bool { return group[i].Data.No < group[j].Data.No })
	}
	out := make([]flowctrl.ChangeMessage, 0, len(dels)+len(chgs)+len(adds))
	out = append(out, dels...)
	out = append(out, chgs...)
	return append(out, adds...)
}

func advance(prev map[int]flowctrl.RuleDef, applied []flowctrl.ChangeMessage) map[int]flowctrl.RuleDef {
	next := make(map[int]flowctrl.RuleDef, len(prev))
	for no, def := range prev {
		next[no] = def
	}
	for _, change := range applied {
		switch change.TableChgType {
		case flowctrl.ChangeDel:
			delete(next, change.Data.No)
		default:
			next[change.Data.No] = change.Data
		}
	}
	return next
}
