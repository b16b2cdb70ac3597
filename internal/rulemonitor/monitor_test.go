package rulemonitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
)

type fakeRules struct {
	mu   sync.Mutex
	rows []tradestore.RuleRow
	err  error
}

func (f *fakeRules) set(rows ...tradestore.RuleRow) {
	f.mu.Lock()
	f.rows = rows
	f.mu.Unlock()
}

func (f *fakeRules) UpsertRule(context.Context, flowctrl.RuleDef, bool) error { return nil }
func (f *fakeRules) DeleteRule(context.Context, int) error                    { return nil }

func (f *fakeRules) ListRules(_ context.Context, step string) ([]tradestore.RuleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]tradestore.RuleRow, 0, len(f.rows))
	for _, row := range f.rows {
		if step == "" || row.Step == step {
			out = append(out, row)
		}
	}
	return out, nil
}

type recorder struct {
	mu       sync.Mutex
	messages []flowctrl.ChangeMessage
	failAt   int
}

func (r *recorder) Broadcast(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.messages)+1 == r.failAt {
		r.failAt = 0
		return errors.New("router closed")
	}
	var change flowctrl.ChangeMessage
	if err := json.Unmarshal(msg, &change); err != nil {
		return err
	}
	r.messages = append(r.messages, change)
	return nil
}

func row(no int, limit string, enabled bool) tradestore.RuleRow {
	return tradestore.RuleRow{
		RuleDef: flowctrl.RuleDef{No: no, Step: "acctId", Target: "OrderSizeEachTime", Condition: "acctId=10000", LimitValue: limit, Action: "RejectOrder"},
		Enabled: enabled,
	}
}

func TestFirstPollRecordsBaseline(t *testing.T) {
	rules := &fakeRules{}
	rules.set(row(1, "5", true))
	out := &recorder{}
	m, err := New(rules, out, WithStep("acctId"))
	require.NoError(t, err)

	changes, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Empty(t, changes)
	require.Empty(t, out.messages)
}

func TestPollDiffsRows(t *testing.T) {
	rules := &fakeRules{}
	rules.set(row(1, "5", true), row(2, "6", true), row(3, "7", true))
	out := &recorder{}
	m, err := New(rules, out, WithStep("acctId"))
	require.NoError(t, err)
	_, err = m.Poll(context.Background())
	require.NoError(t, err)

	rules.set(row(1, "5", true), row(2, "60", true), row(3, "7", false), row(4, "8", true))
	changes, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, flowctrl.ChangeDel, changes[0].TableChgType)
	require.Equal(t, 3, changes[0].Data.No)
	require.Equal(t, flowctrl.ChangeChg, changes[1].TableChgType)
	require.Equal(t, "60", changes[1].Data.LimitValue)
	require.Equal(t, flowctrl.ChangeAdd, changes[2].TableChgType)
	require.Equal(t, 4, changes[2].Data.No)
	require.Equal(t, changes, out.messages)
	for _, change := range out.messages {
		require.Equal(t, flowctrl.DefaultPluginName, change.PluginName)
	}

	changes, err = m.Poll(context.Background())
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestSeedSkipsBaselinePoll(t *testing.T) {
	rules := &fakeRules{}
	rules.set(row(1, "5", true), row(2, "6", true))
	out := &recorder{}
	m, err := New(rules, out)
	require.NoError(t, err)

	defs, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	m.Seed(defs[:1])

	changes, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, flowctrl.ChangeAdd, changes[0].TableChgType)
	require.Equal(t, 2, changes[0].Data.No)
}

func TestPollRetriesUndeliveredChanges(t *testing.T) {
	rules := &fakeRules{}
	out := &recorder{}
	m, err := New(rules, out)
	require.NoError(t, err)
	m.Seed(nil)

	rules.set(row(1, "5", true), row(2, "6", true))
	out.failAt = 2
	sent, err := m.Poll(context.Background())
	require.Error(t, err)
	require.Len(t, sent, 1)

	sent, err = m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, 2, sent[0].Data.No)
	require.Len(t, out.messages, 2)
}

func TestChangesApplyToRuleSet(t *testing.T) {
	rules := &fakeRules{}
	set := flowctrl.NewRuleSet("acctId", "", nil)
	m, err := New(rules, broadcastFunc(func(_ context.Context, msg []byte) error {
		return set.ApplyChange(msg)
	}), WithStep("acctId"))
	require.NoError(t, err)
	m.Seed(nil)

	rules.set(row(1, "5", true))
	_, err = m.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	rules.set()
	_, err = m.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, set.Len())
}

func TestRunStopsWithContext(t *testing.T) {
	rules := &fakeRules{err: errors.New("db down")}
	m, err := New(rules, &recorder{}, WithInterval(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Run(ctx), context.DeadlineExceeded)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(nil, &recorder{})
	require.Error(t, err)
}

type broadcastFunc func(context.Context, []byte) error

func (f broadcastFunc) Broadcast(ctx context.Context, msg []byte) error { return f(ctx, msg) }
