package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/orders"
	"github.com/coachpo/tradeguard/internal/partition"
	"github.com/coachpo/tradeguard/internal/rulemonitor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected default environment dev, got %s", cfg.Environment)
	}
	if cfg.CounterStore.Backend != CounterMemory {
		t.Fatalf("expected memory counter store, got %s", cfg.CounterStore.Backend)
	}
	if got := cfg.Partitions.Count.Resolve(); got != 1 {
		t.Fatalf("expected one partition, got %d", got)
	}
	if cfg.Partitions.HashFields != partition.DefaultHashFields {
		t.Fatalf("expected default hash fields, got %q", cfg.Partitions.HashFields)
	}
	if cfg.Orders.ClosedCapacity != orders.DefaultClosedCapacity {
		t.Fatalf("expected default closed capacity, got %d", cfg.Orders.ClosedCapacity)
	}
	if cfg.RuleMonitor.Interval != rulemonitor.DefaultInterval {
		t.Fatalf("expected default monitor interval, got %s", cfg.RuleMonitor.Interval)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("expected kafka disabled by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
partitions:
  count: 4
  queueSize: 256
  hashFields: acctId&marketCode
orders:
  closedCapacity: 512
  closeTodayMarkets: [" czce ", DCE]
  loadLimit: 2000
flowControl:
  step: acctId
  switches:
    OrderTimesWithinTime: false
  dedupCapacity: 256
  rules:
    - no: 1
      name: size cap
      step: acctId
      target: OrderSizeEachTime
      condition: acctId=10000
      limitValue: "100"
      action: RejectOrder
    - no: 2
      step: acctId
      target: OrderTimesWithinTime
      condition: acctId=10000
      limitValue: 5/1000ms
      action: RejectOrder&PubTopic
throttle:
  ordersPerSecond: 20
  burst: 5
counterStore:
  backend: Redis
  addr: localhost:6379
database:
  dsn: postgresql://localhost:5432/tradeguard?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
  runMigrations: true
kafka:
  brokers: [" localhost:9092 ", ""]
  topic: risk-triggers
  channel: sim
  requestTopic: risk-requests
  replyTopic: risk-replies
persistence:
  workers: 8
  maxInterval: 2s
ruleMonitor:
  enabled: true
  interval: 10s
apiServer:
  addr: " :8880 "
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: guard
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected environment %s, got %s", EnvProd, cfg.Environment)
	}
	if got := cfg.Partitions.Count.Resolve(); got != 4 {
		t.Fatalf("expected 4 partitions, got %d", got)
	}
	if cfg.Partitions.QueueSize != 256 || cfg.Partitions.HashFields != "acctId&marketCode" {
		t.Fatalf("unexpected partition config %+v", cfg.Partitions)
	}
	if cfg.Orders.ClosedCapacity != 512 || cfg.Orders.LoadLimit != 2000 {
		t.Fatalf("unexpected orders config %+v", cfg.Orders)
	}
	if strings.Join(cfg.Orders.CloseTodayMarkets, ",") != "CZCE,DCE" {
		t.Fatalf("unexpected close-today markets %v", cfg.Orders.CloseTodayMarkets)
	}
	if cfg.FlowControl.PluginName != flowctrl.DefaultPluginName {
		t.Fatalf("expected default plugin name, got %q", cfg.FlowControl.PluginName)
	}
	if len(cfg.FlowControl.Rules) != 2 || cfg.FlowControl.Rules[1].LimitValue != "5/1000ms" {
		t.Fatalf("unexpected rules %+v", cfg.FlowControl.Rules)
	}
	switches, err := cfg.FlowControl.SwitchSet()
	if err != nil {
		t.Fatalf("SwitchSet: %v", err)
	}
	if switches[flowctrl.OrderTimesWithinTime] {
		t.Fatalf("expected OrderTimesWithinTime disabled")
	}
	if !switches[flowctrl.OrderSizeEachTime] {
		t.Fatalf("expected OrderSizeEachTime enabled")
	}
	if cfg.Throttle.OrdersPerSecond != 20 || cfg.Throttle.Burst != 5 {
		t.Fatalf("unexpected throttle %+v", cfg.Throttle)
	}
	if cfg.CounterStore.Backend != CounterRedis || cfg.CounterStore.Prefix == "" {
		t.Fatalf("unexpected counter store %+v", cfg.CounterStore)
	}
	if !cfg.Database.RunMigrations || cfg.Database.MaxConns != 32 {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	settings := cfg.Database.PoolSettings()
	if settings.MaxConnLifetime != 45*time.Minute || settings.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("unexpected pool settings %+v", settings)
	}
	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Fatalf("unexpected kafka brokers %v", cfg.Kafka.Brokers)
	}
	if pub := cfg.Kafka.PublisherConfig(); pub.Topic != "risk-triggers" {
		t.Fatalf("unexpected publisher topic %q", pub.Topic)
	}
	if !cfg.Kafka.IngressEnabled() || cfg.Kafka.GroupID != "tradeguard" {
		t.Fatalf("unexpected ingress config %+v", cfg.Kafka)
	}
	if reader := cfg.Kafka.ReaderConfig(); reader.Topic != "risk-requests" {
		t.Fatalf("unexpected reader topic %q", reader.Topic)
	}
	if reply := cfg.Kafka.ReplyPublisherConfig(); reply.Topic != "risk-replies" {
		t.Fatalf("unexpected reply topic %q", reply.Topic)
	}
	writer := cfg.Persistence.WriterConfig()
	if writer.Workers != 8 || writer.MaxInterval != 2*time.Second || writer.Queue != 0 {
		t.Fatalf("unexpected writer config %+v", writer)
	}
	if cfg.RuleMonitor.Interval != 10*time.Second {
		t.Fatalf("unexpected monitor interval %s", cfg.RuleMonitor.Interval)
	}
	if cfg.APIServer.Addr != ":8880" {
		t.Fatalf("unexpected api server addr %q", cfg.APIServer.Addr)
	}
	if cfg.Telemetry.ServiceName != "guard" || !cfg.Telemetry.EnableMetrics {
		t.Fatalf("unexpected telemetry %+v", cfg.Telemetry)
	}
}

func TestPartitionCountAuto(t *testing.T) {
	cfg, err := Parse([]byte("partitions:\n  count: auto\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Partitions.Count.Resolve(); got != runtime.NumCPU() {
		t.Fatalf("expected %d partitions, got %d", runtime.NumCPU(), got)
	}
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"environment": {
			body: "environment: qa\n",
			want: "environment must be one of",
		},
		"partition count": {
			body: "partitions:\n  count: 0\n",
			want: "numeric value must be > 0",
		},
		"unknown switch": {
			body: "flowControl:\n  switches:\n    OrderVolume: true\n",
			want: "unknown flow control target",
		},
		"bad rule": {
			body: "flowControl:\n  rules:\n    - no: 1\n      step: acctId\n      target: OrderSizeEachTime\n      condition: acctId=1\n      limitValue: abc\n      action: RejectOrder\n",
			want: "flowControl",
		},
		"duplicate rule": {
			body: "flowControl:\n  rules:\n" +
				"    - {no: 1, step: acctId, target: OrderSizeEachTime, condition: acctId=1, limitValue: '1', action: RejectOrder}\n" +
				"    - {no: 1, step: acctId, target: OrderAmtEachTime, condition: acctId=1, limitValue: '1', action: RejectOrder}\n",
			want: "duplicate rule no 1",
		},
		"throttle burst": {
			body: "throttle:\n  ordersPerSecond: 5\n",
			want: "throttle burst",
		},
		"redis addr": {
			body: "counterStore:\n  backend: redis\n",
			want: "addr required",
		},
		"backend": {
			body: "counterStore:\n  backend: etcd\n",
			want: "counterStore backend",
		},
		"kafka topic": {
			body: "kafka:\n  brokers: [localhost:9092]\n",
			want: "kafka topic required",
		},
		"reply topic": {
			body: "kafka:\n  brokers: [localhost:9092]\n  topic: t\n  requestTopic: r\n",
			want: "replyTopic required",
		},
		"service name": {
			body: "telemetry:\n  serviceName: \"  \"\n",
			want: "serviceName required",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestBadgerBackendDefaultsPath(t *testing.T) {
	cfg, err := Parse([]byte("counterStore:\n  backend: badger\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CounterStore.Path != filepath.Join("data", "counters") {
		t.Fatalf("unexpected badger path %q", cfg.CounterStore.Path)
	}
}

func TestShippedConfigParses(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.yaml"))
	if err != nil {
		t.Fatalf("Load shipped config: %v", err)
	}
	if len(cfg.FlowControl.Rules) == 0 {
		t.Fatalf("expected shipped config to carry rules")
	}
	if cfg.CounterStore.Backend != CounterBadger {
		t.Fatalf("unexpected counter backend %q", cfg.CounterStore.Backend)
	}
}
