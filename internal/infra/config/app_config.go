// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/ingress"
	"github.com/coachpo/tradeguard/internal/infra/persistence"
	"github.com/coachpo/tradeguard/internal/infra/persistence/writebehind"
	"github.com/coachpo/tradeguard/internal/notify"
	"github.com/coachpo/tradeguard/internal/orders"
	"github.com/coachpo/tradeguard/internal/partition"
	"github.com/coachpo/tradeguard/internal/riskchain"
	"github.com/coachpo/tradeguard/internal/rulemonitor"
)

type partitionCountKind int

const (
	partitionCountUnset partitionCountKind = iota
	partitionCountExplicit
	partitionCountAuto
)

// PartitionCount accepts either a positive integer or "auto", which sizes
// the router to the number of CPUs.
type PartitionCount struct {
	kind  partitionCountKind
	value int
}

// Partitions returns an explicit partition count.
func Partitions(n int) PartitionCount {
	return PartitionCount{kind: partitionCountExplicit, value: n}
}

// UnmarshalYAML supports integer and "auto" values.
func (c *PartitionCount) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*c = PartitionCount{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*c = PartitionCount{}
		return nil
	case "auto":
		*c = PartitionCount{kind: partitionCountAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("partitions count: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("partitions count: numeric value must be > 0")
	}
	*c = PartitionCount{kind: partitionCountExplicit, value: val}
	return nil
}

// Resolve returns the effective partition count.
func (c PartitionCount) Resolve() int {
	switch c.kind {
	case partitionCountExplicit:
		return c.value
	case partitionCountAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 1
	default:
		return 1
	}
}

// PartitionConfig sizes the partition router.
type PartitionConfig struct {
	Count      PartitionCount `yaml:"count"`
	QueueSize  int            `yaml:"queueSize"`
	HashFields string         `yaml:"hashFields"`
}

// OrdersConfig sizes the per-partition order stores.
type OrdersConfig struct {
	ClosedCapacity    int      `yaml:"closedCapacity"`
	CloseTodayMarkets []string `yaml:"closeTodayMarkets"`
	LoadLimit         int      `yaml:"loadLimit"`
}

// FlowControlConfig configures the flow-control plugin and its seed rules.
type FlowControlConfig struct {
	Step          string             `yaml:"step"`
	PluginName    string             `yaml:"pluginName"`
	Switches      map[string]bool    `yaml:"switches"`
	DedupCapacity int                `yaml:"dedupCapacity"`
	Rules         []flowctrl.RuleDef `yaml:"rules"`
}

// SwitchSet converts the configured switches, rejecting unknown targets.
func (c FlowControlConfig) SwitchSet() (riskchain.Switches, error) {
	out := riskchain.DefaultSwitches()
	for name, on := range c.Switches {
		target := flowctrl.Target(strings.TrimSpace(name))
		if _, err := target.LimitType(); err != nil {
			return nil, fmt.Errorf("unknown flow control target %q", name)
		}
		out[target] = on
	}
	return out, nil
}

// CounterStoreConfig selects the backend holding limit state.
type CounterStoreConfig struct {
	Backend  CounterBackend `yaml:"backend"`
	Path     string         `yaml:"path"`
	Addr     string         `yaml:"addr"`
	Password string         `yaml:"password"`
	DB       int            `yaml:"db"`
	Prefix   string         `yaml:"prefix"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/tradeguard"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// PoolSettings converts the section for persistence.Open.
func (c DatabaseConfig) PoolSettings() persistence.PoolSettings {
	return persistence.PoolSettings{
		DSN:               c.DSN,
		MaxConns:          c.MaxConns,
		MinConns:          c.MinConns,
		MaxConnLifetime:   c.MaxConnLifetime,
		MaxConnIdleTime:   c.MaxConnIdleTime,
		HealthCheckPeriod: c.HealthCheckPeriod,
	}
}

// KafkaConfig configures trigger notifications and the request ingress.
// Both are off unless brokers are listed; the ingress also needs a request
// topic.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Channel      string        `yaml:"channel"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	Async        bool          `yaml:"async"`
	RequestTopic string        `yaml:"requestTopic"`
	ReplyTopic   string        `yaml:"replyTopic"`
	GroupID      string        `yaml:"groupId"`
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// IngressEnabled reports whether requests are consumed from Kafka.
func (c KafkaConfig) IngressEnabled() bool { return c.Enabled() && c.RequestTopic != "" }

// PublisherConfig converts the section for notify.NewKafkaPublisher.
func (c KafkaConfig) PublisherConfig() notify.KafkaConfig {
	return c.publisher(c.Topic)
}

// ReplyPublisherConfig targets the reply topic.
func (c KafkaConfig) ReplyPublisherConfig() notify.KafkaConfig {
	return c.publisher(c.ReplyTopic)
}

func (c KafkaConfig) publisher(topic string) notify.KafkaConfig {
	return notify.KafkaConfig{
		Brokers:      append([]string(nil), c.Brokers...),
		Topic:        topic,
		BatchTimeout: c.BatchTimeout,
		Async:        c.Async,
	}
}

// ReaderConfig converts the section for ingress.NewConsumer.
func (c KafkaConfig) ReaderConfig() ingress.ReaderConfig {
	return ingress.ReaderConfig{
		Brokers: append([]string(nil), c.Brokers...),
		Topic:   c.RequestTopic,
		GroupID: c.GroupID,
	}
}

// PersistenceConfig sizes the write-behind writer.
type PersistenceConfig struct {
	Workers         int           `yaml:"workers"`
	Queue           int           `yaml:"queue"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxElapsed      time.Duration `yaml:"maxElapsed"`
	DeadLetters     int           `yaml:"deadLetters"`
}

// WriterConfig converts the section for writebehind.New. Zero fields take
// the writer defaults.
func (c PersistenceConfig) WriterConfig() writebehind.Config {
	return writebehind.Config{
		Workers:         c.Workers,
		Queue:           c.Queue,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		MaxElapsed:      c.MaxElapsed,
		DeadLetters:     c.DeadLetters,
	}
}

// RuleMonitorConfig controls polling of the rule table.
type RuleMonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// APIServerConfig configures the admin HTTP surface. An empty address
// disables it.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified tradeguard configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment              `yaml:"environment"`
	Partitions   PartitionConfig          `yaml:"partitions"`
	Orders       OrdersConfig             `yaml:"orders"`
	FlowControl  FlowControlConfig        `yaml:"flowControl"`
	Throttle     riskchain.ThrottleLimits `yaml:"throttle"`
	CounterStore CounterStoreConfig       `yaml:"counterStore"`
	Database     DatabaseConfig           `yaml:"database"`
	Kafka        KafkaConfig              `yaml:"kafka"`
	Persistence  PersistenceConfig        `yaml:"persistence"`
	RuleMonitor  RuleMonitorConfig        `yaml:"ruleMonitor"`
	APIServer    APIServerConfig          `yaml:"apiServer"`
	Telemetry    TelemetryConfig          `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment:  EnvDev,
		Partitions:   PartitionConfig{Count: Partitions(1)},
		CounterStore: CounterStoreConfig{Backend: CounterMemory},
		RuleMonitor:  RuleMonitorConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			ServiceName:   "tradeguard",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes, normalises and validates YAML bytes.
func Parse(data []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	c.CounterStore.Backend = CounterBackend(normalizeName(string(c.CounterStore.Backend)))
	if c.CounterStore.Backend == "" {
		c.CounterStore.Backend = CounterMemory
	}
	c.CounterStore.Path = strings.TrimSpace(c.CounterStore.Path)
	c.CounterStore.Addr = strings.TrimSpace(c.CounterStore.Addr)
	if c.CounterStore.Backend == CounterBadger && c.CounterStore.Path == "" {
		c.CounterStore.Path = filepath.Join("data", "counters")
	}
	if c.CounterStore.Backend == CounterRedis && c.CounterStore.Prefix == "" {
		c.CounterStore.Prefix = "tradeguard:limit:"
	}

	c.Partitions.HashFields = strings.TrimSpace(c.Partitions.HashFields)
	if c.Partitions.HashFields == "" {
		c.Partitions.HashFields = partition.DefaultHashFields
	}
	if c.Partitions.QueueSize <= 0 {
		c.Partitions.QueueSize = 1024
	}

	if c.Orders.ClosedCapacity <= 0 {
		c.Orders.ClosedCapacity = orders.DefaultClosedCapacity
	}
	markets := make([]string, 0, len(c.Orders.CloseTodayMarkets))
	for _, m := range c.Orders.CloseTodayMarkets {
		if trimmed := strings.ToUpper(strings.TrimSpace(m)); trimmed != "" {
			markets = append(markets, trimmed)
		}
	}
	c.Orders.CloseTodayMarkets = markets

	c.FlowControl.Step = strings.TrimSpace(c.FlowControl.Step)
	c.FlowControl.PluginName = strings.TrimSpace(c.FlowControl.PluginName)
	if c.FlowControl.PluginName == "" {
		c.FlowControl.PluginName = flowctrl.DefaultPluginName
	}

	brokers := make([]string, 0, len(c.Kafka.Brokers))
	for _, broker := range c.Kafka.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Kafka.Brokers = brokers
	c.Kafka.Topic = strings.TrimSpace(c.Kafka.Topic)
	c.Kafka.Channel = strings.TrimSpace(c.Kafka.Channel)
	c.Kafka.RequestTopic = strings.TrimSpace(c.Kafka.RequestTopic)
	c.Kafka.ReplyTopic = strings.TrimSpace(c.Kafka.ReplyTopic)
	c.Kafka.GroupID = strings.TrimSpace(c.Kafka.GroupID)
	if c.Kafka.RequestTopic != "" && c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "tradeguard"
	}

	if c.RuleMonitor.Interval <= 0 {
		c.RuleMonitor.Interval = rulemonitor.DefaultInterval
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Partitions.Count.Resolve() <= 0 {
		return fmt.Errorf("partitions count must be >0")
	}

	if _, err := c.FlowControl.SwitchSet(); err != nil {
		return fmt.Errorf("flowControl: %w", err)
	}
	if c.FlowControl.DedupCapacity < 0 {
		return fmt.Errorf("flowControl dedupCapacity must be >=0")
	}
	seen := make(map[int]struct{}, len(c.FlowControl.Rules))
	for _, def := range c.FlowControl.Rules {
		if _, dup := seen[def.No]; dup {
			return fmt.Errorf("flowControl: duplicate rule no %d", def.No)
		}
		seen[def.No] = struct{}{}
		if _, err := flowctrl.NewRule(def); err != nil {
			return fmt.Errorf("flowControl: %w", err)
		}
	}

	if c.Throttle.OrdersPerSecond < 0 {
		return fmt.Errorf("throttle ordersPerSecond must be >=0")
	}
	if c.Throttle.OrdersPerSecond > 0 && c.Throttle.Burst <= 0 {
		return fmt.Errorf("throttle burst must be >0 when throttling is enabled")
	}

	switch c.CounterStore.Backend {
	case CounterMemory, CounterPostgres:
	case CounterBadger:
		if c.CounterStore.Path == "" {
			return fmt.Errorf("counterStore path required for badger")
		}
	case CounterRedis:
		if c.CounterStore.Addr == "" {
			return fmt.Errorf("counterStore addr required for redis")
		}
	default:
		return fmt.Errorf("counterStore backend must be one of memory, badger, redis, postgres")
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic required when brokers are set")
	}
	if c.Kafka.IngressEnabled() && c.Kafka.ReplyTopic == "" {
		return fmt.Errorf("kafka replyTopic required with requestTopic")
	}

	if c.Persistence.Workers < 0 || c.Persistence.Queue < 0 || c.Persistence.DeadLetters < 0 {
		return fmt.Errorf("persistence sizes must be >=0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
