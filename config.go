package shardpool

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Tuning constant defaults enumerated in spec.md §6.
const (
	DefaultShards              = 8
	DefaultPreAllocNodeNum     = 512
	DefaultNextAllocNodeNum    = 32
	DefaultMaxContendTryTime   = 32
	DefaultSpinMax             = 2 * time.Microsecond
	DefaultThresholdFactor     = 1.5
	DefaultLaunchNewByTaskRate = 3
	DefaultIdleWorkerLifetime  = time.Second
)

// Config groups every tunable named in spec.md §6, loadable from the
// environment (prefix "SP_") the way
// mycelian-ai-mycelian-memory/clients/go/client/internal/shardqueue/config.go
// loads its own shard-queue tunables.
type Config struct {
	// Name identifies a pool instance for logging and metric labels.
	// Defaults to an auto-incrementing "pool-N" if left empty. A queue
	// built with NewQueue does not use it.
	Name string `envconfig:"NAME" default:""`

	// Queue tunables.
	Shards            int           `envconfig:"SHARDS" default:"8"`
	PreAllocNodeNum   int           `envconfig:"PRE_ALLOC_NODE_NUM" default:"512"`
	NextAllocNodeNum  int           `envconfig:"NEXT_ALLOC_NODE_NUM" default:"32"`
	MaxContendTryTime int           `envconfig:"MAX_CONTEND_TRY_TIME" default:"32"`
	SpinMax           time.Duration `envconfig:"SPIN_MAX" default:"2us"`

	// Pool tunables. MaxWorkers/CoreWorkers default to "0" here rather
	// than a fixed number because their real default is hardware-derived
	// (GOMAXPROCS-based); normalize() fills that in.
	MaxWorkers             int           `envconfig:"MAX_WORKERS" default:"0"`
	CoreWorkers            int           `envconfig:"CORE_WORKERS" default:"0"`
	ThresholdFactor        float64       `envconfig:"THRESHOLD_FACTOR" default:"1.5"`
	LaunchNewByTaskRate    int           `envconfig:"LAUNCH_NEW_BY_TASK_RATE" default:"3"`
	IdleWorkerLifetime     time.Duration `envconfig:"IDLE_WORKER_LIFETIME" default:"1s"`
}

// LoadConfig populates a Config from environment variables prefixed
// "SP_", applying each field's struct-tag default for anything unset.
// It does not resolve the hardware-derived MaxWorkers/CoreWorkers
// defaults; callers construct with the result via WithConfig, which
// normalizes before use.
func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process("SP", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// maxWorkersFromHardware computes round(factor * GOMAXPROCS), floored at
// 1. Shared by DefaultConfig and normalize so a caller-supplied
// ThresholdFactor actually changes the hardware-derived MaxWorkers
// default it is documented to control, per spec.md §6, instead of
// normalize silently falling back to DefaultThresholdFactor.
func maxWorkersFromHardware(factor float64) int {
	max := int(float64(runtime.GOMAXPROCS(0))*factor + 0.5)
	if max < 1 {
		max = 1
	}
	return max
}

// DefaultConfig returns a Config with every field at its spec.md §6
// default, MaxWorkers sized from hardware parallelism
// (round(1.5 * GOMAXPROCS)) and CoreWorkers at half of that.
func DefaultConfig() Config {
	max := maxWorkersFromHardware(DefaultThresholdFactor)
	core := max / 2
	if core < 1 {
		core = 1
	}
	return Config{
		Shards:              DefaultShards,
		PreAllocNodeNum:     DefaultPreAllocNodeNum,
		NextAllocNodeNum:    DefaultNextAllocNodeNum,
		MaxContendTryTime:   DefaultMaxContendTryTime,
		SpinMax:             DefaultSpinMax,
		MaxWorkers:          max,
		CoreWorkers:         core,
		ThresholdFactor:     DefaultThresholdFactor,
		LaunchNewByTaskRate: DefaultLaunchNewByTaskRate,
		IdleWorkerLifetime:  DefaultIdleWorkerLifetime,
	}
}

// normalize fills in zero-valued fields with their defaults and clamps
// configuration into a consistent, valid range. The only case left able
// to return ErrInvalidConfig is a caller-supplied Shards that isn't a
// power of two; every other field, including MaxWorkers, self-heals to
// its DefaultConfig() value when left at zero.
func (c Config) normalize() (Config, error) {
	d := DefaultConfig()

	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if !isPowerOfTwo(c.Shards) {
		return Config{}, newInvalidConfig("Shards must be a power of two")
	}
	if c.PreAllocNodeNum <= 0 {
		c.PreAllocNodeNum = d.PreAllocNodeNum
	}
	if c.NextAllocNodeNum <= 0 {
		c.NextAllocNodeNum = d.NextAllocNodeNum
	}
	if c.MaxContendTryTime <= 0 {
		c.MaxContendTryTime = d.MaxContendTryTime
	}
	if c.SpinMax == 0 {
		c.SpinMax = d.SpinMax
	}
	if c.ThresholdFactor <= 0 {
		c.ThresholdFactor = d.ThresholdFactor
	}
	if c.LaunchNewByTaskRate <= 0 {
		c.LaunchNewByTaskRate = d.LaunchNewByTaskRate
	}
	if c.IdleWorkerLifetime <= 0 {
		c.IdleWorkerLifetime = d.IdleWorkerLifetime
	}

	if c.MaxWorkers <= 0 {
		c.MaxWorkers = maxWorkersFromHardware(c.ThresholdFactor)
	}
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = c.MaxWorkers / 2
		if c.CoreWorkers < 1 {
			c.CoreWorkers = 1
		}
	}
	if c.CoreWorkers > c.MaxWorkers {
		c.CoreWorkers = c.MaxWorkers
	}

	return c, nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Option configures a WorkerPool or ShardedUnboundedQueue at
// construction time, applied on top of DefaultConfig() (NewPool,
// NewQueue) or of the Config passed to WithConfig.
type Option func(*Config)

// WithMaxWorkers sets the upper bound on worker count.
func WithMaxWorkers(n int) Option { return func(c *Config) { c.MaxWorkers = n } }

// WithCoreWorkers sets the initial worker count spawned at construction.
func WithCoreWorkers(n int) Option { return func(c *Config) { c.CoreWorkers = n } }

// WithShards sets the number of queue shards; must be a power of two.
func WithShards(n int) Option { return func(c *Config) { c.Shards = n } }

// WithLaunchNewByTaskRate sets the scheduler's spawn-trigger coefficient.
func WithLaunchNewByTaskRate(k int) Option { return func(c *Config) { c.LaunchNewByTaskRate = k } }

// WithIdleWorkerLifetime sets how long an idle worker survives before
// being reaped back toward CoreWorkers.
func WithIdleWorkerLifetime(d time.Duration) Option {
	return func(c *Config) { c.IdleWorkerLifetime = d }
}

// WithSpinMax sets the spin budget used by the queue's not-empty signal.
func WithSpinMax(d time.Duration) Option { return func(c *Config) { c.SpinMax = d } }

// WithName sets the instance name used in log fields and metric labels.
func WithName(name string) Option { return func(c *Config) { c.Name = name } }

var anonPoolCounter atomic.Int64

func nextAnonName(prefix string) string {
	n := anonPoolCounter.Add(1)
	return prefix + "-" + strconv.FormatInt(n, 10)
}
