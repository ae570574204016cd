package streams

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ProcessingGuarantee selects how processed offsets and produced output are
// made durable relative to each other.
type ProcessingGuarantee int

const (
	// AtLeastOnce commits input offsets with a plain synchronous commit
	// after output is flushed. A crash between flush and commit replays
	// records.
	AtLeastOnce ProcessingGuarantee = iota
	// ExactlyOnce produces output and commits input offsets inside a
	// Kafka transaction, so consumers reading with read_committed see
	// each input's effects once.
	ExactlyOnce
)

func (g ProcessingGuarantee) String() string {
	if g == ExactlyOnce {
		return "exactly-once"
	}
	return "at-least-once"
}

// OffsetReset is the initial consume position when the group has no
// committed offset for a partition.
type OffsetReset int

const (
	ResetEarliest OffsetReset = iota
	ResetLatest
)

func (r OffsetReset) String() string {
	if r == ResetLatest {
		return "latest"
	}
	return "earliest"
}

// Config collects every runtime option. It is validated once at Application
// construction and treated as immutable afterward; the zero value of each
// optional field selects the documented default.
type Config struct {
	// Brokers seeds every Kafka client the application creates.
	Brokers []string
	// ConsumerGroup is the Kafka group id and the suffix of all derived
	// changelog/repartition topic names. Required.
	ConsumerGroup string
	// ApplicationID distinguishes applications sharing a consumer group,
	// and feeds the transactional id in exactly-once mode. Defaults to
	// ConsumerGroup.
	ApplicationID string
	// StoreDir is the root directory for embedded store partitions.
	// Defaults to "state".
	StoreDir string

	// AutoOffsetReset is the initial position when no committed offset
	// exists. Defaults to earliest.
	AutoOffsetReset OffsetReset
	// CommitInterval is the maximum wall time between checkpoints.
	// Defaults to 5s.
	CommitInterval time.Duration
	// CommitEvery is the maximum number of processed records between
	// checkpoints. Defaults to 100.
	CommitEvery int
	// Guarantee toggles transactional mode. Defaults to at-least-once.
	Guarantee ProcessingGuarantee
	// DisableChangelogTopics turns off state replication: state is then
	// local-only, best-effort, and discarded on reassignment.
	DisableChangelogTopics bool

	// ReplicationFactor overrides the replication factor for derived
	// topics. 0 uses the cluster default.
	ReplicationFactor int16

	// PollTimeout bounds each consumer poll so shutdown and wall-time
	// checkpoint triggers are observed promptly. Defaults to 100ms.
	PollTimeout time.Duration
	// FlushTimeout bounds the producer flush inside a checkpoint.
	// Defaults to 10s.
	FlushTimeout time.Duration
	// MaxBufferedRecords is the producer queue depth at which the loop
	// pauses polling (back-pressure). Defaults to 10000.
	MaxBufferedRecords int64
	// MaxConcurrentRecoveries bounds parallel changelog replays during a
	// wide assignment. Defaults to the CPU count.
	MaxConcurrentRecoveries int

	// ConsumerOpts and ProducerOpts append raw franz-go client options,
	// the counterpart of raw broker tunables in other clients.
	ConsumerOpts []kgo.Opt
	ProducerOpts []kgo.Opt

	// Logger is the root logger. Defaults to the logrus standard logger.
	Logger *logrus.Logger
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("config: at least one broker is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("config: ConsumerGroup is required")
	}
	if c.CommitInterval < 0 || c.CommitEvery < 0 {
		return errors.New("config: CommitInterval and CommitEvery must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ApplicationID == "" {
		c.ApplicationID = c.ConsumerGroup
	}
	if c.StoreDir == "" {
		c.StoreDir = "state"
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = 5 * time.Second
	}
	if c.CommitEvery == 0 {
		c.CommitEvery = 100
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.MaxBufferedRecords == 0 {
		c.MaxBufferedRecords = 10_000
	}
	if c.MaxConcurrentRecoveries == 0 {
		c.MaxConcurrentRecoveries = runtime.NumCPU()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

func (c Config) resetOffset() kgo.Offset {
	if c.AutoOffsetReset == ResetLatest {
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().AtStart()
}

// TransactionalID derives the deterministic transactional id for this
// application instance, so a restart or reassignment takes over the fencing
// token of its predecessor rather than minting a fresh one.
func TransactionalID(consumerGroup, applicationID string) string {
	return fmt.Sprintf("%s--%s", consumerGroup, applicationID)
}
