// Package store implements the state subsystem: per
// (store-name, partition) embedded key-value storage with a single-open-
// transaction contract, changelog replication on the producer side, and
// changelog recovery on the consumer side.
package store

import (
	"errors"

	"github.com/MarxKrontalPartner/quix-streams/model"
)

// Errors returned by the store subsystem. Callers treat these as state
// errors: always fatal.
var (
	// ErrTransactionOpen is returned by Begin when a transaction is
	// already open for this partition; a (store-name, partition) pair
	// carries at most one open transaction at a time.
	ErrTransactionOpen = errors.New("store: a transaction is already open for this partition")
	// ErrTransactionClosed is returned by Get, Set, Delete and
	// PrepareChangelog once the transaction is no longer open (prepared,
	// committed, discarded, or failed), and by Commit once it has been
	// discarded or has failed. Commit on an already-committed transaction
	// returns nil.
	ErrTransactionClosed = errors.New("store: transaction is no longer open")
)

// TransactionState is a Transaction's monotonic lifecycle flag.
type TransactionState int

const (
	StateOpen TransactionState = iota
	StatePrepared
	StateCommitted
	StateFailed
)

func (s TransactionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChangelogProducer is the subset of the Row Producer a Transaction needs
// to emit changelog records. Declared here, not imported from the producer
// package, to keep store ⇏ producer (store holds a handle to the producer
// capability it needs, not a concrete producer type, breaking the
// Store ↔ Changelog-Producer cycle by indirection).
type ChangelogProducer interface {
	ProduceChangelog(topic string, rec model.ChangelogRecord) error
}

// Partition is the contract one (store-name, partition) slice of state
// offers the runtime.
type Partition interface {
	// Begin opens a new Transaction scoped to the default sub-store
	// prefix. It is a programming error to call Begin again before the
	// previous Transaction is Committed or Discarded.
	Begin() (*Transaction, error)

	// BeginPrefix opens a new Transaction scoped to the given sub-store
	// prefix byte. The single-open-transaction rule spans all prefixes:
	// the partition, not the prefix, is the unit of exclusion.
	BeginPrefix(prefix byte) (*Transaction, error)

	// ProcessedOffset returns the partition's persisted input-offset
	// watermark, or -1 if none has ever been recorded.
	ProcessedOffset() (int64, error)

	// ChangelogOffset returns the partition's persisted changelog-offset
	// watermark, or -1 if none has ever been recorded. Recovery compares
	// this against the changelog topic's high-watermark to decide how
	// much tail to replay.
	ChangelogOffset() (int64, error)

	// ChangelogTopic returns the changelog topic name this partition
	// replicates to, or "" if use_changelog_topics is disabled.
	ChangelogTopic() string

	// Close releases any resources (file handles) held by this
	// partition. The caller must ensure no transaction is open.
	Close() error
}

// DefaultPrefix is the sub-store prefix used by Begin. Stateful operators
// that multiplex several logical stores onto one partition reserve their
// own disjoint prefix bytes via BeginPrefix.
const DefaultPrefix byte = 0
