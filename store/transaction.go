package store

import (
	"fmt"
	"sync"

	"github.com/MarxKrontalPartner/quix-streams/model"
)

// writeOp is a single buffered mutation: either a put (value != nil) or a
// tombstone (deleted true).
type writeOp struct {
	value   []byte
	deleted bool
}

// Transaction is the unit of mutation against a store partition.
// It buffers a write-set in memory, optionally replicates that write-set to
// a changelog topic, and only then applies it atomically to the underlying
// store. A Transaction is bound to exactly one (store-name, partition) and
// is not safe for concurrent use — it is only ever driven by the single
// processing-loop goroutine that owns its partition.
//
// Keys are held internally in composite form (sub-store prefix byte +
// user key). The Transaction's own Get/Set/Delete operate at the default
// prefix it was begun with; At returns a View onto another prefix, so one
// open transaction spans every sub-store of its partition.
type Transaction struct {
	mu sync.Mutex

	storeName string
	partition int32
	prefix    byte
	changelog string
	sourceTP  model.TopicPartition
	sourceOff int64

	// changelogOff is the delivered changelog offset for this
	// transaction's records, learned from the producer after flush.
	// -1 until then; Commit persists it as the recovery watermark.
	changelogOff int64

	backend partitionBackend

	writes map[string]writeOp // by string(composite key)
	keys   map[string][]byte  // string(composite key) -> composite key bytes

	state     TransactionState
	released  bool
	onRelease func() // notifies the owning Partition that Begin may be called again
}

func (t *Transaction) release() {
	if t.released {
		return
	}
	t.released = true
	if t.onRelease != nil {
		t.onRelease()
	}
}

func newTransaction(storeName string, partition int32, prefix byte, changelogTopic string, backend partitionBackend, onRelease func()) *Transaction {
	return &Transaction{
		storeName:    storeName,
		partition:    partition,
		prefix:       prefix,
		changelog:    changelogTopic,
		changelogOff: -1,
		sourceOff:    -1,
		backend:      backend,
		writes:       make(map[string]writeOp),
		keys:         make(map[string][]byte),
		state:        StateOpen,
		onRelease:    onRelease,
	}
}

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StoreName returns the name of the store this transaction mutates.
func (t *Transaction) StoreName() string { return t.storeName }

// Partition returns the partition this transaction is bound to.
func (t *Transaction) Partition() int32 { return t.partition }

// ChangelogTopic returns the changelog topic this transaction replicates
// to, or "" when changelog replication is disabled.
func (t *Transaction) ChangelogTopic() string { return t.changelog }

// SourceTopicPartition returns the input TopicPartition bound by the most
// recent BindSource call.
func (t *Transaction) SourceTopicPartition() model.TopicPartition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sourceTP
}

// BindSource records the input record that is about to be processed under
// this transaction, so any changelog records emitted carry the correct
// __source_partition/__source_offset headers.
func (t *Transaction) BindSource(tp model.TopicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sourceTP = tp
	t.sourceOff = offset
}

// Get reads key at the default prefix, checking the write-set first and
// falling back to the underlying committed store.
func (t *Transaction) Get(key []byte) ([]byte, bool, error) {
	return t.getAt(t.prefix, key)
}

// Set buffers key→value at the default prefix. The mutation is not visible
// outside this transaction until Commit.
func (t *Transaction) Set(key, value []byte) error {
	return t.setAt(t.prefix, key, value)
}

// Delete buffers a tombstone for key at the default prefix.
func (t *Transaction) Delete(key []byte) error {
	return t.deleteAt(t.prefix, key)
}

// At returns a View of this transaction scoped to another sub-store
// prefix. The View shares the transaction's write-set and lifecycle.
func (t *Transaction) At(prefix byte) View {
	return View{t: t, prefix: prefix}
}

func (t *Transaction) getAt(prefix byte, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return nil, false, ErrTransactionClosed
	}
	composite := prefixedKey(prefix, key)
	if op, ok := t.writes[string(composite)]; ok {
		if op.deleted {
			return nil, false, nil
		}
		return op.value, true, nil
	}
	return t.backend.getCommitted(composite)
}

func (t *Transaction) setAt(prefix byte, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return ErrTransactionClosed
	}
	composite := prefixedKey(prefix, key)
	t.writes[string(composite)] = writeOp{value: value}
	t.keys[string(composite)] = composite
	return nil
}

func (t *Transaction) deleteAt(prefix byte, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return ErrTransactionClosed
	}
	composite := prefixedKey(prefix, key)
	t.writes[string(composite)] = writeOp{deleted: true}
	t.keys[string(composite)] = composite
	return nil
}

// Dirty reports whether this transaction buffered any mutation.
func (t *Transaction) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes) > 0
}

// PrepareChangelog emits one changelog record per mutated key to producer,
// tagged with this transaction's bound source partition/offset. It fails
// fast on the first producer error. Calling PrepareChangelog on
// a transaction with no changelog topic (use_changelog_topics=false) is a
// no-op.
func (t *Transaction) PrepareChangelog(producer ChangelogProducer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return ErrTransactionClosed
	}
	if t.changelog == "" {
		t.state = StatePrepared
		return nil
	}
	for compositeStr, op := range t.writes {
		composite := t.keys[compositeStr]
		rec := model.ChangelogRecord{
			Key:             composite,
			SourceTopic:     t.sourceTP.Topic,
			SourcePartition: t.sourceTP.Partition,
			SourceOffset:    t.sourceOff,
			Prefix:          composite[0],
		}
		if !op.deleted {
			rec.Value = op.value
		}
		if err := producer.ProduceChangelog(t.changelog, rec); err != nil {
			t.state = StateFailed
			return fmt.Errorf("preparing changelog for store %q partition %d: %w", t.storeName, t.partition, err)
		}
	}
	t.state = StatePrepared
	return nil
}

// SetChangelogOffset records the highest delivered changelog offset for
// this transaction's records, once the producer flush has confirmed them.
// Commit then persists it so the next recovery starts past the replicated
// tail instead of re-reading it.
func (t *Transaction) SetChangelogOffset(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changelogOff = offset
}

// Commit applies the write-set to the underlying store atomically and
// advances the store's processed_offset watermark. Commit is idempotent
// after success: calling it again on an already-committed transaction is a
// no-op that returns nil.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCommitted {
		return nil
	}
	if t.state != StateOpen && t.state != StatePrepared {
		return ErrTransactionClosed
	}
	if err := t.backend.commitBatch(t.writes, t.sourceOff, t.changelogOff); err != nil {
		t.state = StateFailed
		return fmt.Errorf("committing store %q partition %d: %w", t.storeName, t.partition, err)
	}
	t.state = StateCommitted
	t.release()
	return nil
}

// Discard drops the write-set without touching the underlying store.
func (t *Transaction) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCommitted {
		return
	}
	t.writes = make(map[string]writeOp)
	t.keys = make(map[string][]byte)
	t.state = StateFailed
	t.release()
}

// View is a prefix-scoped window onto an open Transaction: every key is
// composed with the View's sub-store prefix, so a View cannot touch
// another sub-store's keys.
type View struct {
	t      *Transaction
	prefix byte
}

// Prefix returns the sub-store prefix this View is bound to.
func (v View) Prefix() byte { return v.prefix }

// Get reads key within this View's prefix.
func (v View) Get(key []byte) ([]byte, bool, error) { return v.t.getAt(v.prefix, key) }

// Set buffers key→value within this View's prefix.
func (v View) Set(key, value []byte) error { return v.t.setAt(v.prefix, key, value) }

// Delete buffers a tombstone for key within this View's prefix.
func (v View) Delete(key []byte) error { return v.t.deleteAt(v.prefix, key) }
