package streams

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MarxKrontalPartner/quix-streams/model"
	"github.com/MarxKrontalPartner/quix-streams/store"
)

// txKey identifies a dirty store transaction inside a checkpoint.
type txKey struct {
	store     string
	partition int32
}

// Checkpoint gathers everything one commit unit makes durable: the
// next-offset to commit per input partition and every store transaction
// opened since the previous commit.
type Checkpoint struct {
	startedAt time.Time
	offsets   map[model.TopicPartition]int64
	txns      map[txKey]*store.Transaction
	processed int
}

func newCheckpoint(now time.Time) *Checkpoint {
	return &Checkpoint{
		startedAt: now,
		offsets:   make(map[model.TopicPartition]int64),
		txns:      make(map[txKey]*store.Transaction),
	}
}

// trackOffset records that the next offset to commit for tp is nextOffset.
// Offsets only move forward; a stale call is ignored.
func (c *Checkpoint) trackOffset(tp model.TopicPartition, nextOffset int64) {
	if prev, ok := c.offsets[tp]; ok && prev >= nextOffset {
		return
	}
	c.offsets[tp] = nextOffset
}

// trackTransaction enlists an open store transaction in this checkpoint.
func (c *Checkpoint) trackTransaction(txn *store.Transaction) {
	c.txns[txKey{store: txn.StoreName(), partition: txn.Partition()}] = txn
}

// transaction returns the tracked transaction for (storeName, partition).
func (c *Checkpoint) transaction(storeName string, partition int32) (*store.Transaction, bool) {
	txn, ok := c.txns[txKey{store: storeName, partition: partition}]
	return txn, ok
}

// empty reports whether this checkpoint has nothing to commit: no offsets
// moved and no state touched.
func (c *Checkpoint) empty() bool {
	return len(c.offsets) == 0 && len(c.txns) == 0
}

// discard drops every enlisted transaction's write-set. Called on
// checkpoint failure and on revocation without commit.
func (c *Checkpoint) discard() {
	for _, txn := range c.txns {
		txn.Discard()
	}
}

// split removes the offsets and transactions belonging to tps (a revoked
// set) from this checkpoint, returning a new checkpoint holding only the
// dropped pieces. The receiver keeps everything else.
func (c *Checkpoint) split(tps map[model.TopicPartition]bool) *Checkpoint {
	out := newCheckpoint(c.startedAt)
	for tp, off := range c.offsets {
		if tps[tp] {
			out.offsets[tp] = off
			delete(c.offsets, tp)
		}
	}
	for key, txn := range c.txns {
		if tps[txn.SourceTopicPartition()] {
			out.txns[key] = txn
			delete(c.txns, key)
		}
	}
	return out
}

// offsetCommitter commits consumer offsets outside of a transaction
// (at-least-once mode). Implemented by the consumer adapter; faked in
// tests.
type offsetCommitter interface {
	commitOffsets(ctx context.Context, offsets map[model.TopicPartition]int64) error
}

// checkpointProducer is what the coordinator needs from the Row Producer.
type checkpointProducer interface {
	store.ChangelogProducer
	Flush(ctx context.Context) error
	Transactional() bool
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	DeliveredOffset(tp model.TopicPartition) int64
}

// coordinator owns the boundary between "processing" and "committed"
//. It decides when a checkpoint is due and runs the strictly
// ordered commit sequence.
type coordinator struct {
	producer  checkpointProducer
	committer offsetCommitter

	interval     time.Duration
	every        int
	flushTimeout time.Duration

	log *logrus.Entry

	// observe, if set, is called after each successful commit with the
	// checkpoint's duration and record count.
	observe func(d time.Duration, records int)
}

// due reports whether any checkpoint trigger has fired: wall time since the
// checkpoint started, processed-record count, or nothing at all when the
// checkpoint is empty.
func (co *coordinator) due(cp *Checkpoint, now time.Time) bool {
	if cp.empty() {
		return false
	}
	if co.every > 0 && cp.processed >= co.every {
		return true
	}
	return co.interval > 0 && now.Sub(cp.startedAt) >= co.interval
}

// commit runs the ordered commit sequence over cp:
//
//  1. the dirty transaction set and next-offsets are already frozen in cp;
//  2. replicate each dirty transaction's write-set to its changelog;
//  3. flush the producer within the flush budget;
//  4. commit input offsets — transactionally or with a plain sync commit;
//  5. only then apply each transaction to its local store.
//
// Broker durability strictly precedes local-store durability: a crash
// after step 4 replays the changelog tail into the store on restart, while
// a crash before it redelivers the input records. Either way the store
// never leads the changelog.
//
// On failure the producer transaction (if any) is aborted, every enlisted
// transaction is discarded, and a FatalError identifying the failed phase
// is returned; the caller halts the loop.
func (co *coordinator) commit(ctx context.Context, cp *Checkpoint) error {
	if cp.empty() {
		return nil
	}
	started := time.Now()

	for _, txn := range cp.txns {
		if !txn.Dirty() {
			continue
		}
		if err := txn.PrepareChangelog(co.producer); err != nil {
			co.fail(ctx, cp)
			return fatalErr(PhaseProduce, err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, co.flushTimeout)
	err := co.producer.Flush(flushCtx)
	cancel()
	if err != nil {
		co.fail(ctx, cp)
		return fatalErr(PhaseFlush, err)
	}

	if co.producer.Transactional() {
		// CommitTransaction retries a retriable End once internally;
		// whatever surfaces here is final
		if err := co.producer.CommitTransaction(ctx); err != nil {
			cp.discard()
			return fatalErr(PhaseCommit, err)
		}
	} else if err := co.committer.commitOffsets(ctx, cp.offsets); err != nil {
		co.fail(ctx, cp)
		return fatalErr(PhaseCommit, err)
	}

	for _, txn := range cp.txns {
		if topic := txn.ChangelogTopic(); topic != "" {
			tp := model.TopicPartition{Topic: topic, Partition: txn.Partition()}
			if off := co.producer.DeliveredOffset(tp); off >= 0 {
				txn.SetChangelogOffset(off)
			}
		}
		if err := txn.Commit(); err != nil {
			return fatalErr(PhaseStoreCommit, err)
		}
	}

	if co.observe != nil {
		co.observe(time.Since(started), cp.processed)
	}
	co.log.Debugf("committed checkpoint: %d records, %d partitions, %d store txns in %v",
		cp.processed, len(cp.offsets), len(cp.txns), time.Since(started))
	return nil
}

// fail aborts the in-flight producer transaction (if any) and discards
// every enlisted store transaction.
func (co *coordinator) fail(ctx context.Context, cp *Checkpoint) {
	if co.producer.Transactional() {
		if err := co.producer.AbortTransaction(ctx); err != nil {
			co.log.Errorf("aborting producer transaction: %v", err)
		}
	}
	cp.discard()
}
