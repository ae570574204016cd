package streams

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/MarxKrontalPartner/quix-streams/model"
	"github.com/MarxKrontalPartner/quix-streams/sak"
)

// txnSession is the slice of kgo.GroupTransactSession the Producer drives.
// Narrowed to an interface so the commit-retry path is testable without a
// broker.
type txnSession interface {
	Begin() error
	End(ctx context.Context, commit kgo.TransactionEndTry) (bool, error)
	Close()
}

// Producer is the Row Producer: a thin tracking layer over a
// kgo.Client that enqueues records for asynchronous delivery, knows how
// many are in flight, remembers the first delivery failure, and — in
// exactly-once mode — drives the Kafka transaction through a
// kgo.GroupTransactSession.
//
// All records go through a manual partitioner: changelog records must land
// on exactly their store's partition, and records without an explicit
// partition fall back to kgo's key hashing so output partitioning matches
// what a plain keyed producer would do.
type Producer struct {
	client      *kgo.Client
	sess        txnSession
	partitioner kgo.Partitioner
	partitions  func(topic string) (int32, bool)
	maxBuffered int64
	log         *logrus.Entry

	mu          sync.Mutex
	deliveryErr error
	delivered   map[model.TopicPartition]int64
	inTxn       bool
}

// NewProducer wraps client. sess is non-nil only in exactly-once mode, in
// which case client must be sess.Client(). partitions reports the partition
// count of a topic (from the topic manager's broker inspection) for key
// hashing; maxBuffered is the queue depth at which QueueFull trips.
func NewProducer(client *kgo.Client, sess txnSession, partitions func(topic string) (int32, bool), maxBuffered int64, log *logrus.Entry) *Producer {
	return &Producer{
		client:      client,
		sess:        sess,
		partitioner: kgo.StickyKeyPartitioner(nil),
		partitions:  partitions,
		maxBuffered: sak.Max(maxBuffered, 1),
		log:         log.WithField("component", "producer"),
		delivered:   make(map[model.TopicPartition]int64),
	}
}

// Transactional reports whether this producer runs in exactly-once mode.
func (p *Producer) Transactional() bool { return p.sess != nil }

// Produce enqueues one record for asynchronous delivery and returns
// immediately. partition -1 selects a partition by key hash; timestamp's
// zero value uses the current time.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers []model.Header, partition int32, timestamp time.Time) error {
	rec := &kgo.Record{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Partition: partition,
		Timestamp: timestamp,
		Headers:   kafkaHeaders(headers),
	}
	if rec.Partition < 0 {
		n, ok := p.partitions(topic)
		if !ok || n <= 0 {
			return fmt.Errorf("producing to %q: unknown partition count, topic not registered or not yet validated", topic)
		}
		rec.Partition = int32(p.partitioner.ForTopic(topic).Partition(rec, int(n)))
	}
	p.client.Produce(ctx, rec, p.onDelivery)
	return nil
}

// ProduceChangelog implements store.ChangelogProducer: the record lands on
// the changelog partition matching the store partition that emitted it.
func (p *Producer) ProduceChangelog(topic string, rec model.ChangelogRecord) error {
	if err := p.firstDeliveryError(); err != nil {
		// fail fast: a checkpoint must not keep piling records onto a
		// producer that already reported a lost delivery
		return err
	}
	return p.Produce(context.Background(), topic, rec.Key, rec.Value, rec.Headers(), rec.SourcePartition, time.Time{})
}

func (p *Producer) onDelivery(rec *kgo.Record, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if p.deliveryErr == nil {
			p.deliveryErr = fmt.Errorf("delivering to %s[%d]: %w", rec.Topic, rec.Partition, err)
		}
		return
	}
	tp := model.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
	if prev, ok := p.delivered[tp]; !ok || rec.Offset > prev {
		p.delivered[tp] = rec.Offset
	}
}

func (p *Producer) firstDeliveryError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deliveryErr
}

func (p *Producer) takeDeliveryError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.deliveryErr
	p.deliveryErr = nil
	return err
}

// DeliveredOffset returns the highest acknowledged offset this producer has
// written to tp, or -1 if none. Valid for checkpoint accounting only after
// a successful Flush.
func (p *Producer) DeliveredOffset(tp model.TopicPartition) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if off, ok := p.delivered[tp]; ok {
		return off
	}
	return -1
}

// Outstanding returns the number of records buffered or in flight.
func (p *Producer) Outstanding() int64 {
	return p.client.BufferedProduceRecords()
}

// QueueFull reports whether the loop should stop polling until the
// producer queue drains.
func (p *Producer) QueueFull() bool {
	return p.Outstanding() >= p.maxBuffered
}

// Flush blocks until every in-flight record is acknowledged or ctx
// expires. On expiry it returns ErrFlushTimeout; the caller must treat all
// unacked records as lost for the current checkpoint.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %d records unacknowledged", ErrFlushTimeout, p.Outstanding())
		}
		return err
	}
	if err := p.takeDeliveryError(); err != nil {
		return err
	}
	return nil
}

// BeginTransaction must be called before any produce tied to a checkpoint
// in exactly-once mode.
func (p *Producer) BeginTransaction() error {
	if p.sess == nil {
		return errors.New("producer is not transactional")
	}
	p.mu.Lock()
	if p.inTxn {
		p.mu.Unlock()
		return nil
	}
	p.inTxn = true
	p.mu.Unlock()
	return p.sess.Begin()
}

// InTransaction reports whether a transaction is currently open.
func (p *Producer) InTransaction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inTxn
}

// CommitTransaction atomically commits the transaction together with the
// consumer offsets marked since BeginTransaction. A retriable commit error
// (coordinator moving, load in progress) gets exactly one more End attempt
// before escalating. A broker-side abort (typically a rebalance mid-commit)
// surfaces as ErrTransactionAborted: the input records will be redelivered,
// so the caller discards state instead of retrying — the transaction has
// already ended and a second End cannot resurrect it.
func (p *Producer) CommitTransaction(ctx context.Context) error {
	if p.sess == nil {
		return errors.New("producer is not transactional")
	}
	p.mu.Lock()
	p.inTxn = false
	p.mu.Unlock()
	committed, err := p.sess.End(ctx, kgo.TryCommit)
	if err != nil && kerr.IsRetriable(err) {
		p.log.Warnf("retriable error ending transaction, retrying once: %v", err)
		committed, err = p.sess.End(ctx, kgo.TryCommit)
	}
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	if !committed {
		return ErrTransactionAborted
	}
	return nil
}

// AbortTransaction drops all buffered records and aborts the open
// transaction. Safe to call when no transaction is open.
func (p *Producer) AbortTransaction(ctx context.Context) error {
	if p.sess == nil {
		return nil
	}
	p.mu.Lock()
	open := p.inTxn
	p.inTxn = false
	p.deliveryErr = nil
	p.mu.Unlock()
	if !open {
		return nil
	}
	if _, err := p.sess.End(ctx, kgo.TryAbort); err != nil {
		return fmt.Errorf("aborting transaction: %w", err)
	}
	return nil
}

// Close flushes best-effort and releases the underlying client. In
// exactly-once mode the session owns the client and is closed instead.
func (p *Producer) Close(ctx context.Context) {
	if p.sess != nil {
		p.sess.Close()
		return
	}
	if err := p.client.Flush(ctx); err != nil {
		p.log.Warnf("flush on close: %v", err)
	}
	p.client.Close()
}

func kafkaHeaders(headers []model.Header) []kgo.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kgo.RecordHeader, len(headers))
	for i, h := range headers {
		out[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
	}
	return out
}
