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
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/MarxKrontalPartner/quix-streams/model"
	"github.com/MarxKrontalPartner/quix-streams/sak"
	"github.com/MarxKrontalPartner/quix-streams/serde"
	"github.com/MarxKrontalPartner/quix-streams/topics"
)

// kafkaConsumer is the slice of *kgo.Client the loop drives. Narrowed to
// an interface so the record path is testable without a broker.
type kafkaConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitOffsetsSync(ctx context.Context, os map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
}

// rowProducer is the full producer surface the loop and coordinator need;
// *Producer implements it.
type rowProducer interface {
	checkpointProducer
	Produce(ctx context.Context, topic string, key, value []byte, headers []model.Header, partition int32, timestamp time.Time) error
	QueueFull() bool
	Outstanding() int64
	BeginTransaction() error
	InTransaction() bool
}

// maxConsecutivePollFailures bounds the internal retry budget for
// transient broker errors surfaced by poll.
const maxConsecutivePollFailures = 5

// eventLoop is the single-threaded hot loop: poll, route each
// record to its partition's pipeline, translate state access into store
// transactions, and hand off to the checkpoint coordinator on triggers.
//
// Processing runs on the loop goroutine only. Rebalance callbacks and
// partition-bootstrap goroutines touch the partition table and checkpoint
// under mu; the loop never holds mu across a poll, so callbacks running
// inside PollFetches cannot deadlock against it.
type eventLoop struct {
	cfg      Config
	log      *logrus.Entry
	consumer kafkaConsumer
	producer rowProducer
	registry *topics.Manager
	coord    *coordinator

	runStatus     sak.RunStatus
	transactional bool

	mu         sync.Mutex
	partitions map[model.TopicPartition]*partitionState
	checkpoint *Checkpoint

	pollFailures int
	failure      chan error

	// onSkip is bumped for every record a deserializer told us to ignore.
	onSkip func()
}

func newEventLoop(cfg Config, consumer kafkaConsumer, producer rowProducer, registry *topics.Manager, coord *coordinator, runStatus sak.RunStatus, log *logrus.Entry) *eventLoop {
	return &eventLoop{
		cfg:           cfg,
		log:           log.WithField("component", "loop"),
		consumer:      consumer,
		producer:      producer,
		registry:      registry,
		coord:         coord,
		runStatus:     runStatus,
		transactional: cfg.Guarantee == ExactlyOnce,
		partitions:    make(map[model.TopicPartition]*partitionState),
		checkpoint:    newCheckpoint(time.Now()),
		failure:       make(chan error, 1),
	}
}

// fail reports an asynchronous fatal error (recovery worker, bootstrap) to
// the loop. The first error wins.
func (l *eventLoop) fail(err error) {
	select {
	case l.failure <- err:
	default:
	}
}

func (l *eventLoop) takeFailure() error {
	select {
	case err := <-l.failure:
		return err
	default:
		return nil
	}
}

func (l *eventLoop) run() error {
	l.log.Infof("processing loop started, guarantee=%s commit_interval=%v commit_every=%d",
		l.cfg.Guarantee, l.cfg.CommitInterval, l.cfg.CommitEvery)

	for l.runStatus.Running() {
		if err := l.takeFailure(); err != nil {
			l.abortCheckpoint()
			return err
		}
		if l.producer.QueueFull() {
			// bounded memory beats commit cadence: seal the checkpoint
			// now, its flush drains the queue before we poll again
			l.log.Debugf("producer queue full (%d outstanding), forcing checkpoint", l.producer.Outstanding())
			if err := l.commitCheckpoint(); err != nil {
				return err
			}
			if l.producer.QueueFull() {
				// nothing of ours was pending; give the client one poll
				// interval to drain instead of spinning
				flushCtx, cancel := context.WithTimeout(l.runStatus.Ctx(), l.cfg.PollTimeout)
				_ = l.producer.Flush(flushCtx)
				cancel()
			}
			continue
		}

		pollCtx, cancel := context.WithTimeout(l.runStatus.Ctx(), l.cfg.PollTimeout)
		fetches := l.consumer.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			break
		}
		if err := l.pollError(fetches); err != nil {
			l.abortCheckpoint()
			return err
		}

		if err := l.drainBuffered(); err != nil {
			l.abortCheckpoint()
			return err
		}
		if err := l.processFetches(fetches); err != nil {
			l.abortCheckpoint()
			return err
		}

		l.mu.Lock()
		due := l.coord.due(l.checkpoint, time.Now())
		l.mu.Unlock()
		if due {
			if err := l.commitCheckpoint(); err != nil {
				return err
			}
		}
	}

	return l.shutdown()
}

// shutdown drains records that were already polled for live partitions and
// takes one final checkpoint.
func (l *eventLoop) shutdown() error {
	l.log.Info("processing loop stopping, taking final checkpoint")
	if err := l.drainBuffered(); err != nil {
		l.abortCheckpoint()
		return err
	}
	return l.commitCheckpoint()
}

// pollError inspects fetch errors. Poll timeouts are normal; retriable
// broker errors consume the bounded retry budget; anything else is fatal.
func (l *eventLoop) pollError(fetches kgo.Fetches) error {
	var transient bool
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		if kerr.IsRetriable(fe.Err) {
			l.log.Warnf("transient fetch error on %s[%d]: %v", fe.Topic, fe.Partition, fe.Err)
			transient = true
			continue
		}
		return fatalRecordErr(PhasePoll, model.TopicPartition{Topic: fe.Topic, Partition: fe.Partition}, -1, fe.Err)
	}
	if transient {
		l.pollFailures++
		if l.pollFailures > maxConsecutivePollFailures {
			return fatalErr(PhasePoll, fmt.Errorf("%d consecutive transient fetch failures", l.pollFailures))
		}
	} else {
		l.pollFailures = 0
	}
	return nil
}

func (l *eventLoop) processFetches(fetches kgo.Fetches) error {
	for _, rec := range fetches.Records() {
		tp := model.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
		l.mu.Lock()
		ps := l.partitions[tp]
		if ps == nil || ps.revoked.Load() {
			l.mu.Unlock()
			continue
		}
		if !ps.deliverable() {
			ps.buffer(rec)
			l.mu.Unlock()
			continue
		}
		err := l.deliverInOrder(ps, rec)
		l.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// deliverInOrder processes any records buffered while ps was recovering
// before the fresh record, preserving per-partition offset order. Caller
// holds mu.
func (l *eventLoop) deliverInOrder(ps *partitionState, rec *kgo.Record) error {
	for _, buffered := range ps.takeBuffered() {
		if err := l.processRecord(ps, buffered); err != nil {
			return err
		}
	}
	return l.processRecord(ps, rec)
}

// drainBuffered processes buffered records for every partition whose
// recovery has since completed.
func (l *eventLoop) drainBuffered() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ps := range l.partitions {
		if !ps.deliverable() || len(ps.buffered) == 0 {
			continue
		}
		for _, rec := range ps.takeBuffered() {
			if err := l.processRecord(ps, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// processRecord runs one input record through deserialize → pipeline →
// offset tracking. Caller holds mu.
func (l *eventLoop) processRecord(ps *partitionState, rec *kgo.Record) error {
	tp := ps.tp
	if ps.stale(rec.Offset) {
		return nil
	}
	if l.transactional && !l.producer.InTransaction() {
		if err := l.producer.BeginTransaction(); err != nil {
			return fatalErr(PhaseProduce, err)
		}
	}

	headers := modelHeaders(rec)
	res := ps.spec.Topic.ValueDeserializer.Deserialize(rec.Value, serde.Context{
		Topic:     tp.Topic,
		Partition: tp.Partition,
		Headers:   headers,
		Key:       rec.Key,
	})
	switch res.Outcome {
	case serde.OutcomeSkip:
		l.skipRecord(ps, rec)
		return nil
	case serde.OutcomeFail:
		return fatalRecordErr(PhaseDeserialize, tp, rec.Offset, res.Err)
	}

	ts := rec.Timestamp.UnixMilli()
	if ex := ps.spec.Topic.TimestampExtractor; ex != nil {
		ts = ex(rec.Key, rec.Value, ts)
	}

	for _, value := range res.Values {
		row := model.Row{
			Value:           value,
			Key:             rec.Key,
			Headers:         headers,
			TimestampMs:     ts,
			SourceTopic:     tp.Topic,
			SourcePartition: tp.Partition,
			SourceOffset:    rec.Offset,
		}
		pc := &ProcessingContext{ctx: ps.runStatus.Ctx(), loop: l, ps: ps, row: row}
		if err := ps.spec.Pipeline(pc, row); err != nil {
			if ps.spec.OnError != nil && ps.spec.OnError(row, err) {
				l.log.Warnf("pipeline error on %s@%d classified as skip: %v", tp, rec.Offset, err)
				continue
			}
			return fatalRecordErr(PhasePipeline, tp, rec.Offset, err)
		}
	}

	ps.advance(rec.Offset, ts)
	l.checkpoint.trackOffset(tp, rec.Offset+1)
	l.checkpoint.processed++
	return nil
}

// skipRecord advances past a record the deserializer told us to ignore:
// the pipeline is never invoked, no state is touched, but the offset
// commits at the next checkpoint.
func (l *eventLoop) skipRecord(ps *partitionState, rec *kgo.Record) {
	ps.advance(rec.Offset, ps.watermark)
	l.checkpoint.trackOffset(ps.tp, rec.Offset+1)
	if l.onSkip != nil {
		l.onSkip()
	}
}

// commitCheckpoint seals the current checkpoint through the coordinator
// and opens a fresh one. An empty checkpoint issues no commit call at all.
func (l *eventLoop) commitCheckpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := l.checkpoint
	if cp.empty() {
		return nil
	}
	l.checkpoint = newCheckpoint(time.Now())
	return l.coord.commit(context.Background(), cp)
}

// abortCheckpoint aborts the producer transaction (if any), discards every
// enlisted store transaction, and opens a fresh checkpoint. Offsets are
// deliberately not committed.
func (l *eventLoop) abortCheckpoint() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.coord.fail(context.Background(), l.checkpoint)
	l.checkpoint = newCheckpoint(time.Now())
}

// groupCommitter commits offsets with a plain synchronous group commit
// (at-least-once mode).
type groupCommitter struct {
	client kafkaConsumer
}

func (g groupCommitter) commitOffsets(ctx context.Context, offsets map[model.TopicPartition]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	os := make(map[string]map[int32]kgo.EpochOffset)
	for tp, off := range offsets {
		m := os[tp.Topic]
		if m == nil {
			m = make(map[int32]kgo.EpochOffset)
			os[tp.Topic] = m
		}
		m[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: off}
	}
	var commitErr error
	done := make(chan struct{})
	g.client.CommitOffsetsSync(ctx, os, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		defer close(done)
		if err != nil {
			commitErr = err
			return
		}
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					commitErr = fmt.Errorf("committing %s[%d]: %w", t.Topic, p.Partition, err)
					return
				}
			}
		}
	})
	<-done
	return commitErr
}

func modelHeaders(rec *kgo.Record) []model.Header {
	if len(rec.Headers) == 0 {
		return nil
	}
	out := make([]model.Header, len(rec.Headers))
	for i, h := range rec.Headers {
		out[i] = model.Header{Key: h.Key, Value: h.Value}
	}
	return out
}
