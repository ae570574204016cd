package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/MarxKrontalPartner/quix-streams/model"
)

// recoverablePartition is what recovery needs from a partition beyond the
// public Partition contract: direct, transaction-free application of
// replayed changelog mutations and persistence of the resulting watermarks.
type recoverablePartition interface {
	ChangelogOffset() (int64, error)
	applyChangelog(key, value []byte) error
	setRecoveredOffsets(changelogOffset, processedOffset int64) error
}

const recoveryPollTimeout = 5 * time.Second

// Recoverer replays changelog topic tails into store partitions on
// assignment. Each Recover call runs inline on its caller's
// goroutine with a dedicated short-lived consumer; concurrent calls across
// partitions are bounded by a semaphore so a wide assignment does not open
// an unbounded number of Kafka clients at once.
type Recoverer struct {
	brokers      []string
	admin        *kadm.Client
	consumerOpts []kgo.Opt
	sem          chan struct{}
	log          *logrus.Entry

	// ReportLag, if set, is called with the number of changelog records
	// about to be replayed before each recovery starts, and 0 when it
	// completes.
	ReportLag func(storeName string, partition int32, lag float64)
}

// NewRecoverer builds a Recoverer. admin is used to query changelog
// high-watermarks; consumerOpts are appended to every recovery consumer
// (broker tunables from consumer_extra_config). maxConcurrent bounds
// parallel recoveries; values < 1 are treated as 1.
func NewRecoverer(brokers []string, admin *kadm.Client, maxConcurrent int, consumerOpts []kgo.Opt, log *logrus.Entry) *Recoverer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Recoverer{
		brokers:      brokers,
		admin:        admin,
		consumerOpts: consumerOpts,
		sem:          make(chan struct{}, maxConcurrent),
		log:          log.WithField("component", "recovery"),
	}
}

// Recover replays the changelog tail for one store partition and returns
// once the partition has caught up to the changelog's high-watermark at the
// time of the call. It is a no-op when the persisted watermark already
// covers the high-watermark, and when the partition has no changelog topic
// (use_changelog_topics=false).
func (r *Recoverer) Recover(ctx context.Context, storeName string, part Partition, partition int32) error {
	topic := part.ChangelogTopic()
	if topic == "" {
		return nil
	}
	rp, ok := part.(recoverablePartition)
	if !ok {
		return fmt.Errorf("store %q partition %d does not support changelog recovery", storeName, partition)
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()

	log := r.log.WithFields(logrus.Fields{
		"store":     storeName,
		"partition": partition,
		"topic":     topic,
		"replay":    uuid.NewString(),
	})

	watermark, err := rp.ChangelogOffset()
	if err != nil {
		return fmt.Errorf("reading changelog watermark for store %q partition %d: %w", storeName, partition, err)
	}

	end, err := r.endOffset(ctx, topic, partition)
	if err != nil {
		return err
	}
	if watermark+1 >= end {
		log.Debugf("changelog watermark %d already covers high-watermark %d, nothing to replay", watermark, end)
		return nil
	}
	lag := end - (watermark + 1)
	log.Infof("replaying %d changelog records from offset %d", lag, watermark+1)
	if r.ReportLag != nil {
		r.ReportLag(storeName, partition, float64(lag))
		defer r.ReportLag(storeName, partition, 0)
	}

	opts := append([]kgo.Opt{
		kgo.SeedBrokers(r.brokers...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {partition: kgo.NewOffset().At(watermark + 1)},
		}),
	}, r.consumerOpts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("creating recovery consumer for %s[%d]: %w", topic, partition, err)
	}
	defer client.Close()

	started := time.Now()
	applied := int64(0)
	lastOffset := watermark
	lastSource := int64(-1)
	for lastOffset+1 < end {
		pollCtx, cancel := context.WithTimeout(ctx, recoveryPollTimeout)
		fetches := client.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			return fmt.Errorf("recovery consumer for %s[%d] closed before reaching high-watermark %d", topic, partition, end)
		}
		if err := firstFetchError(fetches); err != nil {
			return fmt.Errorf("reading changelog %s[%d]: %w", topic, partition, err)
		}
		for _, rec := range fetches.Records() {
			if rec.Offset >= end {
				// records from a produce that raced our high-watermark
				// snapshot belong to the next checkpoint, not this replay
				continue
			}
			if err := rp.applyChangelog(rec.Key, rec.Value); err != nil {
				return fmt.Errorf("applying changelog record at %s[%d]@%d: %w", topic, partition, rec.Offset, err)
			}
			lastOffset = rec.Offset
			if src, ok := model.SourceOffsetFromHeaders(recordHeaders(rec)); ok {
				lastSource = src
			}
			applied++
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recovery of %s[%d] cancelled at offset %d of %d: %w", topic, partition, lastOffset, end, err)
		}
	}

	if err := rp.setRecoveredOffsets(end-1, lastSource); err != nil {
		return fmt.Errorf("persisting recovered watermark for store %q partition %d: %w", storeName, partition, err)
	}
	log.Infof("replayed %d records in %v, changelog watermark now %d", applied, time.Since(started), end-1)
	return nil
}

func (r *Recoverer) endOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	listed, err := r.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("querying high-watermark for %s[%d]: %w", topic, partition, err)
	}
	lo, ok := listed.Lookup(topic, partition)
	if !ok {
		return 0, fmt.Errorf("changelog %s[%d] missing from end-offset listing", topic, partition)
	}
	if lo.Err != nil {
		return 0, fmt.Errorf("querying high-watermark for %s[%d]: %w", topic, partition, lo.Err)
	}
	return lo.Offset, nil
}

func firstFetchError(fetches kgo.Fetches) error {
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) {
			continue // poll timeout, try again
		}
		return fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}
	return nil
}

func recordHeaders(rec *kgo.Record) []model.Header {
	out := make([]model.Header, len(rec.Headers))
	for i, h := range rec.Headers {
		out[i] = model.Header{Key: h.Key, Value: h.Value}
	}
	return out
}
