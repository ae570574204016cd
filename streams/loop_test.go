package streams

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/MarxKrontalPartner/quix-streams/model"
	"github.com/MarxKrontalPartner/quix-streams/sak"
	"github.com/MarxKrontalPartner/quix-streams/serde"
	"github.com/MarxKrontalPartner/quix-streams/store"
	"github.com/MarxKrontalPartner/quix-streams/topics"
)

const testChangelog = "changelog__g1--words--counts"

// countWords is the word-count pipeline: split the value on whitespace and
// bump a per-word counter in the "counts" store.
func countWords(pc *ProcessingContext, row model.Row) error {
	txn, err := pc.Store("counts")
	if err != nil {
		return err
	}
	for _, word := range strings.Fields(row.Value.(string)) {
		n := 0
		if cur, ok, err := txn.Get([]byte(word)); err != nil {
			return err
		} else if ok {
			n, _ = strconv.Atoi(string(cur))
		}
		if err := txn.Set([]byte(word), []byte(strconv.Itoa(n+1))); err != nil {
			return err
		}
	}
	return nil
}

type loopFixture struct {
	loop      *eventLoop
	producer  *fakeProducer
	committer *fakeCommitter
	part      store.Partition
	ps        *partitionState
}

func newLoopFixture(t *testing.T, guarantee ProcessingGuarantee, spec *PipelineSpec) *loopFixture {
	t.Helper()
	cfg := Config{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g1", Guarantee: guarantee}
	require.NoError(t, cfg.validate())
	cfg = cfg.withDefaults()

	registry := topics.NewManager(nil, cfg.ConsumerGroup, 0, testLogger())
	registry.RegisterInput(spec.Topic)

	log := &callLog{}
	producer := newFakeProducer(log, guarantee == ExactlyOnce)
	committer := newFakeCommitter(log)
	coord := &coordinator{
		producer:     producer,
		committer:    committer,
		interval:     cfg.CommitInterval,
		every:        cfg.CommitEvery,
		flushTimeout: cfg.FlushTimeout,
		log:          testLogger(),
	}

	loop := newEventLoop(cfg, nil, producer, registry, coord, sak.NewRunStatus(context.Background()), testLogger())

	bs := store.NewBoltStore("counts", t.TempDir(), testChangelog, testLogger())
	part, err := bs.OpenPartition(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	tp := model.TopicPartition{Topic: spec.Topic.Name, Partition: 0}
	ps := newPartitionState(tp, spec, loop.runStatus.Fork())
	ps.storeParts["counts"] = part
	ps.ready.Store(true)
	loop.partitions[tp] = ps

	return &loopFixture{loop: loop, producer: producer, committer: committer, part: part, ps: ps}
}

func wordsTopic() *topics.Topic {
	return topics.NewInputTopic("words", &topics.TopicConfig{NumPartitions: 1},
		serde.BytesSerializer{}, serde.StringSerializer{},
		serde.BytesDeserializer{}, serde.StringDeserializer{}, nil)
}

func wordsSpec() *PipelineSpec {
	return &PipelineSpec{Topic: wordsTopic(), Pipeline: countWords, Stores: []string{"counts"}}
}

func wordRecord(offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:     "words",
		Partition: 0,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.UnixMilli(1_000 + offset),
	}
}

// Scenario: count words over three records, then commit. The store reads
// a=4 b=3, the committed offset is 3, and the changelog's latest record per
// key carries the final count.
func TestWordCountCheckpoint(t *testing.T) {
	f := newLoopFixture(t, AtLeastOnce, wordsSpec())

	for i, value := range []string{"a b a", "a", "b b"} {
		require.NoError(t, f.loop.processRecord(f.ps, wordRecord(int64(i), value)))
	}
	require.NoError(t, f.loop.commitCheckpoint())

	tp := model.TopicPartition{Topic: "words", Partition: 0}
	require.Equal(t, int64(3), f.committer.committed[tp])

	txn, err := f.part.Begin()
	require.NoError(t, err)
	for word, want := range map[string]string{"a": "4", "b": "3"} {
		v, ok, err := txn.Get([]byte(word))
		require.NoError(t, err)
		require.True(t, ok, "missing count for %q", word)
		require.Equal(t, want, string(v))
	}
	txn.Discard()

	// latest changelog record per key carries the final count, no
	// tombstones, and a source offset at or below the committed offset
	latest := map[string]model.ChangelogRecord{}
	for _, rec := range f.producer.changelogs {
		_, key, ok := splitKey(rec.Key)
		require.True(t, ok)
		latest[string(key)] = rec
		require.False(t, rec.IsDelete())
		require.Less(t, rec.SourceOffset, f.committer.committed[tp])
	}
	require.Equal(t, "4", string(latest["a"].Value))
	require.Equal(t, "3", string(latest["b"].Value))

	// processed watermark holds the last input offset folded into state
	off, err := f.part.ProcessedOffset()
	require.NoError(t, err)
	require.Equal(t, int64(2), off)

	require.Equal(t, int64(1_002), f.ps.watermark)
}

func splitKey(composite []byte) (byte, []byte, bool) {
	if len(composite) == 0 {
		return 0, nil, false
	}
	return composite[0], composite[1:], true
}

func TestExactlyOnceCommitGoesThroughTransaction(t *testing.T) {
	f := newLoopFixture(t, ExactlyOnce, wordsSpec())

	require.NoError(t, f.loop.processRecord(f.ps, wordRecord(0, "a")))
	require.Equal(t, 1, f.producer.began, "transaction begins lazily on first record")
	require.NoError(t, f.loop.processRecord(f.ps, wordRecord(1, "b")))
	require.Equal(t, 1, f.producer.began, "one transaction spans the checkpoint")

	require.NoError(t, f.loop.commitCheckpoint())
	require.Equal(t, 1, f.producer.committedTxn)
	require.Empty(t, f.committer.committed, "offsets ride the transaction, not a plain commit")
}

// Scenario: a malformed record at offset 7 triggers the deserializer's
// skip signal. The pipeline never runs, state is untouched, and the next
// checkpoint commits offset 8.
func TestDeserializerSkipAdvancesOffset(t *testing.T) {
	pipelineCalls := 0
	topic := wordsTopic()
	topic.ValueDeserializer = serde.DeserializerFunc(func(data []byte, ctx serde.Context) serde.Result {
		if string(data) == "malformed" {
			return serde.Skip()
		}
		return serde.OK(string(data))
	})
	spec := &PipelineSpec{
		Topic: topic,
		Pipeline: func(pc *ProcessingContext, row model.Row) error {
			pipelineCalls++
			return nil
		},
		Stores: []string{"counts"},
	}
	f := newLoopFixture(t, AtLeastOnce, spec)

	skips := 0
	f.loop.onSkip = func() { skips++ }

	require.NoError(t, f.loop.processRecord(f.ps, wordRecord(7, "malformed")))
	require.Zero(t, pipelineCalls)
	require.Equal(t, 1, skips)
	require.Equal(t, int64(8), f.ps.nextOffset)

	require.NoError(t, f.loop.commitCheckpoint())
	require.Equal(t, int64(8), f.committer.committed[model.TopicPartition{Topic: "words", Partition: 0}])
}

func TestDeserializerFailureIsFatal(t *testing.T) {
	topic := wordsTopic()
	topic.ValueDeserializer = serde.DeserializerFunc(func([]byte, serde.Context) serde.Result {
		return serde.Fail(errors.New("bad payload"))
	})
	spec := &PipelineSpec{Topic: topic, Pipeline: countWords, Stores: []string{"counts"}}
	f := newLoopFixture(t, AtLeastOnce, spec)

	err := f.loop.processRecord(f.ps, wordRecord(4, "x"))
	fe, ok := AsFatal(err)
	require.True(t, ok)
	require.Equal(t, PhaseDeserialize, fe.Phase)
	require.Equal(t, int64(4), fe.Offset)
}

func TestPipelineErrorHaltsUnlessHandlerSkips(t *testing.T) {
	boom := errors.New("boom")
	spec := wordsSpec()
	spec.Pipeline = func(*ProcessingContext, model.Row) error { return boom }
	f := newLoopFixture(t, AtLeastOnce, spec)

	err := f.loop.processRecord(f.ps, wordRecord(0, "a"))
	fe, ok := AsFatal(err)
	require.True(t, ok)
	require.Equal(t, PhasePipeline, fe.Phase)
	require.Equal(t, model.TopicPartition{Topic: "words", Partition: 0}, fe.TopicPartition)
	require.ErrorIs(t, err, boom)

	// with a record-level handler classifying the record as skip, the
	// loop keeps going and the offset advances
	spec2 := wordsSpec()
	spec2.Pipeline = func(*ProcessingContext, model.Row) error { return boom }
	spec2.OnError = func(model.Row, error) bool { return true }
	f2 := newLoopFixture(t, AtLeastOnce, spec2)
	require.NoError(t, f2.loop.processRecord(f2.ps, wordRecord(0, "a")))
	require.Equal(t, int64(1), f2.ps.nextOffset)
}

func TestStaleRedeliveryIsDropped(t *testing.T) {
	f := newLoopFixture(t, AtLeastOnce, wordsSpec())

	require.NoError(t, f.loop.processRecord(f.ps, wordRecord(0, "a")))
	require.NoError(t, f.loop.processRecord(f.ps, wordRecord(0, "a")))
	require.NoError(t, f.loop.commitCheckpoint())

	txn, err := f.part.Begin()
	require.NoError(t, err)
	v, ok, err := txn.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v), "redelivered offset must not double-count")
	txn.Discard()
}

func TestRecordsBufferWhileRecovering(t *testing.T) {
	f := newLoopFixture(t, AtLeastOnce, wordsSpec())
	f.ps.ready.Store(false)

	fetches := kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic: "words",
		Partitions: []kgo.FetchPartition{{
			Partition: 0,
			Records:   []*kgo.Record{wordRecord(0, "a"), wordRecord(1, "b")},
		}},
	}}}}
	require.NoError(t, f.loop.processFetches(fetches))
	require.Len(t, f.ps.buffered, 2)
	require.Equal(t, int64(-1), f.ps.nextOffset, "paused partition never advances")

	f.ps.ready.Store(true)
	require.NoError(t, f.loop.drainBuffered())
	require.Empty(t, f.ps.buffered)
	require.Equal(t, int64(2), f.ps.nextOffset)
}

func TestRevokedPartitionDropsRecords(t *testing.T) {
	f := newLoopFixture(t, AtLeastOnce, wordsSpec())
	f.ps.revoke()

	fetches := kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "words",
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: []*kgo.Record{wordRecord(0, "a")}}},
	}}}}
	require.NoError(t, f.loop.processFetches(fetches))
	require.Equal(t, int64(-1), f.ps.nextOffset)
	require.Empty(t, f.ps.buffered)
}

func TestAbortCheckpointDiscardsStateAndOffsets(t *testing.T) {
	f := newLoopFixture(t, AtLeastOnce, wordsSpec())

	require.NoError(t, f.loop.processRecord(f.ps, wordRecord(0, "a")))
	txn, ok := f.loop.checkpoint.transaction("counts", 0)
	require.True(t, ok)

	f.loop.abortCheckpoint()
	require.Equal(t, store.StateFailed, txn.State())
	require.True(t, f.loop.checkpoint.empty())

	// nothing was committed anywhere
	require.Empty(t, f.committer.committed)
	off, err := f.part.ProcessedOffset()
	require.NoError(t, err)
	require.Equal(t, int64(-1), off)
}
