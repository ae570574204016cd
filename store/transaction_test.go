package store

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/MarxKrontalPartner/quix-streams/model"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func openTestPartition(t *testing.T, changelogTopic string) Partition {
	t.Helper()
	s := NewBoltStore("counts", t.TempDir(), changelogTopic, testLogger())
	p, err := s.OpenPartition(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return p
}

// capturingProducer records every changelog record handed to it, optionally
// failing after a set number of calls.
type capturingProducer struct {
	records  []model.ChangelogRecord
	topics   []string
	failAt   int
	failWith error
}

func (c *capturingProducer) ProduceChangelog(topic string, rec model.ChangelogRecord) error {
	if c.failWith != nil && len(c.records) >= c.failAt {
		return c.failWith
	}
	c.topics = append(c.topics, topic)
	c.records = append(c.records, rec)
	return nil
}

func TestTransactionReadsThroughWriteSet(t *testing.T) {
	p := openTestPartition(t, "changelog__g1--words--counts")

	txn, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	txn.BindSource(model.TopicPartition{Topic: "words", Partition: 0}, 0)
	require.NoError(t, txn.Commit())

	txn, err = p.Begin()
	require.NoError(t, err)

	// committed value visible before any buffered write
	v, ok, err := txn.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	// buffered write shadows the committed value
	require.NoError(t, txn.Set([]byte("a"), []byte("2")))
	v, ok, err = txn.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	// buffered tombstone shadows both
	require.NoError(t, txn.Delete([]byte("a")))
	_, ok, err = txn.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	txn.Discard()

	// discard left the committed value untouched
	txn, err = p.Begin()
	require.NoError(t, err)
	v, ok, err = txn.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	txn.Discard()
}

func TestSingleOpenTransactionPerPartition(t *testing.T) {
	p := openTestPartition(t, "")

	txn, err := p.Begin()
	require.NoError(t, err)

	_, err = p.Begin()
	require.ErrorIs(t, err, ErrTransactionOpen)
	_, err = p.BeginPrefix(7)
	require.ErrorIs(t, err, ErrTransactionOpen)

	txn.Discard()
	_, err = p.Begin()
	require.NoError(t, err)
}

func TestCommitAdvancesWatermarks(t *testing.T) {
	p := openTestPartition(t, "changelog__g1--words--counts")

	off, err := p.ProcessedOffset()
	require.NoError(t, err)
	require.Equal(t, int64(-1), off)

	txn, err := p.Begin()
	require.NoError(t, err)
	txn.BindSource(model.TopicPartition{Topic: "words", Partition: 0}, 2)
	require.NoError(t, txn.Set([]byte("a"), []byte("4")))
	txn.SetChangelogOffset(9)
	require.NoError(t, txn.Commit())

	off, err = p.ProcessedOffset()
	require.NoError(t, err)
	require.Equal(t, int64(2), off)

	clOff, err := p.ChangelogOffset()
	require.NoError(t, err)
	require.Equal(t, int64(9), clOff)

	// a later commit with a stale changelog offset must not regress
	txn, err = p.Begin()
	require.NoError(t, err)
	txn.BindSource(model.TopicPartition{Topic: "words", Partition: 0}, 3)
	require.NoError(t, txn.Set([]byte("b"), []byte("3")))
	txn.SetChangelogOffset(5)
	require.NoError(t, txn.Commit())

	clOff, err = p.ChangelogOffset()
	require.NoError(t, err)
	require.Equal(t, int64(9), clOff)
}

func TestCommitIsIdempotent(t *testing.T) {
	p := openTestPartition(t, "")

	txn, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Commit())
	require.Equal(t, StateCommitted, txn.State())
}

func TestClosedTransactionRejectsOperations(t *testing.T) {
	p := openTestPartition(t, "")

	txn, err := p.Begin()
	require.NoError(t, err)
	txn.Discard()

	_, _, err = txn.Get([]byte("a"))
	require.ErrorIs(t, err, ErrTransactionClosed)
	require.ErrorIs(t, txn.Set([]byte("a"), nil), ErrTransactionClosed)
	require.ErrorIs(t, txn.Delete([]byte("a")), ErrTransactionClosed)
	require.ErrorIs(t, txn.PrepareChangelog(&capturingProducer{}), ErrTransactionClosed)
	require.ErrorIs(t, txn.Commit(), ErrTransactionClosed)
}

func TestPrepareChangelogEmitsRecordsAndTombstones(t *testing.T) {
	p := openTestPartition(t, "changelog__g1--words--counts")

	txn, err := p.Begin()
	require.NoError(t, err)
	txn.BindSource(model.TopicPartition{Topic: "words", Partition: 3}, 42)
	require.NoError(t, txn.Set([]byte("a"), []byte("4")))
	require.NoError(t, txn.Delete([]byte("b")))

	prod := &capturingProducer{}
	require.NoError(t, txn.PrepareChangelog(prod))
	require.Equal(t, StatePrepared, txn.State())
	require.Len(t, prod.records, 2)

	byKey := map[string]model.ChangelogRecord{}
	for i, rec := range prod.records {
		require.Equal(t, "changelog__g1--words--counts", prod.topics[i])
		require.Equal(t, "words", rec.SourceTopic)
		require.Equal(t, int32(3), rec.SourcePartition)
		require.Equal(t, int64(42), rec.SourceOffset)
		require.Equal(t, DefaultPrefix, rec.Prefix)
		prefix, key, ok := splitPrefixedKey(rec.Key)
		require.True(t, ok)
		require.Equal(t, DefaultPrefix, prefix)
		byKey[string(key)] = rec
	}
	require.Equal(t, []byte("4"), byKey["a"].Value)
	require.False(t, byKey["a"].IsDelete())
	require.Nil(t, byKey["b"].Value)
	require.True(t, byKey["b"].IsDelete())

	require.NoError(t, txn.Commit())
}

func TestPrepareChangelogWithoutTopicIsNoop(t *testing.T) {
	p := openTestPartition(t, "")

	txn, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))

	prod := &capturingProducer{}
	require.NoError(t, txn.PrepareChangelog(prod))
	require.Empty(t, prod.records)
	require.NoError(t, txn.Commit())
}

func TestPrepareChangelogFailsFast(t *testing.T) {
	p := openTestPartition(t, "changelog__g1--words--counts")

	txn, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.NoError(t, txn.Set([]byte("b"), []byte("2")))

	prod := &capturingProducer{failAt: 1, failWith: errProducerDown}
	err = txn.PrepareChangelog(prod)
	require.ErrorIs(t, err, errProducerDown)
	require.Equal(t, StateFailed, txn.State())
}

func TestViewsMultiplexOneTransaction(t *testing.T) {
	p := openTestPartition(t, "changelog__g1--words--windows")

	txn, err := p.Begin()
	require.NoError(t, err)
	txn.BindSource(model.TopicPartition{Topic: "words", Partition: 0}, 5)

	// default prefix holds the window value, prefix 1 the expiry index,
	// both inside the single open transaction
	require.NoError(t, txn.Set([]byte("w1"), []byte("10")))
	index := txn.At(1)
	require.NoError(t, index.Set([]byte("w1"), []byte("exp")))

	// the two prefixes never see each other's keys
	v, ok, err := txn.Get([]byte("w1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("10"), v)
	v, ok, err = index.Get([]byte("w1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("exp"), v)

	prod := &capturingProducer{}
	require.NoError(t, txn.PrepareChangelog(prod))
	require.Len(t, prod.records, 2)
	prefixes := map[byte]bool{}
	for _, rec := range prod.records {
		prefixes[rec.Prefix] = true
		require.Equal(t, rec.Prefix, rec.Key[0])
	}
	require.True(t, prefixes[DefaultPrefix])
	require.True(t, prefixes[1])
	require.NoError(t, txn.Commit())
}

func TestSubStoresIsolatePrefixes(t *testing.T) {
	p := openTestPartition(t, "changelog__g1--words--counts")

	values := NewSubStore(p, 1)
	index := NewSubStore(p, 2)

	txn, err := values.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("k"), []byte("value-side")))
	require.NoError(t, txn.Commit())

	txn, err = index.Begin()
	require.NoError(t, err)
	// same user-level key, different prefix: the values entry is invisible
	_, ok, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, txn.Set([]byte("k"), []byte("index-side")))

	prod := &capturingProducer{}
	require.NoError(t, txn.PrepareChangelog(prod))
	require.Len(t, prod.records, 1)
	require.Equal(t, byte(2), prod.records[0].Prefix)
	require.NoError(t, txn.Commit())

	txn, err = values.Begin()
	require.NoError(t, err)
	v, ok, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value-side"), v)
	txn.Discard()
}
