package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/MarxKrontalPartner/quix-streams/model"
)

var errProducerDown = errors.New("producer unavailable")

func boltOf(t *testing.T, p Partition) *boltPartition {
	t.Helper()
	bp, ok := p.(*boltPartition)
	require.True(t, ok)
	return bp
}

func dumpData(t *testing.T, p *boltPartition) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	}))
	return out
}

func TestApplyChangelogPutAndTombstone(t *testing.T) {
	p := boltOf(t, openTestPartition(t, "changelog__g1--words--counts"))

	require.NoError(t, p.applyChangelog(prefixedKey(DefaultPrefix, []byte("a")), []byte("4")))
	require.NoError(t, p.applyChangelog(prefixedKey(DefaultPrefix, []byte("b")), []byte("3")))

	v, ok, err := p.getCommitted(prefixedKey(DefaultPrefix, []byte("a")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("4"), v)

	// nil value is a tombstone: the key disappears entirely
	require.NoError(t, p.applyChangelog(prefixedKey(DefaultPrefix, []byte("a")), nil))
	_, ok, err = p.getCommitted(prefixedKey(DefaultPrefix, []byte("a")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecoveredOffsetsPersistAndNeverRegress(t *testing.T) {
	p := boltOf(t, openTestPartition(t, "changelog__g1--words--counts"))

	require.NoError(t, p.setRecoveredOffsets(12, 7))
	clOff, err := p.ChangelogOffset()
	require.NoError(t, err)
	require.Equal(t, int64(12), clOff)
	procOff, err := p.ProcessedOffset()
	require.NoError(t, err)
	require.Equal(t, int64(7), procOff)

	// unknown source offset (-1) leaves the processed watermark alone
	require.NoError(t, p.setRecoveredOffsets(15, -1))
	procOff, err = p.ProcessedOffset()
	require.NoError(t, err)
	require.Equal(t, int64(7), procOff)

	// stale watermarks never move backwards
	require.NoError(t, p.setRecoveredOffsets(10, 3))
	clOff, err = p.ChangelogOffset()
	require.NoError(t, err)
	require.Equal(t, int64(15), clOff)
}

// Replaying the full changelog of a live store into an empty one must yield
// identical contents — the recovery-idempotence law.
func TestChangelogReplayReproducesStoreContents(t *testing.T) {
	live := boltOf(t, openTestPartition(t, "changelog__g1--words--counts"))

	prod := &capturingProducer{}
	mutations := []struct {
		key   string
		value string // "" means delete
	}{
		{"a", "1"}, {"b", "1"}, {"a", "2"}, {"c", "5"}, {"b", ""}, {"a", "4"},
	}
	for i, m := range mutations {
		txn, err := live.Begin()
		require.NoError(t, err)
		txn.BindSource(model.TopicPartition{Topic: "words", Partition: 0}, int64(i))
		if m.value == "" {
			require.NoError(t, txn.Delete([]byte(m.key)))
		} else {
			require.NoError(t, txn.Set([]byte(m.key), []byte(m.value)))
		}
		require.NoError(t, txn.PrepareChangelog(prod))
		require.NoError(t, txn.Commit())
	}

	fresh := boltOf(t, openTestPartition(t, "changelog__g1--words--counts"))
	for _, rec := range prod.records {
		require.NoError(t, fresh.applyChangelog(rec.Key, rec.Value))
	}

	require.Equal(t, dumpData(t, live), dumpData(t, fresh))

	// tombstoned key must be gone, not empty (scenario: changelog tombstone)
	_, ok, err := fresh.getCommitted(prefixedKey(DefaultPrefix, []byte("b")))
	require.NoError(t, err)
	require.False(t, ok)
}
