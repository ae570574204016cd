package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	dataBucket = []byte("data")
	metaBucket = []byte("meta")

	metaKeyProcessedOffset = []byte("processed_offset")
	metaKeyChangelogOffset = []byte("changelog_offset")
	metaKeyEpoch           = []byte("epoch")
)

// partitionBackend is the low-level storage operation a Transaction needs
// from its partition. Transaction talks to this interface, not to bbolt
// directly, so the on-disk engine can be swapped without touching
// transaction semantics.
type partitionBackend interface {
	getCommitted(key []byte) ([]byte, bool, error)
	commitBatch(writes map[string]writeOp, processedOffset, changelogOffset int64) error
}

// BoltStore is the bbolt-backed implementation of a named store: one
// boltPartition (one bbolt.DB file) per assigned partition, rooted at
// baseDir/storeName/partition/data.db. Each file holds a "data" bucket
// (the sorted key→value dataset) and a "meta" bucket recording the two
// offset watermarks and a writer epoch — the sorted dataset plus metadata
// record, within bbolt's single-file-per-partition model.
type BoltStore struct {
	name           string
	baseDir        string
	changelogTopic string
	log            *logrus.Entry

	mu         sync.Mutex
	partitions map[int32]*boltPartition
}

// NewBoltStore opens (lazily; directories are created on first
// OpenPartition) a named store rooted at baseDir/name.
func NewBoltStore(name, baseDir, changelogTopic string, log *logrus.Entry) *BoltStore {
	return &BoltStore{
		name:           name,
		baseDir:        baseDir,
		changelogTopic: changelogTopic,
		log:            log.WithFields(logrus.Fields{"component": "store", "store": name}),
		partitions:     make(map[int32]*boltPartition),
	}
}

// Name returns the store's name.
func (s *BoltStore) Name() string { return s.name }

// ChangelogTopic returns the changelog topic backing this store, or "" if
// use_changelog_topics is disabled for this application.
func (s *BoltStore) ChangelogTopic() string { return s.changelogTopic }

// OpenPartition opens (creating the on-disk file if needed) the partition,
// or returns the already-open handle.
func (s *BoltStore) OpenPartition(partition int32) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[partition]; ok {
		return p, nil
	}
	dir := filepath.Join(s.baseDir, s.name, fmt.Sprintf("%d", partition))
	p, err := openBoltPartition(s.name, partition, dir, s.changelogTopic, s.log)
	if err != nil {
		return nil, fmt.Errorf("opening store %q partition %d: %w", s.name, partition, err)
	}
	s.partitions[partition] = p
	return p, nil
}

// Partition returns an already-open partition handle, if any.
func (s *BoltStore) Partition(partition int32) (Partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[partition]
	return p, ok
}

// ClosePartition closes and forgets the given partition. Called when the
// owning input partition is revoked.
func (s *BoltStore) ClosePartition(partition int32) error {
	s.mu.Lock()
	p, ok := s.partitions[partition]
	delete(s.partitions, partition)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

// Close closes every open partition.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for partition, p := range s.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.partitions, partition)
	}
	return firstErr
}

type boltPartition struct {
	storeName      string
	partition      int32
	changelogTopic string
	db             *bolt.DB
	log            *logrus.Entry

	mu     sync.Mutex
	openTx bool
}

func openBoltPartition(storeName string, partition int32, dir, changelogTopic string, log *logrus.Entry) (*boltPartition, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "data.db"), 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	p := &boltPartition{
		storeName:      storeName,
		partition:      partition,
		changelogTopic: changelogTopic,
		db:             db,
		log:            log.WithField("partition", partition),
	}

	// bolt's file lock already excludes concurrent writers on one host;
	// the epoch bump covers store directories shared across restarts, so
	// a stale writer that somehow reopens the file can be detected.
	epoch, err := p.epoch()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := p.setEpoch(epoch + 1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *boltPartition) ChangelogTopic() string { return p.changelogTopic }

func (p *boltPartition) Begin() (*Transaction, error) {
	return p.BeginPrefix(DefaultPrefix)
}

func (p *boltPartition) BeginPrefix(prefix byte) (*Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openTx {
		return nil, ErrTransactionOpen
	}
	p.openTx = true
	txn := newTransaction(p.storeName, p.partition, prefix, p.changelogTopic, p, func() {
		p.mu.Lock()
		p.openTx = false
		p.mu.Unlock()
	})
	return txn, nil
}

func (p *boltPartition) getCommitted(key []byte) ([]byte, bool, error) {
	var value []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (p *boltPartition) commitBatch(writes map[string]writeOp, processedOffset, changelogOffset int64) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		for key, op := range writes {
			if op.deleted {
				if err := b.Delete([]byte(key)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(key), op.value); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		if err := advanceInt64(meta, metaKeyProcessedOffset, processedOffset); err != nil {
			return err
		}
		return advanceInt64(meta, metaKeyChangelogOffset, changelogOffset)
	})
}

// applyChangelog writes one replayed changelog mutation directly to the
// committed data, bypassing the Transaction layer. Only recovery calls
// this; the processing loop always goes through a Transaction.
func (p *boltPartition) applyChangelog(key, value []byte) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		if value == nil {
			return b.Delete(key)
		}
		return b.Put(key, value)
	})
}

func (p *boltPartition) ProcessedOffset() (int64, error) {
	return p.metaInt64(metaKeyProcessedOffset)
}

func (p *boltPartition) ChangelogOffset() (int64, error) {
	return p.metaInt64(metaKeyChangelogOffset)
}

func (p *boltPartition) metaInt64(key []byte) (int64, error) {
	var v int64 = -1
	err := p.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(key)
		if raw == nil {
			return nil
		}
		v = int64(binary.BigEndian.Uint64(raw))
		return nil
	})
	return v, err
}

// setRecoveredOffsets persists both watermarks at the end of a changelog
// replay: the changelog offset recovery stopped at, and the input offset
// carried by the last replayed record's headers (-1 if unknown).
func (p *boltPartition) setRecoveredOffsets(changelogOffset, processedOffset int64) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if err := advanceInt64(meta, metaKeyChangelogOffset, changelogOffset); err != nil {
			return err
		}
		return advanceInt64(meta, metaKeyProcessedOffset, processedOffset)
	})
}

func (p *boltPartition) epoch() (int64, error) {
	var epoch int64
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(metaKeyEpoch)
		if v == nil {
			return nil
		}
		epoch = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return epoch, err
}

func (p *boltPartition) setEpoch(epoch int64) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return putInt64(tx.Bucket(metaBucket), metaKeyEpoch, epoch)
	})
}

func (p *boltPartition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Close()
}

func putInt64(b *bolt.Bucket, key []byte, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return b.Put(key, buf)
}

// advanceInt64 writes v under key unless v is negative or would move the
// stored watermark backwards.
func advanceInt64(b *bolt.Bucket, key []byte, v int64) error {
	if v < 0 {
		return nil
	}
	if raw := b.Get(key); raw != nil && int64(binary.BigEndian.Uint64(raw)) >= v {
		return nil
	}
	return putInt64(b, key, v)
}
