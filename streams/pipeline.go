package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/MarxKrontalPartner/quix-streams/model"
	"github.com/MarxKrontalPartner/quix-streams/serde"
	"github.com/MarxKrontalPartner/quix-streams/store"
	"github.com/MarxKrontalPartner/quix-streams/topics"
)

// Pipeline is the user callable bound to one input topic. It receives each
// Row in strict offset order for its partition and may read/write state and
// produce output through the ProcessingContext. Returning an error aborts
// the current checkpoint and, absent a skip decision from the
// OnError handler, halts the loop.
type Pipeline func(pc *ProcessingContext, row model.Row) error

// PipelineSpec declares one input topic's processing: the pipeline, the
// state stores it may touch, and an optional record-level error policy.
type PipelineSpec struct {
	Topic    *topics.Topic
	Pipeline Pipeline
	// Stores names the state stores this pipeline accesses. Each gets a
	// derived changelog topic (unless changelogs are disabled) and a
	// store partition per assigned input partition.
	Stores []string
	// OnError, if non-nil, classifies a pipeline failure for one record:
	// returning true skips the record (its offset still advances),
	// returning false halts the loop. Nil halts on every failure.
	OnError func(row model.Row, err error) bool
}

// ProcessingContext is the per-record view handed to a Pipeline: the means
// to reach state and to produce downstream. It is only valid for the
// duration of one Pipeline invocation.
type ProcessingContext struct {
	ctx  context.Context
	loop *eventLoop
	ps   *partitionState
	row  model.Row
}

// Context returns a context that is cancelled when the application shuts
// down or the partition is revoked.
func (pc *ProcessingContext) Context() context.Context { return pc.ctx }

// Store returns the open transaction for the named store on this row's
// partition, beginning one lazily on first access. The transaction stays
// open until the next checkpoint seals it; every row processed in between
// shares it.
func (pc *ProcessingContext) Store(name string) (*store.Transaction, error) {
	tp := pc.row.TopicPartition()
	if txn, ok := pc.loop.checkpoint.transaction(name, tp.Partition); ok && txn.State() == store.StateOpen {
		txn.BindSource(tp, pc.row.SourceOffset)
		return txn, nil
	}
	part, ok := pc.ps.storeParts[name]
	if !ok {
		return nil, fmt.Errorf("store %q is not declared in the pipeline spec for topic %q", name, tp.Topic)
	}
	txn, err := part.Begin()
	if err != nil {
		return nil, err
	}
	txn.BindSource(tp, pc.row.SourceOffset)
	pc.loop.checkpoint.trackTransaction(txn)
	return txn, nil
}

// StorePrefix is Store for operators that multiplex sub-stores onto one
// changelog topic via disjoint prefix bytes: it returns a
// prefix-scoped view onto the partition's single open transaction.
func (pc *ProcessingContext) StorePrefix(name string, prefix byte) (store.View, error) {
	txn, err := pc.Store(name)
	if err != nil {
		return store.View{}, err
	}
	return txn.At(prefix), nil
}

// Produce serializes key and value with the destination topic's serializers
// and enqueues the record. The partition is chosen by key hash; the
// timestamp defaults to the row's own.
func (pc *ProcessingContext) Produce(topic string, key, value any, headers ...model.Header) error {
	return pc.ProduceTo(topic, -1, key, value, headers...)
}

// ProduceTo is Produce with an explicit destination partition.
func (pc *ProcessingContext) ProduceTo(topic string, partition int32, key, value any, headers ...model.Header) error {
	t, ok := pc.loop.registry.Lookup(topic)
	if !ok {
		return fmt.Errorf("producing to %q: topic not registered", topic)
	}
	if !t.CanProduce() {
		return fmt.Errorf("producing to %q: topic has no serializers", topic)
	}
	sctx := serde.Context{Topic: topic, Partition: partition, Headers: headers}
	keyBytes, err := t.KeySerializer.Serialize(key, sctx)
	if err != nil {
		return fmt.Errorf("serializing key for %q: %w", topic, err)
	}
	valueBytes, err := t.ValueSerializer.Serialize(value, sctx)
	if err != nil {
		return fmt.Errorf("serializing value for %q: %w", topic, err)
	}
	ts := time.UnixMilli(pc.row.TimestampMs)
	return pc.loop.producer.Produce(pc.ctx, topic, keyBytes, valueBytes, headers, partition, ts)
}
