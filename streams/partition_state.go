package streams

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/MarxKrontalPartner/quix-streams/model"
	"github.com/MarxKrontalPartner/quix-streams/sak"
	"github.com/MarxKrontalPartner/quix-streams/store"
)

type sincer struct {
	then time.Time
}

func (s sincer) String() string {
	return fmt.Sprintf("%v", time.Since(s.then))
}

// partitionState is everything the loop tracks per assigned input
// partition: the delivery cursor, the watermark, the open store
// partitions, and the recovery gate. The loop goroutine exclusively owns
// everything except ready, which the bootstrap goroutine flips once
// changelog recovery completes; its atomic store/load is the fence that
// publishes storeParts to the loop.
type partitionState struct {
	tp        model.TopicPartition
	spec      *PipelineSpec
	ready     atomic.Bool
	revoked   atomic.Bool
	runStatus sak.RunStatus

	// storeParts is written by the bootstrap goroutine before ready is
	// set and read-only afterward.
	storeParts map[string]store.Partition

	// nextOffset is the next offset to deliver; records below it are
	// stale redeliveries and dropped.
	nextOffset int64
	// watermark is the max Row timestamp seen on this partition.
	watermark int64
	// buffered holds records that arrived while the partition was not
	// ready; drained in order before any fresh record is delivered.
	buffered []*kgo.Record
}

func newPartitionState(tp model.TopicPartition, spec *PipelineSpec, runStatus sak.RunStatus) *partitionState {
	return &partitionState{
		tp:         tp,
		spec:       spec,
		runStatus:  runStatus,
		storeParts: make(map[string]store.Partition),
		nextOffset: -1,
		watermark:  -1,
	}
}

func (ps *partitionState) pauseMap() map[string][]int32 {
	return map[string][]int32{ps.tp.Topic: {ps.tp.Partition}}
}

// deliverable reports whether records may flow to the pipeline: recovery
// finished and the partition was not revoked since.
func (ps *partitionState) deliverable() bool {
	return ps.ready.Load() && !ps.revoked.Load()
}

// buffer queues a record that cannot be delivered yet. Records polled
// before the pause took effect land here; capacity is naturally bounded by
// the fetch that was already in flight.
func (ps *partitionState) buffer(rec *kgo.Record) {
	ps.buffered = append(ps.buffered, rec)
}

// takeBuffered hands back and clears the buffered records.
func (ps *partitionState) takeBuffered() []*kgo.Record {
	recs := ps.buffered
	ps.buffered = nil
	return recs
}

// advance moves the delivery cursor past offset and lifts the watermark.
func (ps *partitionState) advance(offset, timestampMs int64) {
	ps.nextOffset = offset + 1
	ps.watermark = sak.Max(ps.watermark, timestampMs)
}

// stale reports whether offset was already delivered.
func (ps *partitionState) stale(offset int64) bool {
	return ps.nextOffset >= 0 && offset < ps.nextOffset
}

func (ps *partitionState) revoke() {
	ps.revoked.Store(true)
	ps.runStatus.Halt()
}
