package streams

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/MarxKrontalPartner/quix-streams/model"
	"github.com/MarxKrontalPartner/quix-streams/sak"
	"github.com/MarxKrontalPartner/quix-streams/store"
)

// assignor reacts to the consumer's rebalance callbacks: on
// assignment it opens store partitions and replays their changelog tails
// before letting records flow; on revocation it seals a final checkpoint
// and closes state; on loss it discards state without committing anything.
//
// Callbacks run inside the consumer client while the loop is parked in
// PollFetches, so partition-table and checkpoint mutations here happen
// under loop.mu, never concurrently with record processing.
type assignor struct {
	loop      *eventLoop
	specs     map[string]*PipelineSpec
	stores    map[string]map[string]*store.BoltStore // input topic -> store name -> store
	recoverer *store.Recoverer
	runStatus sak.RunStatus
	log       *logrus.Entry

	bootstraps sync.WaitGroup
}

func newAssignor(loop *eventLoop, specs map[string]*PipelineSpec, stores map[string]map[string]*store.BoltStore, recoverer *store.Recoverer, runStatus sak.RunStatus, log *logrus.Entry) *assignor {
	return &assignor{
		loop:      loop,
		specs:     specs,
		stores:    stores,
		recoverer: recoverer,
		runStatus: runStatus,
		log:       log.WithField("component", "assignor"),
	}
}

func (a *assignor) onAssigned(_ context.Context, cl *kgo.Client, assigned map[string][]int32) {
	for topic, parts := range assigned {
		spec, ok := a.specs[topic]
		if !ok {
			a.log.Warnf("assigned partition of unregistered topic %q, ignoring", topic)
			continue
		}
		for _, partition := range parts {
			tp := model.TopicPartition{Topic: topic, Partition: partition}
			ps := newPartitionState(tp, spec, a.runStatus.Fork())
			a.loop.mu.Lock()
			a.loop.partitions[tp] = ps
			a.loop.mu.Unlock()

			// keep the partition from filling the fetch buffer (and
			// starving its siblings) while its state bootstraps; the
			// bootstrap worker resumes it when the store is caught up
			cl.PauseFetchPartitions(ps.pauseMap())
			a.bootstraps.Add(1)
			go a.bootstrap(cl, ps)
		}
	}
}

// bootstrap opens every store partition behind ps and replays its
// changelog tail, then activates the partition. Runs once per assigned
// partition on its own goroutine; parallelism across partitions is bounded
// inside the Recoverer.
func (a *assignor) bootstrap(cl *kgo.Client, ps *partitionState) {
	defer a.bootstraps.Done()
	elapsed := sincer{time.Now()}
	for _, name := range ps.spec.Stores {
		bs := a.stores[ps.tp.Topic][name]
		part, err := bs.OpenPartition(ps.tp.Partition)
		if err != nil {
			a.loop.fail(fatalRecordErr(PhaseRecovery, ps.tp, -1, err))
			return
		}
		if err := a.recoverer.Recover(ps.runStatus.Ctx(), name, part, ps.tp.Partition); err != nil {
			if ps.runStatus.Running() {
				a.loop.fail(fatalRecordErr(PhaseRecovery, ps.tp, -1, err))
			}
			return
		}
		ps.storeParts[name] = part
	}
	ps.ready.Store(true)
	cl.ResumeFetchPartitions(ps.pauseMap())
	a.log.Debugf("partition %s activated in %v, %d stores recovered", ps.tp, elapsed, len(ps.spec.Stores))
}

func (a *assignor) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	tps, states := a.detach(revoked)
	if len(states) == 0 {
		return
	}

	// final checkpoint for the revoked partitions, bounded by the
	// rebalance callback's own deadline. In transactional mode the
	// session commits all polled offsets at once, so the whole
	// checkpoint seals; otherwise only the revoked slice does.
	a.loop.mu.Lock()
	var cp *Checkpoint
	if a.loop.transactional {
		cp = a.loop.checkpoint
		a.loop.checkpoint = newCheckpoint(time.Now())
	} else {
		cp = a.loop.checkpoint.split(tps)
	}
	a.loop.mu.Unlock()

	if !cp.empty() {
		if err := a.loop.coord.commit(ctx, cp); err != nil {
			if errors.Is(err, ErrTransactionAborted) {
				a.log.Infof("revocation checkpoint aborted by rebalance, records will be redelivered")
			} else {
				a.log.Errorf("final checkpoint for revoked partitions failed: %v", err)
			}
		}
	}

	a.close(states)
}

func (a *assignor) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	tps, states := a.detach(lost)
	if len(states) == 0 {
		return
	}
	a.loop.mu.Lock()
	dropped := a.loop.checkpoint.split(tps)
	a.loop.mu.Unlock()
	dropped.discard()
	a.log.Warnf("%d partitions lost, state discarded without checkpoint", len(states))
	a.close(states)
}

// detach removes the given partitions from the loop's table and marks them
// revoked so in-flight records are dropped.
func (a *assignor) detach(partitions map[string][]int32) (map[model.TopicPartition]bool, []*partitionState) {
	tps := make(map[model.TopicPartition]bool)
	var states []*partitionState
	a.loop.mu.Lock()
	for topic, parts := range partitions {
		for _, partition := range parts {
			tp := model.TopicPartition{Topic: topic, Partition: partition}
			tps[tp] = true
			if ps, ok := a.loop.partitions[tp]; ok {
				states = append(states, ps)
				delete(a.loop.partitions, tp)
			}
		}
	}
	a.loop.mu.Unlock()
	for _, ps := range states {
		ps.revoke()
	}
	return tps, states
}

func (a *assignor) close(states []*partitionState) {
	for _, ps := range states {
		for name, bs := range a.stores[ps.tp.Topic] {
			if err := bs.ClosePartition(ps.tp.Partition); err != nil {
				a.log.Warnf("closing store %q partition %d: %v", name, ps.tp.Partition, err)
			}
		}
	}
}

// wait blocks until every in-flight bootstrap worker has finished. Called
// during application shutdown before stores are closed.
func (a *assignor) wait() {
	a.bootstraps.Wait()
}
