package streams

import (
	"errors"
	"fmt"

	"github.com/MarxKrontalPartner/quix-streams/model"
)

// Phase identifies where in the consume→execute→commit cycle a fatal error
// surfaced.
type Phase string

const (
	PhasePoll        Phase = "poll"
	PhaseDeserialize Phase = "deserialize"
	PhasePipeline    Phase = "pipeline"
	PhaseProduce     Phase = "produce"
	PhaseFlush       Phase = "flush"
	PhaseCommit      Phase = "commit"
	PhaseStoreCommit Phase = "store-commit"
	PhaseRecovery    Phase = "recovery"
)

// FatalError is the single error type that escapes the processing loop. It
// carries the phase that failed, the offending TopicPartition and offset
// when one applies (Offset is -1 otherwise), and the underlying cause.
type FatalError struct {
	Phase          Phase
	TopicPartition model.TopicPartition
	Offset         int64
	Err            error
}

func (e *FatalError) Error() string {
	if e.TopicPartition.Topic == "" {
		return fmt.Sprintf("fatal error in phase %s: %v", e.Phase, e.Err)
	}
	if e.Offset < 0 {
		return fmt.Sprintf("fatal error in phase %s on %s: %v", e.Phase, e.TopicPartition, e.Err)
	}
	return fmt.Sprintf("fatal error in phase %s on %s@%d: %v", e.Phase, e.TopicPartition, e.Offset, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// AsFatal unwraps err to a *FatalError if one is in its chain.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func fatalErr(phase Phase, err error) *FatalError {
	return &FatalError{Phase: phase, Offset: -1, Err: err}
}

func fatalRecordErr(phase Phase, tp model.TopicPartition, offset int64, err error) *FatalError {
	return &FatalError{Phase: phase, TopicPartition: tp, Offset: offset, Err: err}
}

// ErrFlushTimeout is wrapped into the PhaseFlush FatalError when the
// producer cannot confirm every in-flight message within the checkpoint's
// flush budget. All unacked messages must then be treated as lost for the
// current checkpoint.
var ErrFlushTimeout = errors.New("producer flush timed out with messages still in flight")

// ErrTransactionAborted is returned by CommitTransaction when the broker
// aborted the transaction (typically a rebalance landed mid-commit). The
// checkpoint's input records will be redelivered and reprocessed.
var ErrTransactionAborted = errors.New("kafka transaction aborted, checkpoint records will be redelivered")
