package serde

// Outcome classifies what a Deserializer decided to do with a message.
type Outcome int

const (
	// OutcomeOK means Values holds exactly the structured payload(s) to
	// dispatch to the pipeline — one element for a plain 1:1 mapping,
	// more than one when a single message fans out into several Rows
	// (e.g. a JSON array expanded element-by-element).
	OutcomeOK Outcome = iota
	// OutcomeSkip means the message should be ignored: the offset
	// advances and the pipeline is never invoked for it.
	OutcomeSkip
	// OutcomeFail means deserialization failed. Err holds the cause.
	// Whether this halts the loop or is absorbed depends on the
	// operator's configured policy.
	OutcomeFail
)

// Result is the sum type returned by a Deserializer: ok(values) | skip |
// fail(err).
type Result struct {
	Outcome Outcome
	Values  []any
	Err     error
}

// OK constructs a single-value success Result.
func OK(value any) Result {
	return Result{Outcome: OutcomeOK, Values: []any{value}}
}

// OKMany constructs a fan-out success Result.
func OKMany(values []any) Result {
	return Result{Outcome: OutcomeOK, Values: values}
}

// Skip constructs a Result that ignores the message.
func Skip() Result {
	return Result{Outcome: OutcomeSkip}
}

// Fail constructs a Result that reports a deserialization failure.
func Fail(err error) Result {
	return Result{Outcome: OutcomeFail, Err: err}
}
