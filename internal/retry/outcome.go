package retry

// Status is the terminal classification of one retry sequence.
type Status int

const (
	// StatusSuccess means the operation eventually returned a value.
	StatusSuccess Status = iota
	// StatusFailure means every permitted attempt failed, or a
	// non-retryable error stopped the sequence early.
	StatusFailure
	// StatusCancelled means the sequence was cancelled at a suspension
	// point. 取消优先于任何未返回的失败结果
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "cancelled"
	}
}

// Outcome is the tagged result of one retry sequence.
// Attempts counts underlying invocations actually made.
type Outcome[T any] struct {
	Status   Status
	Value    T
	Err      error
	Attempts int
}

// SuccessOutcome builds a success outcome.
func SuccessOutcome[T any](value T, attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusSuccess, Value: value, Attempts: attempts}
}

// FailureOutcome builds a failure outcome carrying the last error.
func FailureOutcome[T any](err error, attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusFailure, Err: err, Attempts: attempts}
}

// CancelledOutcome builds a cancelled outcome.
func CancelledOutcome[T any](attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusCancelled, Attempts: attempts}
}
