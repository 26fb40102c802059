package messaging

// Status is the outcome class of one processed message.
type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
)

// Result is the uniform outcome of pipeline processing. A failure always
// carries an ErrorKind and either a non-empty message or an error.
// Cancellation is a distinct variant, never a failure.
type Result struct {
	Status    Status
	Value     any
	ErrorKind ErrorKind
	Message   string
	Err       error
}

// Success returns a successful result carrying an optional value.
func Success(value any) Result {
	return Result{Status: StatusSuccess, Value: value}
}

// Failure returns a failed result. If msg is empty it is derived from err so
// the failure invariant always holds.
func Failure(kind ErrorKind, msg string, err error) Result {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = "processing failed"
	}
	return Result{Status: StatusFailure, ErrorKind: kind, Message: msg, Err: err}
}

// FailureFromError classifies err and returns the matching failure result.
// Cancellation errors become the Cancelled variant.
func FailureFromError(err error) Result {
	if IsCancellation(err) {
		return Cancelled(err)
	}
	return Failure(KindOf(err), "", err)
}

// Cancelled returns the cancellation result variant.
func Cancelled(err error) Result {
	return Result{Status: StatusCancelled, ErrorKind: ErrKindCancelled, Err: err}
}

// IsSuccess reports whether the result is a success.
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsFailure reports whether the result is a failure.
func (r Result) IsFailure() bool {
	return r.Status == StatusFailure
}

// IsCancelled reports whether processing was cancelled.
func (r Result) IsCancelled() bool {
	return r.Status == StatusCancelled
}
