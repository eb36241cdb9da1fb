package promise

import (
	"context"
	"errors"
)

// Status is the observed result of a branch.
type Status uint8

const (
	StatusSuccess Status = iota + 1
	StatusRejected
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRejected:
		return "rejected"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Outcome captures how a branch finished.
type Outcome struct {
	Status Status
	Result []byte
	Err    error
}

// Succeeded reports whether the branch completed. Unreachable receivers are
// not success: the caller cannot know whether the action took effect.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Success builds a successful outcome carrying result.
func Success(result []byte) Outcome {
	return Outcome{Status: StatusSuccess, Result: result}
}

// Failure classifies an executor error into an outcome.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("promise: unknown failure")
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Status: StatusUnreachable, Err: err}
	}
	return Outcome{Status: StatusRejected, Err: err}
}
