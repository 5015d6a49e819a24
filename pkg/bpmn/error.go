package bpmn

import "fmt"

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...any) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// ObjectNotFoundError reports a missing referenced entity together with
// its type and key.
type ObjectNotFoundError struct {
	Kind string
	Key  any
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("%s with key=%v was not found", e.Kind, e.Key)
}

func newObjectNotFoundError(kind string, key any) error {
	return &ObjectNotFoundError{Kind: kind, Key: key}
}

// SuspendedEntityError fails an advancing operation against a suspended
// process definition or process instance.
type SuspendedEntityError struct {
	Kind string
	Key  int64
}

func (e *SuspendedEntityError) Error() string {
	return fmt.Sprintf("%s with key=%d is suspended", e.Kind, e.Key)
}

type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}
