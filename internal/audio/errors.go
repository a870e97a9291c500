package audio

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedContainer = errors.New("unsupported container")
	ErrEmptyBuffer          = errors.New("empty audio buffer")
)

// DecodeError reports a container that could not be parsed. It is fatal to
// the session and never retried.
type DecodeError struct {
	ContainerType string
	Err           error
}

func (e *DecodeError) Error() string {
	if e.ContainerType == "" {
		return fmt.Sprintf("decode audio: %v", e.Err)
	}
	return fmt.Sprintf("decode %s audio: %v", e.ContainerType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeError(containerType string, err error) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{ContainerType: containerType, Err: err}
}
