package protocol

import (
	"errors"
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrIncompleteFrame    = errors.New("stream closed in the middle of a frame")
	ErrUnknownKind        = errors.New("unknown envelope kind")
	ErrDelimiterInFrame   = errors.New("encoded envelope contains the frame delimiter")
	ErrIncompleteTransfer = errors.New("stream closed before the payload was complete")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum size")
	ErrStreamBroken       = errors.New("stream closed after an incomplete write")
)

// ProtocolError reports a frame that could not be decoded. The connection it
// came from is no longer in a known state and should be dropped.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err (or anything it wraps) is a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
