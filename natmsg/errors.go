package natmsg

import "fmt"

// FramingError reports a length prefix that cannot be honored. Framing
// errors are fatal to the transport: the byte stream can no longer be
// trusted to be positioned at a frame boundary.
type FramingError struct {
	Size  int
	Limit int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("frame size %d exceeds limit %d", e.Size, e.Limit)
}

// DecodeError reports a payload that is not well-formed JSON. Like framing
// errors it is fatal: a peer writing garbage inside a frame cannot be
// assumed to frame the next message correctly either.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed frame payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError reports a structurally valid JSON object that does not
// match any known envelope shape. Validation errors are recoverable: the
// frame is rejected with a scoped error response and the stream continues.
// Id is the correlation id recovered from the offending frame, or empty
// when none could be read.
type ValidationError struct {
	Id      string
	Details string
}

func (e *ValidationError) Error() string {
	if e.Id != "" {
		return fmt.Sprintf("invalid message (id %s): %s", e.Id, e.Details)
	}
	return fmt.Sprintf("invalid message: %s", e.Details)
}
