package codec

import (
	"errors"
	"fmt"
)

// ErrMalformed matches every decode failure via errors.Is.
var ErrMalformed = errors.New("codec: malformed update")

// CodecError describes why a payload was rejected. Callers drop the payload
// and keep the session alive:
//
//	var codecErr *codec.CodecError
//	if errors.As(err, &codecErr) {
//	    logger.Warn().Str("reason", codecErr.Reason).Msg("dropping update")
//	}
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return "codec: " + e.Reason
}

func (e *CodecError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

func malformed(reason string, err error) error {
	return &CodecError{Reason: reason, Err: err}
}
