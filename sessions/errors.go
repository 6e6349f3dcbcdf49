package sessions

import "errors"

var (
	ErrInvalidCallID  = errors.New("invalid call id")
	ErrUnknownSession = errors.New("unknown call session")
	ErrSessionEnded   = errors.New("call session ended")
	ErrEmptyUtterance = errors.New("empty utterance")
)
