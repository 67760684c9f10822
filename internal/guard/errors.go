package guard

import "errors"

var (
	ErrUnknownPhase    = errors.New("unknown security phase")
	ErrContextNotFound = errors.New("execution context not found")
	ErrPhaseDowngrade  = errors.New("phase can only be upgraded")
)
