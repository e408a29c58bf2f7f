package frame

import "errors"

// ErrNoFrame is returned by a capture source that had no new frame within
// the caller's bound. It is not a failure.
var ErrNoFrame = errors.New("no frame available")
