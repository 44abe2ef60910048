package singleflight

import "errors"

// ErrAborted is returned to waiters when the owning call panicked or exited
// its goroutine before producing a result.
var ErrAborted = errors.New("singleflight: call aborted")
