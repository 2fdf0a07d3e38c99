package ratelimit

import "errors"

// ErrPermanentReject is returned by Acquire on a bucket configured with
// N=0 — a permanent reject per spec §4.1 "Failure".
var ErrPermanentReject = errors.New("ratelimit: zero-capacity bucket rejects permanently")

// ErrTimeout is returned by AcquireWithDeadline when the deadline elapses
// before a token becomes available.
var ErrTimeout = errors.New("ratelimit: acquire deadline exceeded")
