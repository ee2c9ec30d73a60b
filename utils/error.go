package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrLiveConnectionRequired marks writes that must not be queued offline.
var ErrLiveConnectionRequired = errors.New("live connection required")

// ErrorInvalidMutation marks a mutation that failed local validation and
// must not be queued.
var ErrorInvalidMutation = errors.New("invalid mutation")

// ErrSyncInFlight is returned by the coordinator when a sync is already
// running. Callers treat it as "already being handled", not a failure.
var ErrSyncInFlight = errors.New("sync already in flight")
