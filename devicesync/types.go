package devicesync

import (
	"errors"
	"time"
)

// SyncReason records what woke the coordinator up.
type SyncReason string

const (
	SyncReasonManual    SyncReason = "manual"
	SyncReasonReconnect SyncReason = "reconnect"
	SyncReasonInterval  SyncReason = "interval"
)

// ErrDeviceOffline means the coordinator skipped the attempt entirely;
// the queue is untouched and a reconnect trigger will retry.
var ErrDeviceOffline = errors.New("device offline")

// Status is what the UI binds to: a spinner flag, the last successful
// sync time and the queue depth. Reads of business data never consult
// this; they go straight to the local store.
type Status struct {
	IsSyncing    bool       `json:"is_syncing"`
	Online       bool       `json:"online"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	QueueDepth   int64      `json:"queue_depth"`
}
