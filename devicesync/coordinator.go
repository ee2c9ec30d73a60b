package devicesync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// Coordinator owns the sync lifecycle for one device. At most one sync
// runs at a time; triggers while one is in flight collapse into it
// rather than queueing up.
type Coordinator struct {
	store     *Store
	transport Transport
	online    atomic.Bool
	isSyncing atomic.Bool

	mu           sync.Mutex
	lastSyncedAt *time.Time
	rejected     []models.MutationError
}

func NewCoordinator(store *Store, transport Transport) (*Coordinator, error) {
	c := &Coordinator{store: store, transport: transport}
	last, err := store.LastSyncedAt(context.Background())
	if err != nil {
		return nil, err
	}
	c.lastSyncedAt = last
	return c, nil
}

// Submit is the write entry point for the UI. Connection-required
// mutations never touch the offline queue: they are refused outright
// while offline and pushed synchronously as a one-mutation batch while
// online, so a failed push fails the operation instead of leaving a
// replay behind. Everything else lands in the local store and queue,
// then a sync is kicked off best-effort when online.
func (c *Coordinator) Submit(ctx context.Context, mut models.PendingMutation) error {
	if merr := mut.Validate(); merr != nil {
		return utils.ErrorInvalidMutation
	}
	if RequiresLiveConnection(mut) {
		if !c.online.Load() {
			return utils.ErrLiveConnectionRequired
		}
		return c.pushLive(ctx, mut)
	}
	if err := c.store.ApplyLocal(ctx, mut); err != nil {
		return err
	}
	if c.online.Load() {
		go func() {
			_ = c.TriggerSync(context.Background(), SyncReasonManual)
		}()
	}
	return nil
}

func (c *Coordinator) pushLive(ctx context.Context, mut models.PendingMutation) error {
	timeout := time.Duration(utils.IntFromEnv("SYNC_TIMEOUT_SECONDS", 30)) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	since := c.lastSyncedAt
	c.mu.Unlock()

	resp, err := c.transport.PushBatch(ctx, models.SyncRequest{
		BusinessId:   c.store.businessId,
		DeviceId:     c.store.deviceId,
		LastSyncedAt: since,
		Mutations:    []models.PendingMutation{mut},
	})
	if err != nil {
		return err
	}
	// the mutation was never applied locally, so a rejection leaves
	// nothing to undo
	if len(resp.Rejected) > 0 {
		return fmt.Errorf("live mutation rejected: %s", resp.Rejected[0].Message)
	}
	if err := c.store.MergeSnapshot(ctx, resp.Snapshot, nil, nil); err != nil {
		return err
	}
	if err := c.store.SetLastSyncedAt(ctx, resp.ServerTime); err != nil {
		return err
	}
	c.mu.Lock()
	serverTime := resp.ServerTime
	c.lastSyncedAt = &serverTime
	c.mu.Unlock()
	return nil
}

// SetOnline records connectivity; the offline-to-online edge fires a
// reconnect sync so the queue drains as soon as the network is back.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	if online && !was {
		go func() {
			_ = c.TriggerSync(context.Background(), SyncReasonReconnect)
		}()
	}
}

// TriggerSync runs one sync cycle. A second trigger while one is in
// flight returns ErrSyncInFlight and the caller is expected to treat
// that as success-by-collapse.
func (c *Coordinator) TriggerSync(ctx context.Context, reason SyncReason) error {
	if !c.online.Load() {
		return ErrDeviceOffline
	}
	if !c.isSyncing.CompareAndSwap(false, true) {
		return utils.ErrSyncInFlight
	}
	defer c.isSyncing.Store(false)

	timeout := time.Duration(utils.IntFromEnv("SYNC_TIMEOUT_SECONDS", 30)) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.runSync(ctx, reason)
}

func (c *Coordinator) runSync(ctx context.Context, reason SyncReason) error {
	logger := config.GetLogger()

	batch, err := c.store.PendingBatch(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	since := c.lastSyncedAt
	c.mu.Unlock()

	req := models.SyncRequest{
		BusinessId:   c.store.businessId,
		DeviceId:     c.store.deviceId,
		LastSyncedAt: since,
		Mutations:    batch,
	}
	resp, err := c.transport.PushBatch(ctx, req)
	if err != nil {
		// queue untouched; the whole batch replays on the next trigger
		config.LogError(logger, "devicesync", "runSync", "push batch", map[string]interface{}{
			"reason":     string(reason),
			"queueDepth": len(batch),
		}, err)
		return err
	}

	// the server has reconciled exactly this batch; clear it by sequence
	// so anything queued mid-flight stays for the next cycle
	sequences := make([]int64, 0, len(batch))
	inBatch := make(map[string]bool, len(batch))
	for _, mut := range batch {
		sequences = append(sequences, mut.Sequence)
		inBatch[recordKey(mut.RecordType, mut.RecordId)] = true
	}
	if err := c.store.ClearBatch(ctx, sequences); err != nil {
		return err
	}
	// rejected mutations never apply server-side, so the canonical value
	// must overwrite the optimistic local copy even though it is older
	force := make(map[string]bool)
	for _, mut := range batch {
		for _, e := range resp.Rejected {
			if e.Sequence == mut.Sequence {
				key := recordKey(mut.RecordType, mut.RecordId)
				delete(inBatch, key)
				force[key] = true
			}
		}
	}
	if err := c.store.MergeSnapshot(ctx, resp.Snapshot, inBatch, force); err != nil {
		return err
	}
	if err := c.store.SetLastSyncedAt(ctx, resp.ServerTime); err != nil {
		return err
	}

	c.mu.Lock()
	serverTime := resp.ServerTime
	c.lastSyncedAt = &serverTime
	c.rejected = resp.Rejected
	c.mu.Unlock()

	if len(resp.Rejected) > 0 {
		logger.WithFields(map[string]interface{}{
			"businessId": c.store.businessId,
			"deviceId":   c.store.deviceId,
			"rejected":   len(resp.Rejected),
		}).Warn("sync completed with rejected mutations")
	}
	return nil
}

// Run drives the periodic schedule: one sync at startup, then one per
// interval, until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	interval := time.Duration(utils.IntFromEnv("SYNC_INTERVAL_SECONDS", 300)) * time.Second
	_ = c.TriggerSync(ctx, SyncReasonInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.TriggerSync(ctx, SyncReasonInterval)
		}
	}
}

func (c *Coordinator) Status(ctx context.Context) Status {
	depth, _ := c.store.QueueDepth(ctx)
	c.mu.Lock()
	last := c.lastSyncedAt
	c.mu.Unlock()
	return Status{
		IsSyncing:    c.isSyncing.Load(),
		Online:       c.online.Load(),
		LastSyncedAt: last,
		QueueDepth:   depth,
	}
}

// LastRejections returns the per-mutation errors from the most recent
// completed sync, for surfacing in the UI.
func (c *Coordinator) LastRejections() []models.MutationError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.MutationError, len(c.rejected))
	copy(out, c.rejected)
	return out
}
