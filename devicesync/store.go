package devicesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LocalRecord is one business record as the device knows it, payload
// kept as JSON so all four record types share one table.
type LocalRecord struct {
	RecordType     models.RecordType `gorm:"primaryKey;size:20" json:"record_type"`
	RecordId       string            `gorm:"primaryKey;size:36" json:"record_id"`
	Payload        []byte            `gorm:"type:json" json:"payload"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	IsManualUpdate bool              `json:"is_manual_update"`
	IsDeleted      bool              `json:"is_deleted"`
}

// QueuedMutation is the durable mutation queue. Sequence is the
// device-scoped monotonic replay counter; AUTOINCREMENT so sequence
// numbers are never reused after a batch is cleared.
type QueuedMutation struct {
	Sequence        int64                 `gorm:"primaryKey;autoIncrement" json:"sequence"`
	RecordType      models.RecordType     `gorm:"size:20;not null" json:"record_type"`
	RecordId        string                `gorm:"size:36;not null" json:"record_id"`
	Action          models.MutationAction `gorm:"size:10;not null" json:"action"`
	Payload         []byte                `gorm:"type:json" json:"payload"`
	ClientTimestamp time.Time             `gorm:"not null" json:"client_timestamp"`
}

// syncState is a single-row table carrying the device watermark across
// restarts.
type syncState struct {
	ID           int `gorm:"primaryKey"`
	LastSyncedAt *time.Time
}

// Store is the device's source of truth for all reads. It survives
// restarts; queued mutations are replayed before new writes land behind
// them because the sequence order is durable.
type Store struct {
	db         *gorm.DB
	businessId string
	deviceId   string
}

func OpenStore(path, businessId, deviceId string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	if err := db.AutoMigrate(&LocalRecord{}, &QueuedMutation{}, &syncState{}); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return &Store{db: db, businessId: businessId, deviceId: deviceId}, nil
}

// ApplyLocal performs the optimistic write: the record is updated so the
// UI reflects it with no latency, and the mutation is queued, both in
// one transaction. If durable storage fails the whole write rolls back
// and the caller gets a local-storage error; fatal to this operation
// only.
func (s *Store) ApplyLocal(ctx context.Context, mut models.PendingMutation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := LocalRecord{
			RecordType:     mut.RecordType,
			RecordId:       mut.RecordId,
			Payload:        mut.Payload,
			UpdatedAt:      mut.ClientTimestamp,
			IsManualUpdate: true,
			IsDeleted:      mut.Action == models.MutationActionDelete,
		}
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		queued := QueuedMutation{
			RecordType:      mut.RecordType,
			RecordId:        mut.RecordId,
			Action:          mut.Action,
			Payload:         mut.Payload,
			ClientTimestamp: mut.ClientTimestamp,
		}
		return tx.Create(&queued).Error
	})
	if err != nil {
		return fmt.Errorf("local storage: %w", err)
	}
	return nil
}

// PendingBatch returns every queued mutation in issue order.
func (s *Store) PendingBatch(ctx context.Context) ([]models.PendingMutation, error) {
	var queued []QueuedMutation
	if err := s.db.WithContext(ctx).Order("sequence").Find(&queued).Error; err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	batch := make([]models.PendingMutation, 0, len(queued))
	for _, q := range queued {
		batch = append(batch, models.PendingMutation{
			RecordType:      q.RecordType,
			RecordId:        q.RecordId,
			Action:          q.Action,
			Payload:         json.RawMessage(q.Payload),
			ClientTimestamp: q.ClientTimestamp,
			Sequence:        q.Sequence,
		})
	}
	return batch, nil
}

// ClearBatch removes exactly the given sequences. Mutations queued while
// the batch was in flight keep their place.
func (s *Store) ClearBatch(ctx context.Context, sequences []int64) error {
	if len(sequences) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("sequence IN ?", sequences).
		Delete(&QueuedMutation{}).Error
	if err != nil {
		return fmt.Errorf("local storage: %w", err)
	}
	return nil
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&QueuedMutation{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("local storage: %w", err)
	}
	return count, nil
}

// GetRecord reads from the local store only; never blocks on network
// state.
func (s *Store) GetRecord(ctx context.Context, recordType models.RecordType, recordId string) (*LocalRecord, error) {
	var record LocalRecord
	err := s.db.WithContext(ctx).
		Where("record_type = ? AND record_id = ?", recordType, recordId).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListRecords(ctx context.Context, recordType models.RecordType) ([]LocalRecord, error) {
	var records []LocalRecord
	err := s.db.WithContext(ctx).
		Where("record_type = ? AND is_deleted = ?", recordType, false).
		Order("updated_at").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	var state syncState
	err := s.db.WithContext(ctx).Where("id = 1").First(&state).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return state.LastSyncedAt, nil
}

func (s *Store) SetLastSyncedAt(ctx context.Context, at time.Time) error {
	state := syncState{ID: 1, LastSyncedAt: &at}
	return s.db.WithContext(ctx).Save(&state).Error
}

// MergeSnapshot folds the canonical snapshot back into the local store.
// Records that were part of the just-sent batch are skipped (the local
// value already carries them); for everything else last-writer-wins by
// updated_at decides, and a record with a mutation still queued is never
// clobbered, so writes issued mid-flight survive the merge. Keys in the
// force set take the server copy regardless of timestamps: a rejected
// local write must not keep outbidding the canonical value just because
// it is newer.
func (s *Store) MergeSnapshot(ctx context.Context, snapshot models.SyncSnapshot, inBatch, force map[string]bool) error {
	pending, err := s.pendingKeys(ctx)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range snapshot.Products {
			if err := s.mergeOne(tx, models.RecordTypeProduct, p.ID, p.UpdatedAt, p, p.IsDeleted, inBatch, pending, force); err != nil {
				return err
			}
		}
		for _, t := range snapshot.Transactions {
			if err := s.mergeOne(tx, models.RecordTypeSaleTransaction, t.ID, t.UpdatedAt, t, t.IsDeleted, inBatch, pending, force); err != nil {
				return err
			}
		}
		for _, e := range snapshot.Expenses {
			if err := s.mergeOne(tx, models.RecordTypeExpense, e.ID, e.UpdatedAt, e, e.IsDeleted, inBatch, pending, force); err != nil {
				return err
			}
		}
		for _, cat := range snapshot.Categories {
			if err := s.mergeOne(tx, models.RecordTypeProductCategory, cat.ID, cat.UpdatedAt, cat, cat.IsDeleted, inBatch, pending, force); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) pendingKeys(ctx context.Context) (map[string]bool, error) {
	var queued []QueuedMutation
	if err := s.db.WithContext(ctx).Select("record_type, record_id").Find(&queued).Error; err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(queued))
	for _, q := range queued {
		keys[recordKey(q.RecordType, q.RecordId)] = true
	}
	return keys, nil
}

func (s *Store) mergeOne(tx *gorm.DB, recordType models.RecordType, recordId string, updatedAt time.Time, payload interface{}, deleted *bool, inBatch, pending, force map[string]bool) error {
	key := recordKey(recordType, recordId)
	if inBatch[key] || pending[key] {
		return nil
	}

	var existing LocalRecord
	err := tx.Where("record_type = ? AND record_id = ?", recordType, recordId).First(&existing).Error
	if err == nil && !force[key] && workflow.IncomingWins(existing.UpdatedAt, updatedAt) {
		// local copy is strictly newer; keep it
		return nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	raw, merr := json.Marshal(payload)
	if merr != nil {
		return merr
	}
	record := LocalRecord{
		RecordType: recordType,
		RecordId:   recordId,
		Payload:    raw,
		UpdatedAt:  updatedAt,
		IsDeleted:  deleted != nil && *deleted,
	}
	return tx.Save(&record).Error
}

func recordKey(recordType models.RecordType, recordId string) string {
	return string(recordType) + ":" + recordId
}
