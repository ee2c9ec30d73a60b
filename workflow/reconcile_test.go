package workflow_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	config.SetDB(db)
	models.MigrateTable()
}

func createTestBusiness(t *testing.T) *models.Business {
	t.Helper()
	biz, err := models.CreateBusiness(context.Background(), &models.NewBusiness{
		Name:  "Corner Shop",
		Email: "owner@corner.test",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	return biz
}

func productPayload(t *testing.T, name string, qty int64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"name":     name,
		"quantity": decimal.NewFromInt(qty),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestReconcileRejectsBusinessMismatch(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)

	req := &models.SyncRequest{BusinessId: uuid.NewString()}
	_, err := workflow.ReconcileSyncBatch(context.Background(), biz.ID, req)
	if err != workflow.ErrBusinessMismatch {
		t.Fatalf("expected ErrBusinessMismatch, got %v", err)
	}
}

func TestReconcileCreateAndResubmitIsIdempotent(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)

	ts := time.Now().UTC().Truncate(time.Second)
	productId := uuid.NewString()
	mut := models.PendingMutation{
		RecordType:      models.RecordTypeProduct,
		RecordId:        productId,
		Action:          models.MutationActionCreate,
		Payload:         productPayload(t, "Coffee", 10),
		ClientTimestamp: ts,
		Sequence:        1,
	}
	req := &models.SyncRequest{BusinessId: biz.ID, DeviceId: "dev-1", Mutations: []models.PendingMutation{mut}}

	resp, err := workflow.ReconcileSyncBatch(context.Background(), biz.ID, req)
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if len(resp.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %+v", resp.Rejected)
	}
	if len(resp.Snapshot.Products) != 1 {
		t.Fatalf("expected 1 product in snapshot, got %d", len(resp.Snapshot.Products))
	}

	// the same batch again: LWW drops the equal-timestamp write, state
	// is unchanged and nothing is rejected
	resp, err = workflow.ReconcileSyncBatch(context.Background(), biz.ID, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if len(resp.Rejected) != 0 {
		t.Fatalf("resubmit rejected: %+v", resp.Rejected)
	}
	products, err := models.ListProducts(context.Background(), biz.ID, nil)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("resubmit duplicated the product: %d rows", len(products))
	}
	if !products[0].UpdatedAt.Equal(ts) {
		t.Fatalf("resubmit moved updated_at: %v", products[0].UpdatedAt)
	}
}

func TestReconcileLastWriterWinsBothArrivalOrders(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)
	ctx := context.Background()

	productId := uuid.NewString()
	older := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	newer := older.Add(time.Hour)

	olderMut := models.PendingMutation{
		RecordType: models.RecordTypeProduct, RecordId: productId,
		Action: models.MutationActionUpdate, Payload: productPayload(t, "Old Name", 5),
		ClientTimestamp: older, Sequence: 1,
	}
	newerMut := models.PendingMutation{
		RecordType: models.RecordTypeProduct, RecordId: productId,
		Action: models.MutationActionUpdate, Payload: productPayload(t, "New Name", 7),
		ClientTimestamp: newer, Sequence: 2,
	}

	apply := func(mut models.PendingMutation) {
		t.Helper()
		resp, err := workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
			BusinessId: biz.ID, Mutations: []models.PendingMutation{mut},
		})
		if err != nil {
			t.Fatalf("ReconcileSyncBatch: %v", err)
		}
		if len(resp.Rejected) != 0 {
			t.Fatalf("unexpected rejection: %+v", resp.Rejected)
		}
	}

	// older first, then newer: newer overwrites
	apply(olderMut)
	apply(newerMut)
	products, _ := models.ListProducts(ctx, biz.ID, nil)
	if len(products) != 1 || products[0].Name != "New Name" {
		t.Fatalf("newer write should win, got %+v", products)
	}

	// newer already applied, older arrives late: dropped silently
	apply(olderMut)
	products, _ = models.ListProducts(ctx, biz.ID, nil)
	if products[0].Name != "New Name" {
		t.Fatalf("stale write overwrote newer state: %+v", products[0])
	}
	if !products[0].UpdatedAt.Equal(newer) {
		t.Fatalf("stale write moved updated_at to %v", products[0].UpdatedAt)
	}
}

func TestReconcileRejectsPerRecordWithoutAbortingBatch(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)
	ts := time.Now().UTC()

	good := models.PendingMutation{
		RecordType: models.RecordTypeProduct, RecordId: uuid.NewString(),
		Action: models.MutationActionCreate, Payload: productPayload(t, "Tea", 3),
		ClientTimestamp: ts, Sequence: 1,
	}
	missingId := models.PendingMutation{
		RecordType: models.RecordTypeProduct,
		Action:     models.MutationActionCreate, Payload: productPayload(t, "Nameless", 1),
		ClientTimestamp: ts, Sequence: 2,
	}
	badType := models.PendingMutation{
		RecordType: "warehouse", RecordId: uuid.NewString(),
		Action: models.MutationActionCreate, Payload: json.RawMessage(`{}`),
		ClientTimestamp: ts, Sequence: 3,
	}

	resp, err := workflow.ReconcileSyncBatch(context.Background(), biz.ID, &models.SyncRequest{
		BusinessId: biz.ID,
		Mutations:  []models.PendingMutation{good, missingId, badType},
	})
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if len(resp.Rejected) != 2 {
		t.Fatalf("expected 2 rejections, got %+v", resp.Rejected)
	}
	codes := map[int64]models.MutationErrorCode{}
	for _, rej := range resp.Rejected {
		codes[rej.Sequence] = rej.Code
	}
	if codes[2] != models.MutationErrorMissingId {
		t.Fatalf("sequence 2: expected missing id, got %v", codes[2])
	}
	if codes[3] != models.MutationErrorUnknownType {
		t.Fatalf("sequence 3: expected unknown type, got %v", codes[3])
	}
	if len(resp.Snapshot.Products) != 1 {
		t.Fatalf("valid mutation in the same batch was not applied")
	}
}

func TestReconcileJudgesEntitlementAtClientTimestamp(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)
	ctx := context.Background()

	// push the trial end into the past
	expiry := time.Now().UTC().Add(-24 * time.Hour)
	db := config.GetDB()
	if err := db.Model(&models.Business{}).Where("id = ?", biz.ID).
		Update("trial_ends_at", expiry).Error; err != nil {
		t.Fatalf("expire trial: %v", err)
	}

	queuedBefore := models.PendingMutation{
		RecordType: models.RecordTypeExpense, RecordId: uuid.NewString(),
		Action:          models.MutationActionCreate,
		Payload:         json.RawMessage(`{"description":"fuel","amount":"10"}`),
		ClientTimestamp: expiry.Add(-time.Hour), Sequence: 1,
	}
	writtenAfter := models.PendingMutation{
		RecordType: models.RecordTypeExpense, RecordId: uuid.NewString(),
		Action:          models.MutationActionCreate,
		Payload:         json.RawMessage(`{"description":"rent","amount":"200"}`),
		ClientTimestamp: expiry.Add(time.Hour), Sequence: 2,
	}

	resp, err := workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId: biz.ID,
		Mutations:  []models.PendingMutation{queuedBefore, writtenAfter},
	})
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if len(resp.Rejected) != 1 {
		t.Fatalf("expected exactly the post-expiry write rejected, got %+v", resp.Rejected)
	}
	if resp.Rejected[0].Sequence != 2 || resp.Rejected[0].Code != models.MutationErrorPaymentRequired {
		t.Fatalf("wrong rejection: %+v", resp.Rejected[0])
	}
	if len(resp.Snapshot.Expenses) != 1 {
		t.Fatalf("write queued before expiry must be honored")
	}
}

func TestReconcileSaleDeleteRestocksLineItems(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)
	ctx := context.Background()
	db := config.GetDB()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	productId := uuid.NewString()
	product := models.Product{
		ID: productId, BusinessId: biz.ID, Name: "Soda",
		Quantity: decimal.NewFromInt(8), UpdatedAt: base,
		IsManualUpdate: utils.NewFalse(), IsDeleted: utils.NewFalse(),
	}
	if err := db.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	lines, _ := json.Marshal([]models.SaleLineItem{
		{ProductId: productId, Qty: decimal.NewFromInt(3), UnitPrice: decimal.NewFromInt(2)},
	})
	saleId := uuid.NewString()
	sale := models.SaleTransaction{
		ID: saleId, BusinessId: biz.ID, TransactionDate: base,
		LineItems: lines, UpdatedAt: base,
		IsManualUpdate: utils.NewFalse(), IsDeleted: utils.NewFalse(),
	}
	if err := db.Create(&sale).Error; err != nil {
		t.Fatalf("seed sale: %v", err)
	}

	deleteAt := base.Add(30 * time.Minute)
	resp, err := workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId: biz.ID,
		Mutations: []models.PendingMutation{{
			RecordType: models.RecordTypeSaleTransaction, RecordId: saleId,
			Action: models.MutationActionDelete, ClientTimestamp: deleteAt, Sequence: 1,
		}},
	})
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if len(resp.Rejected) != 0 {
		t.Fatalf("delete rejected: %+v", resp.Rejected)
	}

	var gotSale models.SaleTransaction
	if err := db.Where("id = ?", saleId).First(&gotSale).Error; err != nil {
		t.Fatalf("reload sale: %v", err)
	}
	if gotSale.IsDeleted == nil || !*gotSale.IsDeleted {
		t.Fatalf("sale not soft deleted")
	}

	var gotProduct models.Product
	if err := db.Where("id = ?", productId).First(&gotProduct).Error; err != nil {
		t.Fatalf("reload product: %v", err)
	}
	if !gotProduct.Quantity.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("expected quantity 11 after restock, got %s", gotProduct.Quantity)
	}
	if !gotProduct.UpdatedAt.After(base) {
		t.Fatalf("restock must bump product updated_at so other devices pull it")
	}

	// deleting again must not restock twice
	resp, err = workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId: biz.ID,
		Mutations: []models.PendingMutation{{
			RecordType: models.RecordTypeSaleTransaction, RecordId: saleId,
			Action: models.MutationActionDelete, ClientTimestamp: deleteAt.Add(time.Minute), Sequence: 2,
		}},
	})
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := db.Where("id = ?", productId).First(&gotProduct).Error; err != nil {
		t.Fatalf("reload product: %v", err)
	}
	if !gotProduct.Quantity.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("second delete restocked again: %s", gotProduct.Quantity)
	}
}

func TestReconcileDeltaSnapshotWithWatermark(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)
	ctx := context.Background()
	db := config.GetDB()

	watermark := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	oldProduct := models.Product{
		ID: uuid.NewString(), BusinessId: biz.ID, Name: "Old",
		UpdatedAt: watermark.Add(-time.Minute), SyncedAt: watermark.Add(-time.Minute),
		IsManualUpdate: utils.NewFalse(), IsDeleted: utils.NewFalse(),
	}
	newProduct := models.Product{
		ID: uuid.NewString(), BusinessId: biz.ID, Name: "Fresh",
		UpdatedAt: watermark.Add(time.Minute), SyncedAt: watermark.Add(time.Minute),
		IsManualUpdate: utils.NewFalse(), IsDeleted: utils.NewFalse(),
	}
	if err := db.Create(&oldProduct).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := db.Create(&newProduct).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId:   biz.ID,
		LastSyncedAt: &watermark,
	})
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if !resp.IsDelta {
		t.Fatalf("watermarked request must produce a delta")
	}
	if len(resp.Snapshot.Products) != 1 || resp.Snapshot.Products[0].Name != "Fresh" {
		t.Fatalf("delta must contain only records past the watermark, got %+v", resp.Snapshot.Products)
	}
}

func TestReconcileDeltaImmuneToSlowDeviceClock(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)
	ctx := context.Background()

	// another device already pulled an hour ago
	watermark := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	// a device with a slow clock writes now: the client timestamp sits
	// before the watermark, the server apply after it
	productId := uuid.NewString()
	resp, err := workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId: biz.ID,
		Mutations: []models.PendingMutation{{
			RecordType: models.RecordTypeProduct, RecordId: productId,
			Action: models.MutationActionCreate, Payload: productPayload(t, "Skewed", 2),
			ClientTimestamp: watermark.Add(-10 * time.Minute), Sequence: 1,
		}},
	})
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if len(resp.Rejected) != 0 {
		t.Fatalf("unexpected rejection: %+v", resp.Rejected)
	}

	resp, err = workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId:   biz.ID,
		LastSyncedAt: &watermark,
	})
	if err != nil {
		t.Fatalf("delta pull: %v", err)
	}
	if len(resp.Snapshot.Products) != 1 || resp.Snapshot.Products[0].ID != productId {
		t.Fatalf("a record committed after the watermark must appear in the delta regardless of its client timestamp, got %+v", resp.Snapshot.Products)
	}

	// the returned watermark must not re-deliver the same record forever
	next := resp.ServerTime
	resp, err = workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId:   biz.ID,
		LastSyncedAt: &next,
	})
	if err != nil {
		t.Fatalf("second delta pull: %v", err)
	}
	if len(resp.Snapshot.Products) != 0 {
		t.Fatalf("already-delivered record repeated in the next delta: %+v", resp.Snapshot.Products)
	}
}

func TestReconcileActivityCountsOnlyAcceptedMutations(t *testing.T) {
	setupTestDB(t)
	biz := createTestBusiness(t)
	ctx := context.Background()
	db := config.GetDB()

	expiry := time.Now().UTC().Add(-48 * time.Hour)
	if err := db.Model(&models.Business{}).Where("id = ?", biz.ID).
		Updates(map[string]interface{}{"trial_ends_at": expiry, "is_archived": true}).Error; err != nil {
		t.Fatalf("archive business: %v", err)
	}

	// every mutation rejected: the push is not activity
	resp, err := workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId: biz.ID,
		Mutations: []models.PendingMutation{{
			RecordType: models.RecordTypeExpense, RecordId: uuid.NewString(),
			Action:          models.MutationActionCreate,
			Payload:         json.RawMessage(`{"description":"late","amount":"5"}`),
			ClientTimestamp: expiry.Add(time.Hour), Sequence: 1,
		}},
	})
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if len(resp.Rejected) != 1 {
		t.Fatalf("expected the post-expiry write rejected, got %+v", resp.Rejected)
	}
	var got models.Business
	if err := db.Where("id = ?", biz.ID).First(&got).Error; err != nil {
		t.Fatalf("reload business: %v", err)
	}
	if got.IsArchived == nil || !*got.IsArchived {
		t.Fatalf("an all-rejected push must not reactivate an archived business")
	}

	// an accepted pre-expiry write is real activity
	resp, err = workflow.ReconcileSyncBatch(ctx, biz.ID, &models.SyncRequest{
		BusinessId: biz.ID,
		Mutations: []models.PendingMutation{{
			RecordType: models.RecordTypeExpense, RecordId: uuid.NewString(),
			Action:          models.MutationActionCreate,
			Payload:         json.RawMessage(`{"description":"fuel","amount":"10"}`),
			ClientTimestamp: expiry.Add(-time.Hour), Sequence: 2,
		}},
	})
	if err != nil {
		t.Fatalf("ReconcileSyncBatch: %v", err)
	}
	if len(resp.Rejected) != 0 {
		t.Fatalf("pre-expiry write rejected: %+v", resp.Rejected)
	}
	if err := db.Where("id = ?", biz.ID).First(&got).Error; err != nil {
		t.Fatalf("reload business: %v", err)
	}
	if got.IsArchived == nil || *got.IsArchived {
		t.Fatalf("an accepted write must reactivate the business")
	}
}
