package models

// EntityType partitions the local store and the sync queue. Partitions sync
// independently so a backlog in one never blocks another.
type EntityType string

const (
	EntityTypeProduct             EntityType = "product"
	EntityTypeProductBatch        EntityType = "product_batch"
	EntityTypeSupplier            EntityType = "supplier"
	EntityTypeSupplierTransaction EntityType = "supplier_transaction"
	EntityTypePurchaseOrder       EntityType = "purchase_order"
)

func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityTypeProduct,
		EntityTypeProductBatch,
		EntityTypeSupplier,
		EntityTypeSupplierTransaction,
		EntityTypePurchaseOrder,
	}
}

// OperationType is the closed set of mutation intents the queue carries.
// The reconciler matches on it exhaustively.
type OperationType string

const (
	OperationTypeEntityCreate OperationType = "entity_create"
	OperationTypeEntityUpdate OperationType = "entity_update"
	OperationTypeEntityDelete OperationType = "entity_delete"

	// Composite: receiving a purchase order creates its batches server-side
	// in one idempotent step.
	OperationTypeBatchCreateFromPurchaseOrder OperationType = "batch_create_from_purchase_order"
)

// Queue entry statuses for SyncQueueEntry.Status.
// Keep these as strings (DB values) for backwards compatibility.
const (
	QueueStatusPending    = "PENDING"
	QueueStatusProcessing = "PROCESSING"
	QueueStatusDeferred   = "DEFERRED"
	QueueStatusFailed     = "FAILED"
	QueueStatusDead       = "DEAD"
	QueueStatusDone       = "DONE"
)

// Purchase order lifecycle.
type PurchaseOrderStatus string

const (
	PurchaseOrderStatusDraft    PurchaseOrderStatus = "DRAFT"
	PurchaseOrderStatusOrdered  PurchaseOrderStatus = "ORDERED"
	PurchaseOrderStatusReceived PurchaseOrderStatus = "RECEIVED"
	PurchaseOrderStatusClosed   PurchaseOrderStatus = "CLOSED"
)

// Supplier ledger entry direction. PURCHASE increases what the shop owes,
// PAYMENT decreases it.
type TransactionDirection string

const (
	TransactionDirectionPurchase TransactionDirection = "PURCHASE"
	TransactionDirectionPayment  TransactionDirection = "PAYMENT"
)
