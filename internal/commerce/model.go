package commerce

import "time"

// OrderStatus enumerates the fulfillment state machine positions of an order.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusFulfilled      OrderStatus = "fulfilled"
	OrderStatusFailed         OrderStatus = "failed"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// AllocationStatus enumerates the lifecycle of an order/unit binding.
type AllocationStatus string

const (
	AllocationStatusReserved AllocationStatus = "reserved"
	AllocationStatusSold     AllocationStatus = "sold"
	AllocationStatusReleased AllocationStatus = "released"
)

// UnitStatus enumerates the lifecycle of a sellable stock unit.
type UnitStatus string

const (
	UnitStatusAvailable    UnitStatus = "available"
	UnitStatusReserved     UnitStatus = "reserved"
	UnitStatusSold         UnitStatus = "sold"
	UnitStatusDisabled     UnitStatus = "disabled"
	UnitStatusWarrantyHold UnitStatus = "warranty_hold"
)

var validNextOrder = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPendingPayment: {OrderStatusPaid: true, OrderStatusFailed: true, OrderStatusRefunded: true},
	OrderStatusPaid:           {OrderStatusFulfilled: true, OrderStatusRefunded: true},
	OrderStatusFulfilled:      {},
	OrderStatusFailed:         {},
	OrderStatusRefunded:       {},
}

// CanTransition reports whether an order may legally move between the two statuses.
func CanTransition(from, to OrderStatus) bool {
	return validNextOrder[from][to]
}

// Sold is terminal for units; warranty_hold only ever applies to units
// pulled from the sellable pool before sale.
var validNextUnit = map[UnitStatus]map[UnitStatus]bool{
	UnitStatusAvailable:    {UnitStatusReserved: true, UnitStatusDisabled: true, UnitStatusWarrantyHold: true},
	UnitStatusReserved:     {UnitStatusAvailable: true, UnitStatusSold: true},
	UnitStatusSold:         {},
	UnitStatusDisabled:     {UnitStatusAvailable: true},
	UnitStatusWarrantyHold: {UnitStatusAvailable: true},
}

// CanTransitionUnit reports whether a stock unit may legally move between the two statuses.
func CanTransitionUnit(from, to UnitStatus) bool {
	return validNextUnit[from][to]
}

// Product is a sellable digital good backed by individual stock units.
type Product struct {
	ProductID        string `gorm:"column:product_id;primaryKey;size:190;not null" json:"product_id"`
	Name             string `gorm:"column:name;size:190;not null" json:"name"`
	PriceCents       int64  `gorm:"column:price_cents;not null" json:"price_cents"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_products_updated" json:"updated_at_s"`
}

func (Product) TableName() string { return "products" }

// Order is the buyer-facing purchase record, mutated only through guarded transitions.
type Order struct {
	OrderID          string      `gorm:"column:order_id;primaryKey;size:190;not null" json:"order_id"`
	CustomerEmail    string      `gorm:"column:customer_email;size:190;not null" json:"customer_email"`
	TotalCents       int64       `gorm:"column:total_cents;not null" json:"total_cents"`
	Status           OrderStatus `gorm:"column:status;size:32;not null;index:idx_orders_status" json:"status"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64       `gorm:"column:updated_at_s;not null;index:idx_orders_updated" json:"updated_at_s"`
}

func (Order) TableName() string { return "orders" }

// OrderLine is one product line item of an order, immutable once created.
type OrderLine struct {
	LineID         string `gorm:"column:line_id;primaryKey;size:190;not null" json:"line_id"`
	OrderID        string `gorm:"column:order_id;size:190;not null;index:idx_order_lines_order" json:"order_id"`
	ProductID      string `gorm:"column:product_id;size:190;not null" json:"product_id"`
	Quantity       int    `gorm:"column:quantity;not null" json:"quantity"`
	UnitPriceCents int64  `gorm:"column:unit_price_cents;not null" json:"unit_price_cents"`
}

func (OrderLine) TableName() string { return "order_lines" }

// OrderAllocation binds an order line to a specific stock unit.
type OrderAllocation struct {
	AllocationID     string           `gorm:"column:allocation_id;primaryKey;size:190;not null" json:"allocation_id"`
	OrderID          string           `gorm:"column:order_id;size:190;not null;uniqueIndex:idx_allocations_order_unit,priority:1" json:"order_id"`
	LineID           string           `gorm:"column:line_id;size:190;not null" json:"line_id"`
	UnitID           string           `gorm:"column:unit_id;size:190;not null;uniqueIndex:idx_allocations_order_unit,priority:2" json:"unit_id"`
	Status           AllocationStatus `gorm:"column:status;size:32;not null;index:idx_allocations_status" json:"status"`
	CreatedAtSeconds int64            `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

func (OrderAllocation) TableName() string { return "order_allocations" }

// StockUnit is a single sellable credential. The secret is stored sealed
// (AES-GCM) and is opened only during the first successful fulfillment.
type StockUnit struct {
	UnitID                string     `gorm:"column:unit_id;primaryKey;size:190;not null" json:"unit_id"`
	ProductID             string     `gorm:"column:product_id;size:190;not null;index:idx_stock_units_product_status,priority:1" json:"product_id"`
	Status                UnitStatus `gorm:"column:status;size:32;not null;index:idx_stock_units_product_status,priority:2" json:"status"`
	Username              string     `gorm:"column:username;size:190;not null" json:"username"`
	SecretCiphertext      []byte     `gorm:"column:secret_ciphertext;type:blob" json:"secret_ciphertext,omitempty"`
	SecretNonce           []byte     `gorm:"column:secret_nonce;type:blob" json:"secret_nonce,omitempty"`
	ExtraInfo             string     `gorm:"column:extra_info;type:text;not null;default:''" json:"extra_info"`
	ReservedOrderID       string     `gorm:"column:reserved_order_id;size:190;not null;default:''" json:"reserved_order_id"`
	ReservedUntilSeconds  int64      `gorm:"column:reserved_until_s;not null;default:0" json:"reserved_until_s"`
	SoldOrderID           string     `gorm:"column:sold_order_id;size:190;not null;default:''" json:"sold_order_id"`
	SoldAtSeconds         int64      `gorm:"column:sold_at_s;not null;default:0" json:"sold_at_s"`
	CreatedAtSeconds      int64      `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds      int64      `gorm:"column:updated_at_s;not null;index:idx_stock_units_updated" json:"updated_at_s"`
}

func (StockUnit) TableName() string { return "stock_units" }

// Payment records one confirmed provider transaction. The unique index on
// (provider, transaction_id) is the idempotency guard against duplicate
// webhook or poll delivery.
type Payment struct {
	PaymentID            string `gorm:"column:payment_id;primaryKey;size:190;not null" json:"payment_id"`
	Provider             string `gorm:"column:provider;size:64;not null;uniqueIndex:idx_payments_provider_txn,priority:1" json:"provider"`
	TransactionID        string `gorm:"column:transaction_id;size:190;not null;uniqueIndex:idx_payments_provider_txn,priority:2" json:"transaction_id"`
	OrderID              string `gorm:"column:order_id;size:190;not null;index:idx_payments_order" json:"order_id"`
	AmountCents          int64  `gorm:"column:amount_cents;not null" json:"amount_cents"`
	TransactionAtSeconds int64  `gorm:"column:transaction_at_s;not null" json:"transaction_at_s"`
	CreatedAtSeconds     int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

func (Payment) TableName() string { return "payments" }

// Invoice is issued once per order; the unique index on order_id suppresses replays.
type Invoice struct {
	InvoiceID       string `gorm:"column:invoice_id;primaryKey;size:190;not null" json:"invoice_id"`
	OrderID         string `gorm:"column:order_id;size:190;not null;uniqueIndex:idx_invoices_order" json:"order_id"`
	Number          string `gorm:"column:number;size:64;not null;uniqueIndex:idx_invoices_number" json:"number"`
	IssuedAtSeconds int64  `gorm:"column:issued_at_s;not null" json:"issued_at_s"`
}

func (Invoice) TableName() string { return "invoices" }

// Delivery proves a specific unit was handed to a specific order. The
// unique index on (order_id, unit_id) prevents double delivery.
type Delivery struct {
	DeliveryID         string `gorm:"column:delivery_id;primaryKey;size:190;not null" json:"delivery_id"`
	OrderID            string `gorm:"column:order_id;size:190;not null;uniqueIndex:idx_deliveries_order_unit,priority:1" json:"order_id"`
	UnitID             string `gorm:"column:unit_id;size:190;not null;uniqueIndex:idx_deliveries_order_unit,priority:2" json:"unit_id"`
	DeliveredAtSeconds int64  `gorm:"column:delivered_at_s;not null" json:"delivered_at_s"`
}

func (Delivery) TableName() string { return "deliveries" }

// AuditLog is the append-only event record. Rows are never updated or deleted.
type AuditLog struct {
	AuditID          string `gorm:"column:audit_id;primaryKey;size:190;not null" json:"audit_id"`
	EventType        string `gorm:"column:event_type;size:64;not null;index:idx_audit_event" json:"event_type"`
	EntityType       string `gorm:"column:entity_type;size:64;not null" json:"entity_type"`
	EntityID         string `gorm:"column:entity_id;size:190;not null" json:"entity_id"`
	Actor            string `gorm:"column:actor;size:190;not null;default:''" json:"actor"`
	Source           string `gorm:"column:source;size:64;not null" json:"source"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''" json:"payload_json"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_audit_created" json:"created_at_s"`
}

func (AuditLog) TableName() string { return "audit_log" }

// SyncEvent is the cloud-side append-only change feed consumed by two-way pull.
type SyncEvent struct {
	EventID          string `gorm:"column:event_id;primaryKey;size:190;not null" json:"event_id"`
	EntityType       string `gorm:"column:entity_type;size:64;not null;index:idx_sync_events_type_created,priority:1" json:"entity_type"`
	EventType        string `gorm:"column:event_type;size:16;not null" json:"event_type"`
	EntityID         string `gorm:"column:entity_id;size:190;not null" json:"entity_id"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''" json:"payload"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_sync_events_type_created,priority:2" json:"created_at_s"`
}

func (SyncEvent) TableName() string { return "sync_events" }

// SyncApplied is the server-side ledger of idempotency keys already
// accepted through /sync/push; repeats are reported as skipped.
type SyncApplied struct {
	IdempotencyKey   string `gorm:"column:idempotency_key;primaryKey;size:64;not null" json:"idempotency_key"`
	EntityType       string `gorm:"column:entity_type;size:64;not null" json:"entity_type"`
	EntityID         string `gorm:"column:entity_id;size:190;not null" json:"entity_id"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null" json:"applied_at_s"`
}

func (SyncApplied) TableName() string { return "sync_applied" }

// FxRate is a read-only reference table cached by the desktop client.
type FxRate struct {
	Currency         string  `gorm:"column:currency;primaryKey;size:8;not null" json:"currency"`
	Rate             float64 `gorm:"column:rate;not null" json:"rate"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_fx_rates_updated" json:"updated_at_s"`
}

func (FxRate) TableName() string { return "fx_rates" }

// SyncEventTypeUpsert and SyncEventTypeDelete are the two change-feed event kinds.
const (
	SyncEventTypeUpsert = "UPSERT"
	SyncEventTypeDelete = "DELETE"
)

// PaymentTxn is the shape-normalized payment confirmation consumed by the finalizer.
type PaymentTxn struct {
	Provider      string
	TransactionID string
	AmountCents   int64
	TransactionAt time.Time
}

// Credential is a decrypted stock-unit secret handed to the buyer exactly once.
type Credential struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ExtraInfo string `json:"extraInfo"`
}

// FinalizeResult is the outcome of driving an order through fulfillment.
// Credentials are populated only on the first successful run; idempotent
// replays return the recomputed token and cached invoice number with an
// empty credential list.
type FinalizeResult struct {
	AlreadyFulfilled bool         `json:"alreadyFulfilled"`
	DeliveryToken    string       `json:"deliveryToken,omitempty"`
	InvoiceNumber    string       `json:"invoiceNumber,omitempty"`
	Credentials      []Credential `json:"credentials"`
}
