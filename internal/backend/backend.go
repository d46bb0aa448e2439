package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/iapsync/internal/iap"
)

// ErrUnsupported is returned by adapters for operations their store cannot
// perform (for example a purchase flow on a server-side API).
var ErrUnsupported = errors.New("operation not supported by backend")

// Backend is the contract every store adapter satisfies.
type Backend interface {
	// Initialize registers the listener that receives all results.
	Initialize(l Listener) error
	// Connect starts connecting. The result arrives via OnConnectionResult.
	Connect(ctx context.Context) error
	// Disconnect releases the connection. No further results are delivered.
	Disconnect()

	// QueryProducts looks up the given skus. requestID is echoed back in the
	// ProductDataResult.
	QueryProducts(ctx context.Context, requestID string, products map[string]iap.ProductType) error
	// QueryPurchases asks for the purchases the store still reports as owned
	// or outstanding. reset restarts paging from the beginning.
	QueryPurchases(ctx context.Context, kind PurchaseKind, reset bool) error
	// LaunchPurchaseFlow starts the store's purchase UI for product.
	LaunchPurchaseFlow(ctx context.Context, product iap.Product, opts iap.OrderOptions) error

	Acknowledge(ctx context.Context, order iap.Order) error
	Consume(ctx context.Context, order iap.Order) error
	// MarkUnavailable tells the store the item was not granted so the
	// purchase is voided rather than retried.
	MarkUnavailable(ctx context.Context, order iap.Order) error
}

// Listener receives the store's push notifications.
type Listener interface {
	OnConnectionResult(ConnectionResult)
	OnProductData(ProductDataResult)
	OnPurchaseResult(PurchaseResult)
	OnPurchaseUpdates(PurchaseUpdatesResult)
}

// PurchaseKind splits historical purchase queries by store category.
type PurchaseKind int

const (
	PurchaseKindInApp PurchaseKind = iota
	PurchaseKindSubscription
)

func (k PurchaseKind) String() string {
	switch k {
	case PurchaseKindInApp:
		return "inapp"
	case PurchaseKindSubscription:
		return "subs"
	}
	return fmt.Sprintf("purchase_kind(%d)", int(k))
}

// KindOf returns the purchase category a product type is queried under.
func KindOf(t iap.ProductType) PurchaseKind {
	switch t {
	case iap.ProductTypeSubscription:
		return PurchaseKindSubscription
	case iap.ProductTypeConsumable, iap.ProductTypeNonConsumable, iap.ProductTypeUnknown:
		return PurchaseKindInApp
	}
	return PurchaseKindInApp
}

// Status is the engine's store-independent result code.
type Status int

const (
	StatusOK Status = iota
	// StatusDisconnected is an unsolicited loss of the service connection.
	StatusDisconnected
	// StatusServiceUnavailable is a transient failure to reach the store.
	StatusServiceUnavailable
	// StatusUserCancelled means the user backed out of the purchase UI.
	StatusUserCancelled
	// StatusItemAlreadyOwned means the store refused a purchase of an item
	// the user already owns.
	StatusItemAlreadyOwned
	// StatusItemUnavailable means the sku cannot be bought.
	StatusItemUnavailable
	// StatusDeveloperError means the request was malformed.
	StatusDeveloperError
	// StatusFailure is any other failure.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDisconnected:
		return "disconnected"
	case StatusServiceUnavailable:
		return "service_unavailable"
	case StatusUserCancelled:
		return "user_cancelled"
	case StatusItemAlreadyOwned:
		return "item_already_owned"
	case StatusItemUnavailable:
		return "item_unavailable"
	case StatusDeveloperError:
		return "developer_error"
	case StatusFailure:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ConnectionResult reports the outcome of Connect, or an unsolicited
// disconnect (Status == StatusDisconnected).
type ConnectionResult struct {
	Status Status
	Err    error
}

// ProductDataResult answers QueryProducts.
type ProductDataResult struct {
	RequestID string
	Status    Status
	Products  []iap.Product
	// Unavailable lists requested skus the store does not know.
	Unavailable []string
	Err         error
}

// PurchaseRecord is one purchase as the store reports it.
type PurchaseRecord struct {
	OrderID  string
	Token    string
	SKUs     []string
	Quantity int
	// Type is the adapter's best knowledge of the product category. It may
	// be Unknown; the engine then consults the inventory.
	Type         iap.ProductType
	State        iap.PurchaseState
	Acknowledged bool
	Cancelled    bool
	PurchaseTime time.Time
	CancelTime   *time.Time
	UserID       string
	Raw          []byte
}

// PurchaseResult reports the outcome of a purchase flow (live updates).
type PurchaseResult struct {
	Status    Status
	Purchases []PurchaseRecord
	// SKU is the sku the flow was launched for, when known.
	SKU string
	Err error
}

// PurchaseUpdatesResult answers QueryPurchases, or carries purchases the
// store pushes outside of a flow.
type PurchaseUpdatesResult struct {
	Status    Status
	Kind      PurchaseKind
	Purchases []PurchaseRecord
	// Queried is set when the records answer a historical query.
	Queried bool
	// HasMore asks for another QueryPurchases call with reset=false.
	HasMore bool
	Err     error
}

// StatusError wraps a non-OK status and the adapter's underlying error.
func StatusError(s Status, err error) error {
	if s == StatusOK {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backend status %s: %w", s, err)
	}
	return fmt.Errorf("backend status %s", s)
}
