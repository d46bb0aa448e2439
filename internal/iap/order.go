package iap

import (
	"fmt"
	"time"
)

// OrderState is a position in the order state machine.
type OrderState int

const (
	OrderStateUnknown OrderState = iota
	OrderStateProcessing
	OrderStateValidating
	OrderStatePending
	OrderStateComplete
	OrderStateFailed
)

func (s OrderState) String() string {
	switch s {
	case OrderStateUnknown:
		return "unknown"
	case OrderStateProcessing:
		return "processing"
	case OrderStateValidating:
		return "validating"
	case OrderStatePending:
		return "pending"
	case OrderStateComplete:
		return "complete"
	case OrderStateFailed:
		return "failed"
	}
	return fmt.Sprintf("order_state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == OrderStateComplete || s == OrderStateFailed
}

// PurchaseState is the state the backend reports for a purchase.
type PurchaseState int

const (
	// PurchaseStateUnspecified is reported for malformed or cancelled
	// transactions. It is always surfaced to the host as a failure.
	PurchaseStateUnspecified PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStateUnspecified:
		return "unspecified"
	case PurchaseStatePurchased:
		return "purchased"
	case PurchaseStatePending:
		return "pending"
	}
	return fmt.Sprintf("purchase_state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s PurchaseState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PurchaseState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "purchased":
		*s = PurchaseStatePurchased
	case "pending":
		*s = PurchaseStatePending
	case "unspecified", "":
		*s = PurchaseStateUnspecified
	default:
		return fmt.Errorf("unknown purchase state %q", string(b))
	}
	return nil
}

// Order is a purchase attempt in progress.
type Order struct {
	// AttemptID is a local id assigned when the host starts a purchase flow.
	// Orders that originate from backend events carry an empty AttemptID.
	AttemptID string
	// OrderID is assigned by the backend and may be empty.
	OrderID string
	// EntitlementToken is the backend's proof of purchase and the
	// idempotency key for completion.
	EntitlementToken string
	// SKUs has at least one entry; subscriptions always have exactly one.
	SKUs     []string
	Quantity int
	Type     ProductType

	State         OrderState
	PurchaseState PurchaseState

	IsCancelled    bool
	IsAcknowledged bool
	// IsQueried is set for orders surfaced by a historical purchase query
	// rather than a live purchase update.
	IsQueried bool

	PurchaseTime time.Time
	CancelTime   *time.Time
	UserID       string
	// RawPayload is the backend's JSON for the purchase, kept for audit.
	RawPayload []byte

	// Err holds the reason for a Failed order.
	Err error
}

// Key returns the registry key for the order: the backend order id when
// present, otherwise the entitlement token.
func (o Order) Key() string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return o.EntitlementToken
}

// SKU returns the first sku of the order.
func (o Order) SKU() string {
	if len(o.SKUs) == 0 {
		return ""
	}
	return o.SKUs[0]
}

// HasSKU reports whether sku is part of the order.
func (o Order) HasSKU(sku string) bool {
	for _, s := range o.SKUs {
		if s == sku {
			return true
		}
	}
	return false
}

// WithState returns a copy of o in state s.
func (o Order) WithState(s OrderState) Order {
	o.State = s
	return o
}

// Failed returns a copy of o in the Failed state carrying err.
func (o Order) Failed(err error) Order {
	o.State = OrderStateFailed
	o.Err = err
	return o
}

// Receipt is the immutable artifact of a completed order.
type Receipt struct {
	EntitlementToken string
	OrderID          string
	SKUs             []string
	Type             ProductType
	OrderDate        time.Time
	CancelDate       *time.Time
	IsCancelled      bool
	// UserID is the obfuscated account id, if the backend reported one.
	UserID string
}

// ConnectionStatus is the state of the connection to the billing backend.
type ConnectionStatus int

const (
	ConnectionDisconnected ConnectionStatus = iota
	ConnectionConnecting
	ConnectionConnected
	// ConnectionClosed is terminal.
	ConnectionClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionClosed:
		return "closed"
	}
	return fmt.Sprintf("connection_status(%d)", int(s))
}

// ProrationMode selects how a subscription change is charged.
type ProrationMode int

const (
	ProrationUnspecified ProrationMode = iota
	ProrationImmediateWithTimeProration
	ProrationImmediateAndChargeProratedPrice
	ProrationImmediateWithoutProration
	ProrationDeferred
	ProrationImmediateAndChargeFullPrice
)

// OrderOptions are optional purchase-flow parameters. The zero value is a
// plain single-quantity purchase.
type OrderOptions struct {
	// OldSKU and OldToken identify the subscription being replaced in an
	// upgrade or downgrade.
	OldSKU        string
	OldToken      string
	ProrationMode ProrationMode
	// ObfuscatedAccountID is forwarded to the backend and comes back as
	// Receipt.UserID.
	ObfuscatedAccountID string
	Quantity            int
}

// IsSubscriptionChange reports whether the options describe an upgrade or
// downgrade of an existing subscription.
func (o OrderOptions) IsSubscriptionChange() bool {
	return o.OldSKU != "" && o.OldToken != ""
}
