package iap

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ProductType is the closed set of catalogue categories. Every dispatch on a
// product type (inventory partitioning, completion strategy) switches over
// all four values.
type ProductType int

const (
	// ProductTypeUnknown is used for products whose category the backend did
	// not report and the host did not request.
	ProductTypeUnknown ProductType = iota
	// ProductTypeConsumable can be bought again after it is consumed.
	ProductTypeConsumable
	// ProductTypeNonConsumable is a one-time entitlement. Acknowledged, never consumed.
	ProductTypeNonConsumable
	// ProductTypeSubscription is a recurring entitlement.
	ProductTypeSubscription
)

// ProductTypes lists the known categories in partition order.
var ProductTypes = []ProductType{
	ProductTypeConsumable,
	ProductTypeNonConsumable,
	ProductTypeSubscription,
}

func (t ProductType) String() string {
	switch t {
	case ProductTypeConsumable:
		return "consumable"
	case ProductTypeNonConsumable:
		return "non_consumable"
	case ProductTypeSubscription:
		return "subscription"
	case ProductTypeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("product_type(%d)", int(t))
}

// Known reports whether t is one of the three supported categories.
func (t ProductType) Known() bool {
	switch t {
	case ProductTypeConsumable, ProductTypeNonConsumable, ProductTypeSubscription:
		return true
	case ProductTypeUnknown:
		return false
	}
	return false
}

// ParseProductType maps a textual type to a ProductType. Unrecognized input
// returns ProductTypeUnknown together with an error wrapping
// ErrUnknownProductType; callers are expected to log it and continue.
func ParseProductType(s string) (ProductType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "consumable", "consumables":
		return ProductTypeConsumable, nil
	case "non_consumable", "nonconsumable", "non-consumable", "entitlement", "inapp":
		return ProductTypeNonConsumable, nil
	case "subscription", "subs", "subscriptions":
		return ProductTypeSubscription, nil
	case "", "unknown":
		return ProductTypeUnknown, nil
	}
	return ProductTypeUnknown, fmt.Errorf("%w: %q", ErrUnknownProductType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ProductType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode to
// ProductTypeUnknown without error so that config and scenario files stay
// loadable.
func (t *ProductType) UnmarshalText(b []byte) error {
	pt, _ := ParseProductType(string(b))
	*t = pt
	return nil
}

// Promotion marks a product that is currently offered below its list price.
type Promotion int

const (
	PromotionNone Promotion = iota
	PromotionFree
	PromotionPromo
)

func (p Promotion) String() string {
	switch p {
	case PromotionNone:
		return "none"
	case PromotionFree:
		return "free"
	case PromotionPromo:
		return "promo"
	}
	return fmt.Sprintf("promotion(%d)", int(p))
}

// ParsePromotion maps a textual promotion to a Promotion. Empty input is None.
func ParsePromotion(s string) (Promotion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PromotionNone, nil
	case "free", "free_trial", "trial":
		return PromotionFree, nil
	case "promo", "intro", "introductory":
		return PromotionPromo, nil
	}
	return PromotionNone, fmt.Errorf("unknown promotion %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Promotion) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Promotion) UnmarshalText(b []byte) error {
	v, err := ParsePromotion(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// PricingPhase is one billing phase of a subscription offer (free trial,
// introductory price, recurring price).
type PricingPhase struct {
	FormattedPrice string
	PriceMicros    int64
	Currency       string
	// BillingPeriod is an ISO 8601 duration, e.g. "P1M".
	BillingPeriod string
	// BillingCycles is the number of cycles the phase lasts. Zero means the
	// phase recurs until cancelled.
	BillingCycles int
}

// Amount returns the phase price as an exact decimal.
func (p PricingPhase) Amount() decimal.Decimal {
	return decimal.New(p.PriceMicros, -6)
}

// Recurring reports whether the phase repeats indefinitely.
func (p PricingPhase) Recurring() bool {
	return p.BillingCycles == 0
}

// Product is an immutable catalogue entry. Re-querying a sku replaces the
// whole value; fields are never updated in place. PricingPhases must be
// treated as read-only.
type Product struct {
	SKU         string
	Title       string
	Description string
	// Price is the display string reported by the backend, e.g. "$4.99".
	Price       string
	PriceMicros int64
	Currency    string
	Type        ProductType
	Promotion   Promotion

	PricingPhases []PricingPhase
}

// Amount returns the list price as an exact decimal.
func (p Product) Amount() decimal.Decimal {
	return decimal.New(p.PriceMicros, -6)
}
