// Package memory is an in-process billing backend. It keeps a product
// catalogue and a purchase ledger in memory and answers every Backend call
// synchronously through the registered listener.
//
// It backs the scenario simulator and the engine tests. Test hooks
// (DropConnection, FailNextConnects, Deliver, SetOutcome) let callers
// script store-side behavior.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/iap"
)

var (
	// ErrNotConnected is returned for calls made while disconnected.
	ErrNotConnected = errors.New("memory store: not connected")
	// ErrUnknownToken is returned for completion calls on tokens the
	// store never issued.
	ErrUnknownToken = errors.New("memory store: unknown purchase token")
)

// Outcome scripts how the next purchase flow for a sku ends.
type Outcome int

const (
	OutcomePurchased Outcome = iota
	OutcomePending
	OutcomeCancelled
	OutcomeAlreadyOwned
	OutcomeError
)

var outcomeNames = map[Outcome]string{
	OutcomePurchased:    "purchased",
	OutcomePending:      "pending",
	OutcomeCancelled:    "cancelled",
	OutcomeAlreadyOwned: "already_owned",
	OutcomeError:        "error",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ParseOutcome parses the names used in scenario files.
func ParseOutcome(s string) (Outcome, error) {
	for o, name := range outcomeNames {
		if name == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown purchase outcome %q", s)
}

// Stats counts calls the engine made into the store.
type Stats struct {
	Connects        int
	ProductQueries  int
	PurchaseQueries int
	Flows           int
	Acknowledged    int
	Consumed        int
	Unavailable     int
}

type purchase struct {
	rec      backend.PurchaseRecord
	consumed bool
	revoked  bool
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the source of order ids and purchase tokens.
func WithIDGenerator(g iap.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithClock sets the purchase time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPageSize limits how many purchases one QueryPurchases answer holds.
// Zero returns everything at once.
func WithPageSize(n int) Option {
	return func(s *Store) { s.pageSize = n }
}

// Store is the simulated backend.
//
// Thread-safety: all methods are safe for concurrent use. The listener is
// never called with the store lock held.
type Store struct {
	ids      iap.IDGenerator
	now      func() time.Time
	pageSize int

	mu           sync.Mutex
	listener     backend.Listener
	initErr      error
	connected    bool
	failConnects int
	catalog      map[string]iap.Product
	ledger       []*purchase
	outcomes     map[string]Outcome
	cursor       map[backend.PurchaseKind]int
	ackErr       error
	consumeErr   error
	stats        Stats
}

// New creates a store selling products.
func New(products []iap.Product, opts ...Option) *Store {
	s := &Store{
		ids:      iap.UUIDGenerator{},
		now:      time.Now,
		catalog:  map[string]iap.Product{},
		outcomes: map[string]Outcome{},
		cursor:   map[backend.PurchaseKind]int{},
	}
	for _, p := range products {
		s.catalog[p.SKU] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ backend.Backend = (*Store)(nil)

// Initialize implements backend.Backend.
func (s *Store) Initialize(l backend.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.listener = l
	return nil
}

// Connect implements backend.Backend. The result is delivered through the
// listener before Connect returns.
func (s *Store) Connect(context.Context) error {
	s.mu.Lock()
	s.stats.Connects++
	res := backend.ConnectionResult{Status: backend.StatusOK}
	if s.failConnects > 0 {
		s.failConnects--
		res.Status = backend.StatusDisconnected
	} else {
		s.connected = true
	}
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		l.OnConnectionResult(res)
	}
	return nil
}

// Disconnect implements backend.Backend.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// QueryProducts implements backend.Backend.
func (s *Store) QueryProducts(_ context.Context, requestID string, products map[string]iap.ProductType) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.stats.ProductQueries++
	res := backend.ProductDataResult{RequestID: requestID, Status: backend.StatusOK}
	skus := make([]string, 0, len(products))
	for sku := range products {
		skus = append(skus, sku)
	}
	slices.Sort(skus)
	for _, sku := range skus {
		if p, ok := s.catalog[sku]; ok {
			res.Products = append(res.Products, p)
		} else {
			res.Unavailable = append(res.Unavailable, sku)
		}
	}
	l := s.listener
	s.mu.Unlock()

	l.OnProductData(res)
	return nil
}

// QueryPurchases implements backend.Backend. It reports purchases the
// user still owns: consumed and revoked purchases are left out.
func (s *Store) QueryPurchases(_ context.Context, kind backend.PurchaseKind, reset bool) error {
	s.mu.Lock()
	if !s.connected {
		l := s.listener
		s.mu.Unlock()
		l.OnPurchaseUpdates(backend.PurchaseUpdatesResult{Status: backend.StatusDisconnected, Kind: kind, Queried: true})
		return nil
	}
	s.stats.PurchaseQueries++
	if reset {
		s.cursor[kind] = 0
	}

	var owned []backend.PurchaseRecord
	for _, p := range s.ledger {
		if p.consumed || p.revoked || backend.KindOf(p.rec.Type) != kind {
			continue
		}
		owned = append(owned, p.rec)
	}
	start := min(s.cursor[kind], len(owned))
	end := len(owned)
	if s.pageSize > 0 {
		end = min(start+s.pageSize, len(owned))
	}
	s.cursor[kind] = end
	res := backend.PurchaseUpdatesResult{
		Status:    backend.StatusOK,
		Kind:      kind,
		Purchases: owned[start:end],
		Queried:   true,
		HasMore:   end < len(owned),
	}
	l := s.listener
	s.mu.Unlock()

	l.OnPurchaseUpdates(res)
	return nil
}

// LaunchPurchaseFlow implements backend.Backend. The flow ends as scripted
// by SetOutcome. A non-consumable or subscription the user still owns ends
// with ItemAlreadyOwned.
func (s *Store) LaunchPurchaseFlow(_ context.Context, p iap.Product, opts iap.OrderOptions) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := s.catalog[p.SKU]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory store: sku %q not for sale", p.SKU)
	}
	s.stats.Flows++

	outcome := s.outcomes[p.SKU]
	if p.Type != iap.ProductTypeConsumable && s.ownsLocked(p.SKU) {
		outcome = OutcomeAlreadyOwned
	}

	res := backend.PurchaseResult{SKU: p.SKU}
	switch outcome {
	case OutcomePurchased, OutcomePending:
		state := iap.PurchaseStatePurchased
		if outcome == OutcomePending {
			state = iap.PurchaseStatePending
		}
		rec := s.newRecordLocked(p, state, opts)
		res.Status = backend.StatusOK
		res.Purchases = []backend.PurchaseRecord{rec}
	case OutcomeCancelled:
		res.Status = backend.StatusUserCancelled
	case OutcomeAlreadyOwned:
		res.Status = backend.StatusItemAlreadyOwned
	case OutcomeError:
		res.Status = backend.StatusFailure
		res.Err = errors.New("memory store: scripted purchase failure")
	}
	l := s.listener
	s.mu.Unlock()

	l.OnPurchaseResult(res)
	return nil
}

func (s *Store) ownsLocked(sku string) bool {
	for _, p := range s.ledger {
		if !p.consumed && !p.revoked && p.rec.State != iap.PurchaseStateUnspecified && slices.Contains(p.rec.SKUs, sku) {
			return true
		}
	}
	return false
}

func (s *Store) newRecordLocked(p iap.Product, state iap.PurchaseState, opts iap.OrderOptions) backend.PurchaseRecord {
	quantity := max(opts.Quantity, 1)
	rec := backend.PurchaseRecord{
		OrderID:      "GPA." + s.ids.Generate(),
		Token:        s.ids.Generate(),
		SKUs:         []string{p.SKU},
		Quantity:     quantity,
		Type:         p.Type,
		State:        state,
		PurchaseTime: s.now(),
		UserID:       opts.ObfuscatedAccountID,
	}
	rec.Raw = rawPayload(rec)
	s.ledger = append(s.ledger, &purchase{rec: rec})
	return rec
}

func rawPayload(rec backend.PurchaseRecord) []byte {
	b, err := json.Marshal(map[string]any{
		"orderId":       rec.OrderID,
		"purchaseToken": rec.Token,
		"productIds":    rec.SKUs,
		"quantity":      rec.Quantity,
		"purchaseState": rec.State.String(),
		"acknowledged":  rec.Acknowledged,
		"purchaseTime":  rec.PurchaseTime.UnixMilli(),
	})
	if err != nil {
		return nil
	}
	return b
}

// Acknowledge implements backend.Backend.
func (s *Store) Acknowledge(_ context.Context, o iap.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.ackErr != nil {
		return s.ackErr
	}
	p := s.findLocked(o.EntitlementToken)
	if p == nil {
		return ErrUnknownToken
	}
	p.rec.Acknowledged = true
	p.rec.Raw = rawPayload(p.rec)
	s.stats.Acknowledged++
	return nil
}

// Consume implements backend.Backend.
func (s *Store) Consume(_ context.Context, o iap.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.consumeErr != nil {
		return s.consumeErr
	}
	p := s.findLocked(o.EntitlementToken)
	if p == nil {
		return ErrUnknownToken
	}
	p.consumed = true
	s.stats.Consumed++
	return nil
}

// MarkUnavailable implements backend.Backend by revoking the purchase.
func (s *Store) MarkUnavailable(_ context.Context, o iap.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(o.EntitlementToken)
	if p == nil {
		return ErrUnknownToken
	}
	p.revoked = true
	s.stats.Unavailable++
	return nil
}

func (s *Store) findLocked(token string) *purchase {
	for _, p := range s.ledger {
		if p.rec.Token == token {
			return p
		}
	}
	return nil
}
