// Package playstore adapts the Google Play Developer API to the backend
// contract.
//
// The Developer API is a server-side view of the store: it can describe
// products and verify, acknowledge, consume and refund purchases whose
// tokens are already known, but it cannot run a purchase flow or list a
// user's purchases. Callers register the tokens they hold with Track; each
// QueryPurchases answer verifies the tracked tokens of that kind.
package playstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/sched"
)

var (
	// ErrNotConnected is returned for calls made before Connect or after
	// Disconnect.
	ErrNotConnected = errors.New("playstore: not connected")
	// ErrNoOrderID is returned by MarkUnavailable for a one-time product
	// whose order id is unknown; refunds are keyed by order id.
	ErrNoOrderID = errors.New("playstore: order id required for refund")
)

// Config names the app and how to authenticate.
type Config struct {
	PackageName string
	// CredentialsFile is a service account JSON key. Empty uses the
	// application default credentials.
	CredentialsFile string
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithExecutor sets where remote calls started by Connect and the query
// methods run. Default: one goroutine per call.
func WithExecutor(x sched.Executor) Option {
	return func(a *Adapter) { a.exec = x }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithLanguage selects the store listing and price formatting language.
// Default: "en-US".
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.lang = lang }
}

// WithClock sets the time source used to decide subscription expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithClientOptions passes extra options to the API client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(a *Adapter) { a.clientOpts = append(a.clientOpts, opts...) }
}

type tracked struct {
	sku   string
	token string
	typ   iap.ProductType
}

// Adapter implements backend.Backend over the Android Publisher API.
//
// Thread-safety: all methods are safe for concurrent use. The listener is
// never called with the adapter lock held.
type Adapter struct {
	pkg        string
	svc        *androidpublisher.Service
	exec       sched.Executor
	logger     *slog.Logger
	lang       string
	now        func() time.Time
	clientOpts []option.ClientOption

	mu        sync.Mutex
	listener  backend.Listener
	connected bool
	tracked   []tracked
	types     map[string]iap.ProductType
}

var _ backend.Backend = (*Adapter)(nil)

// New creates an adapter for cfg.PackageName.
func New(ctx context.Context, cfg Config, opts ...Option) (*Adapter, error) {
	pkg := strings.TrimSpace(cfg.PackageName)
	if pkg == "" {
		return nil, errors.New("playstore: package name is empty")
	}
	a := &Adapter{
		pkg:    pkg,
		exec:   &sched.Go{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		lang:   "en-US",
		now:    time.Now,
		types:  map[string]iap.ProductType{},
	}
	for _, opt := range opts {
		opt(a)
	}

	clientOpts := []option.ClientOption{option.WithScopes(androidpublisher.AndroidpublisherScope)}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := androidpublisher.NewService(ctx, append(clientOpts, a.clientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}
	a.svc = svc
	return a, nil
}

// Track registers a purchase token to verify on the next QueryPurchases of
// its kind. Tracking the same token twice is a no-op.
func (a *Adapter) Track(sku string, t iap.ProductType, token string) {
	sku, token = iap.NormalizeSKU(sku), strings.TrimSpace(token)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tr := range a.tracked {
		if tr.token == token {
			return
		}
	}
	a.tracked = append(a.tracked, tracked{sku: sku, token: token, typ: t})
	if t.Known() {
		a.types[sku] = t
	}
}

// Initialize implements backend.Backend.
func (a *Adapter) Initialize(l backend.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = l
	return nil
}

// Connect implements backend.Backend. The Developer API is stateless, so
// connecting only opens the adapter for calls.
func (a *Adapter) Connect(context.Context) error {
	a.mu.Lock()
	if a.listener == nil {
		a.mu.Unlock()
		return errors.New("playstore: not initialized")
	}
	a.connected = true
	a.mu.Unlock()

	a.exec.Submit(func() {
		a.deliver(func(l backend.Listener) {
			l.OnConnectionResult(backend.ConnectionResult{Status: backend.StatusOK})
		})
	})
	return nil
}

// Disconnect implements backend.Backend. Calls still in flight finish but
// their results are dropped.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
}

// deliver hands a result to the listener unless the adapter was
// disconnected meanwhile.
func (a *Adapter) deliver(f func(backend.Listener)) {
	a.mu.Lock()
	l, ok := a.listener, a.connected
	a.mu.Unlock()
	if ok && l != nil {
		f(l)
	}
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	return nil
}

// QueryProducts implements backend.Backend with one inappproducts.get per
// sku. Unknown and inactive skus are reported as unavailable.
func (a *Adapter) QueryProducts(ctx context.Context, requestID string, products map[string]iap.ProductType) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	a.exec.Submit(func() {
		res := backend.ProductDataResult{RequestID: requestID, Status: backend.StatusOK}
		for _, sku := range sortedKeys(products) {
			p, err := a.svc.Inappproducts.Get(a.pkg, sku).Context(ctx).Do()
			switch {
			case isNotFound(err):
				res.Unavailable = append(res.Unavailable, sku)
				continue
			case err != nil:
				res.Status, res.Err = statusOf(err), fmt.Errorf("inappproducts.get %s: %w", sku, err)
				res.Products, res.Unavailable = nil, nil
				a.deliver(func(l backend.Listener) { l.OnProductData(res) })
				return
			case p.Status != "" && p.Status != "active":
				res.Unavailable = append(res.Unavailable, sku)
				continue
			}
			product := a.product(p, products[sku])
			a.mu.Lock()
			if product.Type.Known() {
				a.types[product.SKU] = product.Type
			}
			a.mu.Unlock()
			res.Products = append(res.Products, product)
		}
		a.deliver(func(l backend.Listener) { l.OnProductData(res) })
	})
	return nil
}

func (a *Adapter) product(p *androidpublisher.InAppProduct, requested iap.ProductType) iap.Product {
	out := iap.Product{SKU: iap.NormalizeSKU(p.Sku), Type: requested}
	if !out.Type.Known() && p.PurchaseType == "subscription" {
		out.Type = iap.ProductTypeSubscription
	}

	listing, ok := p.Listings[a.lang]
	if !ok {
		listing = p.Listings[p.DefaultLanguage]
	}
	out.Title, out.Description = listing.Title, listing.Description

	if p.DefaultPrice != nil {
		out.PriceMicros, _ = strconv.ParseInt(p.DefaultPrice.PriceMicros, 10, 64)
		out.Currency = p.DefaultPrice.Currency
		out.Price = iap.FormatPrice(out.PriceMicros, out.Currency, a.lang)
	}

	if out.Type == iap.ProductTypeSubscription {
		if p.TrialPeriod != "" {
			out.Promotion = iap.PromotionFree
			out.PricingPhases = append(out.PricingPhases, iap.PricingPhase{
				FormattedPrice: "Free",
				Currency:       out.Currency,
				BillingPeriod:  p.TrialPeriod,
				BillingCycles:  1,
			})
		}
		out.PricingPhases = append(out.PricingPhases, iap.PricingPhase{
			FormattedPrice: out.Price,
			PriceMicros:    out.PriceMicros,
			Currency:       out.Currency,
			BillingPeriod:  p.SubscriptionPeriod,
		})
	}
	return out
}

// QueryPurchases implements backend.Backend by verifying every tracked
// token of kind. Tokens the store no longer knows, consumed products,
// cancelled one-time purchases and expired subscriptions are left out.
// Every tracked token fits in one answer, so HasMore is never set.
//
// A token that cannot be verified is skipped. Its error follows the answer
// as a second, failed result so the next connect cycle queries again.
func (a *Adapter) QueryPurchases(ctx context.Context, kind backend.PurchaseKind, _ bool) error {
	a.mu.Lock()
	if !a.connected {
		l := a.listener
		a.mu.Unlock()
		if l != nil {
			l.OnPurchaseUpdates(backend.PurchaseUpdatesResult{Status: backend.StatusDisconnected, Kind: kind, Queried: true})
		}
		return nil
	}
	var batch []tracked
	for _, tr := range a.tracked {
		if backend.KindOf(tr.typ) == kind {
			batch = append(batch, tr)
		}
	}
	a.mu.Unlock()

	a.exec.Submit(func() {
		res := backend.PurchaseUpdatesResult{Status: backend.StatusOK, Kind: kind, Queried: true}
		var errs []error
		for _, tr := range batch {
			rec, ok, err := a.verify(ctx, tr)
			if err != nil {
				a.logger.Warn("purchase verification failed", "sku", tr.sku, "token", tr.token, "error", err)
				errs = append(errs, err)
				continue
			}
			if ok {
				res.Purchases = append(res.Purchases, rec)
			}
		}
		a.deliver(func(l backend.Listener) { l.OnPurchaseUpdates(res) })
		if len(errs) == 0 {
			return
		}
		err := errors.Join(errs...)
		failed := backend.PurchaseUpdatesResult{Status: statusOf(err), Err: err, Kind: kind, Queried: true}
		a.deliver(func(l backend.Listener) { l.OnPurchaseUpdates(failed) })
	})
	return nil
}

func (a *Adapter) verify(ctx context.Context, tr tracked) (backend.PurchaseRecord, bool, error) {
	if tr.typ == iap.ProductTypeSubscription {
		sub, err := a.svc.Purchases.Subscriptions.Get(a.pkg, tr.sku, tr.token).Context(ctx).Do()
		if isNotFound(err) {
			a.logger.Warn("subscription token not found", "sku", tr.sku, "token", tr.token)
			return backend.PurchaseRecord{}, false, nil
		}
		if err != nil {
			return backend.PurchaseRecord{}, false, fmt.Errorf("subscriptions.get %s: %w", tr.sku, err)
		}
		return a.subscriptionRecord(tr, sub)
	}

	p, err := a.svc.Purchases.Products.Get(a.pkg, tr.sku, tr.token).Context(ctx).Do()
	if isNotFound(err) {
		a.logger.Warn("product token not found", "sku", tr.sku, "token", tr.token)
		return backend.PurchaseRecord{}, false, nil
	}
	if err != nil {
		return backend.PurchaseRecord{}, false, fmt.Errorf("products.get %s: %w", tr.sku, err)
	}
	return productRecord(tr, p)
}

// Play purchase states for one-time products.
const (
	productPurchased = 0
	productCancelled = 1
	productPending   = 2
)

func productRecord(tr tracked, p *androidpublisher.ProductPurchase) (backend.PurchaseRecord, bool, error) {
	if p.ConsumptionState == 1 || p.PurchaseState == productCancelled {
		return backend.PurchaseRecord{}, false, nil
	}
	rec := backend.PurchaseRecord{
		OrderID:      p.OrderId,
		Token:        tr.token,
		SKUs:         []string{tr.sku},
		Quantity:     int(max(p.Quantity, 1)),
		Type:         tr.typ,
		Acknowledged: p.AcknowledgementState == 1,
		PurchaseTime: time.UnixMilli(p.PurchaseTimeMillis).UTC(),
		UserID:       p.ObfuscatedExternalAccountId,
	}
	// Any other state is passed on as Unspecified and fails the order.
	switch p.PurchaseState {
	case productPurchased:
		rec.State = iap.PurchaseStatePurchased
	case productPending:
		rec.State = iap.PurchaseStatePending
	default:
		rec.State = iap.PurchaseStateUnspecified
	}
	raw, err := p.MarshalJSON()
	if err != nil {
		return backend.PurchaseRecord{}, false, err
	}
	rec.Raw = raw
	return rec, true, nil
}

func (a *Adapter) subscriptionRecord(tr tracked, s *androidpublisher.SubscriptionPurchase) (backend.PurchaseRecord, bool, error) {
	if s.ExpiryTimeMillis > 0 && s.ExpiryTimeMillis <= a.now().UnixMilli() {
		return backend.PurchaseRecord{}, false, nil
	}
	rec := backend.PurchaseRecord{
		OrderID:      s.OrderId,
		Token:        tr.token,
		SKUs:         []string{tr.sku},
		Quantity:     1,
		Type:         iap.ProductTypeSubscription,
		State:        iap.PurchaseStatePurchased,
		Acknowledged: s.AcknowledgementState == 1,
		Cancelled:    !s.AutoRenewing,
		PurchaseTime: time.UnixMilli(s.StartTimeMillis).UTC(),
		UserID:       s.ObfuscatedExternalAccountId,
	}
	// Payment state 0 is a payment the store has not received yet.
	if s.PaymentState != nil && *s.PaymentState == 0 {
		rec.State = iap.PurchaseStatePending
	}
	if s.UserCancellationTimeMillis > 0 {
		t := time.UnixMilli(s.UserCancellationTimeMillis).UTC()
		rec.CancelTime = &t
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return backend.PurchaseRecord{}, false, err
	}
	rec.Raw = raw
	return rec, true, nil
}

// LaunchPurchaseFlow implements backend.Backend. Purchase flows run on the
// device, never through the Developer API.
func (a *Adapter) LaunchPurchaseFlow(context.Context, iap.Product, iap.OrderOptions) error {
	return backend.ErrUnsupported
}

// Acknowledge implements backend.Backend.
func (a *Adapter) Acknowledge(ctx context.Context, o iap.Order) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	var err error
	if a.typeOf(o) == iap.ProductTypeSubscription {
		err = a.svc.Purchases.Subscriptions.Acknowledge(a.pkg, o.SKU(), o.EntitlementToken,
			&androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}).Context(ctx).Do()
	} else {
		err = a.svc.Purchases.Products.Acknowledge(a.pkg, o.SKU(), o.EntitlementToken,
			&androidpublisher.ProductPurchasesAcknowledgeRequest{}).Context(ctx).Do()
	}
	if err != nil {
		return backend.StatusError(statusOf(err), fmt.Errorf("acknowledge %s: %w", o.SKU(), err))
	}
	return nil
}

// Consume implements backend.Backend.
func (a *Adapter) Consume(ctx context.Context, o iap.Order) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	if err := a.svc.Purchases.Products.Consume(a.pkg, o.SKU(), o.EntitlementToken).Context(ctx).Do(); err != nil {
		return backend.StatusError(statusOf(err), fmt.Errorf("consume %s: %w", o.SKU(), err))
	}
	return nil
}

// MarkUnavailable implements backend.Backend. Subscriptions are revoked;
// one-time products are refunded and their entitlement revoked.
func (a *Adapter) MarkUnavailable(ctx context.Context, o iap.Order) error {
	var err error
	if a.typeOf(o) == iap.ProductTypeSubscription {
		err = a.svc.Purchases.Subscriptions.Revoke(a.pkg, o.SKU(), o.EntitlementToken).Context(ctx).Do()
	} else {
		if o.OrderID == "" {
			return ErrNoOrderID
		}
		err = a.svc.Orders.Refund(a.pkg, o.OrderID).Revoke(true).Context(ctx).Do()
	}
	if err != nil {
		return backend.StatusError(statusOf(err), fmt.Errorf("revoke %s: %w", o.SKU(), err))
	}
	return nil
}

func (a *Adapter) typeOf(o iap.Order) iap.ProductType {
	if o.Type.Known() {
		return o.Type
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.types[o.SKU()]
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}

// statusOf maps an API error to a backend status. Errors that never
// reached the API are treated as the service being unreachable.
func statusOf(err error) backend.Status {
	if err == nil {
		return backend.StatusOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backend.StatusFailure
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return backend.StatusServiceUnavailable
	}
	switch gerr.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return backend.StatusDeveloperError
	case http.StatusNotFound, http.StatusGone:
		return backend.StatusItemUnavailable
	case http.StatusConflict:
		return backend.StatusItemAlreadyOwned
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return backend.StatusServiceUnavailable
	}
	return backend.StatusFailure
}

func sortedKeys(m map[string]iap.ProductType) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
