// Package inventory caches the validated product catalogue.
//
// Query results are merged left-biased: a sku in the new result replaces
// the cached entry, skus absent from the new result are kept. Queries are
// usually partial (one product type at a time), so the cache only grows.
//
// Reads go through an immutable snapshot swapped atomically on every merge;
// readers never block writers and never observe a half-applied result.
package inventory

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/stream"
)

// Querier issues product queries to the backend. Results come back through
// Cache.Apply.
type Querier interface {
	QueryProducts(ctx context.Context, requestID string, products map[string]iap.ProductType) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithIDGenerator replaces the request id source.
func WithIDGenerator(g iap.IDGenerator) Option {
	return func(c *Cache) { c.ids = g }
}

type snapshot struct {
	consumables    map[string]iap.Product
	nonConsumables map[string]iap.Product
	subscriptions  map[string]iap.Product
	all            map[string]iap.Product
}

func emptySnapshot() *snapshot {
	return &snapshot{
		consumables:    map[string]iap.Product{},
		nonConsumables: map[string]iap.Product{},
		subscriptions:  map[string]iap.Product{},
		all:            map[string]iap.Product{},
	}
}

// merge returns a new snapshot with products applied on top of s.
func (s *snapshot) merge(products []iap.Product) *snapshot {
	next := &snapshot{
		consumables:    maps.Clone(s.consumables),
		nonConsumables: maps.Clone(s.nonConsumables),
		subscriptions:  maps.Clone(s.subscriptions),
		all:            maps.Clone(s.all),
	}
	for _, p := range products {
		delete(next.consumables, p.SKU)
		delete(next.nonConsumables, p.SKU)
		delete(next.subscriptions, p.SKU)
		if part := next.partition(p.Type); part != nil {
			part[p.SKU] = p
		}
		next.all[p.SKU] = p
	}
	return next
}

// partition returns the map holding products of type t, or nil for types
// that only live in the aggregate bucket.
func (s *snapshot) partition(t iap.ProductType) map[string]iap.Product {
	switch t {
	case iap.ProductTypeConsumable:
		return s.consumables
	case iap.ProductTypeNonConsumable:
		return s.nonConsumables
	case iap.ProductTypeSubscription:
		return s.subscriptions
	case iap.ProductTypeUnknown:
		return nil
	}
	return nil
}

// Cache is the product catalogue.
//
// Thread-safety: all methods are safe for concurrent use.
type Cache struct {
	querier Querier
	logger  *slog.Logger
	ids     iap.IDGenerator
	hub     *stream.Hub[map[string]iap.Product]

	snap    atomic.Pointer[snapshot]
	hasData atomic.Bool

	mu        sync.Mutex
	requested map[string]iap.ProductType
	inflight  map[string]*QueryHandle
}

// New creates an empty cache that queries through q.
func New(q Querier, opts ...Option) *Cache {
	c := &Cache{
		querier:   q,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:       iap.UUIDGenerator{},
		hub:       stream.NewHub[map[string]iap.Product](),
		requested: map[string]iap.ProductType{},
		inflight:  map[string]*QueryHandle{},
	}
	c.snap.Store(emptySnapshot())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query asks the backend for products. The skus are remembered so Refresh
// can repeat them after a reconnect. The handle resolves when the backend
// answers with the products of this query only.
func (c *Cache) Query(ctx context.Context, products map[string]iap.ProductType) *QueryHandle {
	req := make(map[string]iap.ProductType, len(products))
	for sku, t := range products {
		req[iap.NormalizeSKU(sku)] = t
	}
	h := newQueryHandle(c.ids.Generate(), req)

	c.mu.Lock()
	for sku, t := range req {
		if prev, ok := c.requested[sku]; !ok || t.Known() || !prev.Known() {
			c.requested[sku] = t
		}
	}
	c.inflight[h.ID] = h
	c.mu.Unlock()

	if err := c.querier.QueryProducts(ctx, h.ID, req); err != nil {
		c.mu.Lock()
		delete(c.inflight, h.ID)
		c.mu.Unlock()
		c.logger.Warn("product query failed to start", "request", h.ID, "error", err)
		h.resolve(nil, err)
	}
	return h
}

// Refresh repeats the union of every sku queried so far. Returns nil when
// nothing was ever requested.
func (c *Cache) Refresh(ctx context.Context) *QueryHandle {
	c.mu.Lock()
	req := maps.Clone(c.requested)
	c.mu.Unlock()
	if len(req) == 0 {
		return nil
	}
	return c.Query(ctx, req)
}

// Apply merges a backend product result into the cache and resolves the
// matching query handle. Results for unknown request ids are still merged.
func (c *Cache) Apply(res backend.ProductDataResult) (map[string]iap.Product, error) {
	c.mu.Lock()
	h := c.inflight[res.RequestID]
	delete(c.inflight, res.RequestID)
	c.mu.Unlock()

	if res.Status != backend.StatusOK {
		err := backend.StatusError(res.Status, res.Err)
		c.logger.Warn("product query failed", "request", res.RequestID, "error", err)
		if h != nil {
			h.resolve(nil, err)
		}
		return nil, err
	}

	products := make([]iap.Product, 0, len(res.Products))
	result := make(map[string]iap.Product, len(res.Products))
	for _, p := range res.Products {
		p.SKU = iap.NormalizeSKU(p.SKU)
		if !p.Type.Known() {
			p.Type = c.requestedType(h, p.SKU)
		}
		if !p.Type.Known() {
			c.logger.Warn("product type unknown, keeping in aggregate bucket", "sku", p.SKU, "error", iap.ErrUnknownProductType)
		}
		products = append(products, p)
		result[p.SKU] = p
	}
	for _, sku := range res.Unavailable {
		c.logger.Debug("product unavailable", "sku", sku, "request", res.RequestID)
	}

	for {
		old := c.snap.Load()
		if c.snap.CompareAndSwap(old, old.merge(products)) {
			break
		}
	}
	c.hasData.Store(true)
	c.hub.Publish(c.Products())

	if h != nil {
		h.resolve(result, nil)
	}
	return result, nil
}

func (c *Cache) requestedType(h *QueryHandle, sku string) iap.ProductType {
	if h != nil {
		if t, ok := h.products[sku]; ok && t.Known() {
			return t
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested[sku]
}

// Product returns the cached product for sku.
func (c *Cache) Product(sku string) (iap.Product, bool) {
	p, ok := c.snap.Load().all[iap.NormalizeSKU(sku)]
	return p, ok
}

// Filter narrows Products.
type Filter func(*filterSpec)

type filterSpec struct {
	typ   *iap.ProductType
	promo *iap.Promotion
}

// OfType keeps products of type t.
func OfType(t iap.ProductType) Filter {
	return func(f *filterSpec) { f.typ = &t }
}

// WithPromotion keeps products carrying promotion p.
func WithPromotion(p iap.Promotion) Filter {
	return func(f *filterSpec) { f.promo = &p }
}

// Products returns a copy of the cached products matching every filter.
// With no filters it returns the whole aggregate bucket.
func (c *Cache) Products(filters ...Filter) map[string]iap.Product {
	var spec filterSpec
	for _, f := range filters {
		f(&spec)
	}
	s := c.snap.Load()

	source := s.all
	if spec.typ != nil {
		if part := s.partition(*spec.typ); part != nil {
			source = part
		}
	}
	out := make(map[string]iap.Product, len(source))
	for sku, p := range source {
		if spec.typ != nil && p.Type != *spec.typ {
			continue
		}
		if spec.promo != nil && p.Promotion != *spec.promo {
			continue
		}
		out[sku] = p
	}
	return out
}

// Requested returns the union of skus queried so far with their requested types.
func (c *Cache) Requested() map[string]iap.ProductType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.requested)
}

// Ready reports whether at least one query succeeded and none is in flight.
func (c *Cache) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasData.Load() && len(c.inflight) == 0
}

// Watch returns a stream of the full catalogue after every merge.
func (c *Cache) Watch(buffer int) (<-chan map[string]iap.Product, func()) {
	return c.hub.Subscribe(buffer)
}

// Abandon fails every in-flight query with err. Used when the connection is
// closed and no answer will come.
func (c *Cache) Abandon(err error) {
	c.mu.Lock()
	handles := make([]*QueryHandle, 0, len(c.inflight))
	for id, h := range c.inflight {
		handles = append(handles, h)
		delete(c.inflight, id)
	}
	c.mu.Unlock()
	for _, h := range handles {
		h.resolve(nil, err)
	}
}
