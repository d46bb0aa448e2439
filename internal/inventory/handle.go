package inventory

import (
	"context"
	"sync"

	"github.com/roach88/iapsync/internal/iap"
)

// QueryHandle tracks one product query.
type QueryHandle struct {
	ID string

	products map[string]iap.ProductType
	done     chan struct{}
	once     sync.Once
	result   map[string]iap.Product
	err      error
}

func newQueryHandle(id string, products map[string]iap.ProductType) *QueryHandle {
	return &QueryHandle{ID: id, products: products, done: make(chan struct{})}
}

func (h *QueryHandle) resolve(result map[string]iap.Product, err error) {
	h.once.Do(func() {
		h.result, h.err = result, err
		close(h.done)
	})
}

// Done is closed once the query has an outcome.
func (h *QueryHandle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. Only valid after Done is closed.
func (h *QueryHandle) Result() (map[string]iap.Product, error) {
	<-h.done
	return h.result, h.err
}

// Wait blocks until the query resolves or ctx ends.
func (h *QueryHandle) Wait(ctx context.Context) (map[string]iap.Product, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
