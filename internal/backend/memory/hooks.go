package memory

import (
	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/iap"
)

// SetInitError makes the next Initialize calls fail with err.
func (s *Store) SetInitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initErr = err
}

// FailNextConnects makes the next n Connect calls report Disconnected.
func (s *Store) FailNextConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
}

// DropConnection simulates the store service going away.
func (s *Store) DropConnection() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	l := s.listener
	s.mu.Unlock()

	l.OnConnectionResult(backend.ConnectionResult{Status: backend.StatusDisconnected})
}

// SetOutcome scripts how purchase flows for sku end.
func (s *Store) SetOutcome(sku string, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[sku] = o
}

// SetAcknowledgeError makes Acknowledge fail with err. Nil clears it.
func (s *Store) SetAcknowledgeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackErr = err
}

// SetConsumeError makes Consume fail with err. Nil clears it.
func (s *Store) SetConsumeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumeErr = err
}

// Deliver records a purchase made outside the app (another device, a
// promo code redemption) and pushes it as a live update when connected.
// While disconnected the push is lost; the purchase only shows up in
// later queries. Missing order id and token are generated. Returns the
// stored record.
func (s *Store) Deliver(rec backend.PurchaseRecord) backend.PurchaseRecord {
	s.mu.Lock()
	if rec.Token == "" {
		rec.Token = s.ids.Generate()
	}
	if rec.OrderID == "" {
		rec.OrderID = "GPA." + s.ids.Generate()
	}
	if rec.Quantity < 1 {
		rec.Quantity = 1
	}
	if !rec.Type.Known() && len(rec.SKUs) > 0 {
		rec.Type = s.catalog[rec.SKUs[0]].Type
	}
	if rec.PurchaseTime.IsZero() {
		rec.PurchaseTime = s.now()
	}
	rec.Raw = rawPayload(rec)
	if p := s.findLocked(rec.Token); p != nil {
		p.rec = rec
	} else {
		s.ledger = append(s.ledger, &purchase{rec: rec})
	}

	connected, l := s.connected, s.listener
	s.mu.Unlock()

	if connected && l != nil {
		l.OnPurchaseUpdates(backend.PurchaseUpdatesResult{
			Status:    backend.StatusOK,
			Kind:      backend.KindOf(rec.Type),
			Purchases: []backend.PurchaseRecord{rec},
		})
	}
	return rec
}

// SettlePending moves a pending purchase to state and pushes the update.
func (s *Store) SettlePending(token string, state iap.PurchaseState) (backend.PurchaseRecord, bool) {
	s.mu.Lock()
	p := s.findLocked(token)
	if p == nil || p.rec.State != iap.PurchaseStatePending {
		s.mu.Unlock()
		return backend.PurchaseRecord{}, false
	}
	rec := p.rec
	rec.State = state
	s.mu.Unlock()

	return s.Deliver(rec), true
}

// Purchase returns the stored record for token.
func (s *Store) Purchase(token string) (backend.PurchaseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(token)
	if p == nil {
		return backend.PurchaseRecord{}, false
	}
	return p.rec, true
}

// Consumed reports whether token was consumed.
func (s *Store) Consumed(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(token)
	return p != nil && p.consumed
}

// Connected reports whether the store considers the client connected.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Stats returns call counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
