package orders

import (
	"context"

	"github.com/roach88/iapsync/internal/iap"
)

// Verdict is the outcome of host validation.
type Verdict int

const (
	VerdictValidated Verdict = iota
	VerdictInvalidated
)

func (v Verdict) String() string {
	if v == VerdictValidated {
		return "validated"
	}
	return "invalidated"
}

// Validator checks a purchase with the host (typically its own server)
// before anything is granted. Validate runs on the engine's executor and
// may block.
type Validator interface {
	Validate(ctx context.Context, o iap.Order) (Verdict, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, o iap.Order) (Verdict, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, o iap.Order) (Verdict, error) {
	return f(ctx, o)
}

// CompletionListener receives the terminal outcome of every order. Calls
// come from whichever goroutine finished the order; the host marshals to
// its UI thread if it needs to. The listener runs before the terminal
// state is published to order streams.
type CompletionListener interface {
	OnComplete(r iap.Receipt)
	OnFailure(o iap.Order)
}

// ListenerFuncs adapts a pair of functions to CompletionListener. Nil
// fields are ignored.
type ListenerFuncs struct {
	Complete func(iap.Receipt)
	Failure  func(iap.Order)
}

// OnComplete implements CompletionListener.
func (l ListenerFuncs) OnComplete(r iap.Receipt) {
	if l.Complete != nil {
		l.Complete(r)
	}
}

// OnFailure implements CompletionListener.
func (l ListenerFuncs) OnFailure(o iap.Order) {
	if l.Failure != nil {
		l.Failure(o)
	}
}
