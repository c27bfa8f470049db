package server

import (
	"fmt"
	"net/http"
)

// Handler runs one pass over an exchange. A returned error fails the
// exchange; the host sends 500 if nothing has been committed.
type Handler interface {
	Handle(ex *Exchange) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ex *Exchange) error

// Handle calls f(ex).
func (f HandlerFunc) Handle(ex *Exchange) error {
	return f(ex)
}

// Starter is implemented by components that need a start step before
// serving, such as registering gauges.
type Starter interface {
	Start() error
}

// Adapt turns a net/http handler into a Handler. The handler can reach
// its exchange through ExchangeFrom to suspend.
func Adapt(h http.Handler) Handler {
	return HandlerFunc(func(ex *Exchange) error {
		h.ServeHTTP(ex.ResponseWriter(), ex.Request())
		return nil
	})
}

// PanicError is returned by a pass whose handler panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

func start(v interface{}) error {
	if s, ok := v.(Starter); ok {
		return s.Start()
	}
	return nil
}
