package main

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vnykmshr/httpinstr/pkg/server"
)

const maxDelay = 10 * time.Second

// newRouter builds the demo API. Every route runs inside an exchange, so
// the async routes can suspend through server.ExchangeFrom.
//
//	GET /healthz         200
//	GET /sync            200 written on the first pass
//	GET /async?delay=d   completed from another goroutine after d
//	GET /dispatch?delay= resumed for a second pass after d
//	GET /stall           suspended until the async timeout
//	GET /fail            panics
func newRouter(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Get("/sync", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "sync\n")
	})
	r.Get("/async", func(w http.ResponseWriter, req *http.Request) {
		ac, ok := suspend(w, req)
		if !ok {
			return
		}
		time.AfterFunc(delay(req), func() {
			ex := ac.Exchange()
			_, _ = io.WriteString(ex.ResponseWriter(), "async\n")
			if err := ac.Complete(); err != nil {
				logger.Warn("async complete", "request_id", middleware.GetReqID(req.Context()), "error", err)
			}
		})
	})
	r.Get("/dispatch", func(w http.ResponseWriter, req *http.Request) {
		ex, _ := server.ExchangeFrom(req)
		if ex != nil && !ex.IsInitial() {
			_, _ = io.WriteString(w, "dispatched\n")
			return
		}
		ac, ok := suspend(w, req)
		if !ok {
			return
		}
		time.AfterFunc(delay(req), func() {
			if err := ac.Dispatch(); err != nil {
				logger.Warn("async dispatch", "request_id", middleware.GetReqID(req.Context()), "error", err)
			}
		})
	})
	r.Get("/stall", func(w http.ResponseWriter, req *http.Request) {
		suspend(w, req)
	})
	r.Get("/fail", func(http.ResponseWriter, *http.Request) {
		panic("demo failure")
	})
	return r
}

func suspend(w http.ResponseWriter, req *http.Request) (*server.AsyncContext, bool) {
	ex, ok := server.ExchangeFrom(req)
	if !ok {
		http.Error(w, "not served by an exchange", http.StatusInternalServerError)
		return nil, false
	}
	ac, err := ex.StartAsync()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return ac, true
}

// delay parses the delay query parameter, capped at maxDelay.
func delay(req *http.Request) time.Duration {
	d, err := time.ParseDuration(req.URL.Query().Get("delay"))
	if err != nil || d < 0 {
		return 0
	}
	return min(d, maxDelay)
}
