// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"net/http"
	"strings"
	"sync"

	"git.arvados.org/dataflow.git/sdk/go/httpserver"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of URI path to health-check Func.
type Routes map[string]Func

// Response is the JSON body returned by a health check.
type Response struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Routes["foo"] is the health check invoked by a request to
	// "{Prefix}foo". A "ping" route that always succeeds is added
	// if Routes does not have one.
	Routes Routes
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	routes := Routes{"ping": func() error { return nil }}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	for name, fn := range routes {
		h.mux.Handle(prefix+name, httpserver.RequireToken(h.Token, healthJSON(fn)))
	}
}

func healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			httpserver.WriteJSON(w, Response{Health: "ERROR", Error: err.Error()})
		} else {
			httpserver.WriteJSON(w, Response{Health: "OK"})
		}
	})
}
