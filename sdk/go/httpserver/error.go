// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type HTTPStatusError interface {
	error
	HTTPStatus() int
}

func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

func ErrorWithStatus(err error, status int) error {
	return errorWithStatus{err, status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int {
	return ews.Status
}

func (ews errorWithStatus) Unwrap() error {
	return ews.error
}

type ErrorResponse struct {
	Errors []string `json:"errors"`
}

func Error(w http.ResponseWriter, error string, code int) {
	Errors(w, []string{error}, code)
}

func Errors(w http.ResponseWriter, errors []string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: errors})
}

// ErrorFrom writes err as a JSON error response, using the status
// carried by err if it has one, otherwise 500.
func ErrorFrom(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var hse HTTPStatusError
	if errors.As(err, &hse) {
		code = hse.HTTPStatus()
	}
	Error(w, err.Error(), code)
}

// WriteJSON sends v as a JSON response with status 200.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes the request body into v. On failure it returns an
// error carrying status 400.
func ReadJSON(req *http.Request, v interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return ErrorWithStatus(fmt.Errorf("error decoding request body: %w", err), http.StatusBadRequest)
	}
	return nil
}

// RequireToken wraps h, rejecting requests that do not carry the
// given bearer token. An empty token disables the handler.
func RequireToken(token string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if token == "" {
			Error(w, "disabled", http.StatusNotFound)
		} else if ah := req.Header.Get("Authorization"); ah == "" {
			Error(w, "authorization required", http.StatusUnauthorized)
		} else if ah != "Bearer "+token {
			Error(w, "authorization error", http.StatusForbidden)
		} else {
			h.ServeHTTP(w, req)
		}
	})
}
